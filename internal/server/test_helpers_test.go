package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/checkplease/internal/bills"
	"github.com/MarcoPoloResearchLab/checkplease/internal/database"
	"github.com/MarcoPoloResearchLab/checkplease/internal/ledger"
	"github.com/MarcoPoloResearchLab/checkplease/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type testServer struct {
	server *httptest.Server
	store  *ledger.Store
	feed   *ledger.Feed
}

func newTestServer(t *testing.T, options ...func(*Dependencies)) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	feed := ledger.NewFeed(32)
	store, err := ledger.NewStore(ledger.StoreConfig{Database: db, Publisher: feed})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	registry := prometheus.NewRegistry()
	metrics, err := telemetry.NewMetrics(registry)
	if err != nil {
		t.Fatalf("failed to build metrics: %v", err)
	}
	service, err := bills.NewService(bills.ServiceConfig{
		Store:         store,
		IDProvider:    ledger.NewUUIDProvider(),
		Metrics:       metrics,
		RetryInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	deps := Dependencies{
		Bills:             service,
		Reader:            store,
		Feed:              feed,
		Logger:            zap.NewNop(),
		Metrics:           metrics,
		Gatherer:          registry,
		HeartbeatInterval: 50 * time.Millisecond,
	}
	for _, option := range options {
		option(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	t.Cleanup(feed.Close)
	return testServer{server: server, store: store, feed: feed}
}

func (s testServer) doJSON(t *testing.T, method, path string, body any, target any) int {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	if target != nil {
		if err := json.NewDecoder(response.Body).Decode(target); err != nil {
			t.Fatalf("failed to decode %s %s response: %v", method, path, err)
		}
	}
	return response.StatusCode
}

func (s testServer) mustCreatePizzaBill(t *testing.T, tip int) (string, string) {
	t.Helper()
	var created createBillResponsePayload
	status := s.doJSON(t, http.MethodPost, "/bills", map[string]any{
		"items":          []map[string]any{{"name": "Pizza", "price": "12.00", "quantity": 2}},
		"tip_percentage": tip,
	}, &created)
	if status != http.StatusCreated {
		t.Fatalf("expected bill creation, got status %d", status)
	}
	var view billViewPayload
	if status := s.doJSON(t, http.MethodGet, "/bills/"+created.BillID, nil, &view); status != http.StatusOK {
		t.Fatalf("expected bill view, got status %d", status)
	}
	return created.BillID, view.Items[0].ItemID
}

func (s testServer) mustJoin(t *testing.T, billID, name string) string {
	t.Helper()
	var joined joinBillResponsePayload
	if status := s.doJSON(t, http.MethodPost, "/bills/"+billID+"/guests", map[string]any{"name": name}, &joined); status != http.StatusCreated {
		t.Fatalf("expected guest creation, got status %d", status)
	}
	return joined.GuestID
}
