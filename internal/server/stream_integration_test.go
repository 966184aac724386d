package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
)

type streamEvent struct {
	eventType string
	data      string
}

// openStream connects to the bill stream and returns a channel of parsed SSE events.
func openStream(t *testing.T, s testServer, billID string) (*http.Response, <-chan streamEvent) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	streamRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, s.server.URL+"/bills/"+billID+"/stream", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})

	events := make(chan streamEvent, 64)
	go func() {
		defer close(events)
		streamReader := bufio.NewReader(streamResp.Body)
		currentEventType := ""
		for {
			line, err := streamReader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(line, "event:"):
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				events <- streamEvent{eventType: currentEventType, data: strings.TrimSpace(strings.TrimPrefix(line, "data:"))}
			}
		}
	}()
	return streamResp, events
}

func awaitSnapshot(t *testing.T, events <-chan streamEvent, accept func(billViewPayload) bool) billViewPayload {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for session snapshot")
			return billViewPayload{}
		case event, ok := <-events:
			if !ok {
				t.Fatal("stream closed before the expected snapshot")
			}
			if event.eventType != StreamEventSnapshot {
				continue
			}
			var payload billViewPayload
			if err := json.Unmarshal([]byte(event.data), &payload); err != nil {
				t.Fatalf("failed to decode snapshot payload: %v", err)
			}
			if accept(payload) {
				return payload
			}
		}
	}
}

func TestBillStreamEmitsSnapshotsAfterClaims(t *testing.T) {
	s := newTestServer(t)
	billID, pizzaID := s.mustCreatePizzaBill(t, 20)

	streamResp, events := openStream(t, s, billID)
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}
	initial := awaitSnapshot(t, events, func(payload billViewPayload) bool { return true })
	if initial.State != "live" || initial.Settlement.Bill.Subtotal != "24.00" {
		t.Fatalf("unexpected initial snapshot %#v", initial)
	}

	guestID := s.mustJoin(t, billID, "Ana")
	if status := s.doJSON(t, http.MethodPost, "/items/"+pizzaID+"/claims", map[string]any{"guest_id": guestID, "delta": 1}, nil); status != http.StatusOK {
		t.Fatalf("claim failed with status %d", status)
	}

	snapshot := awaitSnapshot(t, events, func(payload billViewPayload) bool {
		return len(payload.Claims) == 1 && len(payload.Settlement.Guests) == 1
	})
	if snapshot.Items[0].UnclaimedQuantity != 1 {
		t.Fatalf("expected unclaimed quantity 1, got %d", snapshot.Items[0].UnclaimedQuantity)
	}
	if snapshot.Settlement.Guests[0].Total != "14.40" {
		t.Fatalf("expected guest total 14.40, got %s", snapshot.Settlement.Guests[0].Total)
	}
}

func TestBillStreamEmitsHeartbeatsAndClosesWithFeed(t *testing.T) {
	s := newTestServer(t)
	billID, _ := s.mustCreatePizzaBill(t, 15)
	_, events := openStream(t, s, billID)
	awaitSnapshot(t, events, func(payload billViewPayload) bool { return true })

	deadline := time.After(5 * time.Second)
	sawHeartbeat := false
	for !sawHeartbeat {
		select {
		case event := <-events:
			sawHeartbeat = event.eventType == streamEventHeartbeat
		case <-deadline:
			t.Fatal("timed out waiting for heartbeat")
		}
	}

	s.feed.Close()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatal("stream ended without a session-closed event")
			}
			if event.eventType != StreamEventClosed {
				continue
			}
			var payload sessionClosedPayload
			if err := json.Unmarshal([]byte(event.data), &payload); err != nil {
				t.Fatalf("failed to decode closed payload: %v", err)
			}
			if payload.Reason != "feed_closed" {
				t.Fatalf("expected feed_closed reason, got %s", payload.Reason)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for session-closed")
		}
	}
}

func TestBillStreamMissingBill(t *testing.T) {
	s := newTestServer(t)
	streamResp, _ := openStream(t, s, "missing")
	if streamResp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing bill, got %d", streamResp.StatusCode)
	}
}
