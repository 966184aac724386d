// Package session keeps a live view of one bill for one viewer, driven by the ledger change feed.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/checkplease/internal/ledger"
	"github.com/MarcoPoloResearchLab/checkplease/internal/settlement"
	"github.com/MarcoPoloResearchLab/checkplease/internal/telemetry"
	"go.uber.org/zap"
)

// State is the synchronizer lifecycle.
type State string

const (
	StateConnecting   State = "connecting"
	StateLive         State = "live"
	StateDisconnected State = "disconnected"
)

var (
	errMissingReader = errors.New("session: reader is required")
	errMissingFeed   = errors.New("session: feed is required")
	errMissingBillID = errors.New("session: bill id is required")
)

// View is what a viewer renders. Err is set on the final disconnected view when the
// session ended because of a failure.
type View struct {
	State      State
	Snapshot   Snapshot
	Settlement settlement.Result
	Err        error
}

// Config describes a Synchronizer.
type Config struct {
	Reader  Reader
	Feed    ledger.Subscriber
	BillID  string
	Clock   func() time.Time
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
}

// Synchronizer owns one feed subscription and republishes the bill view after every change.
type Synchronizer struct {
	reader  Reader
	feed    ledger.Subscriber
	billID  string
	clock   func() time.Time
	logger  *zap.Logger
	metrics *telemetry.Metrics
	updates chan View

	mu      sync.Mutex
	state   State
	running bool
}

func NewSynchronizer(cfg Config) (*Synchronizer, error) {
	if cfg.Reader == nil {
		return nil, errMissingReader
	}
	if cfg.Feed == nil {
		return nil, errMissingFeed
	}
	if cfg.BillID == "" {
		return nil, errMissingBillID
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		reader:  cfg.Reader,
		feed:    cfg.Feed,
		billID:  cfg.BillID,
		clock:   clock,
		logger:  logger,
		metrics: cfg.Metrics,
		updates: make(chan View, 1),
		state:   StateDisconnected,
	}, nil
}

// Updates delivers views. Only the most recent undelivered view is kept.
func (s *Synchronizer) Updates() <-chan View {
	return s.updates
}

// State reports the current lifecycle state.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run loads the bill, then applies feed events until ctx is done or the session fails.
// Cancellation returns nil; a missing or expired bill, a closed feed or a store failure
// is returned after the disconnected view is published.
func (s *Synchronizer) Run(ctx context.Context) error {
	if !s.start() {
		return ErrAlreadyRunning
	}
	defer s.stop()

	subscriptionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Subscribe before loading so nothing committed after the load is missed.
	subscription := s.feed.Subscribe(subscriptionCtx,
		ledger.Filter{Table: ledger.TableBills, BillID: s.billID},
		ledger.Filter{Table: ledger.TableItems, BillID: s.billID},
		ledger.Filter{Table: ledger.TableGuests, BillID: s.billID},
		ledger.Filter{Table: ledger.TableClaims},
	)
	defer subscription.Close()

	snapshot, err := Load(ctx, s.reader, s.billID, s.clock())
	if err != nil {
		return s.disconnect(ctx, Snapshot{}, err)
	}

	s.setState(StateLive)
	s.metrics.ViewerConnected()
	defer s.metrics.ViewerDisconnected()
	s.publish(s.view(StateLive, snapshot, nil))

	events := subscription.Events()
	for {
		select {
		case <-ctx.Done():
			return s.disconnect(ctx, snapshot, nil)
		case event, ok := <-events:
			if !ok {
				return s.disconnect(ctx, snapshot, ErrFeedClosed)
			}
			changed, err := s.apply(ctx, &snapshot, event)
			if err != nil {
				return s.disconnect(ctx, snapshot, err)
			}
			if changed {
				s.publish(s.view(StateLive, snapshot, nil))
			}
		}
	}
}

// apply re-reads the record type named by the event. Claim events are unfiltered on the
// feed and are narrowed here to this bill's items.
func (s *Synchronizer) apply(ctx context.Context, snapshot *Snapshot, event ledger.ChangeEvent) (bool, error) {
	if event.Resync {
		s.logger.Debug("session resync", zap.String("bill_id", s.billID))
		reloaded, err := Load(ctx, s.reader, s.billID, s.clock())
		if err != nil {
			return false, err
		}
		*snapshot = reloaded
		s.metrics.ObserveFeedEvent(string(event.Table))
		return true, nil
	}

	switch event.Table {
	case ledger.TableBills:
		bill, err := loadBill(ctx, s.reader, s.billID, s.clock())
		if err != nil {
			return false, err
		}
		snapshot.Bill = bill
	case ledger.TableItems:
		items, err := s.reader.ListItems(ctx, s.billID)
		if err != nil {
			return false, fmt.Errorf("session: reload items: %w", err)
		}
		snapshot.Items = items
	case ledger.TableGuests:
		guests, err := s.reader.ListGuests(ctx, s.billID)
		if err != nil {
			return false, fmt.Errorf("session: reload guests: %w", err)
		}
		snapshot.Guests = guests
	case ledger.TableClaims:
		if !snapshot.HasItem(event.ItemID) {
			return false, nil
		}
		claims, err := s.reader.ListClaims(ctx, snapshot.ItemIDs())
		if err != nil {
			return false, fmt.Errorf("session: reload claims: %w", err)
		}
		snapshot.Claims = claims
	default:
		return false, nil
	}
	s.metrics.ObserveFeedEvent(string(event.Table))
	return true, nil
}

func (s *Synchronizer) disconnect(ctx context.Context, snapshot Snapshot, cause error) error {
	if ctx.Err() != nil {
		cause = nil
	}
	s.setState(StateDisconnected)
	if cause != nil {
		s.logger.Warn("session disconnected", zap.String("bill_id", s.billID), zap.Error(cause))
	}
	s.publish(s.view(StateDisconnected, snapshot, cause))
	return cause
}

func (s *Synchronizer) view(state State, snapshot Snapshot, cause error) View {
	return View{
		State:      state,
		Snapshot:   snapshot,
		Settlement: settlement.Calculate(snapshot.Bill, snapshot.Items, snapshot.Guests, snapshot.Claims),
		Err:        cause,
	}
}

// publish replaces any view the viewer has not picked up yet.
func (s *Synchronizer) publish(view View) {
	for {
		select {
		case s.updates <- view:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

func (s *Synchronizer) start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	s.state = StateConnecting
	return true
}

func (s *Synchronizer) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

func (s *Synchronizer) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}
