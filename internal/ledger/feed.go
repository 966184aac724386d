package ledger

import (
	"context"
	"sync"
	"time"
)

// Table names a record type on the change feed.
type Table string

const (
	TableBills  Table = "bills"
	TableItems  Table = "items"
	TableGuests Table = "guests"
	TableClaims Table = "claims"
)

// ChangeKind mirrors the committed mutation.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

const defaultFeedBufferSize = 64

// ChangeEvent announces one committed record mutation. Claim events carry ItemID and no BillID.
type ChangeEvent struct {
	Table       Table      `json:"table"`
	Kind        ChangeKind `json:"kind"`
	BillID      string     `json:"bill_id,omitempty"`
	RecordID    string     `json:"record_id"`
	ItemID      string     `json:"item_id,omitempty"`
	CommittedAt time.Time  `json:"committed_at"`

	// Resync is set on delivery when earlier events for this subscriber were dropped.
	Resync bool `json:"-"`
}

// Filter selects events of one table, optionally narrowed to one bill.
type Filter struct {
	Table  Table
	BillID string
}

// Matches reports whether the event satisfies the filter.
func (f Filter) Matches(event ChangeEvent) bool {
	if f.Table != event.Table {
		return false
	}
	return f.BillID == "" || f.BillID == event.BillID
}

// Publisher receives committed change events.
type Publisher interface {
	Publish(ctx context.Context, events ...ChangeEvent)
}

// Subscriber opens change feed subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, filters ...Filter) *Subscription
}

// Feed fans committed change events out to in-process subscribers.
type Feed struct {
	mu          sync.RWMutex
	subscribers map[Table]map[int64]*Subscription
	nextID      int64
	bufferSize  int
	closed      bool
}

// Subscription is one subscriber's ordered view of the feed.
type Subscription struct {
	id      int64
	filters []Filter
	feed    *Feed

	mu      sync.Mutex
	stream  chan ChangeEvent
	done    chan struct{}
	closed  bool
	lagging bool
	once    sync.Once
}

// NewFeed constructs a feed whose subscribers buffer up to bufferSize events.
func NewFeed(bufferSize int) *Feed {
	if bufferSize <= 0 {
		bufferSize = defaultFeedBufferSize
	}
	return &Feed{
		subscribers: make(map[Table]map[int64]*Subscription),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscription for the provided filters. The subscription is closed
// when ctx is done, when Close is called, or when the feed itself closes.
func (f *Feed) Subscribe(ctx context.Context, filters ...Filter) *Subscription {
	subscription := &Subscription{
		filters: append([]Filter(nil), filters...),
		feed:    f,
		stream:  make(chan ChangeEvent, f.bufferSize),
		done:    make(chan struct{}),
	}
	if !f.register(subscription) || len(filters) == 0 {
		subscription.Close()
		return subscription
	}
	go func() {
		select {
		case <-ctx.Done():
			subscription.Close()
		case <-subscription.done:
		}
	}()
	return subscription
}

// Publish delivers events to every matching subscriber without blocking on slow readers.
func (f *Feed) Publish(_ context.Context, events ...ChangeEvent) {
	for _, event := range events {
		if event.Table == "" || event.RecordID == "" {
			continue
		}
		for _, subscription := range f.matching(event) {
			subscription.deliver(event)
		}
	}
}

// Close closes every subscription and rejects new ones.
func (f *Feed) Close() {
	f.mu.Lock()
	f.closed = true
	var all []*Subscription
	for _, byID := range f.subscribers {
		for _, subscription := range byID {
			all = append(all, subscription)
		}
	}
	f.mu.Unlock()
	for _, subscription := range all {
		subscription.Close()
	}
}

func (f *Feed) register(subscription *Subscription) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.nextID++
	subscription.id = f.nextID
	for _, filter := range subscription.filters {
		if _, ok := f.subscribers[filter.Table]; !ok {
			f.subscribers[filter.Table] = make(map[int64]*Subscription)
		}
		f.subscribers[filter.Table][subscription.id] = subscription
	}
	return true
}

func (f *Feed) unregister(subscription *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, filter := range subscription.filters {
		byID := f.subscribers[filter.Table]
		if byID == nil {
			continue
		}
		delete(byID, subscription.id)
		if len(byID) == 0 {
			delete(f.subscribers, filter.Table)
		}
	}
}

func (f *Feed) matching(event ChangeEvent) []*Subscription {
	f.mu.RLock()
	defer f.mu.RUnlock()
	byID := f.subscribers[event.Table]
	if len(byID) == 0 {
		return nil
	}
	matches := make([]*Subscription, 0, len(byID))
	for _, subscription := range byID {
		if subscription.matches(event) {
			matches = append(matches, subscription)
		}
	}
	return matches
}

// Events returns the subscription stream. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan ChangeEvent {
	return s.stream
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.feed != nil {
			s.feed.unregister(s)
		}
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.stream)
		s.mu.Unlock()
	})
}

func (s *Subscription) matches(event ChangeEvent) bool {
	for _, filter := range s.filters {
		if filter.Matches(event) {
			return true
		}
	}
	return false
}

// deliver enqueues the event. On overflow the oldest queued event is dropped and the
// next delivered event is flagged for resync.
func (s *Subscription) deliver(event ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.lagging {
		event.Resync = true
	}
	select {
	case s.stream <- event:
		s.lagging = false
		return
	default:
	}
	select {
	case <-s.stream:
	default:
	}
	event.Resync = true
	select {
	case s.stream <- event:
		s.lagging = false
	default:
		s.lagging = true
	}
}
