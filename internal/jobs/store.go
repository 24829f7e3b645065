package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"reach/services/runner/internal/storage"
)

// Event represents a single entry in a run's event stream: a spawn, a
// status change, a join outcome, a cancellation, a replan decision.
type Event struct {
	ID        int64
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

type EventObserver func(runID string, evt Event)

type subEntry struct {
	ch     chan Event
	closed atomic.Bool
}

// Store is a durable audit/event trail (run_events, audit_log) with
// fan-out to in-process subscribers. Events and audit rows are recorded
// only when a caller publishes them; the kernel package does not call
// this store.
type Store struct {
	db *storage.SQLiteStore

	subs    sync.Map // runID -> *sync.Map (chan -> *subEntry)
	observe EventObserver
}

func NewStore(db *storage.SQLiteStore) *Store {
	return &Store{db: db}
}

// WithObserver registers a callback invoked synchronously after every
// published event, in addition to channel subscribers.
func (s *Store) WithObserver(observer EventObserver) *Store {
	s.observe = observer
	return s
}

// AppendEvent validates and normalizes the payload, persists it, and
// returns the row's sequence number for use as a cursor in EventHistory.
func (s *Store) AppendEvent(ctx context.Context, runID string, evt Event) (int64, error) {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	normalized, err := validateAndNormalizeEventPayload(evt.Type, evt.Payload)
	if err != nil {
		return 0, err
	}
	evt.Payload = normalized
	return s.db.AppendEvent(ctx, storage.EventRecord{RunID: runID, Type: evt.Type, Payload: evt.Payload, CreatedAt: evt.CreatedAt})
}

// PublishEvent appends the event and delivers it to every live subscriber
// of runID plus the registered observer, if any. Delivery to subscribers
// is best-effort: a full channel drops the event rather than blocking the
// caller, since subscribers are expected to keep up via EventHistory.
func (s *Store) PublishEvent(ctx context.Context, runID string, evt Event) error {
	id, err := s.AppendEvent(ctx, runID, evt)
	if err != nil {
		return err
	}
	evt.ID = id

	if val, ok := s.subs.Load(runID); ok {
		subMap := val.(*sync.Map)
		subMap.Range(func(_, value any) bool {
			entry := value.(*subEntry)
			if entry.closed.Load() {
				return true
			}
			select {
			case entry.ch <- evt:
			default:
			}
			return true
		})
	}
	if s.observe != nil {
		s.observe(runID, evt)
	}
	return nil
}

// EventHistory returns runID's events with sequence number greater than
// after, in order. Pass after=0 to fetch the full history.
func (s *Store) EventHistory(ctx context.Context, runID string, after int64) ([]Event, error) {
	rec, err := s.db.ListEvents(ctx, runID, after)
	if err != nil {
		return nil, err
	}
	out := make([]Event, len(rec))
	for i, r := range rec {
		out[i] = Event{ID: r.ID, Type: r.Type, Payload: r.Payload, CreatedAt: r.CreatedAt}
	}
	return out, nil
}

// Subscribe returns a channel of future events for runID and a cancel
// function that must be called to release the subscription. Subscribe
// does not replay history; callers wanting no gap should fetch
// EventHistory first and then Subscribe, tolerating the small overlap.
func (s *Store) Subscribe(runID string) (<-chan Event, func()) {
	ch := make(chan Event, 32)
	entry := &subEntry{ch: ch}

	subMapI, _ := s.subs.LoadOrStore(runID, &sync.Map{})
	subMap := subMapI.(*sync.Map)
	subMap.Store(ch, entry)

	return ch, func() {
		entry.closed.Store(true)
		subMap.Delete(ch)
		close(ch)
	}
}

// Audit records a single tenant-scoped audit entry, independent of the
// per-run event stream, so a tenant can reconstruct what happened across
// runs without replaying every run's event log.
func (s *Store) Audit(ctx context.Context, tenantID, runID, typ string, payload []byte) error {
	return s.db.AppendAudit(ctx, storage.AuditRecord{TenantID: tenantID, RunID: runID, Type: typ, Payload: payload, CreatedAt: time.Now().UTC()})
}

func (s *Store) ListAudit(ctx context.Context, tenantID, runID string) ([]storage.AuditRecord, error) {
	return s.db.ListAudit(ctx, tenantID, runID)
}
