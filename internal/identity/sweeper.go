package identity

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"reach/services/runner/internal/storage"
)

// Sweeper periodically deletes token_jti_registry rows past expires_at,
// exercising the expires_at index the persisted grant layout maintains for
// exactly this purpose.
type Sweeper struct {
	store     *storage.SQLiteStore
	cron      *cron.Cron
	mu        sync.Mutex
	lastSwept int64
	onSweep   func(removed int64, err error)
}

func NewSweeper(store *storage.SQLiteStore) *Sweeper {
	return &Sweeper{
		store: store,
		cron:  cron.New(),
	}
}

// OnSweep registers a callback invoked after every sweep attempt with the
// number of rows removed (or the error, if the sweep itself failed).
func (s *Sweeper) OnSweep(fn func(removed int64, err error)) *Sweeper {
	s.onSweep = fn
	return s
}

// Start registers the sweep on the given schedule (standard 5-field cron
// expression) and starts the underlying cron scheduler.
func (s *Sweeper) Start(schedule string) error {
	_, err := s.cron.AddFunc(schedule, func() {
		removed, err := s.store.SweepExpiredJTIs(context.Background(), time.Now().UTC())
		s.mu.Lock()
		if err == nil {
			s.lastSwept = removed
		}
		s.mu.Unlock()
		if s.onSweep != nil {
			s.onSweep(removed, err)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop drains any in-flight sweep and stops the scheduler.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// LastSwept returns the row count removed by the most recent successful sweep.
func (s *Sweeper) LastSwept() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSwept
}

// SweepNow runs one sweep immediately, independent of the cron schedule.
func (s *Sweeper) SweepNow(ctx context.Context) (int64, error) {
	removed, err := s.store.SweepExpiredJTIs(ctx, time.Now().UTC())
	if err == nil {
		s.mu.Lock()
		s.lastSwept = removed
		s.mu.Unlock()
	}
	return removed, err
}
