/*
sweeper.go - Background reclamation of expired reservations

PURPOSE:
  Deletes reservations that expired without being confirmed. This is
  garbage collection only: balances already ignore expired holds, so a
  late or failed sweep leaves stale rows, never wrong numbers.

DESIGN:
  - Runs one sweep on Start, then one per Interval
  - Deletes in batches of BatchSize to keep each write short
  - A row that fails to delete is logged and skipped; the rest of the
    sweep continues and the row is retried on the next run

USAGE:
  sweeper := loyalty.NewSweeper(store, clock.NewSystem())
  sweeper.Start()
  defer sweeper.Stop()
*/
package loyalty

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/points-engine/clock"
)

const (
	DefaultSweepInterval  = time.Minute
	DefaultSweepBatchSize = 100
)

// SweepStore is the subset of ReservationStore the sweeper uses.
type SweepStore interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
	DeleteReservation(ctx context.Context, id ReservationID) error
}

// SweepResult summarizes one Sweep call.
type SweepResult struct {
	Scanned int
	Deleted int
	Failed  int
}

// Sweeper periodically deletes expired, unconfirmed reservations.
type Sweeper struct {
	Store     SweepStore
	Clock     clock.Clock
	Interval  time.Duration
	BatchSize int
	Logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(store SweepStore, clk clock.Clock) *Sweeper {
	return &Sweeper{
		Store:     store,
		Clock:     clk,
		Interval:  DefaultSweepInterval,
		BatchSize: DefaultSweepBatchSize,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Start launches the periodic sweep. Calling Start twice is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)

	s.logger().Info("sweeper started", "interval", s.interval(), "batch_size", s.batchSize())
}

// Stop halts the periodic sweep and waits for an in-flight sweep to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
	s.logger().Info("sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	s.sweepAndLog(ctx)
	for {
		select {
		case <-ticker.C:
			s.sweepAndLog(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	result, err := s.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger().Error("sweep failed", "error", err, "deleted", result.Deleted)
		}
		return
	}
	if result.Deleted > 0 || result.Failed > 0 {
		s.logger().Info("sweep completed",
			"scanned", result.Scanned, "deleted", result.Deleted, "failed", result.Failed)
	}
}

// Sweep deletes every reservation expired as of now, batch by batch.
// Per-row delete failures are counted in the result rather than returned.
// An error is returned only when listing fails or ctx is done.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := s.Clock.Now()
	batchSize := s.batchSize()

	// Failed rows stay in the store and come back in later batches, so the
	// limit grows with them to keep making progress.
	failed := make(map[ReservationID]bool)

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		limit := batchSize + len(failed)
		batch, err := s.Store.ListExpired(ctx, now, limit)
		if err != nil {
			return result, err
		}

		progressed := false
		for _, r := range batch {
			if failed[r.ID] {
				continue
			}
			result.Scanned++
			if !r.IsExpired(now) {
				continue
			}
			if err := s.Store.DeleteReservation(ctx, r.ID); err != nil {
				failed[r.ID] = true
				result.Failed++
				s.logger().Warn("sweep: delete failed",
					"reservation_id", r.ID, "ticket_id", r.TicketID, "error", err)
				continue
			}
			result.Deleted++
			progressed = true
		}

		if len(batch) < limit || !progressed {
			return result, nil
		}
	}
}

func (s *Sweeper) interval() time.Duration {
	if s.Interval <= 0 {
		return DefaultSweepInterval
	}
	return s.Interval
}

func (s *Sweeper) batchSize() int {
	if s.BatchSize <= 0 {
		return DefaultSweepBatchSize
	}
	return s.BatchSize
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.Logger
}
