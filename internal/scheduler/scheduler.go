// Package scheduler re-drives reconciliation with randomized backoff and a
// periodic housekeeping pass.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/token-ledger/internal/errs"
	"github.com/and161185/token-ledger/internal/repository"
	"github.com/and161185/token-ledger/internal/service"
)

// Scheduler owns one-shot retry timers per contribution. At most one step
// run is in flight per contribution id at a time.
type Scheduler struct {
	reconcile service.ReconcileService
	contribs  repository.ContributionRepository
	interval  time.Duration
	log       *zap.Logger

	mu       sync.Mutex
	timers   map[string]*time.Timer
	inflight map[string]bool
	stopped  bool

	wg      sync.WaitGroup
	baseCtx context.Context
}

// New constructs a scheduler with the given housekeeping interval.
func New(reconcile service.ReconcileService, contribs repository.ContributionRepository, interval time.Duration, log *zap.Logger) *Scheduler {
	return &Scheduler{
		reconcile: reconcile,
		contribs:  contribs,
		interval:  interval,
		log:       log,
		timers:    make(map[string]*time.Timer),
		inflight:  make(map[string]bool),
	}
}

// Run loops the housekeeping pass until ctx is cancelled, then cancels all
// pending timers and waits for in-flight runs to drain.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.HousekeepOnce(ctx); err != nil {
			s.log.Error("housekeeping", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-ticker.C:
		}
	}
}

// HousekeepOnce re-dispatches every contribution parked in a non-terminal step.
func (s *Scheduler) HousekeepOnce(ctx context.Context) error {
	ids, err := s.contribs.ListResumable(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		s.Dispatch(id)
	}
	return nil
}

// Dispatch runs one advance for the contribution unless one is already in
// flight. Transient failures arm a one-shot jittered retry timer.
func (s *Scheduler) Dispatch(id string) {
	s.mu.Lock()
	if s.stopped || s.inflight[id] {
		s.mu.Unlock()
		return
	}
	s.inflight[id] = true
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.reconcile.Advance(ctx, id)

		s.mu.Lock()
		delete(s.inflight, id)
		stopped := s.stopped
		s.mu.Unlock()

		if err == nil || stopped {
			return
		}
		if !errs.IsTransient(err) {
			s.log.Error("advance failed", zap.String("contribution", id), zap.Error(err))
			return
		}
		delay := jittered(errs.SuggestedDelay(err))
		s.log.Info("rescheduling contribution",
			zap.String("contribution", id),
			zap.Duration("delay", delay),
		)
		s.armTimer(id, delay)
	}()
}

// armTimer arms a one-shot retry, replacing any existing timer for the id.
func (s *Scheduler) armTimer(id string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	s.timers[id] = time.AfterFunc(delay, func() { s.Dispatch(id) })
}

// Cancel drops the pending retry timer for a contribution, e.g. when its
// wallet is unlinked.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// shutdown stops new work and drains runs started before the cancellation.
func (s *Scheduler) shutdown() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// jittered spreads a base delay over [base/2, base+base/2) so parked
// contributions do not thundering-herd the issuer.
func jittered(base time.Duration) time.Duration {
	b := retry.WithJitter(base/2, retry.NewConstant(base))
	d, _ := b.Next()
	if d < base/2 {
		d = base / 2
	}
	return d
}
