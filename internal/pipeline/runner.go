// Package pipeline contains the stage runners that move messages through
// the status state machine. Every runner is a stateless batch poller:
// claim rows by expected status, check the stage artifact for idempotency,
// do the work, write the artifact, compare-and-advance the status. Losing
// a status race is a no-op, never an error.
package pipeline

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
)

// Runner is one pipeline stage batch job.
type Runner interface {
	Name() string
	RunOnce(ctx context.Context)
}

// Scheduler triggers every registered runner on a fixed interval. Runners
// are safe to trigger concurrently with themselves, so overlap between an
// external trigger and the ticker is harmless.
type Scheduler struct {
	runners  []Runner
	interval time.Duration
	stopChan chan struct{}
}

func NewScheduler(interval time.Duration, runners ...Runner) *Scheduler {
	return &Scheduler{
		runners:  runners,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	log.Printf("[Scheduler] Starting %d runners every %s", len(s.runners), s.interval)
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.runAll()
			case <-s.stopChan:
				return
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	close(s.stopChan)
}

// runAll triggers every stage concurrently; different stages always run
// side by side, coordination happens entirely through the status column.
func (s *Scheduler) runAll() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval*4)
	defer cancel()

	var grp errgroup.Group
	for _, r := range s.runners {
		grp.Go(func() error {
			r.RunOnce(ctx)
			return nil
		})
	}
	_ = grp.Wait()
}
