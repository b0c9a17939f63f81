// Package heartbeat drives the engine on a cron schedule so an unattended
// process keeps advancing whatever task the focus record holds.
package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/vinayprograms/agentkit/logging"
)

// Tick runs one unit of work. Its error is logged; the schedule continues.
type Tick func(ctx context.Context) error

// Scheduler fires Tick on a cron spec. Overlapping ticks are skipped.
type Scheduler struct {
	spec   string
	tick   Tick
	cron   *cron.Cron
	logger *logging.Logger

	mu       sync.Mutex
	ctx      context.Context
	runs     int
	lastErr  error
	lastRun  time.Time
	stopOnce sync.Once
	stopped  chan struct{}
}

// Parse validates a five-field cron spec.
func Parse(spec string) (cron.Schedule, error) {
	sched, err := parser().Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return sched, nil
}

func parser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// New creates a scheduler. The spec is checked immediately.
func New(spec string, tick Tick) (*Scheduler, error) {
	if _, err := Parse(spec); err != nil {
		return nil, err
	}
	return &Scheduler{
		spec: spec,
		tick: tick,
		cron: cron.New(
			cron.WithParser(parser()),
			cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
		logger:  logging.New().WithComponent("heartbeat"),
		stopped: make(chan struct{}),
	}, nil
}

// Start registers the job and returns; ticks run until ctx is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if _, err := s.cron.AddFunc(s.spec, s.fire); err != nil {
		return fmt.Errorf("failed to register heartbeat: %w", err)
	}
	s.cron.Start()
	s.logger.Info("heartbeat started", map[string]interface{}{"schedule": s.spec})

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stopped:
		}
	}()
	return nil
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	s.Fire(ctx)
}

// Fire runs one tick synchronously and records its result.
func (s *Scheduler) Fire(ctx context.Context) error {
	start := time.Now()
	err := s.tick(ctx)

	s.mu.Lock()
	s.runs++
	s.lastErr = err
	s.lastRun = start
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("heartbeat tick failed", map[string]interface{}{"error": err.Error()})
	} else {
		s.logger.Debug("heartbeat tick", map[string]interface{}{"duration_ms": time.Since(start).Milliseconds()})
	}
	return err
}

// Next returns the next scheduled fire time after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	sched, _ := Parse(s.spec)
	return sched.Next(t)
}

// Runs returns how many ticks have completed and the last error.
func (s *Scheduler) Runs() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs, s.lastErr
}

// Stop waits for a running tick to finish. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
		close(s.stopped)
		s.logger.Info("heartbeat stopped", nil)
	})
}

// Done is closed once the scheduler has stopped.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopped
}
