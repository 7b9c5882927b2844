// Package jobs runs periodic maintenance: purging expired refresh tokens and
// dropping signing keys whose tokens can no longer be valid.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"tenantcore.io/internal/obs"
)

// Job is one unit of maintenance work.
type Job func(ctx context.Context) error

// Scheduler wraps a cron runner. Runs of the same job never overlap and a
// panicking job is logged, not fatal.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration

	mu   sync.Mutex
	jobs map[string]Job
}

// New returns a stopped scheduler. timeout bounds each run.
func New(timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = time.Minute
	}
	logger := cron.PrintfLogger(obs.Logger())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		timeout: timeout,
		jobs:    make(map[string]Job),
	}
}

// Add registers job under name on a cron spec ("@every 1h", "0 * * * *").
func (s *Scheduler) Add(name, spec string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("jobs: %s already registered", name)
	}
	if _, err := s.cron.AddFunc(spec, func() { _ = s.run(name, job) }); err != nil {
		return fmt.Errorf("jobs: schedule %s: %w", name, err)
	}
	s.jobs[name] = job
	return nil
}

// RunNow executes a registered job synchronously.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("jobs: unknown job %s", name)
	}
	return s.run(name, job)
}

func (s *Scheduler) run(name string, job Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	err := job(ctx)
	entry := obs.Logger().WithFields(logrus.Fields{"job": name, "duration": time.Since(start).String()})
	if err != nil {
		entry.WithError(err).Error("job failed")
		return err
	}
	entry.Debug("job finished")
	return nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for running jobs or ctx, whichever ends
// first.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// RefreshPurger deletes refresh tokens that expired before cutoff.
type RefreshPurger interface {
	PurgeExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// PurgeRefreshTokens removes refresh tokens that expired more than keep ago.
// Keeping them a while preserves the reuse trail of recent chains.
func PurgeRefreshTokens(p RefreshPurger, keep time.Duration, now func() time.Time) Job {
	return func(ctx context.Context) error {
		n, err := p.PurgeExpired(ctx, now().Add(-keep))
		if err != nil {
			return fmt.Errorf("purge refresh tokens: %w", err)
		}
		if n > 0 {
			obs.Logger().WithField("purged", n).Info("expired refresh tokens purged")
		}
		return nil
	}
}

// KeyPruner drops retired signing keys.
type KeyPruner interface {
	Prune(now time.Time, retention time.Duration) []string
}

// PruneSigningKeys drops keys retired for longer than retention.
func PruneSigningKeys(k KeyPruner, retention time.Duration, now func() time.Time) Job {
	return func(context.Context) error {
		if dropped := k.Prune(now(), retention); len(dropped) > 0 {
			obs.Logger().WithField("versions", dropped).Info("retired signing keys dropped")
		}
		return nil
	}
}
