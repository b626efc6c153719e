// Package scheduler runs periodic maintenance: family reconciliation and
// audit log retention.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// TaskFunc is one scheduled unit of work.
type TaskFunc func(ctx context.Context) error

// Scheduler wraps a cron runner. Overlapping runs of one task are skipped.
type Scheduler struct {
	cron    *cron.Cron
	log     *logrus.Logger
	timeout time.Duration

	mu      sync.RWMutex
	tasks   map[string]cron.EntryID
	running bool
}

// New creates a scheduler using standard five-field cron specs (plus
// descriptors such as "@hourly" and "@every 30m"). Each run gets timeout.
func New(log *logrus.Logger, timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}

	logger := cron.PrintfLogger(log)

	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		log:     log,
		timeout: timeout,
		tasks:   make(map[string]cron.EntryID),
	}
}

// Add registers task under name, replacing an existing task of that name.
func (s *Scheduler) Add(name, spec string, task TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.tasks[name]; ok {
		s.cron.Remove(id)
		delete(s.tasks, name)
	}

	id, err := s.cron.AddFunc(spec, func() { s.run(name, task) })
	if err != nil {
		return err
	}

	s.tasks[name] = id
	s.log.WithFields(logrus.Fields{"task": name, "schedule": spec}).Info("scheduled task")

	return nil
}

// Start begins running tasks. It is a no-op when already running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	s.cron.Start()
	s.running = true
	s.log.WithField("tasks", len(s.tasks)).Info("scheduler started")
}

// Stop stops scheduling and waits for running tasks until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	select {
	case <-s.cron.Stop().Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out with tasks still running")
	}

	s.running = false
}

// Tasks returns the registered task names with their next run time.
func (s *Scheduler) Tasks() map[string]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]time.Time, len(s.tasks))
	for name, id := range s.tasks {
		out[name] = s.cron.Entry(id).Next
	}

	return out
}

// Names returns the registered task names, sorted.
func (s *Scheduler) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func (s *Scheduler) run(name string, task TaskFunc) {
	start := time.Now()
	log := s.log.WithField("task", name)

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := task(ctx); err != nil {
		log.WithError(err).WithField("duration", time.Since(start)).Error("scheduled task failed")
		return
	}

	log.WithField("duration", time.Since(start)).Debug("scheduled task completed")
}
