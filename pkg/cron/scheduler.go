package cron

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrNoActivation is returned by Start when the schedule never fires again.
	ErrNoActivation = errors.New("schedule has no next activation")

	errAlreadyStarted = errors.New("scheduler already started")
)

// Job is run at every activation. Errors are logged and do not stop the scheduler.
type Job func(ctx context.Context) error

type Scheduler struct {
	name     string
	schedule *Schedule
	job      Job
	logger   *slog.Logger

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

func NewScheduler(name string, schedule *Schedule, job Job, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		name:     name,
		schedule: schedule,
		job:      job,
		logger:   logger,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start blocks running the job until ctx is cancelled or Stop is called. A
// scheduler runs at most once.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()

		return errAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()
	defer close(s.done)

	s.logger.Info("cron scheduler started", slog.String("job", s.name))

	for {
		next := s.schedule.Next(time.Now())
		if next.IsZero() {
			s.logger.Warn("cron scheduler has nothing left to run", slog.String("job", s.name))

			return ErrNoActivation
		}
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("cron scheduler stopping", slog.String("job", s.name))

			return ctx.Err()
		case <-s.stopChan:
			timer.Stop()
			s.logger.Info("cron scheduler stopped", slog.String("job", s.name))

			return nil
		case <-timer.C:
			if err := s.job(ctx); err != nil {
				s.logger.Error("scheduled job failed", slog.String("job", s.name), slog.String("error", err.Error()))
			}
		}
	}
}

// Stop ends a running Start and waits for it to return. A Start that has not
// begun yet returns immediately once called.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.done
	}
}
