package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/splitledger-backend/pkg/logger"
	"github.com/angelmondragon/splitledger-backend/pkg/metrics"
)

const (
	defaultInterval   = 24 * time.Hour
	defaultJobTimeout = 30 * time.Minute
)

type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.CronJobMetrics
	Interval time.Duration
	// JobTimeout bounds a single job run; the ledger audit is the long one.
	JobTimeout time.Duration
}

// Service runs the maintenance jobs on a fixed cadence, one worker at a time.
type Service struct {
	logg       *logger.Logger
	registry   *Registry
	lock       Lock
	metrics    *metrics.CronJobMetrics
	interval   time.Duration
	jobTimeout time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Lock == nil {
		return nil, fmt.Errorf("lock required")
	}
	if params.Registry == nil {
		return nil, fmt.Errorf("registry required")
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	jobTimeout := params.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}
	return &Service{
		logg:       params.Logger,
		registry:   params.Registry,
		lock:       params.Lock,
		metrics:    params.Metrics,
		interval:   interval,
		jobTimeout: jobTimeout,
	}, nil
}

// Run executes a cycle immediately and then every interval until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logg.Error(ctx, "maintenance cycle failed", err)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "maintenance loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logg.Error(ctx, "maintenance cycle failed", err)
			}
		}
	}
}

// RunOnce runs every job once under the lock and reports how many failed. A
// cycle skipped because another worker holds the lock reports zero.
func (s *Service) RunOnce(ctx context.Context) (int, error) {
	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("lock acquire: %w", err)
	}
	if !locked {
		s.logg.Info(ctx, "another maintenance worker holds the lock; skipping cycle")
		return 0, nil
	}
	defer func() {
		if relErr := s.lock.Release(context.WithoutCancel(ctx)); relErr != nil {
			s.logg.Error(ctx, "failed to release maintenance lock", relErr)
		}
	}()

	failed := 0
	for _, job := range s.registry.Jobs() {
		if ctx.Err() != nil {
			return failed, ctx.Err()
		}
		if err := s.runJob(ctx, job); err != nil {
			failed++
		}
	}
	s.logg.Info(s.logg.WithField(ctx, "jobs_failed", failed), "maintenance cycle complete")
	return failed, nil
}

func (s *Service) runJob(ctx context.Context, job Job) (err error) {
	jobCtx := s.logg.WithField(ctx, "job", job.Name())
	runCtx, cancel := context.WithTimeout(jobCtx, s.jobTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panicked: %v", rec)
		}
		duration := time.Since(start)
		s.metrics.ObserveRun(job.Name(), duration, err)
		logCtx := s.logg.WithField(jobCtx, "duration_ms", duration.Milliseconds())
		if err != nil {
			s.logg.Error(logCtx, "job failed", err)
			return
		}
		s.logg.Info(logCtx, "job completed")
	}()

	return job.Run(runCtx)
}
