// Package jobs runs keel's periodic maintenance on cron schedules: sweeping
// expired refresh sessions, archiving old events to S3 and pruning the
// audit trail.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/keel/pkg/observability"
)

// Job is one run of a periodic task. It returns how many rows or objects
// it handled, for the log.
type Job func(ctx context.Context) (int64, error)

// Scheduler runs jobs on cron schedules. A job still running when its next
// tick arrives is skipped, and a panicking job is logged and recovered.
type Scheduler struct {
	cron    *cron.Cron
	logger  *observability.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler. Every run gets at most timeout.
func NewScheduler(logger *observability.Logger, timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	logger = logger.WithComponent("jobs")
	cronLogger := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		logger:  logger,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add schedules job under name using a standard five-field cron spec
func (s *Scheduler) Add(name, spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.Run(name, job)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	s.logger.WithFields(map[string]interface{}{"job": name, "schedule": spec}).Info("Job scheduled")
	return nil
}

// Run executes job once, synchronously
func (s *Scheduler) Run(name string, job Job) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	logger := s.logger.WithField("job", name)
	start := time.Now()
	n, err := job(ctx)
	if err != nil {
		logger.WithError(err).Error("Job failed")
		return
	}
	logger.WithFields(map[string]interface{}{
		"handled":     n,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Job completed")
}

// Len returns the number of scheduled jobs
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Start runs the scheduler in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling, cancels running jobs and waits for them to
// return or for ctx to end
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts the structured logger to cron's logger interface
type cronLogger struct {
	logger *observability.Logger
}

func (l cronLogger) fields(keysAndValues []interface{}) *observability.Logger {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return l.logger.WithFields(fields)
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).WithError(err).Error(msg)
}
