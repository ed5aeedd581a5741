package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/dtc/pkg/observability"
)

// Task is the body of a scheduled job
type Task func(ctx context.Context) error

// Job is a named task with its cron schedule. LockTTL bounds how long one run
// may hold the cluster lock.
type Job struct {
	Name     string
	Schedule string
	LockTTL  time.Duration
	Run      Task
}

// Scheduler runs jobs on their cron schedules. A run is skipped while the
// previous run of the same job is still going, and across instances while
// another instance holds the job lock.
type Scheduler struct {
	cron    *cron.Cron
	locker  Locker
	logger  *observability.Logger
	metrics *observability.JobMetrics
	jobs    map[string]Job
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler evaluating schedules in UTC
func NewScheduler(locker Locker, logger *observability.Logger) *Scheduler {
	if locker == nil {
		locker = LocalLocker{}
	}
	logger = logger.WithField("component", "scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})),
		),
		locker:  locker,
		logger:  logger,
		metrics: observability.NewJobMetrics(),
		jobs:    make(map[string]Job),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Register adds a job. The schedule uses the standard five-field cron format.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job needs a name and a task")
	}
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	if job.LockTTL <= 0 {
		job.LockTTL = time.Hour
	}
	if _, err := s.cron.AddFunc(job.Schedule, func() { _ = s.execute(s.baseCtx, job) }); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", job.Schedule, job.Name, err)
	}
	s.jobs[job.Name] = job
	return nil
}

// Jobs returns the registered job names in order
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunNow runs a registered job immediately under the same lock as a
// scheduled run
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.execute(ctx, job)
}

func (s *Scheduler) execute(ctx context.Context, job Job) (err error) {
	s.wg.Add(1)
	defer s.wg.Done()

	log := s.logger.WithField("job", job.Name)

	release, err := s.locker.Acquire(ctx, job.Name, job.LockTTL)
	if errors.Is(err, ErrLockHeld) {
		log.Info("Job already running on another instance, skipping")
		s.metrics.RecordRun(ctx, job.Name, observability.OutcomeSkipped, 0)
		return err
	}
	if err != nil {
		log.WithError(err).Error("Failed to acquire job lock")
		s.metrics.RecordRun(ctx, job.Name, observability.OutcomeFailed, 0)
		return err
	}
	defer release()

	runCtx, cancel := context.WithTimeout(ctx, job.LockTTL)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = observability.PanicError(r)
			log.WithError(err).Error("Job panicked")
		}
		outcome := observability.OutcomeSuccess
		if err != nil {
			outcome = observability.OutcomeFailed
		}
		s.metrics.RecordRun(ctx, job.Name, outcome, time.Since(start))
	}()

	log.Info("Job started")
	if err = job.Run(runCtx); err != nil {
		log.WithError(err).WithField("duration_ms", time.Since(start).Milliseconds()).Error("Job failed")
		return err
	}
	log.WithField("duration_ms", time.Since(start).Milliseconds()).Info("Job finished")
	return nil
}

// Start begins running jobs on their schedules
func (s *Scheduler) Start() {
	s.cron.Start()
	for _, entry := range s.cron.Entries() {
		s.logger.WithField("next_run", entry.Next).Debug("Job scheduled")
	}
	s.logger.WithField("jobs", s.Jobs()).Info("Scheduler started")
}

// Stop stops scheduling, cancels running jobs and waits for them to return
// or for ctx to end
func (s *Scheduler) Stop(ctx context.Context) error {
	cronDone := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// cronLogger adapts the observability logger to cron.Logger
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
	l.fields(keysAndValues).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).WithError(err).Error("cron: " + msg)
}
