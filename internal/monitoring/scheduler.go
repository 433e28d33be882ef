package monitoring

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/site-enrich/internal/model"
)

// JobFunc runs one execution of a job and returns a detail value that is
// stored with the job run.
type JobFunc func(ctx context.Context, now time.Time) (any, error)

// Job is a named function run on a fixed interval.
type Job struct {
	Name     string
	Interval time.Duration
	Run      JobFunc
}

// JobRecorder persists job history.
type JobRecorder interface {
	RecordJobRun(ctx context.Context, run model.JobRun) error
}

// Scheduler runs each job on its own ticker. Jobs never overlap with
// themselves and are independent of each other.
type Scheduler struct {
	jobs     []Job
	recorder JobRecorder
	now      func() time.Time
	log      *zap.Logger
}

// NewScheduler creates a scheduler. recorder may be nil.
func NewScheduler(recorder JobRecorder, jobs ...Job) *Scheduler {
	return &Scheduler{
		jobs:     jobs,
		recorder: recorder,
		now:      time.Now,
		log:      zap.L().With(zap.String("component", "monitoring.scheduler")),
	}
}

// Run starts every job loop. It blocks until ctx is cancelled and all
// in-flight executions have returned.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		if job.Interval <= 0 {
			s.log.Warn("job disabled", zap.String("job", job.Name))
			continue
		}
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.loop(ctx, job)
		}(job)
	}
	wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	s.log.Info("starting job", zap.String("job", job.Name), zap.Duration("interval", job.Interval))
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.execute(ctx, job)
		}
	}
}

// RunOnce executes the named job immediately and records the run.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (*model.JobRun, error) {
	for _, job := range s.jobs {
		if job.Name == name {
			return s.execute(ctx, job)
		}
	}
	return nil, eris.Errorf("monitoring: unknown job %q", name)
}

func (s *Scheduler) execute(ctx context.Context, job Job) (*model.JobRun, error) {
	start := s.now()
	detail, err := job.Run(ctx, start)

	run := model.JobRun{
		Job:        job.Name,
		StartedAt:  start.UTC(),
		DurationMs: s.now().Sub(start).Milliseconds(),
		Status:     model.JobRunSuccess,
	}
	if err != nil {
		run.Status = model.JobRunFailed
		detail = map[string]string{"error": err.Error()}
		s.log.Error("job failed", zap.String("job", job.Name), zap.Error(err))
	} else {
		s.log.Debug("job complete", zap.String("job", job.Name), zap.Int64("duration_ms", run.DurationMs))
	}
	if detail != nil {
		if raw, merr := json.Marshal(detail); merr == nil {
			run.Detail = raw
		}
	}

	if s.recorder != nil {
		if rerr := s.recorder.RecordJobRun(context.WithoutCancel(ctx), run); rerr != nil {
			s.log.Warn("record job run failed", zap.String("job", job.Name), zap.Error(rerr))
		}
	}
	return &run, err
}

// HealthCheckJob collects a snapshot, evaluates it and sends any alerts.
func HealthCheckJob(interval time.Duration, collector *Collector, alerter *Alerter) Job {
	return Job{
		Name:     "health_check",
		Interval: interval,
		Run: func(ctx context.Context, _ time.Time) (any, error) {
			snap, err := collector.Collect(ctx)
			if err != nil {
				return nil, err
			}
			alerts := alerter.Evaluate(snap)
			sent := alerter.SendAlerts(ctx, alerts)
			return map[string]int{"alerts_triggered": len(alerts), "alerts_sent": sent}, nil
		},
	}
}
