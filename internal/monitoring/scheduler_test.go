package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/site-enrich/internal/config"
	"github.com/sells-group/site-enrich/internal/model"
)

type fakeRecorder struct {
	mu   sync.Mutex
	runs []model.JobRun
}

func (f *fakeRecorder) RecordJobRun(_ context.Context, run model.JobRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeRecorder) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func TestScheduler_RunOnce_RecordsSuccess(t *testing.T) {
	rec := &fakeRecorder{}
	s := NewScheduler(rec, Job{
		Name:     "aggregate_costs",
		Interval: time.Hour,
		Run: func(context.Context, time.Time) (any, error) {
			return map[string]int{"snapshots": 3}, nil
		},
	})

	run, err := s.RunOnce(context.Background(), "aggregate_costs")
	require.NoError(t, err)
	assert.Equal(t, model.JobRunSuccess, run.Status)
	require.Len(t, rec.runs, 1)
	assert.JSONEq(t, `{"snapshots":3}`, string(rec.runs[0].Detail))
}

func TestScheduler_RunOnce_RecordsFailure(t *testing.T) {
	rec := &fakeRecorder{}
	s := NewScheduler(rec, Job{
		Name: "recovery_sweep",
		Run: func(context.Context, time.Time) (any, error) {
			return nil, errors.New("store unavailable")
		},
	})

	run, err := s.RunOnce(context.Background(), "recovery_sweep")
	require.Error(t, err)
	assert.Equal(t, model.JobRunFailed, run.Status)

	var detail map[string]string
	require.NoError(t, json.Unmarshal(rec.runs[0].Detail, &detail))
	assert.Equal(t, "store unavailable", detail["error"])
}

func TestScheduler_RunOnce_UnknownJob(t *testing.T) {
	_, err := NewScheduler(nil).RunOnce(context.Background(), "nope")
	assert.Error(t, err)
}

func TestScheduler_RunTicksAndStops(t *testing.T) {
	rec := &fakeRecorder{}
	var ticks atomic.Int32
	s := NewScheduler(rec,
		Job{Name: "fast", Interval: 10 * time.Millisecond, Run: func(context.Context, time.Time) (any, error) {
			ticks.Add(1)
			return nil, nil
		}},
		Job{Name: "disabled", Run: func(context.Context, time.Time) (any, error) {
			t.Error("disabled job ran")
			return nil, nil
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return ticks.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.GreaterOrEqual(t, rec.len(), 2)
}

func TestHealthCheckJob(t *testing.T) {
	st := &fakeStatsStore{
		phases: map[model.Phase]int{model.PhaseError: 30},
		mode:   &model.SystemModeState{Mode: model.ModeNormal},
	}
	job := HealthCheckJob(time.Minute, NewCollector(st, nil, nil), NewAlerter(config.MonitoringConfig{ErrorBacklogThreshold: 25}))

	detail, err := job.Run(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"alerts_triggered": 1, "alerts_sent": 1}, detail)
}
