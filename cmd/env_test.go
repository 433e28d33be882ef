package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/site-enrich/internal/config"
	"github.com/sells-group/site-enrich/internal/model"
	"github.com/sells-group/site-enrich/internal/monitoring"
	"github.com/sells-group/site-enrich/internal/queue"
	"github.com/sells-group/site-enrich/internal/recovery"
)

// useTestConfig points the package config at a temp SQLite file and the
// given Redis address.
func useTestConfig(t *testing.T, redisAddr, queueDriver string) {
	t.Helper()
	c, err := config.Load()
	require.NoError(t, err)
	c.Store.Driver = "sqlite"
	c.Store.DatabaseURL = filepath.Join(t.TempDir(), "env.db")
	c.Redis.URL = redisAddr
	c.Queue.Driver = queueDriver
	c.Recovery.ItemDelayMs = 0

	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func TestInitEnv_InlineQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	useTestConfig(t, mr.Addr(), "inline")

	env, err := initEnv(context.Background())
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.Redis)
	assert.IsType(t, &queue.InlineTrigger{}, env.Trigger)
	assert.Contains(t, env.Registry.Keys(), "fema_flood")

	names := make([]string, 0)
	for _, j := range env.jobs() {
		names = append(names, j.Name)
	}
	assert.ElementsMatch(t, []string{"cost_aggregate", "cost_evaluate", "recovery_sweep", "cache_cleanup", "health_check"}, names)
}

func TestInitEnv_AsynqQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	useTestConfig(t, mr.Addr(), "asynq")

	env, err := initEnv(context.Background())
	require.NoError(t, err)
	defer env.Close()

	assert.IsType(t, &queue.AsynqTrigger{}, env.Trigger)
}

func TestInitEnv_RedisRequired(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	useTestConfig(t, addr, "asynq")
	_, err := initEnv(context.Background())
	require.Error(t, err)

	useTestConfig(t, addr, "inline")
	env, err := initEnv(context.Background())
	require.NoError(t, err, "inline queue with the sql cache runs without redis")
	defer env.Close()
	assert.Nil(t, env.Redis)
	assert.Nil(t, redisOrNil(env))
}

func TestInitEnv_InvalidConfig(t *testing.T) {
	useTestConfig(t, "localhost:6379", "carrier-pigeon")
	_, err := initEnv(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported queue driver")
}

func TestEnv_SweepRecoversFailedApplication(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	useTestConfig(t, mr.Addr(), "asynq")

	env, err := initEnv(ctx)
	require.NoError(t, err)
	defer env.Close()

	app, err := env.Store.CreateApplication(ctx, model.NewApplication{
		Address:     "901 Bagby St, Houston, TX",
		Coordinates: &model.Coordinates{Lat: 29.7604, Lng: -95.3698},
	})
	require.NoError(t, err)
	_, err = env.Machine.Fail(ctx, app.ID, model.ErrCodePipelineFailed)
	require.NoError(t, err)

	report, err := env.Sweeper.Sweep(ctx, recovery.Options{Trigger: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Recovered)
	assert.Equal(t, 1, report.Triggered)

	pending, err := mr.List("asynq:{" + cfg.Queue.Name + "}:pending")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestJobs_RunOnceRecordsHistory(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	useTestConfig(t, mr.Addr(), "inline")

	env, err := initEnv(ctx)
	require.NoError(t, err)
	defer env.Close()

	sched := monitoring.NewScheduler(env.Store, env.jobs()...)
	run, err := sched.RunOnce(ctx, "cost_evaluate")
	require.NoError(t, err)
	assert.Equal(t, model.JobRunSuccess, run.Status)

	runs, err := env.Store.ListJobRuns(ctx, "cost_evaluate", 5)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
