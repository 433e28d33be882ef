// Package queue dispatches pipeline runs, either through an asynq task
// queue on Redis or inline in the calling process.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// TaskRunPipeline is the asynq task type for one pipeline run.
const TaskRunPipeline = "pipeline:run"

// DefaultUniqueTTL is how long a duplicate trigger for the same application
// is collapsed into the pending task.
const DefaultUniqueTTL = time.Minute

var tracer = otel.Tracer("site-enrich/queue")

// Runner executes the pipeline for one application.
type Runner interface {
	Run(ctx context.Context, applicationID string) error
}

// Payload is the JSON body of a pipeline task.
type Payload struct {
	ApplicationID string `json:"application_id"`
}

// RedisConnOpt converts parsed go-redis options into asynq's connection
// options.
func RedisConnOpt(opts *redis.Options) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Network:   opts.Network,
		Addr:      opts.Addr,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}
}

// AsynqTrigger enqueues pipeline runs.
type AsynqTrigger struct {
	client    *asynq.Client
	queue     string
	maxRetry  int
	uniqueTTL time.Duration
	log       *zap.Logger
}

// NewAsynqTrigger creates a trigger that enqueues onto queueName.
func NewAsynqTrigger(opt asynq.RedisConnOpt, queueName string, maxRetry int) *AsynqTrigger {
	return &AsynqTrigger{
		client:    asynq.NewClient(opt),
		queue:     queueName,
		maxRetry:  maxRetry,
		uniqueTTL: DefaultUniqueTTL,
		log:       zap.L().With(zap.String("component", "queue")),
	}
}

// Trigger enqueues a run for applicationID. A run already pending for the
// same application absorbs the trigger.
func (t *AsynqTrigger) Trigger(ctx context.Context, applicationID string) error {
	payload, err := json.Marshal(Payload{ApplicationID: applicationID})
	if err != nil {
		return eris.Wrap(err, "queue: marshal payload")
	}
	task := asynq.NewTask(TaskRunPipeline, payload)

	info, err := t.client.EnqueueContext(ctx, task,
		asynq.Queue(t.queue),
		asynq.MaxRetry(t.maxRetry),
		asynq.Unique(t.uniqueTTL),
	)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		t.log.Debug("queue: run already pending", zap.String("application_id", applicationID))
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "queue: enqueue app:%s", applicationID)
	}
	t.log.Info("queue: run enqueued",
		zap.String("application_id", applicationID),
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue),
	)
	return nil
}

// Close releases the client's Redis connection.
func (t *AsynqTrigger) Close() error {
	return t.client.Close()
}

// InlineTrigger runs the pipeline in a background goroutine of the calling
// process. It is meant for single-binary deployments and tests.
type InlineTrigger struct {
	runner Runner
	wg     sync.WaitGroup
	log    *zap.Logger
}

// NewInlineTrigger creates an InlineTrigger.
func NewInlineTrigger(r Runner) *InlineTrigger {
	return &InlineTrigger{runner: r, log: zap.L().With(zap.String("component", "queue"))}
}

// Trigger starts the run and returns immediately. The run outlives ctx.
func (t *InlineTrigger) Trigger(ctx context.Context, applicationID string) error {
	if applicationID == "" {
		return eris.New("queue: empty application id")
	}
	runCtx := context.WithoutCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.runner.Run(runCtx, applicationID); err != nil {
			t.log.Warn("queue: inline run failed", zap.String("application_id", applicationID), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every started run has returned.
func (t *InlineTrigger) Wait() {
	t.wg.Wait()
}

// Handler processes pipeline tasks.
type Handler struct {
	runner Runner
	log    *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(r Runner) *Handler {
	return &Handler{runner: r, log: zap.L().With(zap.String("component", "queue"))}
}

// ProcessTask implements asynq.Handler. The pipeline records its own
// failures and the recovery sweeper re-arms them, so a failed run is not
// retried by the queue.
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	ctx, span := tracer.Start(ctx, "queue.ProcessTask")
	defer span.End()

	var p Payload
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.ApplicationID == "" {
		span.SetStatus(codes.Error, "bad payload")
		return eris.Wrapf(asynq.SkipRetry, "queue: bad payload %q", t.Payload())
	}
	span.SetAttributes(attribute.String("application_id", p.ApplicationID))

	start := time.Now()
	if err := h.runner.Run(ctx, p.ApplicationID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.log.Warn("queue: run failed",
			zap.String("application_id", p.ApplicationID),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return eris.Wrapf(asynq.SkipRetry, "queue: run app:%s: %v", p.ApplicationID, err)
	}
	h.log.Info("queue: run finished",
		zap.String("application_id", p.ApplicationID),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// NewServer builds the worker server and its mux.
func NewServer(opt asynq.RedisConnOpt, queueName string, concurrency int, h *Handler) (*asynq.Server, *asynq.ServeMux) {
	if concurrency <= 0 {
		concurrency = 10
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queueName: 1},
		Logger:      zapAdapter{zap.L().Sugar().With("component", "asynq")},
	})
	mux := asynq.NewServeMux()
	mux.Handle(TaskRunPipeline, h)
	return srv, mux
}

// zapAdapter satisfies asynq.Logger.
type zapAdapter struct {
	s *zap.SugaredLogger
}

func (a zapAdapter) Debug(args ...any) { a.s.Debug(args...) }
func (a zapAdapter) Info(args ...any)  { a.s.Info(args...) }
func (a zapAdapter) Warn(args ...any)  { a.s.Warn(args...) }
func (a zapAdapter) Error(args ...any) { a.s.Error(args...) }
func (a zapAdapter) Fatal(args ...any) { a.s.Fatal(args...) }
