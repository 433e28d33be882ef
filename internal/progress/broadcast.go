package progress

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/site-enrich/internal/model"
	"github.com/sells-group/site-enrich/internal/resilience"
)

// Channel returns the pub/sub channel of an application.
func Channel(applicationID string) string {
	return "app:" + applicationID
}

// Publisher broadcasts progress events.
type Publisher interface {
	Publish(ctx context.Context, applicationID string, ev model.ProgressEvent) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish does nothing.
func (NopPublisher) Publish(context.Context, string, model.ProgressEvent) error { return nil }

// RedisPublisher publishes events with Redis PUBLISH, retrying with backoff.
type RedisPublisher struct {
	client redis.UniversalClient
	retry  resilience.RetryConfig
}

// NewRedisPublisher creates a RedisPublisher.
func NewRedisPublisher(client redis.UniversalClient) *RedisPublisher {
	cfg := resilience.DefaultRetryConfig()
	cfg.ShouldRetry = func(err error) bool { return !errors.Is(err, context.Canceled) }
	cfg.OnRetry = resilience.RetryLogger("progress.publisher", "publish")
	return &RedisPublisher{client: client, retry: cfg}
}

// Publish sends ev on the application's channel.
func (p *RedisPublisher) Publish(ctx context.Context, applicationID string, ev model.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "progress: marshal event")
	}
	ch := Channel(applicationID)
	err = resilience.Do(ctx, p.retry, func(ctx context.Context) error {
		return p.client.Publish(ctx, ch, data).Err()
	})
	return eris.Wrapf(err, "progress: publish %s", ch)
}

// Subscribe streams events for one application until ctx is done. The
// returned channel is closed when the subscription ends.
func Subscribe(ctx context.Context, client redis.UniversalClient, applicationID string) (<-chan model.ProgressEvent, error) {
	ps := client.Subscribe(ctx, Channel(applicationID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, eris.Wrap(err, "progress: subscribe")
	}

	out := make(chan model.ProgressEvent, 16)
	go func() {
		defer close(out)
		defer ps.Close() //nolint:errcheck
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev model.ProgressEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					zap.L().Warn("progress: dropping malformed event",
						zap.String("channel", msg.Channel),
						zap.Error(err),
					)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// RevisionFilter drops status updates that are not newer than the last one
// it accepted. Log events always pass.
type RevisionFilter struct {
	last int64
}

// NewRevisionFilter creates a filter that has already applied revision last.
func NewRevisionFilter(last int64) *RevisionFilter {
	return &RevisionFilter{last: last}
}

// Accept reports whether ev should be applied.
func (f *RevisionFilter) Accept(ev model.ProgressEvent) bool {
	if ev.Type != model.EventStatusUpdate || ev.Status == nil {
		return true
	}
	if ev.Status.Revision <= f.last {
		return false
	}
	f.last = ev.Status.Revision
	return true
}

// Last returns the newest accepted revision.
func (f *RevisionFilter) Last() int64 { return f.last }
