package progress

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/site-enrich/internal/model"
)

func statusEvent(id string, rev int64, phase model.Phase) model.ProgressEvent {
	return model.ProgressEvent{
		Type: model.EventStatusUpdate,
		Status: &model.StatusUpdate{
			ApplicationID: id,
			Revision:      rev,
			Status:        phase,
			StatusPercent: DefaultPercent(phase),
			StageLabel:    StageLabel(phase),
			Timestamp:     time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
		},
	}
}

func TestRedisPublisher_SubscribeRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := Subscribe(ctx, client, "app-1")
	require.NoError(t, err)

	pub := NewRedisPublisher(client)
	require.NoError(t, pub.Publish(ctx, "app-1", statusEvent("app-1", 4, model.PhaseScoring)))
	require.NoError(t, pub.Publish(ctx, "app-2", statusEvent("app-2", 1, model.PhaseGeocoding)))

	select {
	case ev := <-events:
		require.NotNil(t, ev.Status)
		assert.Equal(t, "app-1", ev.Status.ApplicationID)
		assert.Equal(t, int64(4), ev.Status.Revision)
		assert.Equal(t, "Scoring feasibility", ev.Status.StageLabel)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, open := <-events:
			return !open
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisPublisher_RetriesThenFails(t *testing.T) {
	client, mock := redismock.NewClientMock()
	ev := statusEvent("app-1", 2, model.PhaseGeocoding)
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		mock.ExpectPublish(Channel("app-1"), data).SetErr(errors.New("connection refused"))
	}

	err = NewRedisPublisher(client).Publish(context.Background(), "app-1", ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app:app-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisPublisher_RecoversAfterRetry(t *testing.T) {
	client, mock := redismock.NewClientMock()
	ev := statusEvent("app-1", 2, model.PhaseGeocoding)
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	mock.ExpectPublish(Channel("app-1"), data).SetErr(errors.New("connection reset by peer"))
	mock.ExpectPublish(Channel("app-1"), data).SetVal(1)

	require.NoError(t, NewRedisPublisher(client).Publish(context.Background(), "app-1", ev))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevisionFilter(t *testing.T) {
	f := NewRevisionFilter(2)

	assert.False(t, f.Accept(statusEvent("a", 1, model.PhaseGeocoding)))
	assert.False(t, f.Accept(statusEvent("a", 2, model.PhaseGeocoding)))
	assert.True(t, f.Accept(statusEvent("a", 4, model.PhaseEnriching)))
	assert.False(t, f.Accept(statusEvent("a", 3, model.PhaseParcelLookup)), "out-of-order delivery")
	assert.True(t, f.Accept(model.ProgressEvent{Type: model.EventProgressLog, Log: &model.ProgressLog{Message: "x"}}))
	assert.Equal(t, int64(4), f.Last())
}

func TestChannel(t *testing.T) {
	assert.Equal(t, "app:abc", Channel("abc"))
}
