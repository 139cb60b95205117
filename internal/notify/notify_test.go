package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRedisPublishesJSON(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	sub := client.Subscribe(ctx, "results")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	n := NewRedis(client, "results")
	ev := Event{Kind: KindBooked, UserID: 7, Date: "2023-06-01", Time: "10:00", Attempts: 3, At: time.Unix(0, 0).UTC()}
	require.NoError(t, n.Notify(ctx, ev))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var got Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.True(t, ev.At.Equal(got.At))
	got.At = ev.At
	assert.Equal(t, ev, got)
}

func TestLogEscalationIsWarning(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	n := NewLog(zap.New(core))

	require.NoError(t, n.Notify(context.Background(), Event{Kind: KindEscalation, UserID: 1, Status: 418}))
	require.NoError(t, n.Notify(context.Background(), Event{Kind: KindExhausted, UserID: 1}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	assert.Equal(t, int64(418), entries[0].ContextMap()["status"])
	assert.Equal(t, zap.InfoLevel, entries[1].Level)
}

type failing struct{ err error }

func (f failing) Notify(context.Context, Event) error { return f.err }

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	var seen int
	counter := notifierFunc(func(context.Context, Event) error { seen++; return nil })

	err := Multi{failing{boom}, counter, Discard{}}.Notify(context.Background(), Event{Kind: KindInvalid})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, seen)
}

type notifierFunc func(context.Context, Event) error

func (f notifierFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }
