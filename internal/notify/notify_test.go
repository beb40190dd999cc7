package notify

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/config"
	"github.com/ClaudioSBezerra/fbapp-rt-sub000/internal/core"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestKafkaPublisher(t *testing.T) {
	ev := core.Event{Type: core.EventCompleted, JobID: "job-1", Status: core.StatusCompleted, Period: "2024-03", Progress: 100}

	t.Run("lifecycle events are keyed by job", func(t *testing.T) {
		w := &fakeWriter{}
		p := NewKafkaPublisher(w, false)
		require.NoError(t, p.Publish(context.Background(), ev))
		require.Len(t, w.msgs, 1)

		msg := w.msgs[0]
		assert.Equal(t, "job-1", string(msg.Key))
		assert.Equal(t, "import.completed", header(msg, "event-type"))
		assert.Equal(t, Source, header(msg, "source"))

		var env Envelope
		require.NoError(t, json.Unmarshal(msg.Value, &env))
		assert.Equal(t, "import.completed", env.Type)
		assert.NotEmpty(t, env.ID)

		var got core.Event
		require.NoError(t, json.Unmarshal(env.Data, &got))
		assert.Equal(t, "2024-03", got.Period)
		assert.Equal(t, 100, got.Progress)
	})

	t.Run("progress events are opt in", func(t *testing.T) {
		w := &fakeWriter{}
		progress := ev
		progress.Type = core.EventProgress

		require.NoError(t, NewKafkaPublisher(w, false).Publish(context.Background(), progress))
		assert.Empty(t, w.msgs)

		require.NoError(t, NewKafkaPublisher(w, true).Publish(context.Background(), progress))
		assert.Len(t, w.msgs, 1)
	})

	t.Run("write errors are returned", func(t *testing.T) {
		w := &fakeWriter{err: errors.New("broker down")}
		err := NewKafkaPublisher(w, false).Publish(context.Background(), ev)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broker down")
	})
}

func TestKafkaRefresher(t *testing.T) {
	w := &fakeWriter{}
	r := NewKafkaRefresher(w)
	job := &core.Job{ID: "job-2", CompanyID: "acme", Branch: "12345678000190", Period: "2024-03"}

	require.NoError(t, r.Refresh(context.Background(), job))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "12345678000190|2024-03", string(w.msgs[0].Key))

	var env Envelope
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &env))
	var req RefreshRequest
	require.NoError(t, json.Unmarshal(env.Data, &req))
	assert.Equal(t, RefreshRequest{JobID: "job-2", CompanyID: "acme", Branch: "12345678000190", Period: "2024-03"}, req)

	require.NoError(t, r.Close())
	assert.True(t, w.closed)
}

func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("FBIMPORT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FBIMPORT_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := NewRedisClient(ctx, config.RedisConfig{Addr: addr})
	require.NoError(t, err)
	defer client.Close()

	prefix := "fbimport:test:" + time.Now().Format("150405.000000") + ":"
	src := NewRedisSource(client, prefix)
	pub := NewRedisPublisher(client, prefix)

	events, err := src.Subscribe(ctx, "job-3")
	require.NoError(t, err)

	require.NoError(t, pub.Publish(ctx, core.Event{Type: core.EventProgress, JobID: "job-3", Progress: 40}))
	require.NoError(t, pub.Publish(ctx, core.Event{Type: core.EventCompleted, JobID: "job-3", Progress: 100}))

	var got []core.Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, 40, got[0].Progress)
	assert.Equal(t, core.EventCompleted, got[1].Type)
}
