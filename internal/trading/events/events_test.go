package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBusFanOut(t *testing.T) {
	bus := NewInMemoryBus(16, zap.NewNop())
	defer bus.Close()

	var mu sync.Mutex
	var got []Type
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		bus.Subscribe(func(_ context.Context, e Event) {
			mu.Lock()
			got = append(got, e.Type)
			mu.Unlock()
			wg.Done()
		})
	}

	bus.Publish(context.Background(), New(PositionClosed, uuid.New(), uuid.New(), nil))
	wg.Wait()
	assert.Equal(t, []Type{PositionClosed, PositionClosed}, got)
}

func TestBusRecoversPanics(t *testing.T) {
	bus := NewInMemoryBus(16, zap.NewNop())
	delivered := make(chan struct{}, 1)
	bus.Subscribe(func(context.Context, Event) { panic("consumer bug") })
	bus.Subscribe(func(context.Context, Event) { delivered <- struct{}{} })

	bus.Publish(context.Background(), New(OrderFilled, uuid.Nil, uuid.New(), nil))
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("healthy subscriber not reached")
	}
	bus.Close()
	assert.Equal(t, int64(1), bus.Stats().Failed)
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewInMemoryBus(1, zap.NewNop())
	release := make(chan struct{})
	bus.Subscribe(func(context.Context, Event) { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(context.Background(), New(MarginCall, uuid.New(), uuid.Nil, nil))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow consumer")
	}
	close(release)
	bus.Close()
	assert.Positive(t, bus.Stats().Dropped)
}

func TestSubscribeChan(t *testing.T) {
	bus := NewInMemoryBus(4, zap.NewNop())
	defer bus.Close()
	ch, unsub := bus.SubscribeChan(4)

	bus.Publish(context.Background(), New(MarginWarning, uuid.New(), uuid.Nil, nil))
	select {
	case e := <-ch:
		assert.Equal(t, MarginWarning, e.Type)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	unsub()
	_, open := <-ch
	assert.False(t, open)
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
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

func (w *fakeWriter) Close() error { return nil }

func TestKafkaSink(t *testing.T) {
	w := &fakeWriter{}
	sink := newKafkaSink(w, time.Second, 8, zap.NewNop())
	participant := uuid.New()
	e := New(PositionLiquidated, participant, uuid.New(), map[string]interface{}{"reason": "margin_call"})

	sink.Handle(context.Background(), e)
	require.NoError(t, sink.Close())
	require.Len(t, w.msgs, 1)
	assert.Equal(t, participant.String(), string(w.msgs[0].Key))
	assert.Equal(t, "event_type", w.msgs[0].Headers[0].Key)

	var decoded Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, PositionLiquidated, decoded.Type)

	assert.NotPanics(t, func() { sink.Handle(context.Background(), e) }, "handle after close")
	require.NoError(t, sink.Close())
}

func TestKafkaSinkWriteFailureIsLogged(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	sink := newKafkaSink(w, time.Second, 8, zap.NewNop())
	e := New(OrderFilled, uuid.New(), uuid.New(), nil)
	assert.NotPanics(t, func() { sink.Handle(context.Background(), e) })
	require.NoError(t, sink.Close())
	assert.Empty(t, w.msgs)
}

type stuckWriter struct {
	release chan struct{}
	writes  chan struct{}
}

func (w *stuckWriter) WriteMessages(ctx context.Context, _ ...kafka.Message) error {
	w.writes <- struct{}{}
	select {
	case <-w.release:
	case <-ctx.Done():
	}
	return nil
}

func (w *stuckWriter) Close() error { return nil }

func TestSlowBrokerDoesNotStallBus(t *testing.T) {
	w := &stuckWriter{release: make(chan struct{}), writes: make(chan struct{}, 16)}
	sink := newKafkaSink(w, time.Minute, 2, zap.NewNop())
	bus := NewInMemoryBus(64, zap.NewNop())
	defer bus.Close()
	bus.Subscribe(sink.Handle)
	feed, unsub := bus.SubscribeChan(64)
	defer unsub()

	for i := 0; i < 10; i++ {
		bus.Publish(context.Background(), New(OrderFilled, uuid.New(), uuid.New(), nil))
	}
	for i := 0; i < 10; i++ {
		select {
		case <-feed:
		case <-time.After(2 * time.Second):
			t.Fatalf("websocket subscriber starved after %d events", i)
		}
	}

	close(w.release)
	require.NoError(t, sink.Close())
	assert.GreaterOrEqual(t, len(w.writes), 1)
}
