// Package events carries domain events from the engine to notification and
// history consumers. Publishing never blocks the engine.
package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/Aidin1998/fxarena/pkg/metrics"
)

// Handler handles an event. It runs on the dispatcher goroutine and should be
// fast; panics are recovered and logged.
type Handler func(ctx context.Context, e Event)

// Publisher is what the engine depends on.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// DefaultBufferSize bounds the outbound queue
const DefaultBufferSize = 1024

// InMemoryBus queues events on a bounded channel and fans them out to
// subscribers from a single dispatcher goroutine. A full buffer drops the
// event and counts it.
type InMemoryBus struct {
	logger *zap.Logger
	queue  chan Event

	mu     sync.RWMutex
	nextID int
	subs   map[int]Handler

	stats     Stats
	statsMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Stats counts bus activity
type Stats struct {
	Published int64
	Delivered int64
	Dropped   int64
	Failed    int64
}

func NewInMemoryBus(bufferSize int, logger *zap.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	bus := &InMemoryBus{
		logger: logger,
		queue:  make(chan Event, bufferSize),
		subs:   make(map[int]Handler),
		done:   make(chan struct{}),
	}
	bus.wg.Add(1)
	go bus.dispatch()
	return bus
}

// Publish enqueues e without blocking.
func (bus *InMemoryBus) Publish(ctx context.Context, e Event) {
	select {
	case <-bus.done:
		bus.drop(e)
		return
	default:
	}
	select {
	case bus.queue <- e:
		bus.count(func(s *Stats) { s.Published++ })
	default:
		bus.drop(e)
	}
}

func (bus *InMemoryBus) drop(e Event) {
	bus.count(func(s *Stats) { s.Dropped++ })
	metrics.EventsDropped.WithLabelValues(string(e.Type)).Inc()
	bus.logger.Warn("Event dropped", zap.String("type", string(e.Type)), zap.String("event_id", e.ID.String()))
}

// Subscribe registers h and returns a function that removes it.
func (bus *InMemoryBus) Subscribe(h Handler) (unsubscribe func()) {
	bus.mu.Lock()
	id := bus.nextID
	bus.nextID++
	bus.subs[id] = h
	bus.mu.Unlock()
	return func() {
		bus.mu.Lock()
		delete(bus.subs, id)
		bus.mu.Unlock()
	}
}

// SubscribeChan delivers events to a buffered channel, dropping for a slow
// reader. The channel is closed on unsubscribe.
func (bus *InMemoryBus) SubscribeChan(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	var mu sync.Mutex
	closed := false
	unsub := bus.Subscribe(func(_ context.Context, e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
			metrics.EventsDropped.WithLabelValues(string(e.Type)).Inc()
		}
	})
	return ch, func() {
		unsub()
		mu.Lock()
		if !closed {
			closed = true
			close(ch)
		}
		mu.Unlock()
	}
}

func (bus *InMemoryBus) Stats() Stats {
	bus.statsMu.Lock()
	defer bus.statsMu.Unlock()
	return bus.stats
}

// Close stops accepting events, delivers what is queued and waits for the dispatcher.
func (bus *InMemoryBus) Close() {
	bus.closeOnce.Do(func() {
		close(bus.done)
		bus.wg.Wait()
	})
}

func (bus *InMemoryBus) dispatch() {
	defer bus.wg.Done()
	for {
		select {
		case e := <-bus.queue:
			bus.deliver(e)
		case <-bus.done:
			for {
				select {
				case e := <-bus.queue:
					bus.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (bus *InMemoryBus) deliver(e Event) {
	bus.mu.RLock()
	handlers := make([]Handler, 0, len(bus.subs))
	for _, h := range bus.subs {
		handlers = append(handlers, h)
	}
	bus.mu.RUnlock()

	for _, h := range handlers {
		bus.safeCall(h, e)
	}
}

func (bus *InMemoryBus) safeCall(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			bus.logger.Error("Event handler panic", zap.Any("recover", r), zap.String("type", string(e.Type)))
			bus.count(func(s *Stats) { s.Failed++ })
		}
	}()
	h(context.Background(), e)
	bus.count(func(s *Stats) { s.Delivered++ })
}

func (bus *InMemoryBus) count(f func(*Stats)) {
	bus.statsMu.Lock()
	f(&bus.stats)
	bus.statsMu.Unlock()
}
