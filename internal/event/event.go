package event

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	defaultPoolSize = 1000
	defaultTimeout  = 10 * time.Second
)

type Event interface {
	Name() string
}

type Handler func(ctx context.Context, e Event) error

// KeyFunc returns the ordering key of e, or false if e can be handled in any order.
type KeyFunc func(e Event) (key string, ok bool)

type Config struct {
	// PoolSize bounds the number of handlers running at the same time.
	PoolSize int
	// Timeout bounds a single handler run.
	Timeout time.Duration
	// Key, when set, makes handlers of events sharing a key run one at a
	// time in publish order.
	Key KeyFunc
}

// Bus is an in-memory event bus. Handlers run asynchronously, so a slow
// subscriber never stalls the publisher beyond waiting for a pool slot.
type Bus struct {
	pool     chan struct{}
	timeout  time.Duration
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	handlers map[string][]Handler

	key    KeyFunc
	qmu    sync.Mutex
	queues map[string][]func()
}

// NewBus create a new event bus. Caller should call Stop for graceful shutdown the bus.
func NewBus(c Config) *Bus {
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}

	return &Bus{
		pool:     make(chan struct{}, c.PoolSize),
		timeout:  c.Timeout,
		wg:       new(sync.WaitGroup),
		handlers: make(map[string][]Handler),
		key:      c.Key,
		queues:   make(map[string][]func()),
	}
}

// Subscribe h to every event in names.
func (b *Bus) Subscribe(h Handler, names ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, name := range names {
		b.handlers[name] = append(b.handlers[name], h)
	}
}

// Publish an event
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var (
		key     string
		ordered bool
	)
	if b.key != nil {
		key, ordered = b.key(e)
	}

	for _, h := range b.handlers[e.Name()] {
		b.wg.Add(1)
		run := b.handle(ctx, h, e)

		if ordered {
			b.enqueue(key, run)
			continue
		}

		b.pool <- struct{}{}
		go run()
	}
}

// enqueue appends run to the queue of key, starting a worker for the key if
// none is draining it.
func (b *Bus) enqueue(key string, run func()) {
	b.qmu.Lock()
	q, busy := b.queues[key]
	b.queues[key] = append(q, run)
	b.qmu.Unlock()

	if !busy {
		go b.drain(key)
	}
}

func (b *Bus) drain(key string) {
	for {
		b.qmu.Lock()
		q := b.queues[key]
		if len(q) == 0 {
			delete(b.queues, key)
			b.qmu.Unlock()
			return
		}
		run := q[0]
		b.queues[key] = q[1:]
		b.qmu.Unlock()

		b.pool <- struct{}{}
		run()
	}
}

// handle returns the run of h for e. The caller holds a pool slot when it
// calls the returned func, which releases it.
func (b *Bus) handle(ctx context.Context, h Handler, e Event) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(ctx, "event: handler panic",
					"event", e.Name(),
					"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
				)
			}

			cancel()
			<-b.pool
			b.wg.Done()
		}()

		if err := h(ctx, e); err != nil {
			slog.ErrorContext(ctx, "event: handle event failed",
				"event", e.Name(),
				"error", err,
			)
		}
	}
}

// Stop waits for all handlers to finish
func (b *Bus) Stop() {
	b.wg.Wait()
}
