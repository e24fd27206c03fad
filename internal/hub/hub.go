package hub

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Minami189/QuizWebSocket/internal/domain"
	"github.com/Minami189/QuizWebSocket/internal/errors"
	"github.com/Minami189/QuizWebSocket/internal/event"
	"github.com/Minami189/QuizWebSocket/internal/room"
	"github.com/Minami189/QuizWebSocket/internal/session"
	"github.com/Minami189/QuizWebSocket/internal/telemetry"
)

const defaultQueueSize = 1024

type Config struct {
	Store         *room.Store
	EventBus      *event.Bus
	Metrics       *telemetry.Metrics
	NewTickerFunc session.NewTickerFunc
	// QueueSize is the number of pending events the hub buffers before
	// producers have to wait.
	QueueSize int
}

// Hub routes client messages to rooms and fans notifications back out.
//
// Every connect, message, close and timer tick is executed by Run, one at a
// time, so rooms, the store and connection tags are never touched
// concurrently. The exported methods only enqueue work and are safe to call
// from any goroutine.
type Hub struct {
	store     *room.Store
	eb        *event.Bus
	metrics   *telemetry.Metrics
	newTicker session.NewTickerFunc
	clients   *registry

	inbox chan func(ctx context.Context)
	done  chan struct{}
}

func New(c Config) *Hub {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.NewTickerFunc == nil {
		c.NewTickerFunc = session.NewTicker
	}
	if c.Metrics == nil {
		c.Metrics = telemetry.NewMetrics(prometheus.NewRegistry())
	}

	return &Hub{
		store:     c.Store,
		eb:        c.EventBus,
		metrics:   c.Metrics,
		newTicker: c.NewTickerFunc,
		clients:   newRegistry(),
		inbox:     make(chan func(ctx context.Context), c.QueueSize),
		done:      make(chan struct{}),
	}
}

// Run processes events until ctx is cancelled. On the way out every room is
// closed and its timer cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	slog.InfoContext(ctx, "hub: running")
	for {
		select {
		case <-ctx.Done():
			h.shutdown(context.WithoutCancel(ctx))
			slog.InfoContext(ctx, "hub: stopped")
			return nil
		case fn := <-h.inbox:
			fn(ctx)
		}
	}
}

// Connect registers a new connection.
func (h *Hub) Connect(c Conn) {
	h.post(func(ctx context.Context) { h.connect(ctx, c) })
}

// Receive handles one inbound text message from c.
func (h *Hub) Receive(c Conn, msg []byte) {
	h.post(func(ctx context.Context) { h.receive(ctx, c, msg) })
}

// Disconnect is called once c is closed or failed.
func (h *Hub) Disconnect(c Conn) {
	h.post(func(ctx context.Context) { h.disconnect(ctx, c.ID()) })
}

// Snapshot returns a read-only view of the room with the given code.
func (h *Hub) Snapshot(ctx context.Context, code string) (domain.RoomSnapshot, error) {
	type result struct {
		snap domain.RoomSnapshot
		err  error
	}

	res := make(chan result, 1)
	ok := h.post(func(context.Context) {
		rm, found := h.store.Find(code)
		if !found {
			res <- result{err: errors.NotFound("room not found: %s", code)}
			return
		}
		res <- result{snap: rm.Snapshot()}
	})
	if !ok {
		return domain.RoomSnapshot{}, errHubStopped()
	}

	select {
	case r := <-res:
		return r.snap, r.err
	case <-h.done:
		// The loop may have run fn right before stopping.
		select {
		case r := <-res:
			return r.snap, r.err
		default:
			return domain.RoomSnapshot{}, errHubStopped()
		}
	case <-ctx.Done():
		return domain.RoomSnapshot{}, ctx.Err()
	}
}

func errHubStopped() error {
	return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("hub is stopped"))
}

// post enqueues fn. It reports false if the hub has stopped.
func (h *Hub) post(fn func(ctx context.Context)) bool {
	select {
	case <-h.done:
		return false
	default:
	}

	select {
	case h.inbox <- fn:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) connect(ctx context.Context, c Conn) {
	h.clients.add(c)
	h.metrics.Connections.Set(float64(h.clients.len()))
	slog.DebugContext(ctx, "hub: connected", "conn", c.ID())
}

func (h *Hub) disconnect(ctx context.Context, id string) {
	cl, ok := h.clients.get(id)
	if !ok {
		return
	}

	h.detach(ctx, cl)
	h.clients.remove(id)
	h.metrics.Connections.Set(float64(h.clients.len()))
	slog.DebugContext(ctx, "hub: disconnected", "conn", id)
}

func (h *Hub) shutdown(ctx context.Context) {
	for _, code := range h.store.Codes() {
		rm, ok := h.store.Find(code)
		if !ok {
			continue
		}
		h.removeRoom(ctx, rm, domain.RemovedShutdown, "", roomClosed(code, "server is shutting down"), false)
	}
}

func (h *Hub) publish(ctx context.Context, e event.Event) {
	if h.eb != nil {
		h.eb.Publish(ctx, e)
	}
}
