package ws

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Minami189/QuizWebSocket/internal/hub"
)

var (
	ErrClosed         = errors.New("ws: connection closed")
	ErrSendBufferFull = errors.New("ws: send buffer full")
)

const (
	defaultSendBuffer     = 256
	defaultPingInterval   = 54 * time.Second
	defaultReadTimeout    = 60 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultMaxMessageSize = 1 << 20
)

// Handler receives the lifecycle of every connection. *hub.Hub implements it.
type Handler interface {
	Connect(c hub.Conn)
	Receive(c hub.Conn, msg []byte)
	Disconnect(c hub.Conn)
}

type Config struct {
	Handler Handler
	// SendBuffer is the number of outbound messages queued per connection.
	SendBuffer   int
	PingInterval time.Duration
	// ReadTimeout is how long a connection may stay silent, pongs included.
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	CheckOrigin    func(r *http.Request) bool
}

// Server upgrades HTTP requests to websocket connections and pumps their
// messages to and from the Handler.
type Server struct {
	c        Config
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
	wg     sync.WaitGroup
}

func NewServer(c Config) *Server {
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}

	return &Server{
		c: c,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     c.CheckOrigin,
		},
		conns: make(map[string]*Conn),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	wc, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered the request.
		slog.WarnContext(r.Context(), "ws: upgrade failed", "error", err)
		return
	}

	c := &Conn{
		id:   uuid.NewString(),
		ws:   wc,
		send: make(chan []byte, s.c.SendBuffer),
		done: make(chan struct{}),
	}
	c.alive.Store(true)

	if !s.register(c) {
		_ = wc.Close()
		return
	}

	slog.DebugContext(r.Context(), "ws: connection opened", "conn", c.id, "remote", r.RemoteAddr)
	s.c.Handler.Connect(c)

	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) register(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.conns[c.id] = c
	s.wg.Add(2)
	return true
}

func (s *Server) unregister(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conns, c.id)
}

// Len returns the number of open connections.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.conns)
}

// Close stops accepting connections, closes every open one and waits for
// their pumps to finish.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	s.wg.Wait()
}

func (s *Server) readPump(c *Conn) {
	defer func() {
		c.close()
		s.unregister(c)
		s.c.Handler.Disconnect(c)
		s.wg.Done()
		slog.Debug("ws: connection closed", "conn", c.id)
	}()

	c.ws.SetReadLimit(s.c.MaxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(s.c.ReadTimeout)); err != nil {
		slog.Warn("ws: set read deadline failed", "conn", c.id, "error", err)
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.c.ReadTimeout))
	})

	for {
		typ, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				slog.Warn("ws: read failed", "conn", c.id, "error", err)
			}
			return
		}

		if typ != websocket.TextMessage {
			continue
		}
		s.c.Handler.Receive(c, msg)
	}
}

func (s *Server) writePump(c *Conn) {
	ticker := time.NewTicker(s.c.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		s.wg.Done()
	}()

	for {
		select {
		case <-c.done:
			c.flush(s.c.WriteTimeout)
			deadline := time.Now().Add(time.Second)
			if err := c.ws.SetWriteDeadline(deadline); err == nil {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			}
			return

		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg, s.c.WriteTimeout); err != nil {
				slog.Warn("ws: write failed", "conn", c.id, "error", err)
				c.close()
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil, s.c.WriteTimeout); err != nil {
				c.close()
				return
			}
		}
	}
}

// Conn is one websocket client. It implements hub.Conn.
type Conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	alive     atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func (c *Conn) ID() string { return c.id }

// Send queues msg for delivery without blocking. It fails once the
// connection is closed or when the client is too slow to keep up.
func (c *Conn) Send(msg []byte) error {
	if !c.alive.Load() {
		return ErrClosed
	}

	select {
	case <-c.done:
		return ErrClosed
	case c.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Conn) Alive() bool {
	return c.alive.Load()
}

func (c *Conn) write(typ int, msg []byte, timeout time.Duration) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(typ, msg)
}

// flush writes whatever is still queued. The first write error ends it.
func (c *Conn) flush(timeout time.Duration) {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg, timeout); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		close(c.done)
	})
}
