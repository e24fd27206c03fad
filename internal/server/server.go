package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/Minami189/QuizWebSocket/internal/api"
	"github.com/Minami189/QuizWebSocket/internal/domain"
	"github.com/Minami189/QuizWebSocket/internal/event"
	"github.com/Minami189/QuizWebSocket/internal/hub"
	"github.com/Minami189/QuizWebSocket/internal/leaderboard"
	"github.com/Minami189/QuizWebSocket/internal/room"
	"github.com/Minami189/QuizWebSocket/internal/telemetry"
	"github.com/Minami189/QuizWebSocket/internal/ws"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	// GRPC serves the health service. Port 0 disables it.
	GRPC struct {
		Port int32
	}

	Log telemetry.LogConfig

	WS struct {
		SendBuffer   int
		PingInterval time.Duration
		WriteTimeout time.Duration
		ReadTimeout  time.Duration
	}

	// Redis is optional. Without addresses the leaderboard and the
	// lifecycle pub/sub are disabled.
	Redis struct {
		Addrs     []string
		Pass      string
		Prefix    string
		Retention time.Duration
	}

	Event struct {
		PoolSize int
	}
}

// DefaultConfig returns the configuration used for every key that is not
// set by file or environment.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.GRPC.Port = 8081
	c.Log.Level = "info"
	c.Log.Format = "text"
	c.WS.SendBuffer = 256
	c.WS.PingInterval = 54 * time.Second
	c.WS.WriteTimeout = 10 * time.Second
	c.WS.ReadTimeout = 60 * time.Second
	c.Redis.Prefix = "quiz"
	c.Redis.Retention = time.Hour
	c.Event.PoolSize = 1000
	return c
}

type Server struct {
	c Config

	eb       *event.Bus
	registry *prometheus.Registry
	metrics  *telemetry.Metrics

	infra struct {
		redis redis.UniversalClient
	}

	service struct {
		leaderboard *leaderboard.Service
	}

	hub     *hub.Hub
	stopHub context.CancelFunc
	hubCtx  context.Context
	hubDone chan struct{}
	ws      *ws.Server
	api     *api.API
	handler http.Handler
	http    *http.Server
	grpc    *grpc.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	slog.SetDefault(telemetry.NewLogger(os.Stdout, c.Log))

	s.eb = event.NewBus(event.Config{PoolSize: c.Event.PoolSize, Key: roomKey})

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = telemetry.NewMetrics(s.registry)

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initHub()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	if len(s.c.Redis.Addrs) == 0 {
		slog.Info("server: redis not configured, leaderboard and pub/sub disabled")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.Addrs,
		Password: s.c.Redis.Pass,
	})

	if err := telemetry.MonitorRedis(r, s.metrics); err != nil {
		return err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return err
	}

	s.infra.redis = r
	return nil
}

func (s *Server) initService() {
	if s.infra.redis == nil {
		return
	}

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus:  s.eb,
		Redis:     s.infra.redis,
		Prefix:    s.c.Redis.Prefix,
		Retention: s.c.Redis.Retention,
	})
}

func (s *Server) initHub() {
	s.hub = hub.New(hub.Config{
		Store:    room.NewStore(room.Config{}),
		EventBus: s.eb,
		Metrics:  s.metrics,
	})
	s.hubCtx, s.stopHub = context.WithCancel(context.Background())
	s.hubDone = make(chan struct{})

	s.ws = ws.NewServer(ws.Config{
		Handler:      s.hub,
		SendBuffer:   s.c.WS.SendBuffer,
		PingInterval: s.c.WS.PingInterval,
		WriteTimeout: s.c.WS.WriteTimeout,
		ReadTimeout:  s.c.WS.ReadTimeout,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	s.grpc = grpc.NewServer(telemetry.GRPCServerOptions(slog.Default())...)

	c := api.Config{
		GRPC:         s.grpc,
		EventBus:     s.eb,
		Rooms:        s.hub,
		WebSocket:    s.ws,
		PubsubPrefix: s.c.Redis.Prefix,
	}
	// Keep the interfaces nil when redis is off.
	if s.infra.redis != nil {
		c.Redis = s.infra.redis
		c.Leaderboard = s.service.leaderboard
	}

	s.api = api.New(c)
	s.api.Register(e)

	s.handler = e
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

// roomKey keeps the events of one room in publish order, so subscribers see
// a room created before anyone joins it.
func roomKey(e event.Event) (string, bool) {
	re, ok := e.(domain.RoomEvent)
	if !ok {
		return "", false
	}
	return re.Room(), true
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Start() {
	ctx := context.TODO()

	var eg errgroup.Group
	eg.Go(func() error {
		defer close(s.hubDone)
		return s.hub.Run(s.hubCtx)
	})

	if s.c.GRPC.Port != 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
		if err != nil {
			slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
			panic(err)
		}

		eg.Go(func() error {
			slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
			return s.grpc.Serve(lis)
		})
	}

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err := eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

// Shutdown stops the server in dependency order: health first, then new
// requests, then the rooms (so clients still get told), then the
// connections, and the infrastructure last.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.api.Shutdown()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.stopHub()
	select {
	case <-s.hubDone:
	case <-ctx.Done():
		slog.ErrorContext(ctx, "server: hub did not stop in time")
	}

	s.ws.Close()
	s.grpc.GracefulStop()
	s.eb.Stop()

	if s.infra.redis != nil {
		if err := s.infra.redis.Close(); err != nil {
			slog.ErrorContext(ctx, "server: close redis failed", "error", err)
		}
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
