package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Minami189/QuizWebSocket/internal/domain"
	"github.com/Minami189/QuizWebSocket/internal/errors"
	"github.com/Minami189/QuizWebSocket/internal/event"
	"github.com/Minami189/QuizWebSocket/internal/leaderboard"
)

type Config struct {
	GRPC        *grpc.Server
	EventBus    *event.Bus
	Rooms       Rooms
	WebSocket   http.Handler
	Leaderboard Leaderboard
	// Redis is optional. Without it no lifecycle event is published.
	Redis        Redis
	PubsubPrefix string
}

type Rooms interface {
	Snapshot(ctx context.Context, code string) (domain.RoomSnapshot, error)
}

type Leaderboard interface {
	GetLeaderboard(ctx context.Context, req leaderboard.GetLeaderboardRequest) (*domain.Leaderboard, error)
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	rooms  Rooms
	ws     http.Handler
	ls     Leaderboard
	health *health.Server

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		rooms:  c.Rooms,
		ws:     c.WebSocket,
		ls:     c.Leaderboard,
		health: health.NewServer(),
		redis:  c.Redis,
		prefix: c.PubsubPrefix,
	}

	// gRPC APIs
	if c.GRPC != nil {
		healthpb.RegisterHealthServer(c.GRPC, a.health)
	}
	a.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Register event handlers
	if a.redis != nil {
		c.EventBus.Subscribe(a.PublishRoomEvent, roomEvents...)
		c.EventBus.Subscribe(func(ctx context.Context, e event.Event) error {
			return a.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
		}, domain.EventNameLeaderboardUpdated)
	}

	return a
}

// Register mounts the HTTP routes on r.
func (a *API) Register(r gin.IRouter) {
	r.GET("/ws", gin.WrapH(a.ws))
	r.GET("/healthz", a.Healthz)
	r.GET("/rooms/:code", a.GetRoom)
	r.GET("/rooms/:code/leaderboard", a.GetLeaderboard)
}

// Shutdown reports NOT_SERVING to every health check from now on.
func (a *API) Shutdown() {
	a.health.Shutdown()
}

func (a *API) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) GetRoom(c *gin.Context) {
	snap, err := a.rooms.Snapshot(c.Request.Context(), c.Param("code"))
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, snap)
}

type (
	LeaderboardView struct {
		RoomCode string             `json:"roomCode"`
		Entries  []LeaderboardEntry `json:"entries"`
	}

	LeaderboardEntry struct {
		UserEmail string  `json:"userEmail"`
		Score     float64 `json:"score"`
	}
)

func (a *API) GetLeaderboard(c *gin.Context) {
	if a.ls == nil {
		abort(c, errors.NotFound("leaderboard is disabled"))
		return
	}

	l, err := a.ls.GetLeaderboard(c.Request.Context(), leaderboard.GetLeaderboardRequest{
		RoomCode: c.Param("code"),
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, toLeaderboard(*l))
}

func toLeaderboard(l domain.Leaderboard) LeaderboardView {
	v := LeaderboardView{
		RoomCode: l.RoomCode,
		Entries:  make([]LeaderboardEntry, 0, len(l.Entries)),
	}

	for _, e := range l.Entries {
		v.Entries = append(v.Entries, LeaderboardEntry{UserEmail: e.Email, Score: e.Score})
	}
	return v
}

func abort(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{"error": e.Message})
}
