package api_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/Minami189/QuizWebSocket/internal/api"
	"github.com/Minami189/QuizWebSocket/internal/domain"
	"github.com/Minami189/QuizWebSocket/internal/errors"
	"github.com/Minami189/QuizWebSocket/internal/event"
	"github.com/Minami189/QuizWebSocket/internal/leaderboard"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type rooms map[string]domain.RoomSnapshot

func (r rooms) Snapshot(_ context.Context, code string) (domain.RoomSnapshot, error) {
	s, ok := r[code]
	if !ok {
		return domain.RoomSnapshot{}, errors.NotFound("room not found: %s", code)
	}
	return s, nil
}

type leaderboards map[string]domain.Leaderboard

func (l leaderboards) GetLeaderboard(_ context.Context, req leaderboard.GetLeaderboardRequest) (*domain.Leaderboard, error) {
	lb, ok := l[req.RoomCode]
	if !ok {
		return nil, errors.NotFound("leaderboard not found: room=%s", req.RoomCode)
	}
	return &lb, nil
}

func TestAPI_HTTP(t *testing.T) {
	remaining := 12
	rs := rooms{
		"1234": {
			RoomCode:      "1234",
			State:         domain.RoomStateStarted,
			Owner:         "owner@quiz.io",
			Members:       []string{"b@quiz.io"},
			TimeRemaining: &remaining,
			Finished:      map[string]float64{"b@quiz.io": 4.5},
			CreatedAt:     time.Date(2024, 10, 1, 9, 30, 0, 0, time.UTC),
		},
	}
	lbs := leaderboards{
		"1234": {
			RoomCode: "1234",
			Entries:  []domain.LeaderboardEntry{{Email: "b@quiz.io", Score: 4.5}},
		},
	}

	tests := map[string]struct {
		leaderboard api.Leaderboard
		path        string
		wantStatus  int
		wantBody    string
	}{
		"health": {
			path:       "/healthz",
			wantStatus: http.StatusOK,
			wantBody:   `{"status":"ok"}`,
		},
		"room snapshot": {
			path:       "/rooms/1234",
			wantStatus: http.StatusOK,
			wantBody: `{"roomCode":"1234","state":"started","owner":"owner@quiz.io","members":["b@quiz.io"],
				"timeRemaining":12,"finished":{"b@quiz.io":4.5},"createdAt":"2024-10-01T09:30:00Z"}`,
		},
		"unknown room": {
			path:       "/rooms/0000",
			wantStatus: http.StatusNotFound,
			wantBody:   `{"error":"room not found: 0000"}`,
		},
		"leaderboard": {
			leaderboard: lbs,
			path:        "/rooms/1234/leaderboard",
			wantStatus:  http.StatusOK,
			wantBody:    `{"roomCode":"1234","entries":[{"userEmail":"b@quiz.io","score":4.5}]}`,
		},
		"leaderboard of unknown room": {
			leaderboard: lbs,
			path:        "/rooms/0000/leaderboard",
			wantStatus:  http.StatusNotFound,
			wantBody:    `{"error":"leaderboard not found: room=0000"}`,
		},
		"leaderboard disabled": {
			path:       "/rooms/1234/leaderboard",
			wantStatus: http.StatusNotFound,
			wantBody:   `{"error":"leaderboard is disabled"}`,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			a := api.New(api.Config{
				EventBus:    event.NewBus(event.Config{}),
				Rooms:       rs,
				WebSocket:   http.NotFoundHandler(),
				Leaderboard: tt.leaderboard,
			})

			e := gin.New()
			a.Register(e)

			w := httptest.NewRecorder()
			e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.JSONEq(t, tt.wantBody, w.Body.String())
		})
	}
}

func TestAPI_PublishRoomEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rc := makeRedis(t)
	eb := event.NewBus(event.Config{})
	api.New(api.Config{EventBus: eb, Redis: rc, PubsubPrefix: "quiz"})

	sub := subscribe(ctx, t, rc, "quiz:room:1234")

	tests := []struct {
		event event.Event
		want  string
	}{
		{
			event: domain.EventRoomCreated{RoomCode: "1234", Owner: "owner@quiz.io"},
			want:  `{"event":"room.created","data":{"roomCode":"1234","owner":"owner@quiz.io"}}`,
		},
		{
			event: domain.EventMemberJoined{RoomCode: "1234", Email: "b@quiz.io", Username: "bee"},
			want:  `{"event":"room.member_joined","data":{"roomCode":"1234","userEmail":"b@quiz.io","username":"bee"}}`,
		},
		{
			event: domain.EventSessionStarted{RoomCode: "1234", Seconds: 30},
			want:  `{"event":"session.started","data":{"roomCode":"1234","timerSeconds":30}}`,
		},
		{
			event: domain.EventScoreRecorded{
				Score:         domain.Score{RoomCode: "1234", Email: "b@quiz.io", Score: decimal.RequireFromString("8.25")},
				TimeRemaining: 3,
			},
			want: `{"event":"score.recorded","data":{"userEmail":"b@quiz.io","score":"8.25","timeRemaining":3}}`,
		},
		{
			event: domain.EventSessionEnded{RoomCode: "1234", Scores: []domain.Score{
				{RoomCode: "1234", Email: "b@quiz.io", Score: decimal.RequireFromString("8.25")},
			}},
			want: `{"event":"session.ended","data":{"roomCode":"1234","scores":[{"userEmail":"b@quiz.io","score":"8.25"}]}}`,
		},
		{
			event: domain.EventRoomRemoved{RoomCode: "1234", Reason: domain.RemovedOwnerLeft},
			want:  `{"event":"room.removed","data":{"roomCode":"1234","reason":"owner_left"}}`,
		},
	}

	// Events are handled asynchronously, so publish one at a time to keep the order.
	for _, tt := range tests {
		eb.Publish(ctx, tt.event)

		msg, err := sub.ReceiveMessage(ctx)
		require.NoError(t, err)
		assert.JSONEq(t, tt.want, msg.Payload)
	}

	eb.Stop()
}

func TestAPI_PublishLeaderboardUpdated(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rc := makeRedis(t)
	eb := event.NewBus(event.Config{})
	a := api.New(api.Config{EventBus: eb, Redis: rc, PubsubPrefix: "quiz"})

	room := subscribe(ctx, t, rc, "quiz:room:1234")
	user := subscribe(ctx, t, rc, "quiz:user:b@quiz.io")

	err := a.PublishLeaderboardUpdated(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: domain.Leaderboard{
			RoomCode: "1234",
			Entries: []domain.LeaderboardEntry{
				{Email: "b@quiz.io", Score: 9},
				{Email: "c@quiz.io", Score: 1.5},
			},
		},
	})
	require.NoError(t, err)

	want := `{"event":"leaderboard.updated","data":{"roomCode":"1234","entries":[
		{"userEmail":"b@quiz.io","score":"9"},{"userEmail":"c@quiz.io","score":"1.5"}]}}`

	for _, sub := range []*redis.PubSub{room, user} {
		msg, err := sub.ReceiveMessage(ctx)
		require.NoError(t, err)
		assert.JSONEq(t, want, msg.Payload)
	}
}

func TestAPI_Health(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	a := api.New(api.Config{GRPC: s, EventBus: event.NewBus(event.Config{})})

	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })

	hc := healthpb.NewHealthClient(cc)

	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	a.Shutdown()

	resp, err = hc.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}

func makeRedis(t *testing.T) redis.UniversalClient {
	t.Helper()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	t.Cleanup(func() { _ = rc.Close() })
	return rc
}

func subscribe(ctx context.Context, t *testing.T, rc redis.UniversalClient, channel string) *redis.PubSub {
	t.Helper()

	sub := rc.Subscribe(ctx, channel)
	t.Cleanup(func() { _ = sub.Close() })

	// Wait for the subscription to be confirmed before anything is published.
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	return sub
}
