package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Minami189/QuizWebSocket/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type message struct {
	Action string          `json:"action"`
	Body   json.RawMessage `json:"body"`
}

func startServer(t *testing.T, redisAddr string) (*Server, string) {
	t.Helper()

	c := DefaultConfig()
	c.GRPC.Port = 0
	c.Log.Level = "error"
	if redisAddr != "" {
		c.Redis.Addrs = []string{redisAddr}
	}

	s, err := Init(c)
	require.NoError(t, err)

	go func() {
		defer close(s.hubDone)
		_ = s.hub.Run(s.hubCtx)
	}()

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Shutdown()
		ts.Close()
	})

	return s, ts.URL
}

func dial(t *testing.T, base string) *websocket.Conn {
	t.Helper()

	wc, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(base, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = wc.Close() })
	return wc
}

func send(t *testing.T, wc *websocket.Conn, action string, body any) {
	t.Helper()
	require.NoError(t, wc.WriteJSON(map[string]any{"action": action, "body": body}))
}

// expect reads until a message with the given action arrives.
func expect(t *testing.T, wc *websocket.Conn, action string) json.RawMessage {
	t.Helper()

	require.NoError(t, wc.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var m message
		require.NoError(t, wc.ReadJSON(&m))
		if m.Action == action {
			return m.Body
		}
	}
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestServer_QuizRoom(t *testing.T) {
	mr := miniredis.RunT(t)
	_, base := startServer(t, mr.Addr())

	owner := dial(t, base)
	member := dial(t, base)

	send(t, owner, "create", map[string]any{"userEmail": "owner@quiz.io", "quizData": map[string]any{"title": "go"}})
	var created struct {
		RoomCode string `json:"roomCode"`
	}
	require.NoError(t, json.Unmarshal(expect(t, owner, "created"), &created))
	require.Len(t, created.RoomCode, 4)

	send(t, member, "join", map[string]any{"roomCode": created.RoomCode, "userEmail": "b@quiz.io", "username": "bee"})
	expect(t, member, "joined")
	expect(t, owner, "userJoined")

	send(t, owner, "startSession", map[string]any{"roomCode": created.RoomCode, "timerSeconds": 30})
	expect(t, owner, "sessionStarted")
	expect(t, member, "sessionStarted")

	send(t, member, "finishQuiz", map[string]any{"roomCode": created.RoomCode, "userEmail": "b@quiz.io", "score": 7.5})
	var finished struct {
		UserEmail string  `json:"userEmail"`
		Score     float64 `json:"score"`
	}
	require.NoError(t, json.Unmarshal(expect(t, owner, "userFinished"), &finished))
	assert.Equal(t, "b@quiz.io", finished.UserEmail)
	assert.Equal(t, 7.5, finished.Score)

	code, body := get(t, base+"/rooms/"+created.RoomCode)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"state":"started"`)

	require.Eventually(t, func() bool {
		code, body := get(t, base+"/rooms/"+created.RoomCode+"/leaderboard")
		return code == http.StatusOK && strings.Contains(body, `"userEmail":"b@quiz.io","score":7.5`)
	}, 3*time.Second, 20*time.Millisecond)

	code, body = get(t, base+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "quizroom_rooms 1")
	assert.Contains(t, body, "quizroom_connections 2")
}

func TestServer_WithoutRedis(t *testing.T) {
	_, base := startServer(t, "")

	code, body := get(t, base+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, body)

	code, body = get(t, base+"/rooms/0000/leaderboard")
	assert.Equal(t, http.StatusNotFound, code)
	assert.JSONEq(t, `{"error":"leaderboard is disabled"}`, body)

	wc := dial(t, base)
	send(t, wc, "join", map[string]any{"roomCode": "0000", "userEmail": "b@quiz.io"})
	assert.JSONEq(t, `"room not found: 0000"`, string(expect(t, wc, "error")))
}

func TestServer_ShutdownClosesRooms(t *testing.T) {
	c := DefaultConfig()
	c.GRPC.Port = 0
	c.Log.Level = "error"

	s, err := Init(c)
	require.NoError(t, err)

	go func() {
		defer close(s.hubDone)
		_ = s.hub.Run(s.hubCtx)
	}()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wc := dial(t, ts.URL)
	send(t, wc, "create", map[string]any{"userEmail": "owner@quiz.io"})
	expect(t, wc, "created")

	s.Shutdown()

	expect(t, wc, "roomClosed")
	_, _, err = wc.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestDefaultConfig_Env(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("REDIS_URL", "r1:6379,r2:6379")
	t.Setenv("WS_PINGINTERVAL", "5s")

	c := DefaultConfig()
	require.NoError(t, config.Load("", &c,
		config.WithEnvAlias("http.port", "PORT"),
		config.WithEnvAlias("redis.addrs", "REDIS_URL"),
	))

	assert.EqualValues(t, 9090, c.HTTP.Port)
	assert.EqualValues(t, 8081, c.GRPC.Port)
	assert.Equal(t, []string{"r1:6379", "r2:6379"}, c.Redis.Addrs)
	assert.Equal(t, 5*time.Second, c.WS.PingInterval)
	assert.Equal(t, time.Hour, c.Redis.Retention)
	assert.Equal(t, "quiz", c.Redis.Prefix)
}
