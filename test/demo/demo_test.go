//go:build integration_test

package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Minami189/QuizWebSocket/internal/api"
	"github.com/Minami189/QuizWebSocket/internal/domain"
)

const (
	addr      = "ws://localhost:8080/ws"
	redisAddr = "localhost:6379"
)

type message struct {
	Action string          `json:"action"`
	Body   json.RawMessage `json:"body"`
}

func TestQuiz(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		wg = new(sync.WaitGroup)

		quizMaster = "master@quiz.io"
		users      = []string{"u1@quiz.io", "u2@quiz.io", "u3@quiz.io"}
	)

	// Prepare Redis subscriber
	subscribeAsUser(ctx, t, makeRedis(t), wg, users[0])

	master := dial(t)
	send(t, master, "create", map[string]any{
		"userEmail": quizMaster,
		"quizData":  map[string]any{"questions": []string{"q1", "q2", "q3"}},
	})

	var created struct {
		RoomCode string `json:"roomCode"`
	}
	require.NoError(t, json.Unmarshal(expect(t, master, "created"), &created))
	t.Logf("Room %s created", created.RoomCode)

	conns := make([]*websocket.Conn, len(users))
	for i, u := range users {
		conns[i] = dial(t)
		send(t, conns[i], "join", map[string]any{"roomCode": created.RoomCode, "userEmail": u})
		expect(t, conns[i], "joined")
	}

	send(t, master, "startSession", map[string]any{"roomCode": created.RoomCode, "timerSeconds": 5})
	expect(t, master, "sessionStarted")

	// All users finish concurrently
	var eg errgroup.Group
	for i, u := range users {
		eg.Go(func() error {
			score := float64(i+1) * 2.5
			if err := conns[i].WriteJSON(map[string]any{
				"action": "finishQuiz",
				"body":   map[string]any{"roomCode": created.RoomCode, "userEmail": u, "score": score},
			}); err != nil {
				return fmt.Errorf("user %q finish quiz: %w", u, err)
			}

			t.Logf("User %q finished: score=%.2f", u, score)
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	for range users {
		t.Logf("Quiz master notified: %s", expect(t, master, "userFinished"))
	}

	expect(t, master, "sessionEnded")

	send(t, master, "deleteRoom", map[string]any{"roomCode": created.RoomCode})
	for _, c := range conns {
		expect(t, c, "roomDeleted")
	}

	cancel()
	wg.Wait()
}

func dial(t *testing.T) *websocket.Conn {
	wc, _, err := websocket.DefaultDialer.Dial(addr, nil)
	require.NoError(t, err)
	t.Cleanup(func() { wc.Close() })

	return wc
}

func send(t *testing.T, wc *websocket.Conn, action string, body any) {
	require.NoError(t, wc.WriteJSON(map[string]any{"action": action, "body": body}))
}

func expect(t *testing.T, wc *websocket.Conn, action string) json.RawMessage {
	require.NoError(t, wc.SetReadDeadline(time.Now().Add(10*time.Second)))
	for {
		var m message
		require.NoError(t, wc.ReadJSON(&m))
		if m.Action == action {
			return m.Body
		}
	}
}

func subscribeAsUser(ctx context.Context, t *testing.T, rc redis.UniversalClient, wg *sync.WaitGroup, u string) {
	wg.Add(1)
	sub := subscribeRedis(ctx, t, rc, fmt.Sprintf("quiz:user:%s", u))
	go func() {
		defer wg.Done()

		for msg := range sub {
			var n api.Notification
			var data json.RawMessage
			n.Data = &data
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				t.Logf("unmarshal notification: %v", err)
				continue
			}

			switch n.Event {
			case domain.EventNameLeaderboardUpdated:
				var l api.LeaderboardUpdated
				if err := json.Unmarshal(data, &l); err != nil {
					t.Logf("unmarshal leaderboard: %v", err)
					continue
				}

				t.Logf("%s leaderboard:\n%s", u, formatLeaderboard(l))
			}
		}
	}()
}

func subscribeRedis(ctx context.Context, t *testing.T, rc redis.UniversalClient, channel string) <-chan *redis.Message {
	sub := rc.Subscribe(ctx, channel)
	t.Cleanup(func() { sub.Close() })

	c := make(chan *redis.Message)
	go func() {
		defer close(c)

		for {
			msg, err := sub.ReceiveMessage(ctx)
			if err != nil {
				t.Log(err)
				return
			}

			c <- msg
		}
	}()

	return c
}

func makeRedis(t *testing.T) redis.UniversalClient {
	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{redisAddr},
	})
	t.Cleanup(func() { r.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.Ping(ctx).Err(); err != nil {
		t.Fatal(err)
	}

	return r
}

func formatLeaderboard(l api.LeaderboardUpdated) string {
	var s string
	for _, e := range l.Entries {
		s += fmt.Sprintf("%s: %s\n", e.UserEmail, e.Score)
	}
	return s
}
