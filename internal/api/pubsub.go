package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/Minami189/QuizWebSocket/internal/domain"
	"github.com/Minami189/QuizWebSocket/internal/event"
)

const maxConcurrent = 100

var roomEvents = []string{
	domain.EventNameRoomCreated,
	domain.EventNameRoomRemoved,
	domain.EventNameMemberJoined,
	domain.EventNameMemberLeft,
	domain.EventNameSessionStarted,
	domain.EventNameSessionEnded,
	domain.EventNameScoreRecorded,
}

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	RoomCreated struct {
		RoomCode string `json:"roomCode"`
		Owner    string `json:"owner"`
	}

	RoomRemoved struct {
		RoomCode string `json:"roomCode"`
		Reason   string `json:"reason"`
	}

	Member struct {
		RoomCode  string `json:"roomCode"`
		UserEmail string `json:"userEmail"`
		Username  string `json:"username,omitempty"`
	}

	SessionStarted struct {
		RoomCode     string `json:"roomCode"`
		TimerSeconds int    `json:"timerSeconds"`
	}

	SessionEnded struct {
		RoomCode string  `json:"roomCode"`
		Scores   []Score `json:"scores"`
	}

	Score struct {
		UserEmail     string `json:"userEmail"`
		Score         string `json:"score"`
		TimeRemaining *int   `json:"timeRemaining,omitempty"`
	}
)

// PublishRoomEvent publishes a room lifecycle event on the room channel.
func (a *API) PublishRoomEvent(ctx context.Context, e event.Event) error {
	re, ok := e.(domain.RoomEvent)
	if !ok {
		return fmt.Errorf("pubsub: %s is not a room event", e.Name())
	}

	var data any
	switch e := e.(type) {
	case domain.EventRoomCreated:
		data = RoomCreated{RoomCode: e.RoomCode, Owner: e.Owner}
	case domain.EventRoomRemoved:
		data = RoomRemoved{RoomCode: e.RoomCode, Reason: e.Reason}
	case domain.EventMemberJoined:
		data = Member{RoomCode: e.RoomCode, UserEmail: e.Email, Username: e.Username}
	case domain.EventMemberLeft:
		data = Member{RoomCode: e.RoomCode, UserEmail: e.Email}
	case domain.EventSessionStarted:
		data = SessionStarted{RoomCode: e.RoomCode, TimerSeconds: e.Seconds}
	case domain.EventSessionEnded:
		scores := make([]Score, 0, len(e.Scores))
		for _, sc := range e.Scores {
			scores = append(scores, Score{UserEmail: sc.Email, Score: sc.Score.String()})
		}
		data = SessionEnded{RoomCode: e.RoomCode, Scores: scores}
	case domain.EventScoreRecorded:
		data = Score{UserEmail: e.Score.Email, Score: e.Score.Score.String(), TimeRemaining: &e.TimeRemaining}
	default:
		return fmt.Errorf("pubsub: unsupported event %s", e.Name())
	}

	return a.publishNotification(ctx, a.roomChannel(re.Room()), e.Name(), data)
}

// PublishLeaderboardUpdated sends the new leaderboard to the room channel and
// to the channel of every user on it.
func (a *API) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	l := e.Leaderboard

	data := LeaderboardUpdated{
		RoomCode: l.RoomCode,
		Entries:  make([]LeaderboardUpdatedEntry, 0, len(l.Entries)),
	}

	for _, entry := range l.Entries {
		data.Entries = append(data.Entries, LeaderboardUpdatedEntry{
			UserEmail: entry.Email,
			Score:     strconv.FormatFloat(entry.Score, 'f', -1, 64),
		})
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	eg.Go(func() error {
		return a.publishNotification(ctx, a.roomChannel(l.RoomCode), e.Name(), data)
	})

	for _, entry := range data.Entries {
		eg.Go(func() error {
			return a.publishNotification(ctx, a.userChannel(entry.UserEmail), e.Name(), data)
		})
	}

	return eg.Wait()
}

type (
	LeaderboardUpdated struct {
		RoomCode string                    `json:"roomCode"`
		Entries  []LeaderboardUpdatedEntry `json:"entries"`
	}

	LeaderboardUpdatedEntry struct {
		UserEmail string `json:"userEmail"`
		Score     string `json:"score"`
	}
)

func (a *API) publishNotification(ctx context.Context, channel, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, channel, b).Err()
}

func (a *API) roomChannel(code string) string {
	return fmt.Sprintf("%s:room:%s", a.prefix, code)
}

func (a *API) userChannel(email string) string {
	return fmt.Sprintf("%s:user:%s", a.prefix, email)
}
