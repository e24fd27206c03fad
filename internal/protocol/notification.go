package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/Minami189/QuizWebSocket/internal/domain"
)

// Outbound actions.
const (
	ActionCreated        Action = "created"
	ActionJoined         Action = "joined"
	ActionUserJoined     Action = "userJoined"
	ActionSessionStarted Action = "sessionStarted"
	ActionReconnected    Action = "reconnected"
	ActionRoomDeleted    Action = "roomDeleted"
	ActionLeftRoom       Action = "leftRoom"
	ActionUserLeft       Action = "userLeft"
	ActionUserFinished   Action = "userFinished"
	ActionTimerTick      Action = "timerTick"
	ActionSessionEnded   Action = "sessionEnded"
	ActionRoomClosed     Action = "roomClosed"
	ActionError          Action = "error"
)

// Notification is one outbound message. Owner is only set on notifications
// that are personalised per recipient.
type Notification struct {
	Action Action `json:"action"`
	Body   any    `json:"body"`
	Owner  *bool  `json:"owner,omitempty"`
}

// Tagged returns a copy of n flagged for an owner or non-owner recipient.
func (n Notification) Tagged(owner bool) Notification {
	n.Owner = &owner
	return n
}

func Encode(n Notification) ([]byte, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", n.Action, err)
	}
	return b, nil
}

func Error(reason string) Notification {
	return Notification{Action: ActionError, Body: reason}
}

type (
	CreatedBody struct {
		RoomCode string          `json:"roomCode"`
		Message  string          `json:"message"`
		Quiz     json.RawMessage `json:"quiz"`
	}

	JoinedBody struct {
		RoomCode string          `json:"roomCode"`
		Quiz     json.RawMessage `json:"quiz"`
		Owner    string          `json:"owner"`
		Members  []string        `json:"members"`
	}

	UserJoinedBody struct {
		UserEmail string   `json:"userEmail"`
		Username  string   `json:"username,omitempty"`
		Members   []string `json:"members"`
	}

	SessionStartedBody struct {
		RoomCode     string `json:"roomCode"`
		TimerSeconds int    `json:"timerSeconds"`
	}

	ReconnectedBody struct {
		RoomCode      string           `json:"roomCode"`
		Quiz          json.RawMessage  `json:"quiz"`
		Role          domain.Role      `json:"role"`
		State         domain.RoomState `json:"state"`
		TimeRemaining *int             `json:"timeRemaining"`
	}

	RoomDeletedBody struct {
		RoomCode string `json:"roomCode"`
		Message  string `json:"message"`
	}

	LeftRoomBody struct {
		RoomCode string `json:"roomCode"`
	}

	UserLeftBody struct {
		UserEmail string   `json:"userEmail"`
		Members   []string `json:"members"`
	}

	UserFinishedBody struct {
		UserEmail     string  `json:"userEmail"`
		Score         float64 `json:"score"`
		TimeRemaining int     `json:"timeRemaining"`
	}

	TimerTickBody struct {
		TimeRemaining int `json:"timeRemaining"`
	}

	SessionEndedBody struct {
		RoomCode string `json:"roomCode"`
	}

	RoomClosedBody struct {
		RoomCode string `json:"roomCode"`
		Message  string `json:"message"`
	}
)
