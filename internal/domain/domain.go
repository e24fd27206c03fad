package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RoomState is the lifecycle state of a room. It only ever advances
// waiting -> started -> ended.
type RoomState string

const (
	RoomStateWaiting RoomState = "waiting"
	RoomStateStarted RoomState = "started"
	RoomStateEnded   RoomState = "ended"
)

type Role string

const (
	RoleOwner  Role = "owner"
	RoleClient Role = "client"
)

// Score represents a user's result within a room.
type Score struct {
	RoomCode string
	Email    string
	Score    decimal.Decimal
}

// RoomSnapshot is a read-only view of a room, safe to hand out of the hub.
type RoomSnapshot struct {
	RoomCode      string             `json:"roomCode"`
	State         RoomState          `json:"state"`
	Owner         string             `json:"owner"`
	Members       []string           `json:"members"`
	TimeRemaining *int               `json:"timeRemaining"`
	Finished      map[string]float64 `json:"finished"`
	CreatedAt     time.Time          `json:"createdAt"`
}

// Leaderboard represents a list of users and their scores within a room.
// The list is sorted by score in descending order.
type Leaderboard struct {
	RoomCode string
	Entries  []LeaderboardEntry
}

type LeaderboardEntry struct {
	Email string
	Score float64
}
