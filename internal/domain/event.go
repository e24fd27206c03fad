package domain

const (
	EventNameRoomCreated    = "room.created"
	EventNameRoomRemoved    = "room.removed"
	EventNameMemberJoined   = "room.member_joined"
	EventNameMemberLeft     = "room.member_left"
	EventNameSessionStarted = "session.started"
	EventNameSessionEnded   = "session.ended"
	EventNameScoreRecorded  = "score.recorded"

	EventNameLeaderboardUpdated = "leaderboard.updated"
)

// RoomEvent is implemented by every event that belongs to a single room.
type RoomEvent interface {
	Name() string
	Room() string
}

type EventRoomCreated struct {
	RoomCode string
	Owner    string
}

func (EventRoomCreated) Name() string   { return EventNameRoomCreated }
func (e EventRoomCreated) Room() string { return e.RoomCode }

// Room removal reasons.
const (
	RemovedByOwner   = "deleted"
	RemovedOwnerLeft = "owner_left"
	RemovedShutdown  = "shutdown"
)

type EventRoomRemoved struct {
	RoomCode string
	Reason   string
}

func (EventRoomRemoved) Name() string   { return EventNameRoomRemoved }
func (e EventRoomRemoved) Room() string { return e.RoomCode }

type EventMemberJoined struct {
	RoomCode string
	Email    string
	Username string
}

func (EventMemberJoined) Name() string   { return EventNameMemberJoined }
func (e EventMemberJoined) Room() string { return e.RoomCode }

type EventMemberLeft struct {
	RoomCode string
	Email    string
}

func (EventMemberLeft) Name() string   { return EventNameMemberLeft }
func (e EventMemberLeft) Room() string { return e.RoomCode }

type EventSessionStarted struct {
	RoomCode string
	Seconds  int
}

func (EventSessionStarted) Name() string   { return EventNameSessionStarted }
func (e EventSessionStarted) Room() string { return e.RoomCode }

type EventSessionEnded struct {
	RoomCode string
	Scores   []Score
}

func (EventSessionEnded) Name() string   { return EventNameSessionEnded }
func (e EventSessionEnded) Room() string { return e.RoomCode }

type EventScoreRecorded struct {
	Score         Score
	TimeRemaining int
}

func (EventScoreRecorded) Name() string   { return EventNameScoreRecorded }
func (e EventScoreRecorded) Room() string { return e.Score.RoomCode }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string   { return EventNameLeaderboardUpdated }
func (e EventLeaderboardUpdated) Room() string { return e.Leaderboard.RoomCode }
