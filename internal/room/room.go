package room

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Minami189/QuizWebSocket/internal/domain"
	"github.com/Minami189/QuizWebSocket/internal/errors"
	"github.com/Minami189/QuizWebSocket/internal/session"
)

// Participant binds a user identity to the connection that currently
// represents it in a room. The connection is referenced by ID only, so a
// closed connection can never be reached through a stale participant.
type Participant struct {
	Email    string
	Username string
	ConnID   string
}

// Room is a single quiz room. It is not safe for concurrent use: every
// call must come from the goroutine that serialises room mutations.
type Room struct {
	code      string
	quiz      json.RawMessage
	owner     Participant
	members   map[string]*Participant
	order     []string // member emails in join order
	state     domain.RoomState
	timer     *session.Timer
	scores    map[string]decimal.Decimal
	createdAt time.Time
}

func newRoom(code string, owner Participant, quiz json.RawMessage, now time.Time) *Room {
	return &Room{
		code:      code,
		quiz:      quiz,
		owner:     owner,
		members:   make(map[string]*Participant),
		state:     domain.RoomStateWaiting,
		scores:    make(map[string]decimal.Decimal),
		createdAt: now,
	}
}

func (r *Room) Code() string               { return r.code }
func (r *Room) Quiz() json.RawMessage      { return r.quiz }
func (r *Room) Owner() Participant         { return r.owner }
func (r *Room) State() domain.RoomState    { return r.state }
func (r *Room) Timer() *session.Timer      { return r.timer }
func (r *Room) CreatedAt() time.Time       { return r.createdAt }
func (r *Room) IsOwnerEmail(e string) bool { return r.owner.Email == e }

// IsOwnerConn reports whether connID is the connection currently bound to the owner.
func (r *Room) IsOwnerConn(connID string) bool {
	return connID != "" && r.owner.ConnID == connID
}

// Members returns the members in join order. The owner is not included.
func (r *Room) Members() []Participant {
	ms := make([]Participant, 0, len(r.order))
	for _, e := range r.order {
		ms = append(ms, *r.members[e])
	}
	return ms
}

func (r *Room) Member(email string) (Participant, bool) {
	p, ok := r.members[email]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// MemberEmails returns the member identities in join order.
func (r *Room) MemberEmails() []string {
	return append([]string(nil), r.order...)
}

// Participants returns the owner followed by every member.
func (r *Room) Participants() []Participant {
	return append([]Participant{r.owner}, r.Members()...)
}

// Join adds p as a member, or rebinds its connection if it is already one.
// The previous connection ID of a rebound member is returned.
func (r *Room) Join(p Participant) (rejoined bool, prevConnID string, err error) {
	if err := r.CanJoin(p.Email); err != nil {
		return false, "", err
	}

	if m, ok := r.members[p.Email]; ok {
		prevConnID = m.ConnID
		m.ConnID = p.ConnID
		if p.Username != "" {
			m.Username = p.Username
		}
		return true, prevConnID, nil
	}

	r.add(p)
	return false, "", nil
}

// CanJoin returns the reason email may not join, if any.
func (r *Room) CanJoin(email string) error {
	if r.state == domain.RoomStateStarted {
		return errors.FailedPrecondition("room %s: session already started", r.code)
	}
	if r.IsOwnerEmail(email) {
		return errors.FailedPrecondition("room %s: %s is the owner, use reconnect", r.code, email)
	}
	return nil
}

func (r *Room) CanReconnect() error {
	if r.state == domain.RoomStateEnded {
		return errors.FailedPrecondition("room %s: session has ended", r.code)
	}
	return nil
}

// Reconnect rebinds the identity to connID. Unknown identities become members.
func (r *Room) Reconnect(email, connID string) (role domain.Role, prevConnID string, err error) {
	if err := r.CanReconnect(); err != nil {
		return "", "", err
	}

	if r.IsOwnerEmail(email) {
		prevConnID, r.owner.ConnID = r.owner.ConnID, connID
		return domain.RoleOwner, prevConnID, nil
	}

	if m, ok := r.members[email]; ok {
		prevConnID, m.ConnID = m.ConnID, connID
		return domain.RoleClient, prevConnID, nil
	}

	r.add(Participant{Email: email, ConnID: connID})
	return domain.RoleClient, "", nil
}

func (r *Room) add(p Participant) {
	r.members[p.Email] = &p
	r.order = append(r.order, p.Email)
}

// Remove drops a member from the roster. It reports whether the member existed.
func (r *Room) Remove(email string) bool {
	if _, ok := r.members[email]; !ok {
		return false
	}

	delete(r.members, email)
	for i, e := range r.order {
		if e == email {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Start moves the room to started and installs the timer built by newTimer.
// A running timer is stopped before the new one is created.
func (r *Room) Start(newTimer func() *session.Timer) error {
	if r.state == domain.RoomStateEnded {
		return errors.FailedPrecondition("room %s: session has ended", r.code)
	}

	r.stopTimer()
	r.timer = newTimer()
	r.state = domain.RoomStateStarted
	return nil
}

// End finishes a started session. It is a no-op in any other state.
func (r *Room) End() bool {
	if r.state != domain.RoomStateStarted {
		return false
	}

	r.stopTimer()
	r.state = domain.RoomStateEnded
	return true
}

// Close releases the room's timer. Called when the room is removed.
func (r *Room) Close() {
	r.stopTimer()
}

func (r *Room) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// TimeRemaining returns the seconds left, or nil when no session is running.
func (r *Room) TimeRemaining() *int {
	if r.timer == nil {
		return nil
	}
	s := r.timer.Remaining()
	return &s
}

// RecordScore stores the result of email. The last write wins.
func (r *Room) RecordScore(email string, score decimal.Decimal) error {
	if r.state == domain.RoomStateWaiting {
		return errors.FailedPrecondition("room %s: session has not started", r.code)
	}

	r.scores[email] = score
	return nil
}

func (r *Room) Score(email string) (decimal.Decimal, bool) {
	s, ok := r.scores[email]
	return s, ok
}

// Scores returns every recorded score, highest first.
func (r *Room) Scores() []domain.Score {
	scores := make([]domain.Score, 0, len(r.scores))
	for e, s := range r.scores {
		scores = append(scores, domain.Score{RoomCode: r.code, Email: e, Score: s})
	}

	sort.Slice(scores, func(i, j int) bool {
		if c := scores[i].Score.Cmp(scores[j].Score); c != 0 {
			return c > 0
		}
		return scores[i].Email < scores[j].Email
	})
	return scores
}

func (r *Room) Snapshot() domain.RoomSnapshot {
	finished := make(map[string]float64, len(r.scores))
	for e, s := range r.scores {
		finished[e] = s.InexactFloat64()
	}

	return domain.RoomSnapshot{
		RoomCode:      r.code,
		State:         r.state,
		Owner:         r.owner.Email,
		Members:       r.MemberEmails(),
		TimeRemaining: r.TimeRemaining(),
		Finished:      finished,
		CreatedAt:     r.createdAt,
	}
}
