package hub

import (
	"context"
	stderrors "errors"
	"log/slog"

	"github.com/Minami189/QuizWebSocket/internal/domain"
	"github.com/Minami189/QuizWebSocket/internal/errors"
	"github.com/Minami189/QuizWebSocket/internal/protocol"
	"github.com/Minami189/QuizWebSocket/internal/room"
	"github.com/Minami189/QuizWebSocket/internal/session"
)

const (
	labelUnknown = "unknown"
	labelInvalid = "invalid"
)

func (h *Hub) receive(ctx context.Context, c Conn, msg []byte) {
	cl := h.clients.add(c)

	req, err := protocol.Decode(msg)
	if stderrors.Is(err, protocol.ErrMalformed) {
		h.metrics.Malformed.Inc()
		slog.WarnContext(ctx, "hub: drop malformed message", "conn", cl.id(), "error", err)
		return
	}
	if err != nil {
		h.metrics.Inbound.WithLabelValues(labelInvalid).Inc()
		h.reject(ctx, cl, labelInvalid, err)
		return
	}

	label := string(req.Action())
	if _, ok := req.(protocol.Unknown); ok {
		label = labelUnknown
	}
	h.metrics.Inbound.WithLabelValues(label).Inc()

	switch r := req.(type) {
	case protocol.Create:
		err = h.create(ctx, cl, r)
	case protocol.Join:
		err = h.join(ctx, cl, r)
	case protocol.StartSession:
		err = h.startSession(ctx, cl, r)
	case protocol.Reconnect:
		err = h.reconnect(ctx, cl, r)
	case protocol.DeleteRoom:
		err = h.deleteRoom(ctx, cl, r)
	case protocol.LeaveRoom:
		err = h.leaveRoom(ctx, cl)
	case protocol.FinishQuiz:
		err = h.finishQuiz(ctx, cl, r)
	case protocol.Message:
		err = h.message(ctx, cl, r)
	case protocol.Unknown:
		err = errors.InvalidArgument("unknown action: %s", r.Name)
	}

	if err != nil {
		h.reject(ctx, cl, label, err)
	}
}

// reject answers the sender with an error notification. Internal failures
// are logged with their cause and reported with a generic reason.
func (h *Hub) reject(ctx context.Context, cl *client, label string, err error) {
	h.metrics.Rejected.WithLabelValues(label).Inc()

	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(ctx, "hub: handle message failed", "conn", cl.id(), "action", label, "error", err)
	} else {
		slog.DebugContext(ctx, "hub: message rejected", "conn", cl.id(), "action", label, "reason", e.Message)
	}

	h.send(ctx, cl.id(), protocol.Error(e.Message))
}

func (h *Hub) create(ctx context.Context, cl *client, r protocol.Create) error {
	h.detach(ctx, cl)

	rm, err := h.store.Create(room.Participant{Email: r.UserEmail, ConnID: cl.id()}, r.Quiz)
	if err != nil {
		return err
	}

	cl.tag(rm.Code(), r.UserEmail)
	h.metrics.Rooms.Set(float64(h.store.Len()))
	slog.InfoContext(ctx, "hub: room created", "room", rm.Code(), "owner", r.UserEmail)

	h.send(ctx, cl.id(), protocol.Notification{
		Action: protocol.ActionCreated,
		Body:   protocol.CreatedBody{RoomCode: rm.Code(), Message: "room created", Quiz: rm.Quiz()},
	})
	h.publish(ctx, domain.EventRoomCreated{RoomCode: rm.Code(), Owner: r.UserEmail})
	return nil
}

func (h *Hub) join(ctx context.Context, cl *client, r protocol.Join) error {
	rm, err := h.enter(ctx, cl, r.RoomCode, r.UserEmail, func(rm *room.Room) error {
		return rm.CanJoin(r.UserEmail)
	})
	if err != nil {
		return err
	}

	rejoined, prev, err := rm.Join(room.Participant{Email: r.UserEmail, Username: r.Username, ConnID: cl.id()})
	if err != nil {
		return err
	}
	h.rebind(cl, rm.Code(), r.UserEmail, prev)

	members := rm.MemberEmails()
	h.send(ctx, cl.id(), protocol.Notification{
		Action: protocol.ActionJoined,
		Body: protocol.JoinedBody{
			RoomCode: rm.Code(),
			Quiz:     rm.Quiz(),
			Owner:    rm.Owner().Email,
			Members:  members,
		},
	})
	h.broadcast(ctx, rm, protocol.Notification{
		Action: protocol.ActionUserJoined,
		Body:   protocol.UserJoinedBody{UserEmail: r.UserEmail, Username: r.Username, Members: members},
	}, cl.id())

	if !rejoined {
		slog.InfoContext(ctx, "hub: member joined", "room", rm.Code(), "email", r.UserEmail)
		h.publish(ctx, domain.EventMemberJoined{RoomCode: rm.Code(), Email: r.UserEmail, Username: r.Username})
	}
	return nil
}

func (h *Hub) startSession(ctx context.Context, cl *client, r protocol.StartSession) error {
	rm, ok := h.store.Find(r.RoomCode)
	if !ok {
		return roomNotFound(r.RoomCode)
	}
	if !rm.IsOwnerConn(cl.id()) {
		return errors.PermissionDenied("only the room owner can start the session")
	}

	restart := rm.State() == domain.RoomStateStarted
	seconds := session.Seconds(r.TimerSeconds)
	code := rm.Code()
	err := rm.Start(func() *session.Timer {
		return session.Start(seconds, h.newTicker, func(t *session.Timer) {
			h.post(func(ctx context.Context) { h.tick(ctx, code, t) })
		})
	})
	if err != nil {
		return err
	}

	h.metrics.Sessions.WithLabelValues("started").Inc()
	slog.InfoContext(ctx, "hub: session started", "room", code, "seconds", seconds, "restart", restart)

	h.broadcastTagged(ctx, rm, protocol.Notification{
		Action: protocol.ActionSessionStarted,
		Body:   protocol.SessionStartedBody{RoomCode: code, TimerSeconds: seconds},
	}, "")
	h.publish(ctx, domain.EventSessionStarted{RoomCode: code, Seconds: seconds})
	return nil
}

// tick is one second of the countdown of timer t in room code. Ticks of a
// timer that was replaced or cancelled, or of a removed room, do nothing.
func (h *Hub) tick(ctx context.Context, code string, t *session.Timer) {
	rm, ok := h.store.Find(code)
	if !ok || rm.Timer() != t || t.Stopped() {
		return
	}

	left := t.Tick()
	h.broadcast(ctx, rm, protocol.Notification{
		Action: protocol.ActionTimerTick,
		Body:   protocol.TimerTickBody{TimeRemaining: left},
	}, "")
	if left > 0 {
		return
	}

	rm.End()
	h.metrics.Sessions.WithLabelValues("ended").Inc()
	slog.InfoContext(ctx, "hub: session ended", "room", code)

	h.broadcast(ctx, rm, protocol.Notification{
		Action: protocol.ActionSessionEnded,
		Body:   protocol.SessionEndedBody{RoomCode: code},
	}, "")
	h.publish(ctx, domain.EventSessionEnded{RoomCode: code, Scores: rm.Scores()})
}

func (h *Hub) reconnect(ctx context.Context, cl *client, r protocol.Reconnect) error {
	rm, err := h.enter(ctx, cl, r.RoomCode, r.UserEmail, func(rm *room.Room) error {
		return rm.CanReconnect()
	})
	if err != nil {
		return err
	}

	_, known := rm.Member(r.UserEmail)
	role, prev, err := rm.Reconnect(r.UserEmail, cl.id())
	if err != nil {
		return err
	}
	h.rebind(cl, rm.Code(), r.UserEmail, prev)
	slog.InfoContext(ctx, "hub: reconnected", "room", rm.Code(), "email", r.UserEmail, "role", role)

	h.send(ctx, cl.id(), protocol.Notification{
		Action: protocol.ActionReconnected,
		Body: protocol.ReconnectedBody{
			RoomCode:      rm.Code(),
			Quiz:          rm.Quiz(),
			Role:          role,
			State:         rm.State(),
			TimeRemaining: rm.TimeRemaining(),
		},
	})

	if role == domain.RoleClient && !known {
		h.publish(ctx, domain.EventMemberJoined{RoomCode: rm.Code(), Email: r.UserEmail})
	}
	return nil
}

func (h *Hub) deleteRoom(ctx context.Context, cl *client, r protocol.DeleteRoom) error {
	rm, ok := h.store.Find(r.RoomCode)
	if !ok {
		return roomNotFound(r.RoomCode)
	}
	if !rm.IsOwnerConn(cl.id()) {
		return errors.PermissionDenied("only the room owner can delete the room")
	}

	h.removeRoom(ctx, rm, domain.RemovedByOwner, "", roomDeleted(rm.Code()), true)
	return nil
}

func (h *Hub) leaveRoom(ctx context.Context, cl *client) error {
	if !cl.bound() {
		return errors.FailedPrecondition("not in a room")
	}

	code, email := cl.room, cl.email
	rm, ok := h.store.Find(code)
	if !ok {
		cl.untag()
		return roomNotFound(code)
	}
	if rm.IsOwnerConn(cl.id()) {
		return errors.FailedPrecondition("the owner cannot leave the room, delete it instead")
	}

	// Only the connection currently bound to the identity takes it off the roster.
	if m, ok := rm.Member(email); ok && m.ConnID == cl.id() {
		rm.Remove(email)
		h.broadcast(ctx, rm, userLeft(email, rm.MemberEmails()), cl.id())
		slog.InfoContext(ctx, "hub: member left", "room", code, "email", email)
		h.publish(ctx, domain.EventMemberLeft{RoomCode: code, Email: email})
	}

	h.send(ctx, cl.id(), protocol.Notification{
		Action: protocol.ActionLeftRoom,
		Body:   protocol.LeftRoomBody{RoomCode: code},
	})
	cl.untag()
	return nil
}

func (h *Hub) finishQuiz(ctx context.Context, cl *client, r protocol.FinishQuiz) error {
	rm, ok := h.store.Find(r.RoomCode)
	if !ok {
		return roomNotFound(r.RoomCode)
	}
	if err := rm.RecordScore(r.UserEmail, r.Score); err != nil {
		return err
	}
	score, _ := rm.Score(r.UserEmail)

	remaining := 0
	if t := rm.TimeRemaining(); t != nil {
		remaining = *t
	}
	slog.InfoContext(ctx, "hub: score recorded", "room", rm.Code(), "email", r.UserEmail, "score", score)

	h.send(ctx, rm.Owner().ConnID, protocol.Notification{
		Action: protocol.ActionUserFinished,
		Body: protocol.UserFinishedBody{
			UserEmail:     r.UserEmail,
			Score:         score.InexactFloat64(),
			TimeRemaining: remaining,
		},
	})
	h.publish(ctx, domain.EventScoreRecorded{
		Score:         domain.Score{RoomCode: rm.Code(), Email: r.UserEmail, Score: score},
		TimeRemaining: remaining,
	})
	return nil
}

func (h *Hub) message(ctx context.Context, cl *client, r protocol.Message) error {
	if !cl.bound() {
		return errors.FailedPrecondition("not in a room")
	}

	rm, ok := h.store.Find(cl.room)
	if !ok {
		code := cl.room
		cl.untag()
		return roomNotFound(code)
	}

	h.broadcast(ctx, rm, protocol.Notification{Action: protocol.ActionMessage, Body: r.Body}, "")
	return nil
}

// enter resolves the room a connection wants to bind to as email. If the
// connection is bound to anything else, it is detached first, the same way
// a closed connection would be.
func (h *Hub) enter(ctx context.Context, cl *client, code, email string, check func(*room.Room) error) (*room.Room, error) {
	rm, ok := h.store.Find(code)
	if !ok {
		return nil, roomNotFound(code)
	}
	if err := check(rm); err != nil {
		return nil, err
	}

	if cl.bound() && !cl.is(code, email) {
		h.detach(ctx, cl)
		// Detaching an owner connection may have removed this very room.
		if rm, ok = h.store.Find(code); !ok {
			return nil, roomNotFound(code)
		}
	}
	return rm, nil
}

// rebind tags cl with room/email and releases the connection that used to
// speak for that identity.
func (h *Hub) rebind(cl *client, code, email, prevConnID string) {
	if prevConnID != "" && prevConnID != cl.id() {
		h.clients.release(prevConnID, code, email)
	}
	cl.tag(code, email)
}

// detach removes cl from the room it is tagged with. An owner connection
// takes the whole room down with it, a member connection only leaves the
// roster. A connection that was superseded by a reconnect only loses its tags.
func (h *Hub) detach(ctx context.Context, cl *client) {
	if !cl.bound() {
		return
	}

	code, email := cl.room, cl.email
	cl.untag()

	rm, ok := h.store.Find(code)
	if !ok {
		return
	}

	if rm.IsOwnerConn(cl.id()) {
		h.removeRoom(ctx, rm, domain.RemovedOwnerLeft, cl.id(), roomClosed(code, "owner left the room"), false)
		return
	}

	m, ok := rm.Member(email)
	if !ok || m.ConnID != cl.id() {
		return
	}

	rm.Remove(email)
	h.broadcast(ctx, rm, userLeft(email, rm.MemberEmails()), "")
	slog.InfoContext(ctx, "hub: member left", "room", code, "email", email)
	h.publish(ctx, domain.EventMemberLeft{RoomCode: code, Email: email})
}

// removeRoom notifies every participant except the given connection with n,
// then deletes the room, cancelling its timer, and clears the tags of every
// connection bound to it.
func (h *Hub) removeRoom(ctx context.Context, rm *room.Room, reason, except string, n protocol.Notification, tagged bool) {
	if tagged {
		h.broadcastTagged(ctx, rm, n, except)
	} else {
		h.broadcast(ctx, rm, n, except)
	}

	participants := rm.Participants()
	h.store.Delete(rm.Code())
	for _, p := range participants {
		h.clients.release(p.ConnID, rm.Code(), p.Email)
	}

	h.metrics.Rooms.Set(float64(h.store.Len()))
	slog.InfoContext(ctx, "hub: room removed", "room", rm.Code(), "reason", reason)
	h.publish(ctx, domain.EventRoomRemoved{RoomCode: rm.Code(), Reason: reason})
}

func userLeft(email string, members []string) protocol.Notification {
	return protocol.Notification{
		Action: protocol.ActionUserLeft,
		Body:   protocol.UserLeftBody{UserEmail: email, Members: members},
	}
}

func roomNotFound(code string) error {
	return errors.NotFound("room not found: %s", code)
}
