package hub

import (
	"context"
	"log/slog"

	"github.com/Minami189/QuizWebSocket/internal/protocol"
	"github.com/Minami189/QuizWebSocket/internal/room"
)

// send delivers n to a single connection. Failures are logged and counted,
// never returned: one bad recipient must not affect anyone else.
func (h *Hub) send(ctx context.Context, connID string, n protocol.Notification) {
	b, err := protocol.Encode(n)
	if err != nil {
		slog.ErrorContext(ctx, "hub: encode notification failed", "action", n.Action, "error", err)
		return
	}

	h.deliver(ctx, connID, n.Action, b)
}

func (h *Hub) deliver(ctx context.Context, connID string, action protocol.Action, b []byte) {
	cl, ok := h.clients.get(connID)
	if !ok || !cl.conn.Alive() {
		h.metrics.DeliveryFailures.Inc()
		slog.DebugContext(ctx, "hub: skip delivery to closed connection", "conn", connID, "action", action)
		return
	}

	if err := cl.conn.Send(b); err != nil {
		h.metrics.DeliveryFailures.Inc()
		slog.WarnContext(ctx, "hub: delivery failed", "conn", connID, "action", action, "error", err)
	}
}

// broadcast sends the same notification to the owner and every member of
// rm, skipping the connection except.
func (h *Hub) broadcast(ctx context.Context, rm *room.Room, n protocol.Notification, except string) {
	b, err := protocol.Encode(n)
	if err != nil {
		slog.ErrorContext(ctx, "hub: encode notification failed", "action", n.Action, "error", err)
		return
	}

	for _, p := range rm.Participants() {
		if p.ConnID == except {
			continue
		}
		h.deliver(ctx, p.ConnID, n.Action, b)
	}
}

// broadcastTagged sends n to every participant of rm, flagged with whether
// the recipient is the owner.
func (h *Hub) broadcastTagged(ctx context.Context, rm *room.Room, n protocol.Notification, except string) {
	owner := rm.Owner().Email
	for _, p := range rm.Participants() {
		if p.ConnID == except {
			continue
		}
		h.send(ctx, p.ConnID, n.Tagged(p.Email == owner))
	}
}

func roomClosed(code, reason string) protocol.Notification {
	return protocol.Notification{
		Action: protocol.ActionRoomClosed,
		Body:   protocol.RoomClosedBody{RoomCode: code, Message: reason},
	}
}

func roomDeleted(code string) protocol.Notification {
	return protocol.Notification{
		Action: protocol.ActionRoomDeleted,
		Body:   protocol.RoomDeletedBody{RoomCode: code, Message: "room deleted by owner"},
	}
}
