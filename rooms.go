package chatsync

import (
	"log/slog"
	"sort"
)

// roomTracker records which rooms the local session wants to be in and
// replays join-chat for all of them on every Connected transition, since the
// server scopes room membership to a transport session.
//
// Not safe for concurrent use; the Client drives it from its event loop.
type roomTracker struct {
	intents   map[string]struct{}
	connected bool
	send      func(Envelope) error
	logger    *slog.Logger
}

func newRoomTracker(send func(Envelope) error, logger *slog.Logger) *roomTracker {
	return &roomTracker{
		intents: make(map[string]struct{}),
		send:    send,
		logger:  logger,
	}
}

// join records membership intent, issuing join-chat now if connected.
func (t *roomTracker) join(roomID string) error {
	if roomID == "" {
		return invalidInput("roomId is required")
	}
	if _, ok := t.intents[roomID]; ok {
		return nil
	}
	t.intents[roomID] = struct{}{}
	if t.connected {
		t.issue(EventJoinChat, roomID)
	}
	return nil
}

// leave drops membership intent. Leaving a room that was never joined is a no-op.
func (t *roomTracker) leave(roomID string) {
	if _, ok := t.intents[roomID]; !ok {
		return
	}
	delete(t.intents, roomID)
	if t.connected {
		t.issue(EventLeaveChat, roomID)
	}
}

func (t *roomTracker) has(roomID string) bool {
	_, ok := t.intents[roomID]
	return ok
}

func (t *roomTracker) rooms() []string {
	out := make([]string, 0, len(t.intents))
	for id := range t.intents {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (t *roomTracker) handleState(change StateChange) {
	t.connected = change.To == StateConnected
	if !t.connected {
		return
	}
	for _, roomID := range t.rooms() {
		t.issue(EventJoinChat, roomID)
	}
}

func (t *roomTracker) issue(eventType, roomID string) {
	env, err := NewEnvelope(eventType, RoomPayload{RoomID: roomID})
	if err == nil {
		err = t.send(env)
	}
	if err != nil {
		// Intent is kept; the next Connected transition retries it.
		t.logger.Warn("room request failed", "event", eventType, "room_id", roomID, "error", err)
	}
}
