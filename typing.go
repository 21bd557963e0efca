package chatsync

import (
	"log/slog"
	"sort"
	"time"
)

// Defaults for the presence aggregator.
const (
	DefaultTypingWindow = 5 * time.Second
	DefaultTypingIdle   = 3 * time.Second
)

type typingKey struct {
	roomID        string
	participantID string
}

// typingAggregator debounces the local typing signal and decays remote ones.
//
// Locally, typing is only put on the wire when the per-room state changes,
// and an idle timer sends "stopped typing" if the caller never does.
// Remotely, each user-typing event refreshes an entry that expires a fixed
// window later; a sweep timer drops stale entries even if the stop event was
// lost.
//
// Not safe for concurrent use; the Client drives it from its event loop.
type typingAggregator struct {
	selfID func() string
	send   func(Envelope) error
	after  scheduler
	now    func() time.Time
	idle   time.Duration
	window time.Duration
	logger *slog.Logger

	local     map[string]func() bool // roomId -> idle timer stop
	remote    map[typingKey]time.Time
	sweepStop func() bool
	sweepAt   time.Time
	onChange  func(roomID string)
}

// ── Local side ───────────────────────────────────────────

func (a *typingAggregator) setTyping(roomID string, isTyping bool) error {
	if roomID == "" {
		return invalidInput("roomId is required")
	}
	stop, typing := a.local[roomID]
	if typing {
		stop()
	}

	switch {
	case isTyping && typing:
		// Already announced; just push the idle deadline out.
		a.local[roomID] = a.after(a.idle, func() { a.idleStop(roomID) })
		return nil
	case isTyping:
		a.local[roomID] = a.after(a.idle, func() { a.idleStop(roomID) })
		return a.emit(roomID, true)
	case typing:
		delete(a.local, roomID)
		return a.emit(roomID, false)
	}
	return nil
}

func (a *typingAggregator) idleStop(roomID string) {
	if _, ok := a.local[roomID]; !ok {
		return
	}
	delete(a.local, roomID)
	if err := a.emit(roomID, false); err != nil {
		a.logger.Debug("idle typing stop not sent", "room_id", roomID, "error", err)
	}
}

func (a *typingAggregator) emit(roomID string, isTyping bool) error {
	env, err := NewEnvelope(EventTyping, TypingPayload{RoomID: roomID, IsTyping: isTyping})
	if err != nil {
		return err
	}
	return a.send(env)
}

// reset forgets local typing without emitting; used when the connection
// drops, since the server clears presence with the transport session.
func (a *typingAggregator) reset() {
	for roomID, stop := range a.local {
		stop()
		delete(a.local, roomID)
	}
}

// ── Remote side ──────────────────────────────────────────

// observe applies a relayed user-typing event. It reports whether the room's
// active set changed.
func (a *typingAggregator) observe(p UserTypingPayload) bool {
	if p.RoomID == "" || p.ParticipantID == "" || p.ParticipantID == a.selfID() {
		return false
	}
	now := a.now()
	key := typingKey{p.RoomID, p.ParticipantID}
	expiresAt, ok := a.remote[key]
	wasActive := ok && expiresAt.After(now)

	if !p.IsTyping {
		delete(a.remote, key)
		return wasActive
	}
	a.remote[key] = now.Add(a.window)
	a.armSweep(now)
	return !wasActive
}

// sweep removes expired entries and returns the rooms whose active set
// changed, sorted.
func (a *typingAggregator) sweep(now time.Time) []string {
	changed := make(map[string]struct{})
	for key, expiresAt := range a.remote {
		if !expiresAt.After(now) {
			delete(a.remote, key)
			changed[key.roomID] = struct{}{}
		}
	}
	out := make([]string, 0, len(changed))
	for roomID := range changed {
		out = append(out, roomID)
	}
	sort.Strings(out)
	return out
}

func (a *typingAggregator) armSweep(now time.Time) {
	var earliest time.Time
	for _, expiresAt := range a.remote {
		if earliest.IsZero() || expiresAt.Before(earliest) {
			earliest = expiresAt
		}
	}
	if earliest.IsZero() {
		return
	}
	if a.sweepStop != nil {
		if !earliest.Before(a.sweepAt) {
			return
		}
		a.sweepStop()
	}
	a.sweepAt = earliest
	a.sweepStop = a.after(earliest.Sub(now), func() {
		a.sweepStop = nil
		now := a.now()
		for _, roomID := range a.sweep(now) {
			a.onChange(roomID)
		}
		a.armSweep(now)
	})
}

// active returns the unexpired typing states for a room, by participant.
func (a *typingAggregator) active(roomID string, now time.Time) []TypingState {
	var out []TypingState
	for key, expiresAt := range a.remote {
		if key.roomID == roomID && expiresAt.After(now) {
			out = append(out, TypingState{RoomID: roomID, ParticipantID: key.participantID, ExpiresAt: expiresAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

func (a *typingAggregator) stopAll() {
	a.reset()
	if a.sweepStop != nil {
		a.sweepStop()
		a.sweepStop = nil
	}
}
