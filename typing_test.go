package chatsync

import (
	"encoding/json"
	"testing"
	"time"
)

func newTestTyping(clock *manualClock, wire *sentLog) (*typingAggregator, *[]string) {
	var changed []string
	a := &typingAggregator{
		selfID:   func() string { return "me" },
		send:     wire.send,
		after:    clock.after,
		now:      clock.Now,
		idle:     DefaultTypingIdle,
		window:   DefaultTypingWindow,
		logger:   discardLogger(),
		local:    make(map[string]func() bool),
		remote:   make(map[typingKey]time.Time),
		onChange: func(roomID string) { changed = append(changed, roomID) },
	}
	return a, &changed
}

func typingFlags(t *testing.T, wire *sentLog) []bool {
	t.Helper()
	var out []bool
	for _, env := range wire.ofType(EventTyping) {
		var p TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatal(err)
		}
		out = append(out, p.IsTyping)
	}
	return out
}

func TestTypingLocal(t *testing.T) {
	t.Run("debounced", func(t *testing.T) {
		clock, wire := newManualClock(), &sentLog{}
		a, _ := newTestTyping(clock, wire)
		for i := 0; i < 5; i++ {
			a.setTyping("r1", true)
			clock.advance(500 * time.Millisecond)
		}
		a.setTyping("r1", false)
		a.setTyping("r1", false)

		got := typingFlags(t, wire)
		if len(got) != 2 || !got[0] || got[1] {
			t.Fatalf("typing events = %v, want [true false]", got)
		}
	})

	t.Run("idle stop", func(t *testing.T) {
		clock, wire := newManualClock(), &sentLog{}
		a, _ := newTestTyping(clock, wire)
		a.setTyping("r1", true)
		clock.advance(DefaultTypingIdle)

		got := typingFlags(t, wire)
		if len(got) != 2 || got[1] {
			t.Fatalf("typing events = %v", got)
		}
		a.setTyping("r1", false)
		if n := len(typingFlags(t, wire)); n != 2 {
			t.Fatalf("explicit stop after idle stop was sent again")
		}
	})

	t.Run("keystrokes push out the idle stop", func(t *testing.T) {
		clock, wire := newManualClock(), &sentLog{}
		a, _ := newTestTyping(clock, wire)
		a.setTyping("r1", true)
		clock.advance(2 * time.Second)
		a.setTyping("r1", true)
		clock.advance(2 * time.Second)
		if got := typingFlags(t, wire); len(got) != 1 {
			t.Fatalf("typing events = %v", got)
		}
		clock.advance(time.Second)
		if got := typingFlags(t, wire); len(got) != 2 {
			t.Fatalf("typing events = %v", got)
		}
	})

	t.Run("reset emits nothing", func(t *testing.T) {
		clock, wire := newManualClock(), &sentLog{}
		a, _ := newTestTyping(clock, wire)
		a.setTyping("r1", true)
		a.reset()
		clock.advance(time.Minute)
		if got := typingFlags(t, wire); len(got) != 1 {
			t.Fatalf("typing events = %v", got)
		}
	})
}

func TestTypingRemote(t *testing.T) {
	t.Run("decays without a stop event", func(t *testing.T) {
		clock, wire := newManualClock(), &sentLog{}
		a, changed := newTestTyping(clock, wire)
		if !a.observe(UserTypingPayload{RoomID: "r1", ParticipantID: "other", IsTyping: true}) {
			t.Fatal("first typing event did not change the active set")
		}
		if got := a.active("r1", clock.Now()); len(got) != 1 || got[0].ParticipantID != "other" {
			t.Fatalf("active = %+v", got)
		}

		clock.advance(DefaultTypingWindow - time.Millisecond)
		if len(*changed) != 0 {
			t.Fatal("expired early")
		}
		clock.advance(time.Millisecond)
		if len(*changed) != 1 || (*changed)[0] != "r1" {
			t.Fatalf("changed = %v", *changed)
		}
		if got := a.active("r1", clock.Now()); len(got) != 0 {
			t.Fatalf("still active: %+v", got)
		}
	})

	t.Run("refresh extends the window", func(t *testing.T) {
		clock, wire := newManualClock(), &sentLog{}
		a, changed := newTestTyping(clock, wire)
		a.observe(UserTypingPayload{RoomID: "r1", ParticipantID: "other", IsTyping: true})
		clock.advance(4 * time.Second)
		if a.observe(UserTypingPayload{RoomID: "r1", ParticipantID: "other", IsTyping: true}) {
			t.Fatal("refresh reported a change")
		}
		clock.advance(4 * time.Second)
		if len(*changed) != 0 {
			t.Fatalf("expired despite refresh: %v", *changed)
		}
		clock.advance(time.Second)
		if len(*changed) != 1 {
			t.Fatalf("changed = %v", *changed)
		}
	})

	t.Run("explicit stop", func(t *testing.T) {
		clock, wire := newManualClock(), &sentLog{}
		a, _ := newTestTyping(clock, wire)
		a.observe(UserTypingPayload{RoomID: "r1", ParticipantID: "other", IsTyping: true})
		if !a.observe(UserTypingPayload{RoomID: "r1", ParticipantID: "other", IsTyping: false}) {
			t.Fatal("stop did not change the active set")
		}
		if a.observe(UserTypingPayload{RoomID: "r1", ParticipantID: "other", IsTyping: false}) {
			t.Fatal("second stop reported a change")
		}
	})

	t.Run("own echo ignored", func(t *testing.T) {
		clock, wire := newManualClock(), &sentLog{}
		a, _ := newTestTyping(clock, wire)
		if a.observe(UserTypingPayload{RoomID: "r1", ParticipantID: "me", IsTyping: true}) {
			t.Fatal("own typing echo was applied")
		}
		if got := a.active("r1", clock.Now()); len(got) != 0 {
			t.Fatalf("active = %+v", got)
		}
	})

	t.Run("stopAll cancels the sweep", func(t *testing.T) {
		clock, wire := newManualClock(), &sentLog{}
		a, _ := newTestTyping(clock, wire)
		a.observe(UserTypingPayload{RoomID: "r1", ParticipantID: "other", IsTyping: true})
		a.stopAll()
		if clock.pending() != 0 {
			t.Fatalf("%d timers still pending", clock.pending())
		}
	})
}
