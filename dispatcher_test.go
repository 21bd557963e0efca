package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type dispatcherHarness struct {
	d       *dispatcher
	sync    *Synchronizer
	rooms   *roomTracker
	clock   *manualClock
	wire    *sentLog
	upserts []Message
	failed  []error
}

func newDispatcherHarness(t *testing.T) *dispatcherHarness {
	t.Helper()
	h := &dispatcherHarness{
		sync:  NewSynchronizer("me"),
		clock: newManualClock(),
		wire:  &sentLog{},
	}
	h.rooms = newRoomTracker(h.wire.send, discardLogger())
	n := 0
	h.d = &dispatcher{
		sync:    h.sync,
		rooms:   h.rooms,
		send:    h.wire.send,
		after:   h.clock.after,
		timeout: 10 * time.Second,
		now:     h.clock.Now,
		newKey: func() string {
			n++
			return fmt.Sprintf("k%d", n)
		},
		logger:   discardLogger(),
		pending:  make(map[string]pendingSend),
		onUpsert: func(m Message) { h.upserts = append(h.upserts, m) },
		onFailed: func(m Message, err error) { h.failed = append(h.failed, err) },
	}
	h.rooms.handleState(StateChange{From: StateConnecting, To: StateConnected})
	if err := h.rooms.join("r1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	h.wire.reset()
	return h
}

func (h *dispatcherHarness) ack(key, serverID string, at time.Time) {
	h.d.handleReceive(ReceiveMessagePayload{
		ClientKey: key,
		RoomID:    "r1",
		SenderID:  "me",
		Body:      "hi",
		ServerID:  serverID,
		CreatedAt: at,
	})
}

func (h *dispatcherHarness) state(t *testing.T, key string) DeliveryState {
	t.Helper()
	m, ok := h.sync.Message("r1", key)
	if !ok {
		t.Fatalf("message %s not in timeline", key)
	}
	return m.DeliveryState
}

func TestDispatcherSend(t *testing.T) {
	t.Run("optimistic insert then ack", func(t *testing.T) {
		h := newDispatcherHarness(t)
		m, err := h.d.sendMessage("r1", "hi")
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		if m.ClientKey != "k1" || m.DeliveryState != DeliverySent {
			t.Fatalf("returned message = %+v", m)
		}
		if len(h.upserts) != 2 || h.upserts[0].DeliveryState != DeliveryComposing || h.upserts[1].DeliveryState != DeliverySent {
			t.Fatalf("upserts = %+v", h.upserts)
		}

		sent := h.wire.ofType(EventSendMessage)
		if len(sent) != 1 {
			t.Fatalf("send-message envelopes = %d", len(sent))
		}
		var p SendMessagePayload
		if err := json.Unmarshal(sent[0].Payload, &p); err != nil {
			t.Fatal(err)
		}
		if p.ClientKey != "k1" || p.RoomID != "r1" || p.Body != "hi" {
			t.Fatalf("payload = %+v", p)
		}

		h.ack("k1", "s1", h.clock.Now().Add(time.Second))
		tl := h.sync.Timeline("r1")
		if len(tl) != 1 {
			t.Fatalf("timeline length = %d, want 1", len(tl))
		}
		if tl[0].ServerID != "s1" || tl[0].DeliveryState != DeliveryAcknowledged {
			t.Fatalf("after ack = %+v", tl[0])
		}
		if h.clock.pending() != 0 {
			t.Fatalf("ack left %d timers running", h.clock.pending())
		}

		h.clock.advance(time.Minute)
		if len(h.failed) != 0 {
			t.Fatalf("acked message failed: %v", h.failed)
		}
	})

	t.Run("rejects empty input", func(t *testing.T) {
		h := newDispatcherHarness(t)
		if _, err := h.d.sendMessage("", "hi"); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("empty room: %v", err)
		}
		if _, err := h.d.sendMessage("r1", "   "); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("blank body: %v", err)
		}
	})

	t.Run("offline send inserts nothing", func(t *testing.T) {
		h := newDispatcherHarness(t)
		h.rooms.handleState(StateChange{From: StateConnected, To: StateReconnecting})
		if _, err := h.d.sendMessage("r1", "hi"); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("err = %v, want not connected", err)
		}
		if n := len(h.sync.Timeline("r1")); n != 0 {
			t.Fatalf("timeline length = %d", n)
		}
		if n := len(h.wire.all()); n != 0 {
			t.Fatalf("sent %d envelopes", n)
		}
	})

	t.Run("write error fails the message", func(t *testing.T) {
		h := newDispatcherHarness(t)
		h.wire.err = transportFailure("write", nil)
		m, err := h.d.sendMessage("r1", "hi")
		if !errors.Is(err, ErrTransportFailure) {
			t.Fatalf("err = %v", err)
		}
		if m.DeliveryState != DeliveryFailed || h.state(t, "k1") != DeliveryFailed {
			t.Fatalf("state = %s", m.DeliveryState)
		}
		if h.clock.pending() != 0 {
			t.Fatal("timer left running after write error")
		}
	})
}

func TestDispatcherTimeout(t *testing.T) {
	t.Run("no ack goes to failed", func(t *testing.T) {
		h := newDispatcherHarness(t)
		h.d.sendMessage("r1", "hi")

		h.clock.advance(9 * time.Second)
		if h.state(t, "k1") != DeliverySent {
			t.Fatal("failed before the timeout")
		}
		h.clock.advance(time.Second)
		if h.state(t, "k1") != DeliveryFailed {
			t.Fatalf("state = %s, want failed", h.state(t, "k1"))
		}
		if len(h.failed) != 1 || !errors.Is(h.failed[0], ErrSendTimeout) {
			t.Fatalf("failures = %v", h.failed)
		}
		if n := len(h.wire.ofType(EventSendMessage)); n != 1 {
			t.Fatalf("message was resent automatically: %d sends", n)
		}
	})

	t.Run("late ack recovers", func(t *testing.T) {
		h := newDispatcherHarness(t)
		h.d.sendMessage("r1", "hi")
		h.clock.advance(11 * time.Second)

		h.ack("k1", "s1", h.clock.Now())
		if h.state(t, "k1") != DeliveryAcknowledged {
			t.Fatalf("state = %s", h.state(t, "k1"))
		}
		if n := len(h.sync.Timeline("r1")); n != 1 {
			t.Fatalf("timeline length = %d", n)
		}
	})

	t.Run("cancelAll fails pending and stops timers", func(t *testing.T) {
		h := newDispatcherHarness(t)
		h.d.sendMessage("r1", "one")
		h.d.sendMessage("r1", "two")
		h.d.cancelAll(&Error{Code: CodeNotConnected, Message: "disconnected"})

		if h.clock.pending() != 0 {
			t.Fatalf("%d timers still running", h.clock.pending())
		}
		if h.state(t, "k1") != DeliveryFailed || h.state(t, "k2") != DeliveryFailed {
			t.Fatal("pending messages not failed")
		}
		h.clock.advance(time.Minute)
		if len(h.failed) != 2 {
			t.Fatalf("failures = %d, want 2", len(h.failed))
		}
	})
}

func TestDispatcherRetry(t *testing.T) {
	t.Run("reuses the clientKey", func(t *testing.T) {
		h := newDispatcherHarness(t)
		h.d.sendMessage("r1", "hi")
		h.clock.advance(10 * time.Second)

		m, err := h.d.retry("r1", "k1")
		if err != nil {
			t.Fatalf("retry: %v", err)
		}
		if m.ClientKey != "k1" || m.DeliveryState != DeliverySent {
			t.Fatalf("retried = %+v", m)
		}
		sent := h.wire.ofType(EventSendMessage)
		if len(sent) != 2 {
			t.Fatalf("sends = %d", len(sent))
		}
		var p SendMessagePayload
		json.Unmarshal(sent[1].Payload, &p)
		if p.ClientKey != "k1" {
			t.Fatalf("retry used key %s", p.ClientKey)
		}

		h.ack("k1", "s1", h.clock.Now())
		if n := len(h.sync.Timeline("r1")); n != 1 {
			t.Fatalf("timeline length = %d", n)
		}
	})

	t.Run("only failed messages", func(t *testing.T) {
		h := newDispatcherHarness(t)
		h.d.sendMessage("r1", "hi")
		if _, err := h.d.retry("r1", "k1"); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("retry of sent message: %v", err)
		}
		if _, err := h.d.retry("r1", "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("retry of unknown message: %v", err)
		}
	})

	t.Run("offline retry", func(t *testing.T) {
		h := newDispatcherHarness(t)
		h.d.sendMessage("r1", "hi")
		h.clock.advance(10 * time.Second)
		h.rooms.handleState(StateChange{From: StateConnected, To: StateReconnecting})
		if _, err := h.d.retry("r1", "k1"); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestDispatcherReceive(t *testing.T) {
	t.Run("other participant", func(t *testing.T) {
		h := newDispatcherHarness(t)
		p := ReceiveMessagePayload{ClientKey: "x1", RoomID: "r1", SenderID: "other", Body: "yo", ServerID: "s9", CreatedAt: h.clock.Now()}
		h.d.handleReceive(p)
		h.d.handleReceive(p)

		if n := len(h.upserts); n != 1 {
			t.Fatalf("upserts = %d, want 1", n)
		}
		sum, _ := h.sync.Summary("r1")
		if sum.UnreadCount != 1 {
			t.Fatalf("unread = %d", sum.UnreadCount)
		}
	})

	t.Run("unjoined room is dropped", func(t *testing.T) {
		h := newDispatcherHarness(t)
		h.d.handleReceive(ReceiveMessagePayload{ClientKey: "x1", RoomID: "r2", SenderID: "other", Body: "yo", CreatedAt: h.clock.Now()})
		if h.sync.HasRoom("r2") {
			t.Fatal("message for unjoined room was inserted")
		}
	})

	t.Run("malformed is dropped", func(t *testing.T) {
		h := newDispatcherHarness(t)
		h.d.handleReceive(ReceiveMessagePayload{RoomID: "r1", Body: "yo"})
		if n := len(h.sync.Timeline("r1")); n != 0 {
			t.Fatalf("timeline length = %d", n)
		}
	})
}
