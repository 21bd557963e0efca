package chatsync

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type updateLog struct {
	mu      sync.Mutex
	updates []Update
}

func (l *updateLog) add(u Update) {
	l.mu.Lock()
	l.updates = append(l.updates, u)
	l.mu.Unlock()
}

func (l *updateLog) ofKind(kind UpdateKind) []Update {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Update
	for _, u := range l.updates {
		if u.Kind == kind {
			out = append(out, u)
		}
	}
	return out
}

func sequentialKeys() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("k%d", n.Add(1)) }
}

func newTestClient(t *testing.T, tr *fakeTransport, opts ...Option) (*Client, *updateLog) {
	t.Helper()
	opts = append([]Option{
		WithSessionConfig(testSessionConfig()),
		WithLogger(discardLogger()),
		withKeys(sequentialKeys()),
	}, opts...)
	c := NewClient(tr, opts...)
	t.Cleanup(func() { c.Close() })
	log := &updateLog{}
	c.Subscribe(log.add)
	return c, log
}

func connectClient(t *testing.T, c *Client, tr *fakeTransport) *fakeConn {
	t.Helper()
	if err := c.Connect(context.Background(), "token"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := <-tr.dialed
	waitFor(t, "connected", func() bool {
		var connected bool
		c.do(context.Background(), func() error {
			connected = c.rooms.connected
			return nil
		})
		return connected
	})
	return conn
}

func timeline(t *testing.T, c *Client, roomID string) []Message {
	t.Helper()
	tl, err := c.Timeline(context.Background(), roomID)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	return tl
}

func TestClientRejoinsAfterReconnect(t *testing.T) {
	tr := newFakeTransport()
	c, _ := newTestClient(t, tr)
	ctx := context.Background()

	c.JoinRoom(ctx, "r1")
	c.JoinRoom(ctx, "r2")
	first := connectClient(t, c, tr)
	waitFor(t, "initial joins", func() bool { return len(first.sent.ofType(EventJoinChat)) == 2 })

	first.drop(transportFailure("reset by peer", nil))
	second := <-tr.dialed
	waitFor(t, "rejoins", func() bool { return len(second.sent.ofType(EventJoinChat)) == 2 })
	time.Sleep(20 * time.Millisecond)

	if got := roomIDs(t, second.sent.ofType(EventJoinChat)); !reflect.DeepEqual(got, []string{"r1", "r2"}) {
		t.Fatalf("rejoined %v", got)
	}
	if n := len(first.sent.ofType(EventJoinChat)); n != 2 {
		t.Fatalf("first connection saw %d joins", n)
	}
}

func TestClientOpenRoom(t *testing.T) {
	dir := &fakeDirectory{
		conversations: []Conversation{{
			ConversationRoom: ConversationRoom{RoomID: "r1", ParticipantIDs: []string{"me", "other"}},
			Summary:          ConversationSummary{UnreadCount: 3, LastMessagePreview: "hey"},
		}},
		timelines: map[string][]Message{
			"r1": {msg("r1", "h1", "other", 0), msg("r1", "h2", "me", time.Second)},
		},
	}
	tr := newFakeTransport()
	c, _ := newTestClient(t, tr, WithDirectory(dir))
	ctx := context.Background()
	conn := connectClient(t, c, tr)

	if err := c.Seed(ctx); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	convs, _ := c.Conversations(ctx)
	if len(convs) != 1 || convs[0].Summary.UnreadCount != 3 {
		t.Fatalf("seeded = %+v", convs)
	}

	if err := c.OpenRoom(ctx, "r1"); err != nil {
		t.Fatalf("OpenRoom: %v", err)
	}
	convs, _ = c.Conversations(ctx)
	if convs[0].Summary.UnreadCount != 0 {
		t.Fatalf("unread after open = %d", convs[0].Summary.UnreadCount)
	}
	waitFor(t, "mark-read", func() bool { return len(conn.sent.ofType(EventMarkRead)) == 1 })
	if got := roomIDs(t, conn.sent.ofType(EventMarkRead)); got[0] != "r1" {
		t.Fatalf("mark-read for %v", got)
	}
	if n := len(timeline(t, c, "r1")); n != 2 {
		t.Fatalf("backfilled %d messages", n)
	}

	c.OpenRoom(ctx, "r1")
	if n := dir.calls("r1"); n != 1 {
		t.Fatalf("timeline fetched %d times", n)
	}
}

func TestClientSend(t *testing.T) {
	t.Run("acked in place", func(t *testing.T) {
		tr := newFakeTransport()
		c, log := newTestClient(t, tr)
		ctx := context.Background()
		conn := connectClient(t, c, tr)

		m, err := c.Send(ctx, "r1", "hi")
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if m.ClientKey != "k1" || m.DeliveryState != DeliverySent || m.SenderID != "me" {
			t.Fatalf("sent = %+v", m)
		}
		waitFor(t, "send-message", func() bool { return len(conn.sent.ofType(EventSendMessage)) == 1 })

		conn.deliver(mustEnvelope(t, EventReceiveMessage, ReceiveMessagePayload{
			ClientKey: "k1", RoomID: "r1", SenderID: "me", Body: "hi", ServerID: "s1", CreatedAt: time.Now(),
		}))
		waitFor(t, "ack", func() bool {
			tl := timeline(t, c, "r1")
			return len(tl) == 1 && tl[0].DeliveryState == DeliveryAcknowledged
		})
		if tl := timeline(t, c, "r1"); tl[0].ServerID != "s1" {
			t.Fatalf("timeline = %+v", tl)
		}
		waitFor(t, "acked update", func() bool {
			for _, u := range log.ofKind(UpdateMessage) {
				if u.Message.DeliveryState == DeliveryAcknowledged {
					return true
				}
			}
			return false
		})
	})

	t.Run("timeout then retry", func(t *testing.T) {
		tr := newFakeTransport()
		c, log := newTestClient(t, tr, WithAckTimeout(30*time.Millisecond))
		ctx := context.Background()
		conn := connectClient(t, c, tr)

		c.Send(ctx, "r1", "hi")
		waitFor(t, "failed update", func() bool { return len(log.ofKind(UpdateMessageFailed)) == 1 })
		if u := log.ofKind(UpdateMessageFailed)[0]; !errors.Is(u.Err, ErrSendTimeout) || u.Message.ClientKey != "k1" {
			t.Fatalf("failed update = %+v", u)
		}

		m, err := c.Retry(ctx, "r1", "k1")
		if err != nil {
			t.Fatalf("Retry: %v", err)
		}
		if m.ClientKey != "k1" {
			t.Fatalf("retry key = %s", m.ClientKey)
		}
		waitFor(t, "second send", func() bool { return len(conn.sent.ofType(EventSendMessage)) == 2 })
		if n := len(timeline(t, c, "r1")); n != 1 {
			t.Fatalf("timeline length = %d", n)
		}
	})

	t.Run("offline", func(t *testing.T) {
		c, _ := newTestClient(t, newFakeTransport())
		if _, err := c.Send(context.Background(), "r1", "hi"); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("err = %v", err)
		}
		if n := len(timeline(t, c, "r1")); n != 0 {
			t.Fatalf("timeline length = %d", n)
		}
	})

	t.Run("disconnect fails pending", func(t *testing.T) {
		tr := newFakeTransport()
		c, log := newTestClient(t, tr)
		connectClient(t, c, tr)

		c.Send(context.Background(), "r1", "hi")
		c.Disconnect()
		waitFor(t, "failed update", func() bool { return len(log.ofKind(UpdateMessageFailed)) == 1 })
		if u := log.ofKind(UpdateMessageFailed)[0]; !errors.Is(u.Err, ErrNotConnected) {
			t.Fatalf("err = %v", u.Err)
		}
	})
}

func TestClientReadReceipts(t *testing.T) {
	tr := newFakeTransport()
	c, log := newTestClient(t, tr)
	ctx := context.Background()
	conn := connectClient(t, c, tr)
	c.JoinRoom(ctx, "r1")

	upTo := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	conn.deliver(mustEnvelope(t, EventMessagesRead, MessagesReadPayload{RoomID: "r1", ReaderID: "other", UpTo: upTo}))
	waitFor(t, "receipt", func() bool {
		seen, _ := c.SeenUpTo(ctx, "r1")
		return seen.Equal(upTo)
	})

	conn.deliver(mustEnvelope(t, EventMessagesRead, MessagesReadPayload{RoomID: "r1", ReaderID: "other", UpTo: upTo.Add(-time.Hour)}))
	time.Sleep(20 * time.Millisecond)
	if seen, _ := c.SeenUpTo(ctx, "r1"); !seen.Equal(upTo) {
		t.Fatalf("watermark regressed to %v", seen)
	}
	if n := len(log.ofKind(UpdateReadReceipt)); n != 1 {
		t.Fatalf("receipt updates = %d", n)
	}
}

func TestClientTyping(t *testing.T) {
	t.Run("remote indicator decays", func(t *testing.T) {
		tr := newFakeTransport()
		c, log := newTestClient(t, tr, WithTypingWindow(30*time.Millisecond))
		ctx := context.Background()
		conn := connectClient(t, c, tr)

		conn.deliver(mustEnvelope(t, EventUserTyping, UserTypingPayload{RoomID: "r1", ParticipantID: "other", IsTyping: true}))
		waitFor(t, "typing", func() bool {
			ts, _ := c.Typing(ctx, "r1")
			return len(ts) == 1
		})
		waitFor(t, "decay", func() bool {
			ups := log.ofKind(UpdateTyping)
			return len(ups) == 2 && len(ups[1].Typing) == 0
		})
		if ts, _ := c.Typing(ctx, "r1"); len(ts) != 0 {
			t.Fatalf("still typing: %+v", ts)
		}
	})

	t.Run("local signal", func(t *testing.T) {
		tr := newFakeTransport()
		c, _ := newTestClient(t, tr)
		ctx := context.Background()

		if err := c.SetTyping(ctx, "r1", true); err != nil {
			t.Fatalf("offline SetTyping: %v", err)
		}
		conn := connectClient(t, c, tr)
		c.SetTyping(ctx, "r1", true)
		c.SetTyping(ctx, "r1", true)
		c.SetTyping(ctx, "r1", false)
		waitFor(t, "typing events", func() bool { return len(conn.sent.ofType(EventTyping)) == 2 })
	})
}

func TestClientAcceptHire(t *testing.T) {
	tr := newFakeTransport()
	c, _ := newTestClient(t, tr)
	conn := connectClient(t, c, tr)

	err := c.AcceptHire(&HirePayload{
		Event:  EventHireAccepted,
		HireID: "hire-1",
		Room: ConversationRoom{
			RoomID:           "r9",
			ParticipantIDs:   []string{"me", "worker"},
			OtherParticipant: ParticipantSummary{ID: "worker", DisplayName: "Dana"},
		},
	})
	if err != nil {
		t.Fatalf("AcceptHire: %v", err)
	}
	waitFor(t, "join", func() bool { return len(conn.sent.ofType(EventJoinChat)) == 1 })
	convs, _ := c.Conversations(context.Background())
	if len(convs) != 1 || convs[0].OtherParticipant.DisplayName != "Dana" {
		t.Fatalf("conversations = %+v", convs)
	}
}

func TestClientCache(t *testing.T) {
	t.Run("restore renders offline", func(t *testing.T) {
		store := NewMemoryStore()
		store.SaveRooms(context.Background(), []RoomSnapshot{sampleSnapshot()})
		c, _ := newTestClient(t, newFakeTransport(), WithStore(store))

		if err := c.Restore(context.Background()); err != nil {
			t.Fatalf("Restore: %v", err)
		}
		if c.State() != StateDisconnected {
			t.Fatalf("state = %s", c.State())
		}
		if k := keys(timeline(t, c, "r1")); k != "a,b" {
			t.Fatalf("timeline = %s", k)
		}
	})

	t.Run("flushed on close", func(t *testing.T) {
		store := NewMemoryStore()
		tr := newFakeTransport()
		c := NewClient(tr,
			WithSessionConfig(testSessionConfig()),
			WithStore(store),
			WithFlushInterval(time.Hour),
		)
		conn := connectClient(t, c, tr)
		c.JoinRoom(context.Background(), "r1")
		conn.deliver(mustEnvelope(t, EventReceiveMessage, ReceiveMessagePayload{
			ClientKey: "x1", RoomID: "r1", SenderID: "other", Body: "yo", ServerID: "s1", CreatedAt: time.Now(),
		}))
		waitFor(t, "message", func() bool { return len(timeline(t, c, "r1")) == 1 })

		if err := c.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		rooms, _ := store.LoadRooms(context.Background())
		if len(rooms) != 1 || len(rooms[0].Messages) != 1 || rooms[0].Messages[0].ClientKey != "x1" {
			t.Fatalf("stored = %+v", rooms)
		}
	})
}
