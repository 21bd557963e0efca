package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Manual clock
// ============================================================================

// manualClock is a scheduler whose timers fire only when advance is called,
// on the caller's goroutine.
type manualClock struct {
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	at      time.Time
	seq     int
	fn      func()
	stopped bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) after(d time.Duration, fn func()) func() bool {
	c.seq++
	t := &manualTimer{at: c.now.Add(d), seq: c.seq, fn: fn}
	c.timers = append(c.timers, t)
	return func() bool {
		if t.stopped {
			return false
		}
		t.stopped = true
		return true
	}
}

// advance moves time forward by d, firing due timers in deadline order.
func (c *manualClock) advance(d time.Duration) {
	target := c.now.Add(d)
	for {
		var next *manualTimer
		for _, t := range c.timers {
			if t.stopped || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.seq < next.seq) {
				next = t
			}
		}
		if next == nil {
			break
		}
		next.stopped = true
		c.now = next.at
		next.fn()
	}
	c.now = target
}

func (c *manualClock) pending() int {
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// ============================================================================
// Envelope capture
// ============================================================================

type sentLog struct {
	mu   sync.Mutex
	envs []Envelope
	err  error
}

func (s *sentLog) send(env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.envs = append(s.envs, env)
	return nil
}

func (s *sentLog) all() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Envelope(nil), s.envs...)
}

func (s *sentLog) ofType(eventType string) []Envelope {
	var out []Envelope
	for _, env := range s.all() {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

func (s *sentLog) reset() {
	s.mu.Lock()
	s.envs = nil
	s.mu.Unlock()
}

func roomIDs(t *testing.T, envs []Envelope) []string {
	t.Helper()
	var out []string
	for _, env := range envs {
		var p RoomPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("decode %s payload: %v", env.Type, err)
		}
		out = append(out, p.RoomID)
	}
	sort.Strings(out)
	return out
}

func mustEnvelope(t *testing.T, eventType string, payload any) Envelope {
	t.Helper()
	env, err := NewEnvelope(eventType, payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

// ============================================================================
// Fake transport
// ============================================================================

type dialResult struct {
	conn *fakeConn
	err  error
}

// fakeTransport hands out scripted dial results; once the script runs out
// it dials fresh connections.
type fakeTransport struct {
	mu     sync.Mutex
	script []dialResult
	dials  int
	conns  []*fakeConn
	userID string
	dialed chan *fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{userID: "me", dialed: make(chan *fakeConn, 64)}
}

func (f *fakeTransport) queue(results ...dialResult) {
	f.mu.Lock()
	f.script = append(f.script, results...)
	f.mu.Unlock()
}

func (f *fakeTransport) Dial(ctx context.Context, credential string) (Conn, error) {
	f.mu.Lock()
	f.dials++
	var res dialResult
	if len(f.script) > 0 {
		res = f.script[0]
		f.script = f.script[1:]
	} else {
		res.conn = newFakeConn(fmt.Sprintf("ts-%d", f.dials), f.userID)
	}
	if res.conn != nil {
		f.conns = append(f.conns, res.conn)
	}
	f.mu.Unlock()

	if res.err != nil {
		return nil, res.err
	}
	f.dialed <- res.conn
	return res.conn, nil
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeTransport) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

type fakeConn struct {
	id      string
	userID  string
	inbound chan Envelope
	sent    sentLog

	once     sync.Once
	closed   chan struct{}
	closeErr error
}

func newFakeConn(id, userID string) *fakeConn {
	return &fakeConn{
		id:      id,
		userID:  userID,
		inbound: make(chan Envelope, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.userID }

func (c *fakeConn) Read(ctx context.Context) (Envelope, error) {
	select {
	case env := <-c.inbound:
		return env, nil
	case <-c.closed:
		return Envelope{}, c.closeErr
	case <-ctx.Done():
		return Envelope{}, transportFailure("read", ctx.Err())
	}
}

func (c *fakeConn) Write(ctx context.Context, env Envelope) error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
	}
	return c.sent.send(env)
}

func (c *fakeConn) Ping(ctx context.Context) error { return nil }

func (c *fakeConn) Close() error {
	c.drop(transportFailure("connection closed", nil))
	return nil
}

// drop ends the connection; pending and future reads fail with err.
func (c *fakeConn) drop(err error) {
	c.once.Do(func() {
		c.closeErr = err
		close(c.closed)
	})
}

func (c *fakeConn) deliver(env Envelope) { c.inbound <- env }

// ============================================================================
// Fake directory
// ============================================================================

type fakeDirectory struct {
	mu            sync.Mutex
	conversations []Conversation
	timelines     map[string][]Message
	timelineCalls map[string]int
	err           error
}

func (d *fakeDirectory) ListConversations(ctx context.Context) ([]Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return append([]Conversation(nil), d.conversations...), nil
}

func (d *fakeDirectory) ListTimeline(ctx context.Context, roomID string, opts TimelineOptions) ([]Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timelineCalls == nil {
		d.timelineCalls = make(map[string]int)
	}
	d.timelineCalls[roomID]++
	if d.err != nil {
		return nil, d.err
	}
	return append([]Message(nil), d.timelines[roomID]...), nil
}

func (d *fakeDirectory) calls(roomID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timelineCalls[roomID]
}

// ============================================================================
// Waiting
// ============================================================================

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
