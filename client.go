// Package chatsync is a realtime chat client for two-party conversation
// rooms: an authenticated reconnecting session, room membership that
// survives reconnects, optimistic sends reconciled by client key, unread and
// read-receipt accounting, and decaying typing indicators.
//
// Example:
//
//	api := chatsync.NewAPIClient(token, chatsync.WithBaseURL(baseURL))
//	client := chatsync.NewClient(chatsync.NewWebSocketTransport(baseURL),
//		chatsync.WithDirectory(api),
//		chatsync.WithLogger(logger),
//	)
//	defer client.Close()
//
//	client.Subscribe(func(u chatsync.Update) { ... })
//	client.Connect(ctx, token)
//	client.Seed(ctx)
//	client.OpenRoom(ctx, "room-1")
//	client.Send(ctx, "room-1", "Hello!")
package chatsync

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Updates
// ============================================================================

// UpdateKind identifies what an Update carries.
type UpdateKind string

const (
	UpdateState         UpdateKind = "state"
	UpdateMessage       UpdateKind = "message"
	UpdateMessageFailed UpdateKind = "message.failed"
	UpdateConversation  UpdateKind = "conversation"
	UpdateTyping        UpdateKind = "typing"
	UpdateReadReceipt   UpdateKind = "read_receipt"
)

// Update is a change notification for views. Updates are delivered in order
// on a dedicated goroutine, so handlers may call back into the Client.
type Update struct {
	Kind   UpdateKind
	RoomID string

	State     *StateChange        // UpdateState
	Message   *Message            // UpdateMessage, UpdateMessageFailed
	Summary   ConversationSummary // UpdateConversation
	Typing    []TypingState       // UpdateTyping
	Watermark *ReadWatermark      // UpdateReadReceipt
	Err       error               // UpdateMessageFailed
}

// ============================================================================
// Options
// ============================================================================

const (
	DefaultAckTimeout    = 10 * time.Second
	DefaultFlushInterval = 5 * time.Second
	DefaultBackfillLimit = 50
)

type clientConfig struct {
	logger        *slog.Logger
	directory     Directory
	store         Store
	session       SessionConfig
	ackTimeout    time.Duration
	typingWindow  time.Duration
	typingIdle    time.Duration
	flushInterval time.Duration
	backfillLimit int

	now    func() time.Time
	after  scheduler
	newKey func() string
}

type Option func(*clientConfig)

func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) { c.logger = logger }
}

// WithDirectory sets the roster/history API used by Seed and OpenRoom.
func WithDirectory(d Directory) Option {
	return func(c *clientConfig) { c.directory = d }
}

// WithStore enables the local cache written behind the Synchronizer.
func WithStore(s Store) Option {
	return func(c *clientConfig) { c.store = s }
}

func WithSessionConfig(cfg SessionConfig) Option {
	return func(c *clientConfig) { c.session = cfg }
}

// WithAckTimeout bounds how long a sent message waits for its echo before
// it is marked Failed.
func WithAckTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.ackTimeout = d }
}

// WithTypingWindow sets how long a remote typing indicator lives without a
// refresh.
func WithTypingWindow(d time.Duration) Option {
	return func(c *clientConfig) { c.typingWindow = d }
}

// WithTypingIdle sets how long local typing may go without a SetTyping call
// before "stopped typing" is sent automatically.
func WithTypingIdle(d time.Duration) Option {
	return func(c *clientConfig) { c.typingIdle = d }
}

// WithFlushInterval sets how often dirty rooms are written to the Store.
func WithFlushInterval(d time.Duration) Option {
	return func(c *clientConfig) { c.flushInterval = d }
}

func WithBackfillLimit(n int) Option {
	return func(c *clientConfig) { c.backfillLimit = n }
}

// withClock replaces wall-clock timers; tests drive time by hand.
func withClock(now func() time.Time, after scheduler) Option {
	return func(c *clientConfig) {
		c.now = now
		c.after = after
	}
}

func withKeys(newKey func() string) Option {
	return func(c *clientConfig) { c.newKey = newKey }
}

func (c *clientConfig) defaults() {
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.session.Logger == nil {
		c.session.Logger = c.logger
	}
	if c.ackTimeout <= 0 {
		c.ackTimeout = DefaultAckTimeout
	}
	if c.typingWindow <= 0 {
		c.typingWindow = DefaultTypingWindow
	}
	if c.typingIdle <= 0 {
		c.typingIdle = DefaultTypingIdle
	}
	if c.flushInterval <= 0 {
		c.flushInterval = DefaultFlushInterval
	}
	if c.backfillLimit <= 0 {
		c.backfillLimit = DefaultBackfillLimit
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.newKey == nil {
		c.newKey = uuid.NewString
	}
}

// ============================================================================
// Client
// ============================================================================

// Client wires the Session, room tracker, dispatcher, Synchronizer and typing
// aggregator onto one event loop. All methods are safe for concurrent use;
// they are serialized onto the loop.
type Client struct {
	cfg    clientConfig
	logger *slog.Logger

	loop   *eventLoop
	notify *eventLoop

	session *Session
	sync    *Synchronizer
	rooms   *roomTracker
	disp    *dispatcher
	typing  *typingAggregator

	updates listeners[Update]

	stopFlush chan struct{}
	flushDone chan struct{}
	closeOnce sync.Once
}

// NewClient creates a disconnected Client using transport for the realtime
// session.
func NewClient(transport Transport, opts ...Option) *Client {
	var cfg clientConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.defaults()

	c := &Client{
		cfg:       cfg,
		logger:    cfg.logger,
		loop:      newEventLoop(),
		notify:    newEventLoop(),
		sync:      NewSynchronizer(""),
		stopFlush: make(chan struct{}),
		flushDone: make(chan struct{}),
	}
	after := cfg.after
	if after == nil {
		after = loopScheduler(c.loop)
	}

	c.session = newSession(transport, cfg.session, c.loop)
	c.rooms = newRoomTracker(c.session.Send, c.logger)
	c.disp = &dispatcher{
		sync:     c.sync,
		rooms:    c.rooms,
		send:     c.session.Send,
		after:    after,
		timeout:  cfg.ackTimeout,
		now:      cfg.now,
		newKey:   cfg.newKey,
		logger:   c.logger,
		pending:  make(map[string]pendingSend),
		onUpsert: c.messageUpserted,
		onFailed: c.messageFailed,
	}
	c.typing = &typingAggregator{
		selfID:   c.sync.SelfID,
		send:     c.session.Send,
		after:    after,
		now:      cfg.now,
		idle:     cfg.typingIdle,
		window:   cfg.typingWindow,
		logger:   c.logger,
		local:    make(map[string]func() bool),
		remote:   make(map[typingKey]time.Time),
		onChange: c.typingChanged,
	}

	c.session.SubscribeState(c.handleState)
	c.session.SubscribeEnvelopes(c.handleEnvelope)

	if cfg.store != nil {
		go c.flushLoop()
	} else {
		close(c.flushDone)
	}
	return c
}

// ── Connection ───────────────────────────────────────────

// Connect authenticates and opens the realtime session. It blocks until the
// handshake completes or fails.
func (c *Client) Connect(ctx context.Context, credential string) error {
	return c.session.Connect(ctx, credential)
}

// Disconnect closes the session, cancels reconnect backoff and fails every
// message still waiting for an ack.
func (c *Client) Disconnect() {
	c.session.Disconnect()
	c.loop.post(func() {
		c.disp.cancelAll(&Error{Code: CodeNotConnected, Message: "disconnected before acknowledgment"})
		c.typing.reset()
	})
}

// Close disconnects, flushes the local cache and stops the Client's
// goroutines. The Store is not closed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopFlush)
		<-c.flushDone

		c.loop.call(context.Background(), c.typing.stopAll)
		c.Disconnect()
		err = c.Flush(context.Background())

		c.loop.close()
		c.notify.close()
	})
	return err
}

// State returns the current connection state.
func (c *Client) State() ConnectionState { return c.session.State() }

// Err returns the reason the session last ended up Disconnected, if any.
func (c *Client) Err() error { return c.session.Err() }

// UserID returns the participant id confirmed by the server.
func (c *Client) UserID() string { return c.session.UserID() }

// ── Subscriptions ────────────────────────────────────────

// Subscribe registers a handler for every Update.
func (c *Client) Subscribe(h func(Update)) (dispose func()) {
	return c.updates.subscribe(h)
}

// SubscribeState registers a handler for connection-state changes only.
func (c *Client) SubscribeState(h func(StateChange)) (dispose func()) {
	return c.updates.subscribe(func(u Update) {
		if u.Kind == UpdateState {
			h(*u.State)
		}
	})
}

func (c *Client) publish(u Update) {
	c.notify.post(func() { c.updates.emit(u) })
}

func (c *Client) publishSummary(roomID string) {
	if sum, ok := c.sync.Summary(roomID); ok {
		c.publish(Update{Kind: UpdateConversation, RoomID: roomID, Summary: sum})
	}
}

// ── Rooms ────────────────────────────────────────────────

// JoinRoom records membership intent for a room; join-chat is sent now if
// connected and again after every reconnect.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	return c.do(ctx, func() error {
		if err := c.rooms.join(roomID); err != nil {
			return err
		}
		if !c.sync.HasRoom(roomID) {
			c.sync.AddRoom(ConversationRoom{RoomID: roomID})
		}
		return nil
	})
}

// LeaveRoom drops membership intent. Leaving a room that was never joined is
// a no-op.
func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	return c.do(ctx, func() error {
		c.rooms.leave(roomID)
		return nil
	})
}

// Seed loads the conversation roster from the Directory and joins every
// room in it.
func (c *Client) Seed(ctx context.Context) error {
	if c.cfg.directory == nil {
		return invalidInput("no directory configured")
	}
	convs, err := c.cfg.directory.ListConversations(ctx)
	if err != nil {
		return err
	}
	return c.do(ctx, func() error {
		c.sync.Seed(convs)
		for _, conv := range convs {
			if conv.RoomID == "" {
				continue
			}
			if err := c.rooms.join(conv.RoomID); err != nil {
				return err
			}
			c.publishSummary(conv.RoomID)
		}
		return nil
	})
}

// AcceptHire adds the room created by an accepted hire and joins it. Its
// signature matches HireHandlerFunc.
func (c *Client) AcceptHire(p *HirePayload) error {
	return c.do(context.Background(), func() error {
		c.sync.AddRoom(p.Room)
		if err := c.rooms.join(p.Room.RoomID); err != nil {
			return err
		}
		c.publishSummary(p.Room.RoomID)
		return nil
	})
}

// OpenRoom focuses a room: its unread count drops to zero, mark-read is sent,
// and history is backfilled from the Directory the first time.
func (c *Client) OpenRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return invalidInput("roomId is required")
	}
	var needsBackfill bool
	err := c.do(ctx, func() error {
		if err := c.rooms.join(roomID); err != nil {
			return err
		}
		c.sync.Open(roomID, c.cfg.now())
		c.sendMarkRead(roomID)
		c.publishSummary(roomID)
		needsBackfill = c.sync.NeedsBackfill(roomID)
		return nil
	})
	if err != nil || !needsBackfill || c.cfg.directory == nil {
		return err
	}

	msgs, err := c.cfg.directory.ListTimeline(ctx, roomID, TimelineOptions{Limit: c.cfg.backfillLimit})
	if err != nil {
		// The room is open already; cached and live messages still show.
		c.logger.Warn("backfill failed", "room_id", roomID, "error", err)
		return err
	}
	return c.do(ctx, func() error {
		if n := c.sync.Backfill(roomID, msgs); n > 0 {
			c.logger.Debug("backfilled room", "room_id", roomID, "count", n)
			for _, m := range c.sync.Timeline(roomID) {
				c.publish(Update{Kind: UpdateMessage, RoomID: roomID, Message: &m})
			}
		}
		c.publishSummary(roomID)
		return nil
	})
}

// CloseRoom clears the focused room so new messages count as unread again.
func (c *Client) CloseRoom(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.sync.Blur()
		return nil
	})
}

func (c *Client) sendMarkRead(roomID string) {
	if !c.rooms.connected {
		return
	}
	env, err := NewEnvelope(EventMarkRead, RoomPayload{RoomID: roomID})
	if err == nil {
		err = c.session.Send(env)
	}
	if err != nil {
		c.logger.Warn("mark-read not sent", "room_id", roomID, "error", err)
	}
}

// ── Messages ─────────────────────────────────────────────

// Send inserts body into the room optimistically and puts it on the wire.
// It returns once the message is Sent; the ack arrives as an Update.
func (c *Client) Send(ctx context.Context, roomID, body string) (Message, error) {
	var m Message
	err := c.do(ctx, func() error {
		if roomID != "" && !c.rooms.has(roomID) {
			if err := c.rooms.join(roomID); err != nil {
				return err
			}
		}
		var err error
		m, err = c.disp.sendMessage(roomID, body)
		return err
	})
	return m, err
}

// Retry re-sends a Failed message with its original clientKey.
func (c *Client) Retry(ctx context.Context, roomID, clientKey string) (Message, error) {
	var m Message
	err := c.do(ctx, func() error {
		var err error
		m, err = c.disp.retry(roomID, clientKey)
		return err
	})
	return m, err
}

// SetTyping reports whether the local user is typing in a room.
func (c *Client) SetTyping(ctx context.Context, roomID string, isTyping bool) error {
	return c.do(ctx, func() error {
		if !c.rooms.connected {
			return nil
		}
		return c.typing.setTyping(roomID, isTyping)
	})
}

// ── Views ────────────────────────────────────────────────

// Conversations returns every known room with its summary, most recent first.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	err := c.do(ctx, func() error {
		out = c.sync.Conversations()
		return nil
	})
	return out, err
}

// Timeline returns a copy of a room's ordered timeline.
func (c *Client) Timeline(ctx context.Context, roomID string) ([]Message, error) {
	var out []Message
	err := c.do(ctx, func() error {
		out = c.sync.Timeline(roomID)
		return nil
	})
	return out, err
}

// Typing returns the remote participants currently typing in a room.
func (c *Client) Typing(ctx context.Context, roomID string) ([]TypingState, error) {
	var out []TypingState
	err := c.do(ctx, func() error {
		out = c.typing.active(roomID, c.cfg.now())
		return nil
	})
	return out, err
}

// SeenUpTo returns how far the other participant has read a room.
func (c *Client) SeenUpTo(ctx context.Context, roomID string) (time.Time, error) {
	var out time.Time
	err := c.do(ctx, func() error {
		out = c.sync.SeenUpTo(roomID)
		return nil
	})
	return out, err
}

// ── Local cache ──────────────────────────────────────────

// Restore loads cached rooms from the Store so they render before the
// roster arrives.
func (c *Client) Restore(ctx context.Context) error {
	if c.cfg.store == nil {
		return nil
	}
	snaps, err := c.cfg.store.LoadRooms(ctx)
	if err != nil {
		return err
	}
	return c.do(ctx, func() error {
		for _, snap := range snaps {
			c.sync.Restore(snap)
			c.publishSummary(snap.Conversation.RoomID)
		}
		return nil
	})
}

// Flush writes rooms changed since the last flush to the Store.
func (c *Client) Flush(ctx context.Context) error {
	if c.cfg.store == nil {
		return nil
	}
	var snaps []RoomSnapshot
	err := c.do(ctx, func() error {
		for _, roomID := range c.sync.takeDirty() {
			if snap, ok := c.sync.Snapshot(roomID); ok {
				snaps = append(snaps, snap)
			}
		}
		return nil
	})
	if err != nil || len(snaps) == 0 {
		return err
	}
	if err := c.cfg.store.SaveRooms(ctx, snaps); err != nil {
		// Mark them dirty again so the next flush retries.
		c.loop.post(func() {
			for _, s := range snaps {
				c.sync.touch(s.Conversation.RoomID)
			}
		})
		return err
	}
	return nil
}

func (c *Client) flushLoop() {
	defer close(c.flushDone)
	ticker := time.NewTicker(c.cfg.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopFlush:
			return
		case <-ticker.C:
			if err := c.Flush(context.Background()); err != nil {
				c.logger.Warn("cache flush failed", "error", err)
			}
		}
	}
}

// ── Loop handlers ────────────────────────────────────────

// do runs fn on the event loop and returns its error.
func (c *Client) do(ctx context.Context, fn func() error) error {
	var err error
	if callErr := c.loop.call(ctx, func() { err = fn() }); callErr != nil {
		return callErr
	}
	return err
}

func (c *Client) handleState(change StateChange) {
	if change.To == StateConnected {
		c.sync.SetSelfID(c.session.UserID())
	}
	c.rooms.handleState(change)
	if change.To == StateConnected {
		if focused := c.sync.Focused(); focused != "" {
			c.sendMarkRead(focused)
		}
	} else {
		c.typing.reset()
	}
	c.publish(Update{Kind: UpdateState, State: &change})
}

func (c *Client) handleEnvelope(env Envelope) {
	switch env.Type {
	case EventReceiveMessage:
		var p ReceiveMessagePayload
		if !c.decode(env, &p) {
			return
		}
		c.disp.handleReceive(p)

	case EventMessagesRead:
		var p MessagesReadPayload
		if !c.decode(env, &p) {
			return
		}
		w := ReadWatermark{RoomID: p.RoomID, ReaderID: p.ReaderID, UpTo: p.UpTo}
		if c.sync.ApplyReadReceipt(w) {
			c.publish(Update{Kind: UpdateReadReceipt, RoomID: p.RoomID, Watermark: &w})
			c.publishSummary(p.RoomID)
		}

	case EventUserTyping:
		var p UserTypingPayload
		if !c.decode(env, &p) {
			return
		}
		if c.typing.observe(p) {
			c.typingChanged(p.RoomID)
		}

	default:
		c.logger.Debug("ignoring event", "event", env.Type)
	}
}

func (c *Client) decode(env Envelope, v any) bool {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		c.logger.Warn("malformed event payload", "event", env.Type, "error", err)
		return false
	}
	return true
}

func (c *Client) messageUpserted(m Message) {
	c.publish(Update{Kind: UpdateMessage, RoomID: m.RoomID, Message: &m})
	c.publishSummary(m.RoomID)
}

func (c *Client) messageFailed(m Message, err error) {
	c.publish(Update{Kind: UpdateMessageFailed, RoomID: m.RoomID, Message: &m, Err: err})
	c.publishSummary(m.RoomID)
}

func (c *Client) typingChanged(roomID string) {
	c.publish(Update{Kind: UpdateTyping, RoomID: roomID, Typing: c.typing.active(roomID, c.cfg.now())})
}
