package chatsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ============================================================================
// Configuration
// ============================================================================

// SessionConfig configures the connection manager.
type SessionConfig struct {
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// HeartbeatInterval is the ping period; negative disables heartbeats.
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
	Logger            *slog.Logger
}

func (c *SessionConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = 256
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// stableAfter is how long a connection must live before a later drop gets a
// fresh retry budget.
const stableAfter = 60 * time.Second

type reconnector struct {
	backoff     *backoff.ExponentialBackOff
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *SessionConfig) *reconnector {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectBaseDelay
	b.MaxInterval = cfg.ReconnectMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.Reset()
	return &reconnector{backoff: b, maxAttempts: cfg.MaxReconnectAttempts}
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > stableAfter {
		r.reset()
	}
	r.attempt++
	return r.backoff.NextBackOff()
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.backoff.Reset()
}

// ============================================================================
// State machine
// ============================================================================

var allowedTransitions = map[ConnectionState][]ConnectionState{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateReconnecting, StateDisconnected},
	StateConnected:    {StateReconnecting, StateDisconnected},
	StateReconnecting: {StateConnecting, StateDisconnected},
}

func canTransition(from, to ConnectionState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ============================================================================
// Session
// ============================================================================

// Session is the connection manager: one realtime transport session per
// client process, with authenticated handshake, bounded automatic
// reconnection and a subscribable connection-state stream.
//
// State changes and inbound envelopes are delivered in order on a single
// event goroutine.
type Session struct {
	transport Transport
	cfg       SessionConfig
	logger    *slog.Logger
	events    *eventLoop
	ownsLoop  bool

	mu                 sync.Mutex
	state              ConnectionState
	err                error
	credential         string
	userID             string
	transportSessionID string
	gen                uint64
	link               *link
	retryCancel        context.CancelFunc
	recon              *reconnector

	stateListeners listeners[StateChange]
	envListeners   listeners[Envelope]
}

type link struct {
	conn   Conn
	out    chan Envelope
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSession creates a disconnected Session.
func NewSession(transport Transport, cfg SessionConfig) *Session {
	s := newSession(transport, cfg, newEventLoop())
	s.ownsLoop = true
	return s
}

func newSession(transport Transport, cfg SessionConfig, events *eventLoop) *Session {
	cfg.defaults()
	return &Session{
		transport: transport,
		cfg:       cfg,
		logger:    cfg.Logger,
		events:    events,
		state:     StateDisconnected,
		recon:     newReconnector(&cfg),
	}
}

// SubscribeState registers a handler for connection-state changes.
func (s *Session) SubscribeState(h func(StateChange)) (dispose func()) {
	return s.stateListeners.subscribe(h)
}

// SubscribeEnvelopes registers a handler for inbound server events.
func (s *Session) SubscribeEnvelopes(h func(Envelope)) (dispose func()) {
	return s.envListeners.subscribe(h)
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the reason for the last terminal Disconnected state, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// TransportSessionID returns the id of the current transport session.
// It changes on every reconnect.
func (s *Session) TransportSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transportSessionID
}

// UserID returns the participant id the server authenticated.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Connect establishes the transport session. It is a no-op if the session is
// already connecting or connected.
func (s *Session) Connect(ctx context.Context, credential string) error {
	if err := ValidateCredential(credential, time.Now()); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	gen := s.gen
	s.credential = credential
	s.err = nil
	s.recon.reset()
	s.transitionLocked(StateConnecting, StateChange{})
	s.mu.Unlock()

	conn, err := s.transport.Dial(ctx, credential)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		if conn != nil {
			conn.Close()
		}
		return &Error{Code: CodeClosed, Message: "disconnected during connect"}
	}
	if err != nil {
		s.err = err
		s.transitionLocked(StateDisconnected, StateChange{Err: err})
		s.logger.Warn("session connect failed", "error", err)
		return err
	}
	s.attachLocked(gen, conn)
	return nil
}

// Disconnect tears down the session and cancels pending retries. It is
// always safe to call.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.gen++
	if s.retryCancel != nil {
		s.retryCancel()
		s.retryCancel = nil
	}
	l := s.link
	s.link = nil
	if s.state != StateDisconnected {
		s.err = nil
		s.transitionLocked(StateDisconnected, StateChange{})
	}
	s.mu.Unlock()

	if l != nil {
		l.cancel()
		l.conn.Close()
	}
}

// Close disconnects and releases the event goroutine if the Session owns it.
func (s *Session) Close() {
	s.Disconnect()
	if s.ownsLoop {
		s.events.close()
	}
}

// Send queues env on the current connection.
func (s *Session) Send(env Envelope) error {
	s.mu.Lock()
	l := s.link
	state := s.state
	s.mu.Unlock()

	if l == nil || state != StateConnected {
		return &Error{Code: CodeNotConnected, Message: "session is " + string(state)}
	}
	select {
	case <-l.ctx.Done():
		return &Error{Code: CodeNotConnected, Message: "connection closed"}
	case l.out <- env:
		return nil
	default:
		return transportFailure("send buffer full", nil)
	}
}

// transitionLocked moves to next and schedules delivery of the change.
// Illegal transitions are refused so no state is ever skipped.
func (s *Session) transitionLocked(next ConnectionState, change StateChange) bool {
	if !canTransition(s.state, next) {
		s.logger.Error("illegal state transition refused", "from", s.state, "state", next)
		return false
	}
	change.From = s.state
	change.To = next
	if change.TransportSessionID == "" {
		change.TransportSessionID = s.transportSessionID
	}
	s.state = next
	s.events.post(func() { s.stateListeners.emit(change) })
	return true
}

func (s *Session) attachLocked(gen uint64, conn Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &link{
		conn:   conn,
		out:    make(chan Envelope, s.cfg.SendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	s.link = l
	s.userID = conn.UserID()
	s.transportSessionID = conn.ID()
	s.recon.markConnected()
	s.transitionLocked(StateConnected, StateChange{TransportSessionID: conn.ID()})
	s.logger.Info("session connected", "transport_session_id", conn.ID(), "user_id", conn.UserID())

	go s.writeLoop(l)
	go s.readLoop(gen, l)
	if s.cfg.HeartbeatInterval > 0 {
		go s.heartbeatLoop(l)
	}
}

func (s *Session) readLoop(gen uint64, l *link) {
	for {
		env, err := l.conn.Read(l.ctx)
		if err != nil {
			s.linkLost(gen, l, err)
			return
		}
		s.events.post(func() {
			if s.currentGen() != gen {
				return
			}
			s.envListeners.emit(env)
		})
	}
}

func (s *Session) writeLoop(l *link) {
	for {
		select {
		case <-l.ctx.Done():
			return
		case env := <-l.out:
			ctx, cancel := context.WithTimeout(l.ctx, s.cfg.WriteTimeout)
			err := l.conn.Write(ctx, env)
			cancel()
			if err != nil {
				s.logger.Warn("session write failed", "event", env.Type, "error", err)
				// Closing makes the read side notice and reconnect.
				l.conn.Close()
				return
			}
		}
	}
}

func (s *Session) heartbeatLoop(l *link) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(l.ctx, s.cfg.HeartbeatInterval)
			err := l.conn.Ping(ctx)
			cancel()
			if err != nil && l.ctx.Err() == nil {
				s.logger.Warn("heartbeat failed", "error", err)
				l.conn.Close()
				return
			}
		}
	}
}

func (s *Session) currentGen() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func (s *Session) linkLost(gen uint64, l *link, cause error) {
	l.cancel()
	l.conn.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.link != l {
		return
	}
	s.link = nil

	if IsUnauthenticated(cause) {
		s.err = cause
		s.transitionLocked(StateDisconnected, StateChange{Err: cause})
		s.logger.Warn("session rejected by server", "error", cause)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.retryCancel = cancel
	go s.reconnect(ctx, gen, s.credential, cause)
}

func (s *Session) reconnect(ctx context.Context, gen uint64, credential string, lastErr error) {
	for {
		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		if !s.recon.shouldReconnect() {
			err := &Error{
				Code:    CodeReconnectExhausted,
				Message: fmt.Sprintf("gave up after %d attempts", s.recon.attempt),
				Err:     lastErr,
			}
			s.err = err
			s.retryCancel = nil
			s.transitionLocked(StateDisconnected, StateChange{Err: err})
			s.mu.Unlock()
			s.logger.Error("reconnect failed, giving up", "attempt", s.recon.attempt, "error", lastErr)
			return
		}
		delay := s.recon.nextDelay()
		attempt := s.recon.attempt
		s.transitionLocked(StateReconnecting, StateChange{Attempt: attempt, Delay: delay, Err: lastErr})
		s.mu.Unlock()

		s.logger.Info("reconnecting", "attempt", attempt, "delay", delay, "error", lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.transitionLocked(StateConnecting, StateChange{Attempt: attempt})
		s.mu.Unlock()

		conn, err := s.transport.Dial(ctx, credential)

		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err == nil {
			s.retryCancel = nil
			s.attachLocked(gen, conn)
			s.mu.Unlock()
			return
		}
		if IsUnauthenticated(err) {
			s.err = err
			s.retryCancel = nil
			s.transitionLocked(StateDisconnected, StateChange{Err: err})
			s.mu.Unlock()
			s.logger.Warn("reconnect rejected by server", "error", err)
			return
		}
		lastErr = err
		s.mu.Unlock()
	}
}
