package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// Transport opens authenticated realtime connections.
type Transport interface {
	// Dial connects and completes the authenticated handshake. Credential
	// rejections are returned as Unauthenticated; everything else as
	// TransportFailure.
	Dial(ctx context.Context, credential string) (Conn, error)
}

// Conn is one transport session. Read is called from a single goroutine;
// Write from a single (different) goroutine.
type Conn interface {
	// ID is the transport session id assigned at handshake.
	ID() string
	// UserID is the authenticated participant id.
	UserID() string
	Read(ctx context.Context) (Envelope, error)
	Write(ctx context.Context, env Envelope) error
	Ping(ctx context.Context) error
	Close() error
}

// StatusUnauthorized is the close code a server uses to revoke a session's
// credential mid-connection.
const StatusUnauthorized websocket.StatusCode = 4401

// ============================================================================
// WebSocket Transport
// ============================================================================

// WebSocketTransport dials the realtime endpoint at {BaseURL}/ws.
type WebSocketTransport struct {
	BaseURL          string
	HTTPClient       *http.Client
	HandshakeTimeout time.Duration
	ReadLimit        int64
}

// NewWebSocketTransport creates a transport for the given http(s) or ws(s) base URL.
func NewWebSocketTransport(baseURL string) *WebSocketTransport {
	return &WebSocketTransport{
		BaseURL:          strings.TrimRight(baseURL, "/"),
		HandshakeTimeout: 10 * time.Second,
		ReadLimit:        1 << 20,
	}
}

func (t *WebSocketTransport) url() string {
	u := strings.Replace(t.BaseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}

// Dial implements Transport.
func (t *WebSocketTransport) Dial(ctx context.Context, credential string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	c, resp, err := websocket.Dial(ctx, t.url(), &websocket.DialOptions{
		HTTPClient: t.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, unauthenticated(fmt.Sprintf("handshake rejected with HTTP %d", resp.StatusCode), err)
		}
		return nil, transportFailure("websocket dial", err)
	}
	if t.ReadLimit > 0 {
		c.SetReadLimit(t.ReadLimit)
	}

	hsCtx := ctx
	if t.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hsCtx, cancel = context.WithTimeout(ctx, t.HandshakeTimeout)
		defer cancel()
	}

	// First frame must be "authenticated".
	_, data, err := c.Read(hsCtx)
	if err != nil {
		c.Close(websocket.StatusNormalClosure, "")
		return nil, classifyReadError("read auth message", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.Close(websocket.StatusProtocolError, "bad handshake")
		return nil, transportFailure("decode auth message", err)
	}
	switch env.Type {
	case EventAuthenticated:
	case EventUnauthorized:
		var p UnauthorizedPayload
		_ = json.Unmarshal(env.Payload, &p)
		c.Close(websocket.StatusNormalClosure, "")
		return nil, unauthenticated(p.Message, nil)
	default:
		c.Close(websocket.StatusProtocolError, "bad handshake")
		return nil, transportFailure(fmt.Sprintf("expected %q, got %q", EventAuthenticated, env.Type), nil)
	}

	var auth AuthenticatedPayload
	if err := json.Unmarshal(env.Payload, &auth); err != nil {
		c.Close(websocket.StatusProtocolError, "bad handshake")
		return nil, transportFailure("decode auth payload", err)
	}
	if auth.SessionID == "" {
		auth.SessionID = uuid.NewString()
	}
	return &wsConn{c: c, id: auth.SessionID, userID: auth.UserID}, nil
}

type wsConn struct {
	c      *websocket.Conn
	id     string
	userID string
}

func (w *wsConn) ID() string     { return w.id }
func (w *wsConn) UserID() string { return w.userID }

func (w *wsConn) Read(ctx context.Context) (Envelope, error) {
	for {
		_, data, err := w.c.Read(ctx)
		if err != nil {
			return Envelope{}, classifyReadError("websocket read", err)
		}
		var env Envelope
		if json.Unmarshal(data, &env) != nil || env.Type == "" {
			continue
		}
		return env, nil
	}
}

func (w *wsConn) Write(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := w.c.Write(ctx, websocket.MessageText, data); err != nil {
		return transportFailure("websocket write", err)
	}
	return nil
}

func (w *wsConn) Ping(ctx context.Context) error {
	if err := w.c.Ping(ctx); err != nil {
		return transportFailure("ping", err)
	}
	return nil
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "client disconnect")
}

func classifyReadError(msg string, err error) error {
	switch websocket.CloseStatus(err) {
	case StatusUnauthorized, websocket.StatusPolicyViolation:
		return unauthenticated(msg, err)
	}
	var cerr *Error
	if errors.As(err, &cerr) {
		return err
	}
	return transportFailure(msg, err)
}
