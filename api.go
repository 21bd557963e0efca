package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second

	// maxTimelinePage caps a single backfill request.
	maxTimelinePage = 200
)

// Directory is the request/response side of the chat backend: the roster of
// the caller's conversations and paged room history.
type Directory interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	ListTimeline(ctx context.Context, roomID string, opts TimelineOptions) ([]Message, error)
}

// ============================================================================
// APIClient
// ============================================================================

// APIClient talks to the chat backend's HTTP API.
type APIClient struct {
	token      string
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

type APIOption func(*APIClient)

func WithBaseURL(url string) APIOption {
	return func(c *APIClient) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) APIOption {
	return func(c *APIClient) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) APIOption {
	return func(c *APIClient) { c.httpClient = client }
}

func WithUserAgent(ua string) APIOption {
	return func(c *APIClient) { c.userAgent = ua }
}

// NewAPIClient creates an API client authenticated with the bearer token.
func NewAPIClient(token string, opts ...APIOption) *APIClient {
	c := &APIClient{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after a refresh.
func (c *APIClient) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API root the client talks to.
func (c *APIClient) BaseURL() string { return c.baseURL }

// ── Internal request helper ──────────────────────────────

func (c *APIClient) doRequest(ctx context.Context, method, path string, query url.Values) (*APIResult, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportFailure("request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportFailure("failed to read response", err)
	}

	result, decodeErr := decodeJSON[APIResult](data)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if decodeErr == nil && result.Error != nil && result.Error.Message != "" {
			msg = result.Error.Message
		}
		return nil, unauthenticated(msg, nil)
	case resp.StatusCode == http.StatusNotFound:
		return nil, &Error{Code: CodeNotFound, Message: method + " " + path}
	case decodeErr != nil && resp.StatusCode >= 500:
		return nil, transportFailure(fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
	case decodeErr != nil:
		return nil, decodeErr
	}

	if !result.OK {
		return nil, result.Error.err()
	}
	return result, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// err maps a failed API envelope onto the package's error codes.
func (e *APIError) err() error {
	if e == nil {
		return &Error{Code: CodeTransportFailure, Message: "request failed"}
	}
	code := ErrorCode(strings.ToUpper(e.Code))
	if code == "UNAUTHORIZED" || code == CodeUnauthenticated {
		return unauthenticated(e.Message, nil)
	}
	return &Error{Code: code, Message: e.Message}
}

// ── Directory ────────────────────────────────────────────

// ListConversations fetches the caller's conversation roster.
func (c *APIClient) ListConversations(ctx context.Context) ([]Conversation, error) {
	result, err := c.doRequest(ctx, http.MethodGet, "/api/chat/conversations", nil)
	if err != nil {
		return nil, err
	}
	var convs []Conversation
	if err := result.Decode(&convs); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	for i := range convs {
		convs[i].Summary.RoomID = convs[i].RoomID
	}
	return convs, nil
}

// ListTimeline fetches a page of a room's history, oldest first, ending
// before opts.Before when set.
func (c *APIClient) ListTimeline(ctx context.Context, roomID string, opts TimelineOptions) ([]Message, error) {
	if roomID == "" {
		return nil, invalidInput("roomId is required")
	}
	query := url.Values{}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(min(opts.Limit, maxTimelinePage)))
	}
	if !opts.Before.IsZero() {
		query.Set("before", opts.Before.UTC().Format(time.RFC3339Nano))
	}

	result, err := c.doRequest(ctx, http.MethodGet, "/api/chat/rooms/"+url.PathEscape(roomID)+"/messages", query)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := result.Decode(&msgs); err != nil {
		return nil, fmt.Errorf("decode timeline: %w", err)
	}
	for i := range msgs {
		if msgs[i].RoomID == "" {
			msgs[i].RoomID = roomID
		}
		msgs[i].DeliveryState = DeliveryAcknowledged
	}
	return msgs, nil
}
