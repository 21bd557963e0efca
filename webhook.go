package chatsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ============================================================================
// Webhook Types
// ============================================================================

// EventHireAccepted is the webhook event emitted when a hire offer is
// accepted and the two parties get a conversation room.
const EventHireAccepted = "hire.accepted"

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Chatsync-Signature"

// HirePayload is the body of a hire webhook.
type HirePayload struct {
	Event     string           `json:"event"`
	Timestamp int64            `json:"timestamp"`
	HireID    string           `json:"hireId"`
	Room      ConversationRoom `json:"room"`
}

// HireHandlerFunc is called for every verified hire.accepted payload.
type HireHandlerFunc func(payload *HirePayload) error

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies an HMAC-SHA256 webhook signature in
// constant time. The signature may carry a "sha256=" prefix.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}
	expected := SignWebhookBody(body, secret)
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignWebhookBody returns the hex signature a sender puts in SignatureHeader.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseHirePayload parses and validates a raw hire webhook body.
func ParseHirePayload(body string) (*HirePayload, error) {
	var payload HirePayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if payload.Event != EventHireAccepted {
		return nil, fmt.Errorf("unsupported webhook event: %q", payload.Event)
	}
	if payload.Room.RoomID == "" {
		return nil, fmt.Errorf("missing room.roomId in webhook payload")
	}
	return &payload, nil
}

// ============================================================================
// HireWebhook
// ============================================================================

// HireWebhook verifies, parses and dispatches hire webhooks.
type HireWebhook struct {
	secret     string
	onAccepted HireHandlerFunc
}

// NewHireWebhook creates a webhook handler. The secret is required.
func NewHireWebhook(secret string, onAccepted HireHandlerFunc) (*HireWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if onAccepted == nil {
		return nil, fmt.Errorf("webhook handler is required")
	}
	return &HireWebhook{secret: secret, onAccepted: onAccepted}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *HireWebhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes a webhook request (verify + parse + call handler).
// Returns the status code and response body for the caller to write.
func (w *HireWebhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParseHirePayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if err := w.onAccepted(payload); err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]any{"ok": true, "roomId": payload.Room.RoomID}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := chatsync.NewHireWebhook(secret, client.AcceptHire)
//	http.Handle("/hooks/hire", wh.HTTPHandler())
func (w *HireWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		defer r.Body.Close()
		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
