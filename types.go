package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Connection
// ============================================================================

// ConnectionState represents the Session's connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// StateChange is delivered to state subscribers on every transition.
// Err is set when the Session lands in Disconnected for a reason other than
// a manual Disconnect.
type StateChange struct {
	From               ConnectionState
	To                 ConnectionState
	TransportSessionID string
	Attempt            int
	Delay              time.Duration
	Err                error
}

// ============================================================================
// Rooms & Messages
// ============================================================================

// ParticipantSummary is the display data for the other side of a room.
type ParticipantSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// ConversationRoom is a two-party conversation channel.
type ConversationRoom struct {
	RoomID           string             `json:"roomId"`
	ParticipantIDs   []string           `json:"participantIds"`
	OtherParticipant ParticipantSummary `json:"otherParticipant"`
}

// DeliveryState tracks an outbound message through its lifecycle.
type DeliveryState string

const (
	DeliveryComposing    DeliveryState = "composing"
	DeliverySent         DeliveryState = "sent"
	DeliveryAcknowledged DeliveryState = "acknowledged"
	DeliveryFailed       DeliveryState = "failed"
)

// canAdvanceTo reports whether a message in state d may move to next.
// Acknowledged is final; Failed may go back to Sent on a manual retry or
// straight to Acknowledged when a late ack shows up.
func (d DeliveryState) canAdvanceTo(next DeliveryState) bool {
	switch d {
	case DeliveryComposing:
		return next == DeliverySent || next == DeliveryFailed || next == DeliveryAcknowledged
	case DeliverySent:
		return next == DeliveryFailed || next == DeliveryAcknowledged
	case DeliveryFailed:
		return next == DeliverySent || next == DeliveryAcknowledged
	}
	return false
}

// Message is one entry in a room's timeline. ClientKey is immutable and is the
// de-duplication key within a room.
type Message struct {
	ClientKey     string        `json:"clientKey"`
	ServerID      string        `json:"serverId,omitempty"`
	RoomID        string        `json:"roomId"`
	SenderID      string        `json:"senderId"`
	Body          string        `json:"body"`
	CreatedAt     time.Time     `json:"createdAt"`
	DeliveryState DeliveryState `json:"deliveryState"`
}

// ConversationSummary is the chat-list projection of a room.
type ConversationSummary struct {
	RoomID             string    `json:"roomId"`
	LastMessagePreview string    `json:"lastMessagePreview"`
	LastMessageAt      time.Time `json:"lastMessageAt"`
	UnreadCount        int       `json:"unreadCount"`
}

// Conversation is a room together with its summary, as returned by the
// roster endpoint and as exposed to chat-list views.
type Conversation struct {
	ConversationRoom
	Summary ConversationSummary `json:"summary"`
}

// ReadWatermark records how far a reader has read a room.
type ReadWatermark struct {
	RoomID   string    `json:"roomId"`
	ReaderID string    `json:"readerId"`
	UpTo     time.Time `json:"upTo"`
}

// TypingState is an ephemeral typing indicator for a remote participant.
type TypingState struct {
	RoomID        string
	ParticipantID string
	ExpiresAt     time.Time
}

// ============================================================================
// Wire Events
// ============================================================================

// Event names on the wire.
const (
	EventAuthenticated  = "authenticated"
	EventUnauthorized   = "unauthorized"
	EventJoinChat       = "join-chat"
	EventLeaveChat      = "leave-chat"
	EventSendMessage    = "send-message"
	EventReceiveMessage = "receive-message"
	EventMarkRead       = "mark-read"
	EventMessagesRead   = "messages-read"
	EventTyping         = "typing"
	EventUserTyping     = "user-typing"
)

// Envelope is the wire format for all realtime events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into an Envelope of the given type.
func NewEnvelope(eventType string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: eventType, Payload: data}, nil
}

// AuthenticatedPayload is the server's first frame after a successful handshake.
type AuthenticatedPayload struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId,omitempty"`
}

// UnauthorizedPayload rejects a handshake.
type UnauthorizedPayload struct {
	Message string `json:"message"`
}

// RoomPayload is used by join-chat, leave-chat and mark-read.
type RoomPayload struct {
	RoomID string `json:"roomId"`
}

// SendMessagePayload submits a new message.
type SendMessagePayload struct {
	ClientKey string `json:"clientKey"`
	RoomID    string `json:"roomId"`
	Body      string `json:"body"`
}

// ReceiveMessagePayload is broadcast to all room members, the sender included.
type ReceiveMessagePayload struct {
	ClientKey string    `json:"clientKey"`
	RoomID    string    `json:"roomId"`
	SenderID  string    `json:"senderId"`
	Body      string    `json:"body"`
	ServerID  string    `json:"serverId"`
	CreatedAt time.Time `json:"createdAt"`
}

func (p ReceiveMessagePayload) message() Message {
	return Message{
		ClientKey:     p.ClientKey,
		ServerID:      p.ServerID,
		RoomID:        p.RoomID,
		SenderID:      p.SenderID,
		Body:          p.Body,
		CreatedAt:     p.CreatedAt,
		DeliveryState: DeliveryAcknowledged,
	}
}

// MessagesReadPayload notifies a watermark advance.
type MessagesReadPayload struct {
	RoomID   string    `json:"roomId"`
	ReaderID string    `json:"readerId"`
	UpTo     time.Time `json:"upTo"`
}

// TypingPayload is the client's presence signal.
type TypingPayload struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

// UserTypingPayload is a relayed presence signal.
type UserTypingPayload struct {
	RoomID        string `json:"roomId"`
	ParticipantID string `json:"participantId"`
	IsTyping      bool   `json:"isTyping"`
}

// ============================================================================
// API Envelope
// ============================================================================

// APIResult is the response envelope of the request/response API.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// APIError is the error body of a failed API call.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Decode unmarshals the Data field into v.
func (r *APIResult) Decode(v any) error {
	if r.Data == nil {
		return &Error{Code: CodeNotFound, Message: "no data in response"}
	}
	return json.Unmarshal(r.Data, v)
}

// TimelineOptions paginates ListTimeline.
type TimelineOptions struct {
	Limit  int
	Before time.Time
}
