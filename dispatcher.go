package chatsync

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// dispatcher sends outbound chat events and routes inbound ones into the
// Synchronizer. Every outbound message gets a fresh clientKey, is inserted
// optimistically before it goes on the wire, and is reconciled in place when
// the server echoes it back. Nothing is ever resent automatically: a message
// without an ack in time goes to Failed and waits for an explicit retry,
// which reuses the same clientKey.
//
// Not safe for concurrent use; the Client drives it from its event loop.
type dispatcher struct {
	sync    *Synchronizer
	rooms   *roomTracker
	send    func(Envelope) error
	after   scheduler
	timeout time.Duration
	now     func() time.Time
	newKey  func() string
	logger  *slog.Logger

	pending map[string]pendingSend

	onUpsert func(Message)
	onFailed func(Message, error)
}

type pendingSend struct {
	roomID string
	stop   func() bool
}

func (d *dispatcher) sendMessage(roomID, body string) (Message, error) {
	if roomID == "" {
		return Message{}, invalidInput("roomId is required")
	}
	if strings.TrimSpace(body) == "" {
		return Message{}, invalidInput("body is required")
	}
	if !d.rooms.connected {
		return Message{}, &Error{Code: CodeNotConnected, Message: "cannot send while offline"}
	}

	m := Message{
		ClientKey:     d.newKey(),
		RoomID:        roomID,
		SenderID:      d.sync.SelfID(),
		Body:          body,
		CreatedAt:     d.now(),
		DeliveryState: DeliveryComposing,
	}
	if _, err := d.sync.Insert(m); err != nil {
		return Message{}, err
	}
	d.onUpsert(m)
	return d.emit(m)
}

// retry re-sends a Failed message under its original clientKey.
func (d *dispatcher) retry(roomID, clientKey string) (Message, error) {
	m, ok := d.sync.Message(roomID, clientKey)
	if !ok {
		return Message{}, &Error{Code: CodeNotFound, Message: "no message " + clientKey + " in room " + roomID}
	}
	if m.DeliveryState != DeliveryFailed {
		return m, invalidInput("only failed messages can be retried, message is " + string(m.DeliveryState))
	}
	if !d.rooms.connected {
		return m, &Error{Code: CodeNotConnected, Message: "cannot retry while offline"}
	}
	return d.emit(m)
}

func (d *dispatcher) emit(m Message) (Message, error) {
	if sent, ok := d.sync.SetDelivery(m.RoomID, m.ClientKey, DeliverySent); ok {
		m = sent
		d.onUpsert(m)
	}

	env, err := NewEnvelope(EventSendMessage, SendMessagePayload{
		ClientKey: m.ClientKey,
		RoomID:    m.RoomID,
		Body:      m.Body,
	})
	if err != nil {
		return m, err
	}

	key := m.ClientKey
	d.pending[key] = pendingSend{
		roomID: m.RoomID,
		stop:   d.after(d.timeout, func() { d.expire(key) }),
	}

	if err := d.send(env); err != nil {
		failed := d.fail(m.RoomID, key, err)
		return failed, err
	}
	return m, nil
}

func (d *dispatcher) expire(clientKey string) {
	p, ok := d.pending[clientKey]
	if !ok {
		return
	}
	d.logger.Warn("send timed out", "room_id", p.roomID, "client_key", clientKey, "timeout", d.timeout)
	d.fail(p.roomID, clientKey, &Error{
		Code:    CodeSendTimeout,
		Message: fmt.Sprintf("no acknowledgment within %s", d.timeout),
	})
}

func (d *dispatcher) fail(roomID, clientKey string, cause error) Message {
	if p, ok := d.pending[clientKey]; ok {
		p.stop()
		delete(d.pending, clientKey)
	}
	m, ok := d.sync.SetDelivery(roomID, clientKey, DeliveryFailed)
	if ok {
		d.onFailed(m, cause)
	}
	return m
}

// cancelAll stops every send-timeout timer and fails the messages still
// waiting for an ack.
func (d *dispatcher) cancelAll(cause error) {
	for key, p := range d.pending {
		d.fail(p.roomID, key, cause)
	}
}

func (d *dispatcher) handleReceive(p ReceiveMessagePayload) {
	if p.RoomID == "" || p.ClientKey == "" {
		d.logger.Debug("dropping malformed message", "room_id", p.RoomID, "client_key", p.ClientKey)
		return
	}

	if pend, ok := d.pending[p.ClientKey]; ok && pend.roomID == p.RoomID {
		pend.stop()
		delete(d.pending, p.ClientKey)
	} else if _, known := d.sync.Message(p.RoomID, p.ClientKey); !known && !d.rooms.has(p.RoomID) {
		d.logger.Debug("dropping message for unjoined room", "room_id", p.RoomID, "client_key", p.ClientKey)
		return
	}

	res, err := d.sync.Insert(p.message())
	if err != nil {
		d.logger.Warn("insert failed", "room_id", p.RoomID, "client_key", p.ClientKey, "error", err)
		return
	}
	if res == DuplicateIgnored {
		return
	}
	if m, ok := d.sync.Message(p.RoomID, p.ClientKey); ok {
		d.onUpsert(m)
	}
}
