package chatsync

import (
	"sort"
	"time"
	"unicode/utf8"
)

// InsertResult reports what Insert did with a message.
type InsertResult int

const (
	// Inserted means the clientKey was new to the room.
	Inserted InsertResult = iota
	// Reconciled means an existing entry's mutable fields were updated.
	Reconciled
	// DuplicateIgnored means the message was already known with the same
	// data. It is a successful no-op, not an error.
	DuplicateIgnored
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Reconciled:
		return "reconciled"
	case DuplicateIgnored:
		return "duplicate_ignored"
	}
	return "unknown"
}

const previewRunes = 100

// Synchronizer is the conversation state container: one timeline per room,
// ordered by (CreatedAt, ClientKey), a summary projection per room, unread
// accounting and read watermarks.
//
// A Synchronizer is not safe for concurrent use. The Client owns one and
// mutates it only from its event loop; views read copies.
type Synchronizer struct {
	selfID     string
	rooms      map[string]*roomState
	watermarks map[watermarkKey]time.Time
	focused    string
	dirty      map[string]struct{}
}

type watermarkKey struct {
	roomID   string
	readerID string
}

type roomState struct {
	room       ConversationRoom
	timeline   []Message
	byKey      map[string]time.Time // clientKey -> createdAt of the stored entry
	unread     int
	seeded     ConversationSummary
	backfilled bool
}

// NewSynchronizer creates an empty Synchronizer for the local participant.
func NewSynchronizer(selfID string) *Synchronizer {
	return &Synchronizer{
		selfID:     selfID,
		rooms:      make(map[string]*roomState),
		watermarks: make(map[watermarkKey]time.Time),
		dirty:      make(map[string]struct{}),
	}
}

// SelfID returns the local participant id.
func (s *Synchronizer) SelfID() string { return s.selfID }

// SetSelfID sets the local participant id once the server has confirmed it.
func (s *Synchronizer) SetSelfID(id string) { s.selfID = id }

func (s *Synchronizer) room(roomID string) *roomState {
	r, ok := s.rooms[roomID]
	if !ok {
		r = &roomState{
			room:  ConversationRoom{RoomID: roomID},
			byKey: make(map[string]time.Time),
		}
		s.rooms[roomID] = r
	}
	return r
}

func (s *Synchronizer) touch(roomID string) {
	s.dirty[roomID] = struct{}{}
}

// ── Rooms ────────────────────────────────────────────────

// AddRoom records a room, e.g. after a hire was accepted. Existing timeline
// and counts are kept; room metadata is replaced.
func (s *Synchronizer) AddRoom(room ConversationRoom) {
	if room.RoomID == "" {
		return
	}
	r := s.room(room.RoomID)
	r.room = room
	s.touch(room.RoomID)
}

// Seed loads the roster returned by the conversations endpoint.
func (s *Synchronizer) Seed(convs []Conversation) {
	for _, c := range convs {
		if c.RoomID == "" {
			continue
		}
		r := s.room(c.RoomID)
		if len(c.ParticipantIDs) > 0 || c.OtherParticipant.ID != "" {
			r.room = c.ConversationRoom
		}
		r.seeded = c.Summary
		r.seeded.RoomID = c.RoomID
		if s.focused == c.RoomID {
			r.unread = 0
		} else {
			r.unread = max(c.Summary.UnreadCount, 0)
		}
		s.touch(c.RoomID)
	}
}

// HasRoom reports whether the room is known.
func (s *Synchronizer) HasRoom(roomID string) bool {
	_, ok := s.rooms[roomID]
	return ok
}

// Room returns the room's metadata.
func (s *Synchronizer) Room(roomID string) (ConversationRoom, bool) {
	r, ok := s.rooms[roomID]
	if !ok {
		return ConversationRoom{}, false
	}
	return r.room, true
}

// ── Timeline ─────────────────────────────────────────────

func less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ClientKey < b.ClientKey
}

func (r *roomState) indexOf(clientKey string) int {
	createdAt, ok := r.byKey[clientKey]
	if !ok {
		return -1
	}
	probe := Message{ClientKey: clientKey, CreatedAt: createdAt}
	i := sort.Search(len(r.timeline), func(i int) bool { return !less(r.timeline[i], probe) })
	if i < len(r.timeline) && r.timeline[i].ClientKey == clientKey {
		return i
	}
	return -1
}

func (r *roomState) insertSorted(m Message) {
	i := sort.Search(len(r.timeline), func(i int) bool { return less(m, r.timeline[i]) })
	r.timeline = append(r.timeline, Message{})
	copy(r.timeline[i+1:], r.timeline[i:])
	r.timeline[i] = m
	r.byKey[m.ClientKey] = m.CreatedAt
}

func (r *roomState) removeAt(i int) {
	delete(r.byKey, r.timeline[i].ClientKey)
	r.timeline = append(r.timeline[:i], r.timeline[i+1:]...)
}

// Insert merges m into its room's timeline. A clientKey that is already
// present is reconciled in place; a new one is inserted in sorted position.
func (s *Synchronizer) Insert(m Message) (InsertResult, error) {
	return s.insert(m, true)
}

func (s *Synchronizer) insert(m Message, countUnread bool) (InsertResult, error) {
	if m.RoomID == "" {
		return 0, invalidInput("roomId is required")
	}
	if m.ClientKey == "" {
		return 0, invalidInput("clientKey is required")
	}
	if m.DeliveryState == "" {
		m.DeliveryState = DeliveryAcknowledged
	}

	r := s.room(m.RoomID)
	if i := r.indexOf(m.ClientKey); i >= 0 {
		return s.reconcile(r, i, m), nil
	}

	r.insertSorted(m)
	if countUnread && s.countsAsUnread(m) {
		r.unread++
	}
	s.touch(m.RoomID)
	return Inserted, nil
}

func (s *Synchronizer) countsAsUnread(m Message) bool {
	if m.SenderID == "" || m.SenderID == s.selfID {
		return false
	}
	if s.focused == m.RoomID {
		return false
	}
	return m.CreatedAt.After(s.watermarks[watermarkKey{m.RoomID, s.selfID}])
}

func sameMessage(a, b Message) bool {
	return a.ClientKey == b.ClientKey &&
		a.ServerID == b.ServerID &&
		a.RoomID == b.RoomID &&
		a.SenderID == b.SenderID &&
		a.Body == b.Body &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.DeliveryState == b.DeliveryState
}

// reconcile updates serverId, createdAt, body and delivery state of the
// entry at i. The entry keeps its slot unless the new createdAt would put it
// out of order with a neighbour, in which case it moves.
func (s *Synchronizer) reconcile(r *roomState, i int, in Message) InsertResult {
	cur := r.timeline[i]
	next := cur
	authoritative := in.DeliveryState == DeliveryAcknowledged

	if cur.DeliveryState != in.DeliveryState && cur.DeliveryState.canAdvanceTo(in.DeliveryState) {
		next.DeliveryState = in.DeliveryState
	}
	if authoritative {
		if in.ServerID != "" {
			next.ServerID = in.ServerID
		}
		if !in.CreatedAt.IsZero() {
			next.CreatedAt = in.CreatedAt
		}
		if in.Body != "" {
			next.Body = in.Body
		}
	}
	if next.SenderID == "" {
		next.SenderID = in.SenderID
	}

	if sameMessage(next, cur) {
		return DuplicateIgnored
	}

	inOrder := (i == 0 || !less(next, r.timeline[i-1])) &&
		(i == len(r.timeline)-1 || !less(r.timeline[i+1], next))
	if inOrder {
		r.timeline[i] = next
		r.byKey[next.ClientKey] = next.CreatedAt
	} else {
		r.removeAt(i)
		r.insertSorted(next)
	}
	s.touch(r.room.RoomID)
	return Reconciled
}

// SetDelivery moves a message to a new delivery state if that is a legal
// step. It returns the updated message.
func (s *Synchronizer) SetDelivery(roomID, clientKey string, state DeliveryState) (Message, bool) {
	r, ok := s.rooms[roomID]
	if !ok {
		return Message{}, false
	}
	i := r.indexOf(clientKey)
	if i < 0 {
		return Message{}, false
	}
	if !r.timeline[i].DeliveryState.canAdvanceTo(state) {
		return r.timeline[i], false
	}
	r.timeline[i].DeliveryState = state
	s.touch(roomID)
	return r.timeline[i], true
}

// Message looks up a message by clientKey.
func (s *Synchronizer) Message(roomID, clientKey string) (Message, bool) {
	r, ok := s.rooms[roomID]
	if !ok {
		return Message{}, false
	}
	i := r.indexOf(clientKey)
	if i < 0 {
		return Message{}, false
	}
	return r.timeline[i], true
}

// Timeline returns a copy of the room's ordered timeline.
func (s *Synchronizer) Timeline(roomID string) []Message {
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	return append([]Message(nil), r.timeline...)
}

// Backfill merges history fetched from the timeline endpoint. History never
// bumps unread counts.
func (s *Synchronizer) Backfill(roomID string, msgs []Message) int {
	inserted := 0
	for _, m := range msgs {
		if m.RoomID == "" {
			m.RoomID = roomID
		}
		if m.RoomID != roomID {
			continue
		}
		m.DeliveryState = DeliveryAcknowledged
		res, err := s.insert(m, false)
		if err == nil && res == Inserted {
			inserted++
		}
	}
	s.room(roomID).backfilled = true
	s.touch(roomID)
	return inserted
}

// NeedsBackfill reports whether the room's history has not been fetched yet.
func (s *Synchronizer) NeedsBackfill(roomID string) bool {
	r, ok := s.rooms[roomID]
	return !ok || !r.backfilled
}

// ── Focus & read state ───────────────────────────────────

// Open focuses a room and marks it read up to now.
func (s *Synchronizer) Open(roomID string, now time.Time) {
	s.focused = roomID
	s.MarkRead(roomID, now)
}

// Blur clears the focused room.
func (s *Synchronizer) Blur() { s.focused = "" }

// Focused returns the currently open room, if any.
func (s *Synchronizer) Focused() string { return s.focused }

// MarkRead advances the local watermark and resets the unread count.
func (s *Synchronizer) MarkRead(roomID string, now time.Time) {
	s.ApplyReadReceipt(ReadWatermark{RoomID: roomID, ReaderID: s.selfID, UpTo: now})
	if r, ok := s.rooms[roomID]; ok {
		if r.unread != 0 {
			r.unread = 0
			s.touch(roomID)
		}
	}
}

// ApplyReadReceipt advances the (room, reader) watermark. Moving it
// backwards is a no-op. A receipt for an unknown room is stored but changes
// no visible count. It reports whether the watermark moved.
func (s *Synchronizer) ApplyReadReceipt(w ReadWatermark) bool {
	if w.RoomID == "" || w.ReaderID == "" {
		return false
	}
	key := watermarkKey{w.RoomID, w.ReaderID}
	if !w.UpTo.After(s.watermarks[key]) {
		return false
	}
	s.watermarks[key] = w.UpTo

	if r, ok := s.rooms[w.RoomID]; ok {
		if w.ReaderID == s.selfID {
			r.unread = 0
		}
		s.touch(w.RoomID)
	}
	return true
}

// Watermark returns the reader's watermark for a room.
func (s *Synchronizer) Watermark(roomID, readerID string) (time.Time, bool) {
	t, ok := s.watermarks[watermarkKey{roomID, readerID}]
	return t, ok
}

// SeenUpTo returns the latest watermark of any participant other than the
// local one. Own messages at or before it have been read.
func (s *Synchronizer) SeenUpTo(roomID string) time.Time {
	var latest time.Time
	for k, t := range s.watermarks {
		if k.roomID == roomID && k.readerID != s.selfID && t.After(latest) {
			latest = t
		}
	}
	return latest
}

func (s *Synchronizer) watermarksFor(roomID string) []ReadWatermark {
	var out []ReadWatermark
	for k, t := range s.watermarks {
		if k.roomID == roomID {
			out = append(out, ReadWatermark{RoomID: k.roomID, ReaderID: k.readerID, UpTo: t})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReaderID < out[j].ReaderID })
	return out
}

// ── Summaries ────────────────────────────────────────────

func preview(body string) string {
	if utf8.RuneCountInString(body) <= previewRunes {
		return body
	}
	runes := []rune(body)
	return string(runes[:previewRunes]) + "…"
}

// summary is derived from the timeline on every read; the seeded roster
// values only stand in while the timeline is empty.
func (r *roomState) summary() ConversationSummary {
	sum := ConversationSummary{
		RoomID:             r.room.RoomID,
		LastMessagePreview: r.seeded.LastMessagePreview,
		LastMessageAt:      r.seeded.LastMessageAt,
		UnreadCount:        r.unread,
	}
	if n := len(r.timeline); n > 0 {
		last := r.timeline[n-1]
		sum.LastMessagePreview = preview(last.Body)
		sum.LastMessageAt = last.CreatedAt
	}
	return sum
}

// Summary returns the room's summary projection.
func (s *Synchronizer) Summary(roomID string) (ConversationSummary, bool) {
	r, ok := s.rooms[roomID]
	if !ok {
		return ConversationSummary{}, false
	}
	return r.summary(), true
}

// Conversations returns every room with its summary, most recent first.
func (s *Synchronizer) Conversations() []Conversation {
	out := make([]Conversation, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, Conversation{ConversationRoom: r.room, Summary: r.summary()})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Summary.LastMessageAt, out[j].Summary.LastMessageAt
		if !a.Equal(b) {
			return a.After(b)
		}
		return out[i].RoomID < out[j].RoomID
	})
	return out
}

// ── Snapshots ────────────────────────────────────────────

// takeDirty returns and clears the set of rooms mutated since the last call.
func (s *Synchronizer) takeDirty() []string {
	out := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		out = append(out, id)
	}
	s.dirty = make(map[string]struct{})
	sort.Strings(out)
	return out
}

// Snapshot copies a room's state for the local cache.
func (s *Synchronizer) Snapshot(roomID string) (RoomSnapshot, bool) {
	r, ok := s.rooms[roomID]
	if !ok {
		return RoomSnapshot{}, false
	}
	return RoomSnapshot{
		Conversation: Conversation{ConversationRoom: r.room, Summary: r.summary()},
		Messages:     append([]Message(nil), r.timeline...),
		Watermarks:   s.watermarksFor(roomID),
	}, true
}

// Restore loads a cached room. Live state already present wins.
func (s *Synchronizer) Restore(snap RoomSnapshot) {
	roomID := snap.Conversation.RoomID
	if roomID == "" {
		return
	}
	_, existed := s.rooms[roomID]
	r := s.room(roomID)
	if !existed {
		r.room = snap.Conversation.ConversationRoom
		r.seeded = snap.Conversation.Summary
		r.unread = snap.Conversation.Summary.UnreadCount
	}
	for _, m := range snap.Messages {
		if m.RoomID == "" {
			m.RoomID = roomID
		}
		// Nothing is waiting for an ack from a previous process.
		if m.DeliveryState == DeliveryComposing || m.DeliveryState == DeliverySent {
			m.DeliveryState = DeliveryFailed
		}
		s.insert(m, false)
	}
	for _, w := range snap.Watermarks {
		key := watermarkKey{w.RoomID, w.ReaderID}
		if w.UpTo.After(s.watermarks[key]) {
			s.watermarks[key] = w.UpTo
		}
	}
	delete(s.dirty, roomID)
}
