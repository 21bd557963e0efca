package chatsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ============================================================================
// Store
// ============================================================================

// RoomSnapshot is the cached state of one room: its metadata and summary, the
// timeline and the read watermarks.
type RoomSnapshot struct {
	Conversation Conversation    `json:"conversation"`
	Messages     []Message       `json:"messages"`
	Watermarks   []ReadWatermark `json:"watermarks"`
}

// Store is a local cache of conversation state, written behind the
// Synchronizer and read on startup so views can render before the roster
// request returns. The server stays authoritative.
type Store interface {
	SaveRooms(ctx context.Context, rooms []RoomSnapshot) error
	LoadRooms(ctx context.Context) ([]RoomSnapshot, error)
	Close() error
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Store.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]RoomSnapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]RoomSnapshot)}
}

func (s *MemoryStore) SaveRooms(_ context.Context, rooms []RoomSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rooms {
		if r.Conversation.RoomID == "" {
			continue
		}
		s.rooms[r.Conversation.RoomID] = copySnapshot(r)
	}
	return nil
}

func (s *MemoryStore) LoadRooms(_ context.Context) ([]RoomSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RoomSnapshot, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, copySnapshot(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Conversation.RoomID < out[j].Conversation.RoomID })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func copySnapshot(r RoomSnapshot) RoomSnapshot {
	r.Conversation.ParticipantIDs = append([]string(nil), r.Conversation.ParticipantIDs...)
	r.Messages = append([]Message(nil), r.Messages...)
	r.Watermarks = append([]ReadWatermark(nil), r.Watermarks...)
	return r
}

// ============================================================================
// SQLiteStore
// ============================================================================

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS rooms (
    room_id              TEXT PRIMARY KEY,
    participant_ids      TEXT NOT NULL,
    other_participant    TEXT NOT NULL,
    last_message_preview TEXT NOT NULL DEFAULT '',
    last_message_at      INTEGER NOT NULL DEFAULT 0,
    unread_count         INTEGER NOT NULL DEFAULT 0,
    updated_at           INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
    room_id        TEXT NOT NULL,
    client_key     TEXT NOT NULL,
    server_id      TEXT NOT NULL DEFAULT '',
    sender_id      TEXT NOT NULL DEFAULT '',
    body           TEXT NOT NULL,
    created_at     INTEGER NOT NULL,
    delivery_state TEXT NOT NULL,
    PRIMARY KEY (room_id, client_key)
);
CREATE INDEX IF NOT EXISTS messages_by_time ON messages (room_id, created_at, client_key);
CREATE TABLE IF NOT EXISTS read_watermarks (
    room_id   TEXT NOT NULL,
    reader_id TEXT NOT NULL,
    up_to     INTEGER NOT NULL,
    PRIMARY KEY (room_id, reader_id)
);
`

// SQLiteStore persists conversation state in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) and migrates the cache at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, invalidInput("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer; keeps the WAL simple and avoids SQLITE_BUSY between our own
	// connections.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveRooms upserts the given rooms in a single transaction. Watermarks
// only ever move forward.
func (s *SQLiteStore) SaveRooms(ctx context.Context, rooms []RoomSnapshot) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UnixNano()
	for _, r := range rooms {
		c := r.Conversation
		if c.RoomID == "" {
			continue
		}
		ids, err := json.Marshal(c.ParticipantIDs)
		if err != nil {
			return err
		}
		other, err := json.Marshal(c.OtherParticipant)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rooms (room_id, participant_ids, other_participant, last_message_preview, last_message_at, unread_count, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(room_id) DO UPDATE SET
			    participant_ids = excluded.participant_ids,
			    other_participant = excluded.other_participant,
			    last_message_preview = excluded.last_message_preview,
			    last_message_at = excluded.last_message_at,
			    unread_count = excluded.unread_count,
			    updated_at = excluded.updated_at`,
			c.RoomID, string(ids), string(other), c.Summary.LastMessagePreview,
			timeToNanos(c.Summary.LastMessageAt), c.Summary.UnreadCount, now,
		); err != nil {
			return fmt.Errorf("save room %s: %w", c.RoomID, err)
		}

		for _, m := range r.Messages {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO messages (room_id, client_key, server_id, sender_id, body, created_at, delivery_state)
				 VALUES (?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(room_id, client_key) DO UPDATE SET
				    server_id = excluded.server_id,
				    sender_id = excluded.sender_id,
				    body = excluded.body,
				    created_at = excluded.created_at,
				    delivery_state = excluded.delivery_state`,
				c.RoomID, m.ClientKey, m.ServerID, m.SenderID, m.Body,
				timeToNanos(m.CreatedAt), string(m.DeliveryState),
			); err != nil {
				return fmt.Errorf("save message %s: %w", m.ClientKey, err)
			}
		}

		for _, w := range r.Watermarks {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO read_watermarks (room_id, reader_id, up_to) VALUES (?, ?, ?)
				 ON CONFLICT(room_id, reader_id) DO UPDATE SET up_to = max(up_to, excluded.up_to)`,
				c.RoomID, w.ReaderID, timeToNanos(w.UpTo),
			); err != nil {
				return fmt.Errorf("save watermark %s/%s: %w", c.RoomID, w.ReaderID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LoadRooms reads every cached room ordered by room id, with each timeline
// in (createdAt, clientKey) order.
func (s *SQLiteStore) LoadRooms(ctx context.Context) ([]RoomSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, participant_ids, other_participant, last_message_preview, last_message_at, unread_count
		 FROM rooms ORDER BY room_id`)
	if err != nil {
		return nil, fmt.Errorf("load rooms: %w", err)
	}

	var out []RoomSnapshot
	index := make(map[string]int)
	for rows.Next() {
		var (
			snap          RoomSnapshot
			ids, other    string
			lastMessageAt int64
		)
		c := &snap.Conversation
		if err := rows.Scan(&c.RoomID, &ids, &other, &c.Summary.LastMessagePreview, &lastMessageAt, &c.Summary.UnreadCount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan room: %w", err)
		}
		if err := json.Unmarshal([]byte(ids), &c.ParticipantIDs); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode participants of %s: %w", c.RoomID, err)
		}
		if err := json.Unmarshal([]byte(other), &c.OtherParticipant); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode participant of %s: %w", c.RoomID, err)
		}
		c.Summary.RoomID = c.RoomID
		c.Summary.LastMessageAt = nanosToTime(lastMessageAt)
		index[c.RoomID] = len(out)
		out = append(out, snap)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.loadMessages(ctx, out, index); err != nil {
		return nil, err
	}
	if err := s.loadWatermarks(ctx, out, index); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) loadMessages(ctx context.Context, out []RoomSnapshot, index map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, client_key, server_id, sender_id, body, created_at, delivery_state
		 FROM messages ORDER BY room_id, created_at, client_key`)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m         Message
			createdAt int64
			state     string
		)
		if err := rows.Scan(&m.RoomID, &m.ClientKey, &m.ServerID, &m.SenderID, &m.Body, &createdAt, &state); err != nil {
			return fmt.Errorf("scan message: %w", err)
		}
		i, ok := index[m.RoomID]
		if !ok {
			continue
		}
		m.CreatedAt = nanosToTime(createdAt)
		m.DeliveryState = DeliveryState(state)
		out[i].Messages = append(out[i].Messages, m)
	}
	return rows.Err()
}

func (s *SQLiteStore) loadWatermarks(ctx context.Context, out []RoomSnapshot, index map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, reader_id, up_to FROM read_watermarks ORDER BY room_id, reader_id`)
	if err != nil {
		return fmt.Errorf("load watermarks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			w    ReadWatermark
			upTo int64
		)
		if err := rows.Scan(&w.RoomID, &w.ReaderID, &upTo); err != nil {
			return fmt.Errorf("scan watermark: %w", err)
		}
		i, ok := index[w.RoomID]
		if !ok {
			continue
		}
		w.UpTo = nanosToTime(upTo)
		out[i].Watermarks = append(out[i].Watermarks, w)
	}
	return rows.Err()
}

func timeToNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func nanosToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
