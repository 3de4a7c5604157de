package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parley-im/parley/internal/proto"
	_ "modernc.org/sqlite"
)

// DB wraps the sqlite conversation database. It implements Conversations
// and Membership.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the database under dataDir.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "parley.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL for concurrent readers; busy timeout so hub handlers do not
	// fail on transient writer contention.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			sender_id   TEXT NOT NULL,
			peer_id     TEXT NOT NULL DEFAULT '',
			group_id    TEXT NOT NULL DEFAULT '',
			text        TEXT NOT NULL DEFAULT '',
			image_url   TEXT NOT NULL DEFAULT '',
			audio_url   TEXT NOT NULL DEFAULT '',
			created_at  INTEGER NOT NULL,
			edited      INTEGER NOT NULL DEFAULT 0,
			seen        INTEGER NOT NULL DEFAULT 0,
			seen_by     TEXT NOT NULL DEFAULT '[]',
			deleted_for TEXT NOT NULL DEFAULT '[]'
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}
	db.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_peer ON messages(sender_id, peer_id, created_at)`)
	db.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(group_id, created_at)`)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS groups (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			created_by TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create groups table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS group_members (
			group_id TEXT NOT NULL,
			user_id  TEXT NOT NULL,
			PRIMARY KEY (group_id, user_id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create group members table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS stars (
			user_id    TEXT NOT NULL,
			message_id TEXT NOT NULL,
			PRIMARY KEY (user_id, message_id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create stars table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS friends (
			user_id   TEXT NOT NULL,
			friend_id TEXT NOT NULL,
			PRIMARY KEY (user_id, friend_id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create friends table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

const messageCols = `id, sender_id, peer_id, group_id, text, image_url, audio_url,
	created_at, edited, seen, seen_by, deleted_for`

func scanMessage(row interface{ Scan(...any) error }) (*proto.Message, error) {
	var (
		m                  proto.Message
		peer, group        string
		edited, seen       int
		seenBy, deletedFor string
	)
	err := row.Scan(&m.ID, &m.SenderID, &peer, &group, &m.Text, &m.ImageURL,
		&m.AudioURL, &m.CreatedAt, &edited, &seen, &seenBy, &deletedFor)
	if err != nil {
		return nil, err
	}
	m.Conv = proto.ConvRef{Peer: peer, Group: group}
	m.Edited = edited != 0
	m.Seen = seen != 0
	if err := json.Unmarshal([]byte(seenBy), &m.SeenBy); err != nil {
		m.SeenBy = nil
	}
	if err := json.Unmarshal([]byte(deletedFor), &m.DeletedFor); err != nil {
		m.DeletedFor = nil
	}
	return &m, nil
}

// ListMessages implements Conversations.
func (d *DB) ListMessages(userID string, conv proto.ConvRef) ([]*proto.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if conv.IsGroup() {
		rows, err = d.db.Query(`SELECT `+messageCols+` FROM messages
			WHERE group_id = ? ORDER BY created_at ASC, id ASC`, conv.Group)
	} else {
		rows, err = d.db.Query(`SELECT `+messageCols+` FROM messages
			WHERE group_id = '' AND
			      ((sender_id = ? AND peer_id = ?) OR (sender_id = ? AND peer_id = ?))
			ORDER BY created_at ASC, id ASC`,
			userID, conv.Peer, conv.Peer, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]*proto.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if contains(m.DeletedFor, userID) {
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateMessage implements Conversations.
func (d *DB) CreateMessage(senderID string, conv proto.ConvRef, payload NewMessage) (*proto.Message, error) {
	if payload.Text == "" && payload.ImageURL == "" && payload.AudioURL == "" {
		return nil, ErrEmpty
	}
	if conv.IsZero() {
		return nil, fmt.Errorf("create message: empty conversation ref")
	}

	m := &proto.Message{
		ID:        uuid.NewString(),
		SenderID:  senderID,
		Conv:      conv,
		Text:      payload.Text,
		ImageURL:  payload.ImageURL,
		AudioURL:  payload.AudioURL,
		CreatedAt: time.Now().UnixMilli(),
	}

	_, err := d.db.Exec(`INSERT INTO messages
		(id, sender_id, peer_id, group_id, text, image_url, audio_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SenderID, conv.Peer, conv.Group, m.Text, m.ImageURL, m.AudioURL, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// GetMessage returns one message by id.
func (d *DB) GetMessage(messageID string) (*proto.Message, error) {
	row := d.db.QueryRow(`SELECT `+messageCols+` FROM messages WHERE id = ?`, messageID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// MarkSeen implements Conversations. Monotonic and idempotent: re-marking
// is a no-op, and the sender is never added to its own viewer set.
func (d *DB) MarkSeen(userID string, messageIDs []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, id := range messageIDs {
		m, err := d.GetMessage(id)
		if err == ErrNotFound {
			continue // already gone; seen is a non-critical signal
		}
		if err != nil {
			return err
		}
		if m.SenderID == userID {
			continue
		}
		if m.Conv.IsGroup() {
			if contains(m.SeenBy, userID) {
				continue
			}
			m.MarkSeenBy(userID)
			buf, _ := json.Marshal(m.SeenBy)
			if _, err := d.db.Exec(`UPDATE messages SET seen_by = ? WHERE id = ?`, string(buf), id); err != nil {
				return fmt.Errorf("mark seen: %w", err)
			}
		} else {
			if _, err := d.db.Exec(`UPDATE messages SET seen = 1 WHERE id = ?`, id); err != nil {
				return fmt.Errorf("mark seen: %w", err)
			}
		}
	}
	return nil
}

// EditMessage implements Conversations.
func (d *DB) EditMessage(senderID, messageID, text string) (*proto.Message, error) {
	m, err := d.GetMessage(messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != senderID {
		return nil, ErrNotSender
	}
	if m.Deleted() || m.Text == "" {
		return nil, ErrEmpty
	}

	if _, err := d.db.Exec(`UPDATE messages SET text = ?, edited = 1 WHERE id = ?`, text, messageID); err != nil {
		return nil, fmt.Errorf("edit message: %w", err)
	}
	m.Text = text
	m.Edited = true
	return m, nil
}

// DeleteMessage implements Conversations. Scope "everyone" requires the
// caller to be the sender and blanks the payload; scope "me" records a
// per-user soft delete.
func (d *DB) DeleteMessage(userID, messageID string, scope DeleteScope) (*proto.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, err := d.GetMessage(messageID)
	if err != nil {
		return nil, err
	}

	switch scope {
	case DeleteForEveryone:
		if m.SenderID != userID {
			return nil, ErrNotSender
		}
		if _, err := d.db.Exec(`UPDATE messages
			SET text = '', image_url = '', audio_url = '' WHERE id = ?`, messageID); err != nil {
			return nil, fmt.Errorf("delete message: %w", err)
		}
		m.Text, m.ImageURL, m.AudioURL = "", "", ""
	default:
		if !contains(m.DeletedFor, userID) {
			m.DeletedFor = append(m.DeletedFor, userID)
			buf, _ := json.Marshal(m.DeletedFor)
			if _, err := d.db.Exec(`UPDATE messages SET deleted_for = ? WHERE id = ?`, string(buf), messageID); err != nil {
				return nil, fmt.Errorf("delete message: %w", err)
			}
		}
	}
	return m, nil
}

// SetStarred implements Stars. Both directions are idempotent.
func (d *DB) SetStarred(userID, messageID string, starred bool) error {
	if starred {
		if _, err := d.GetMessage(messageID); err != nil {
			return err
		}
		_, err := d.db.Exec(`INSERT OR IGNORE INTO stars (user_id, message_id) VALUES (?, ?)`,
			userID, messageID)
		if err != nil {
			return fmt.Errorf("star message: %w", err)
		}
		return nil
	}
	_, err := d.db.Exec(`DELETE FROM stars WHERE user_id = ? AND message_id = ?`,
		userID, messageID)
	if err != nil {
		return fmt.Errorf("unstar message: %w", err)
	}
	return nil
}

// ListStarred implements Stars.
func (d *DB) ListStarred(userID string) ([]string, error) {
	rows, err := d.db.Query(`SELECT message_id FROM stars WHERE user_id = ? ORDER BY message_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list starred: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateGroup implements Membership. The creator becomes the first member.
func (d *DB) CreateGroup(id, name, createdBy string) error {
	if _, err := d.db.Exec(`INSERT INTO groups (id, name, created_by) VALUES (?, ?, ?)`,
		id, name, createdBy); err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	return d.AddGroupMember(id, createdBy)
}

// GroupMembers implements Membership.
func (d *DB) GroupMembers(groupID string) ([]string, error) {
	rows, err := d.db.Query(`SELECT user_id FROM group_members WHERE group_id = ? ORDER BY user_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("group members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// AddGroupMember implements Membership.
func (d *DB) AddGroupMember(groupID, userID string) error {
	_, err := d.db.Exec(`INSERT OR IGNORE INTO group_members (group_id, user_id) VALUES (?, ?)`,
		groupID, userID)
	if err != nil {
		return fmt.Errorf("add group member: %w", err)
	}
	return nil
}

// RemoveGroupMember implements Membership.
func (d *DB) RemoveGroupMember(groupID, userID string) error {
	_, err := d.db.Exec(`DELETE FROM group_members WHERE group_id = ? AND user_id = ?`,
		groupID, userID)
	if err != nil {
		return fmt.Errorf("remove group member: %w", err)
	}
	return nil
}

// AddFriend implements Membership. The edge is stored both ways.
func (d *DB) AddFriend(userID, friendID string) error {
	_, err := d.db.Exec(`INSERT OR IGNORE INTO friends (user_id, friend_id)
		VALUES (?, ?), (?, ?)`, userID, friendID, friendID, userID)
	if err != nil {
		return fmt.Errorf("add friend: %w", err)
	}
	return nil
}

// AreFriends implements Membership.
func (d *DB) AreFriends(userID, friendID string) (bool, error) {
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM friends WHERE user_id = ? AND friend_id = ?`,
		userID, friendID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("are friends: %w", err)
	}
	return n > 0, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
