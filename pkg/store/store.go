// Package store persists the little state the mesh core keeps across
// restarts: the static identity keypair and a bounded spool of outbound
// messages waiting for a secure session with their recipient.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bitmesh/bitmesh-node/pkg/identity"
	"github.com/bitmesh/bitmesh-node/pkg/protocol"
)

var (
	ErrNotFound = errors.New("not found")
)

const (
	// Spool bounds: messages expire after the TTL and each recipient
	// holds at most maxSpoolPerPeer entries (oldest dropped first)
	DefaultSpoolTTL = 1 * time.Hour
	maxSpoolPerPeer = 100
)

// Store is the sqlite-backed persistence layer
type Store struct {
	db       *sql.DB
	spoolTTL time.Duration
}

// SpooledMessage is one queued outbound message
type SpooledMessage struct {
	ID        int64
	Recipient protocol.PeerID
	MessageID [16]byte
	MsgType   uint8
	Payload   []byte
	QueuedAt  int64
}

// Open opens (or creates) the store at path. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// WAL keeps readers from blocking the dispatch goroutine
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db, spoolTTL: DefaultSpoolTTL}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS node_identity (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		noise_private BLOB NOT NULL,
		signing_seed BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS outbound_spool (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		recipient TEXT NOT NULL,
		message_id BLOB NOT NULL,
		msg_type INTEGER NOT NULL,
		payload BLOB NOT NULL,
		queued_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_spool_recipient ON outbound_spool(recipient);
	CREATE INDEX IF NOT EXISTS idx_spool_expires ON outbound_spool(expires_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}
	return nil
}

// SetSpoolTTL overrides the spool message time-to-live
func (s *Store) SetSpoolTTL(ttl time.Duration) {
	s.spoolTTL = ttl
}

// LoadOrCreateIdentity returns the persisted identity, generating and
// storing a fresh one on first run
func (s *Store) LoadOrCreateIdentity() (*identity.Identity, error) {
	var noisePrivate, signingSeed []byte
	err := s.db.QueryRow(
		"SELECT noise_private, signing_seed FROM node_identity WHERE id = 1",
	).Scan(&noisePrivate, &signingSeed)

	switch {
	case err == nil:
		return identity.FromBytes(noisePrivate, signingSeed)
	case errors.Is(err, sql.ErrNoRows):
		id, err := identity.Generate()
		if err != nil {
			return nil, err
		}
		_, err = s.db.Exec(
			"INSERT INTO node_identity (id, noise_private, signing_seed, created_at) VALUES (1, ?, ?, ?)",
			id.NoisePrivate(), id.SigningSeed(), time.Now().Unix(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to persist identity: %w", err)
		}
		return id, nil
	default:
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
}

// EnqueueSpool queues an outbound message for a recipient that has no
// established session yet. The per-recipient cap evicts oldest entries.
func (s *Store) EnqueueSpool(recipient protocol.PeerID, messageID [16]byte, msgType uint8, payload []byte) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(
		"INSERT INTO outbound_spool (recipient, message_id, msg_type, payload, queued_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)",
		recipient.String(), messageID[:], msgType, payload, now, now+int64(s.spoolTTL.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}

	// Enforce the per-recipient cap
	_, err = s.db.Exec(`
		DELETE FROM outbound_spool WHERE recipient = ? AND id NOT IN (
			SELECT id FROM outbound_spool WHERE recipient = ? ORDER BY id DESC LIMIT ?
		)`,
		recipient.String(), recipient.String(), maxSpoolPerPeer,
	)
	return err
}

// DequeueSpool removes and returns all unexpired messages queued for a
// recipient, oldest first
func (s *Store) DequeueSpool(recipient protocol.PeerID) ([]SpooledMessage, error) {
	now := time.Now().Unix()
	rows, err := s.db.Query(
		"SELECT id, message_id, msg_type, payload, queued_at FROM outbound_spool WHERE recipient = ? AND expires_at > ? ORDER BY id ASC",
		recipient.String(), now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query spool: %w", err)
	}
	defer rows.Close()

	var messages []SpooledMessage
	for rows.Next() {
		var m SpooledMessage
		var msgID []byte
		if err := rows.Scan(&m.ID, &msgID, &m.MsgType, &m.Payload, &m.QueuedAt); err != nil {
			return nil, err
		}
		copy(m.MessageID[:], msgID)
		m.Recipient = recipient
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := s.db.Exec("DELETE FROM outbound_spool WHERE recipient = ?", recipient.String()); err != nil {
		return nil, err
	}
	return messages, nil
}

// SpoolDepth returns the number of queued messages for a recipient
func (s *Store) SpoolDepth(recipient protocol.PeerID) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM outbound_spool WHERE recipient = ?", recipient.String(),
	).Scan(&n)
	return n, err
}

// CleanupExpired drops expired spool entries and returns how many
func (s *Store) CleanupExpired() (int64, error) {
	res, err := s.db.Exec("DELETE FROM outbound_spool WHERE expires_at <= ?", time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}
