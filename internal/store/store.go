// Package store keeps session history in a SQLite database (WAL mode): the
// peers seen and the connection events of each session.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DB wraps *sql.DB with domain helpers.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// Limit writer concurrency to 1; SQLite WAL allows concurrent readers.
	raw.SetMaxOpenConns(1)
	return &DB{raw}, nil
}

// Migrate applies the schema. It is idempotent (IF NOT EXISTS everywhere).
func Migrate(ctx context.Context, db *DB) error {
	for _, stmt := range []string{ddlPeers, ddlSessionEvents} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

const ddlPeers = `
CREATE TABLE IF NOT EXISTS peers (
    id         TEXT    PRIMARY KEY,         -- device address as given to connect
    address    TEXT    NOT NULL DEFAULT '',
    name       TEXT    NOT NULL DEFAULT '',
    class      INTEGER NOT NULL DEFAULT 0,
    last_state TEXT    NOT NULL DEFAULT 'disconnected',
    last_seen  INTEGER NOT NULL,            -- Unix milliseconds
    frames     INTEGER NOT NULL DEFAULT 0
);
`

const ddlSessionEvents = `
CREATE TABLE IF NOT EXISTS session_events (
    id      INTEGER PRIMARY KEY AUTOINCREMENT,
    kind    TEXT    NOT NULL,
    peer    TEXT    NOT NULL DEFAULT '',
    message TEXT    NOT NULL DEFAULT '',
    at      INTEGER NOT NULL                -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_session_events_at ON session_events (at DESC);
`

// PeerRecord is one row of peers.
type PeerRecord struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Name      string    `json:"name,omitempty"`
	Class     uint32    `json:"class,omitempty"`
	LastState string    `json:"lastState"`
	LastSeen  time.Time `json:"lastSeen"`
	Frames    int64     `json:"frames"`
}

// EventRecord is one row of session_events.
type EventRecord struct {
	ID      int64     `json:"id"`
	Kind    string    `json:"kind"`
	Peer    string    `json:"peer,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// UpsertPeer inserts p or updates its descriptor and state. The frame counter
// is kept.
func (db *DB) UpsertPeer(ctx context.Context, p PeerRecord) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO peers (id, address, name, class, last_state, last_seen)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    address    = excluded.address,
    name       = CASE WHEN excluded.name <> '' THEN excluded.name ELSE peers.name END,
    class      = CASE WHEN excluded.class <> 0 THEN excluded.class ELSE peers.class END,
    last_state = excluded.last_state,
    last_seen  = excluded.last_seen`,
		p.ID, p.Address, p.Name, p.Class, p.LastState, p.LastSeen.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: upsert peer %s: %w", p.ID, err)
	}
	return nil
}

// CountFrame bumps the frame counter of peer id, creating the row if needed.
func (db *DB) CountFrame(ctx context.Context, id string, at time.Time) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO peers (id, address, last_state, last_seen, frames)
VALUES (?, ?, 'connected', ?, 1)
ON CONFLICT(id) DO UPDATE SET
    frames    = peers.frames + 1,
    last_seen = excluded.last_seen`,
		id, id, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: count frame %s: %w", id, err)
	}
	return nil
}

// ListPeers returns all peers, most recently seen first.
func (db *DB) ListPeers(ctx context.Context) ([]PeerRecord, error) {
	rows, err := db.QueryContext(ctx, `
SELECT id, address, name, class, last_state, last_seen, frames
FROM peers ORDER BY last_seen DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("store: list peers: %w", err)
	}
	defer rows.Close()

	var out []PeerRecord
	for rows.Next() {
		var p PeerRecord
		var seen int64
		if err := rows.Scan(&p.ID, &p.Address, &p.Name, &p.Class, &p.LastState, &seen, &p.Frames); err != nil {
			return nil, fmt.Errorf("store: scan peer: %w", err)
		}
		p.LastSeen = time.UnixMilli(seen)
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertEvent appends one session event and returns its id.
func (db *DB) InsertEvent(ctx context.Context, e EventRecord) (int64, error) {
	res, err := db.ExecContext(ctx,
		`INSERT INTO session_events (kind, peer, message, at) VALUES (?, ?, ?, ?)`,
		e.Kind, e.Peer, e.Message, e.At.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: insert event: %w", err)
	}
	return res.LastInsertId()
}

// RecentEvents returns up to limit events, newest first.
func (db *DB) RecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
SELECT id, kind, peer, message, at
FROM session_events ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var e EventRecord
		var at int64
		if err := rows.Scan(&e.ID, &e.Kind, &e.Peer, &e.Message, &at); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		e.At = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}
