package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ConnectionRecord is one host connection.
type ConnectionRecord struct {
	ConnID     string     `json:"conn_id"`
	RemoteAddr string     `json:"remote_addr"`
	Path       string     `json:"path"`
	OpenedAt   time.Time  `json:"opened_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
}

// SessionRecord is one bot session.
type SessionRecord struct {
	SessionID   string     `json:"session_id"`
	ConnID      string     `json:"conn_id"`
	Bot         string     `json:"bot"`
	Deck        string     `json:"deck,omitempty"`
	Queries     int        `json:"queries"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

// Stats summarizes the journal.
type Stats struct {
	Connections       int64 `json:"connections"`
	OpenConnections   int64 `json:"open_connections"`
	Sessions          int64 `json:"sessions"`
	FinalizedSessions int64 `json:"finalized_sessions"`
}

func (s *Store) RecordConnectionOpened(ctx context.Context, connID, remoteAddr, path string, at time.Time) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO connections (conn_id, remote_addr, path, opened_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(conn_id) DO UPDATE SET remote_addr = excluded.remote_addr, path = excluded.path;
		`, connID, remoteAddr, path, at.UTC())
		if err != nil {
			return fmt.Errorf("record connection opened: %w", err)
		}
		return nil
	})
}

func (s *Store) RecordConnectionClosed(ctx context.Context, connID string, at time.Time) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE connections SET closed_at = ? WHERE conn_id = ? AND closed_at IS NULL;`,
			at.UTC(), connID)
		if err != nil {
			return fmt.Errorf("record connection closed: %w", err)
		}
		return nil
	})
}

// RecordSessionCreated inserts a session row. A placeholder connection row is
// created if the connection event was never journaled.
func (s *Store) RecordSessionCreated(ctx context.Context, connID, sessionID, bot string, deck []byte, at time.Time) error {
	var deckVal any
	if len(deck) > 0 {
		deckVal = string(deck)
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin session tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO connections (conn_id, opened_at) VALUES (?, ?);`,
			connID, at.UTC()); err != nil {
			return fmt.Errorf("ensure connection: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (session_id, conn_id, bot, deck, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, sessionID, connID, bot, deckVal, at.UTC(), at.UTC()); err != nil {
			return fmt.Errorf("record session created: %w", err)
		}
		return tx.Commit()
	})
}

// RecordSessionQueried stores the running query count.
func (s *Store) RecordSessionQueried(ctx context.Context, sessionID string, queries int, at time.Time) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET queries = MAX(queries, ?), updated_at = ? WHERE session_id = ?;`,
			queries, at.UTC(), sessionID)
		if err != nil {
			return fmt.Errorf("record session query: %w", err)
		}
		return nil
	})
}

func (s *Store) RecordSessionFinalized(ctx context.Context, sessionID string, queries int, at time.Time) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET queries = MAX(queries, ?), updated_at = ?, finalized_at = COALESCE(finalized_at, ?)
			WHERE session_id = ?;
		`, queries, at.UTC(), at.UTC(), sessionID)
		if err != nil {
			return fmt.Errorf("record session finalized: %w", err)
		}
		return nil
	})
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, conn_id, bot, deck, queries, created_at, updated_at, finalized_at
		FROM sessions WHERE session_id = ?;
	`, sessionID)
	rec, err := scanSession(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return rec, nil
}

// ListSessions returns the newest sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, conn_id, bot, deck, queries, created_at, updated_at, finalized_at
		FROM sessions ORDER BY created_at DESC, session_id LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *Store) GetConnection(ctx context.Context, connID string) (*ConnectionRecord, error) {
	var rec ConnectionRecord
	var closed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT conn_id, remote_addr, path, opened_at, closed_at FROM connections WHERE conn_id = ?;`,
		connID,
	).Scan(&rec.ConnID, &rec.RemoteAddr, &rec.Path, &rec.OpenedAt, &closed)
	if err != nil {
		return nil, fmt.Errorf("get connection %s: %w", connID, err)
	}
	if closed.Valid {
		t := closed.Time
		rec.ClosedAt = &t
	}
	return &rec, nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM connections),
			(SELECT COUNT(*) FROM connections WHERE closed_at IS NULL),
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM sessions WHERE finalized_at IS NOT NULL);
	`).Scan(&st.Connections, &st.OpenConnections, &st.Sessions, &st.FinalizedSessions)
	if err != nil {
		return st, fmt.Errorf("journal stats: %w", err)
	}
	return st, nil
}

func scanSession(scanFn func(dest ...any) error) (*SessionRecord, error) {
	var rec SessionRecord
	var deck sql.NullString
	var finalized sql.NullTime
	if err := scanFn(&rec.SessionID, &rec.ConnID, &rec.Bot, &deck, &rec.Queries,
		&rec.CreatedAt, &rec.UpdatedAt, &finalized); err != nil {
		return nil, err
	}
	rec.Deck = deck.String
	if finalized.Valid {
		t := finalized.Time
		rec.FinalizedAt = &t
	}
	return &rec, nil
}
