// Package store persists per-site crawl cursors, running counters, and a
// fetch log in sqlite. Losing this state is never fatal; cursors are
// recreated fresh from "now minus offset" by the caller.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schema is the complete cursor-store schema.
const Schema = `
-- One crawl cursor per watched site
CREATE TABLE IF NOT EXISTS site_cursors (
    site          TEXT PRIMARY KEY,
    window_start  INTEGER NOT NULL,
    window_end    INTEGER NOT NULL,
    total_seen    INTEGER NOT NULL DEFAULT 0,
    total_flagged INTEGER NOT NULL DEFAULT 0,
    updated_at    INTEGER NOT NULL
);

-- Fetch log (observability)
CREATE TABLE IF NOT EXISTS fetch_log (
    id            TEXT PRIMARY KEY,
    site          TEXT NOT NULL,
    window_start  INTEGER NOT NULL,
    window_end    INTEGER NOT NULL,
    status        TEXT NOT NULL,
    account_count INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    fetched_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fetch_log_site ON fetch_log(site, fetched_at DESC);
`

// ApplySchema creates the tables if they do not exist.
func ApplySchema(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}

// Cursor is the durable crawl position and counters for one site.
type Cursor struct {
	Site         string
	WindowStart  int64
	WindowEnd    int64
	TotalSeen    int64
	TotalFlagged int64
}

// FetchRecord is one fetch-log row.
type FetchRecord struct {
	Site         string        `json:"site"`
	WindowStart  int64         `json:"window_start"`
	WindowEnd    int64         `json:"window_end"`
	Status       string        `json:"status"`
	AccountCount int           `json:"account_count"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Store wraps the cursor database.
type Store struct {
	DB *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// LoadCursors returns every persisted cursor keyed by site.
func (s *Store) LoadCursors(ctx context.Context) (map[string]*Cursor, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT site, window_start, window_end, total_seen, total_flagged
		FROM site_cursors`)
	if err != nil {
		return nil, fmt.Errorf("store: load cursors: %w", err)
	}
	defer rows.Close()

	cursors := make(map[string]*Cursor)
	for rows.Next() {
		var c Cursor
		if err := rows.Scan(&c.Site, &c.WindowStart, &c.WindowEnd, &c.TotalSeen, &c.TotalFlagged); err != nil {
			return nil, fmt.Errorf("store: scan cursor: %w", err)
		}
		cursors[c.Site] = &c
	}
	return cursors, rows.Err()
}

// SaveCursor upserts one cursor.
func (s *Store) SaveCursor(ctx context.Context, c *Cursor) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO site_cursors (site, window_start, window_end, total_seen, total_flagged, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(site) DO UPDATE SET
			window_start=excluded.window_start, window_end=excluded.window_end,
			total_seen=excluded.total_seen, total_flagged=excluded.total_flagged,
			updated_at=excluded.updated_at`,
		c.Site, c.WindowStart, c.WindowEnd, c.TotalSeen, c.TotalFlagged,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: save cursor %q: %w", c.Site, err)
	}
	return nil
}

// SaveCursors upserts all cursors in one transaction.
func (s *Store) SaveCursors(ctx context.Context, cursors map[string]*Cursor) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save cursors: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, c := range cursors {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO site_cursors (site, window_start, window_end, total_seen, total_flagged, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(site) DO UPDATE SET
				window_start=excluded.window_start, window_end=excluded.window_end,
				total_seen=excluded.total_seen, total_flagged=excluded.total_flagged,
				updated_at=excluded.updated_at`,
			c.Site, c.WindowStart, c.WindowEnd, c.TotalSeen, c.TotalFlagged, now,
		); err != nil {
			return fmt.Errorf("store: save cursor %q: %w", c.Site, err)
		}
	}
	return tx.Commit()
}

// ResetCounters zeroes the seen and flagged counters for every site,
// keeping the window positions. Called after the statistics flush on
// quota rollover.
func (s *Store) ResetCounters(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE site_cursors SET total_seen = 0, total_flagged = 0, updated_at = ?`,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: reset counters: %w", err)
	}
	return nil
}

// AppendFetchLog records one fetch attempt.
func (s *Store) AppendFetchLog(ctx context.Context, rec *FetchRecord) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO fetch_log (id, site, window_start, window_end, status,
		account_count, error_message, duration_ms, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), rec.Site, rec.WindowStart, rec.WindowEnd, rec.Status,
		rec.AccountCount, rec.ErrorMessage, rec.Duration.Milliseconds(),
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: append fetch log: %w", err)
	}
	return nil
}

// RecentFetches returns the newest fetch-log rows for a site, most recent
// first.
func (s *Store) RecentFetches(ctx context.Context, site string, limit int) ([]*FetchRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT site, window_start, window_end, status, account_count, error_message, duration_ms
		FROM fetch_log WHERE site = ? ORDER BY fetched_at DESC LIMIT ?`,
		site, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent fetches: %w", err)
	}
	defer rows.Close()

	var recs []*FetchRecord
	for rows.Next() {
		var r FetchRecord
		var ms int64
		if err := rows.Scan(&r.Site, &r.WindowStart, &r.WindowEnd, &r.Status,
			&r.AccountCount, &r.ErrorMessage, &ms); err != nil {
			return nil, fmt.Errorf("store: scan fetch log: %w", err)
		}
		r.Duration = time.Duration(ms) * time.Millisecond
		recs = append(recs, &r)
	}
	return recs, rows.Err()
}
