// Package audit persists per-request routing outcomes to SQLite for
// cascade diagnostics. Message bodies are never stored; this is not a
// conversation log.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tanvu/inferbridge/internal/gateway"
)

const schema = `
CREATE TABLE IF NOT EXISTS request_audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	client_id TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL,
	score REAL NOT NULL,
	engine TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	attempts_json TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_request_audit_created ON request_audit(created_at);
`

// Store is the SQLite-backed audit log.
type Store struct {
	db *sqlx.DB
}

var _ gateway.Recorder = (*Store)(nil)

// Open opens (or creates) the audit database at path.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// Single writer keeps the WAL simple.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit db pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit db schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record inserts one request outcome.
func (s *Store) Record(ctx context.Context, rec *gateway.AuditRecord) error {
	attempts, err := json.Marshal(rec.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO request_audit
			(request_id, client_id, reason, score, engine, status, duration_ms, attempts_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.ClientID, rec.Reason, rec.Score, rec.Engine,
		rec.Status, rec.Duration.Milliseconds(), string(attempts), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// row mirrors the table for sqlx scanning.
type row struct {
	RequestID    string    `db:"request_id"`
	ClientID     string    `db:"client_id"`
	Reason       string    `db:"reason"`
	Score        float64   `db:"score"`
	Engine       string    `db:"engine"`
	Status       string    `db:"status"`
	DurationMs   int64     `db:"duration_ms"`
	AttemptsJSON string    `db:"attempts_json"`
	CreatedAt    time.Time `db:"created_at"`
}

// Recent returns the newest records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]gateway.AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT request_id, client_id, reason, score, engine, status, duration_ms, attempts_json, created_at
		FROM request_audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("select audit records: %w", err)
	}

	out := make([]gateway.AuditRecord, 0, len(rows))
	for _, r := range rows {
		rec := gateway.AuditRecord{
			RequestID: r.RequestID,
			ClientID:  r.ClientID,
			Reason:    r.Reason,
			Score:     r.Score,
			Engine:    r.Engine,
			Status:    r.Status,
			Duration:  time.Duration(r.DurationMs) * time.Millisecond,
			CreatedAt: r.CreatedAt,
		}
		if err := json.Unmarshal([]byte(r.AttemptsJSON), &rec.Attempts); err != nil {
			return nil, fmt.Errorf("unmarshal attempts: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
