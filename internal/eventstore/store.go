// Package eventstore persists archived conversation sessions to SQLite so
// past conversations survive restarts. Writes happen on session rotation,
// never on the audio path.
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/murmurlabs/murmur-core/internal/config"
	"github.com/murmurlabs/murmur-core/internal/memory"
)

// Store wraps a SQLite-backed archive of conversation sessions.
type Store struct {
	db    *sql.DB
	cfg   config.ArchiveConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the archive store according to config. In "ephemeral"
// retention mode every operation is a no-op.
func Open(ctx context.Context, cfg config.ArchiveConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("archive vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("archive prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    persona TEXT,
    started_at TIMESTAMP NOT NULL,
    archived_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS utterances (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    speaker TEXT NOT NULL,
    text TEXT NOT NULL,
    importance REAL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_utterances_session_created ON utterances(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ArchiveSession writes an archived session and its utterances.
func (s *Store) ArchiveSession(ctx context.Context, sess memory.Session, personaName string) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, persona, started_at, archived_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sess.ID, personaName, sess.StartedAt.UTC(), s.clock().UTC()); err != nil {
		return err
	}
	for _, u := range sess.Utterances {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO utterances(session_id, speaker, text, importance, created_at)
			 VALUES(?, ?, ?, ?, ?)`,
			sess.ID, u.Speaker, u.Text, u.Importance, u.Timestamp.UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SessionUtterances retrieves up to limit utterances for a session in
// chronological order.
func (s *Store) SessionUtterances(ctx context.Context, sessionID string, limit int) ([]memory.Utterance, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT speaker, text, importance, created_at
		 FROM utterances WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []memory.Utterance
	for rows.Next() {
		var u memory.Utterance
		var created string
		if err := rows.Scan(&u.Speaker, &u.Text, &u.Importance, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			u.Timestamp = ts
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// SessionSummary is one archived session row without its utterances.
type SessionSummary struct {
	ID         string
	Persona    string
	StartedAt  time.Time
	ArchivedAt time.Time
	Utterances int
}

// RecentSessions returns summaries of the newest archived sessions.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.session_id, s.persona, s.started_at, s.archived_at, COUNT(u.id)
		 FROM sessions s LEFT JOIN utterances u ON u.session_id = s.session_id
		 GROUP BY s.session_id ORDER BY s.archived_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var started, archived string
		if err := rows.Scan(&sum.ID, &sum.Persona, &started, &archived, &sum.Utterances); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
			sum.StartedAt = ts
		}
		if ts, err := time.Parse(time.RFC3339Nano, archived); err == nil {
			sum.ArchivedAt = ts
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// SessionCount returns the number of archived sessions.
func (s *Store) SessionCount(ctx context.Context) (int, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return 0, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, err
}

// Prune applies the configured retention: sessions older than
// retention_days are removed, then the newest max_sessions are kept.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err := tx.ExecContext(ctx, `DELETE FROM utterances WHERE session_id IN (
			SELECT session_id FROM sessions WHERE archived_at < ?
		)`, cutoff); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE archived_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM utterances WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY archived_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY archived_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions); err != nil {
			return err
		}
	}
	return tx.Commit()
}
