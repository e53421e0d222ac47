package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	_ "modernc.org/sqlite"
)

const (
	KindFinal   = "final"
	KindInterim = "interim"
	KindClear   = "clear"
)

// Caption is one recorded caption state.
type Caption struct {
	ID             int64     `json:"id"`
	SessionID      string    `json:"sessionId"`
	Kind           string    `json:"kind"`
	OriginalText   string    `json:"originalText"`
	TranslatedText string    `json:"translatedText"`
	IsListening    bool      `json:"isListening"`
	Status         string    `json:"status"`
	SourceLanguage string    `json:"sourceLanguage"`
	TargetLanguage string    `json:"targetLanguage"`
	Timestamp      int64     `json:"timestamp"`
	RecordedAt     time.Time `json:"recordedAt"`
}

// Store keeps caption history in SQLite.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the caption history according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    first_seen INTEGER NOT NULL,
    last_seen INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS captions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    original_text TEXT,
    translated_text TEXT,
    is_listening INTEGER NOT NULL,
    status TEXT,
    source_language TEXT,
    target_language TEXT,
    caption_ts INTEGER NOT NULL,
    recorded_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_captions_session_recorded ON captions(session_id, recorded_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enabled reports whether captions are persisted.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// KindOf classifies a caption state for history.
func KindOf(state protocol.CaptionState) string {
	switch {
	case !state.HasText():
		return KindClear
	case state.IsTranslating:
		return KindInterim
	default:
		return KindFinal
	}
}

// Record appends an applied caption state for sessionID. Interim states are
// skipped unless record_interim is set.
func (s *Store) Record(ctx context.Context, sessionID string, state protocol.CaptionState) error {
	if !s.Enabled() {
		return nil
	}
	kind := KindOf(state)
	if kind == KindInterim && !s.cfg.RecordInterim {
		return nil
	}
	now := s.clock().UTC().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, first_seen, last_seen) VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET last_seen=excluded.last_seen`,
		sessionID, now, now); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO captions(session_id, kind, original_text, translated_text, is_listening, status,
		 source_language, target_language, caption_ts, recorded_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, kind, state.OriginalText, state.TranslatedText, boolToInt(state.IsListening), state.Status,
		state.SourceLanguage, state.TargetLanguage, state.Timestamp, now); err != nil {
		return fmt.Errorf("insert caption: %w", err)
	}
	return tx.Commit()
}

// History returns up to limit of the most recent captions for a session,
// oldest first.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]Caption, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, kind, original_text, translated_text, is_listening, status,
		 source_language, target_language, caption_ts, recorded_at
		 FROM (SELECT * FROM captions WHERE session_id = ? ORDER BY id DESC LIMIT ?)
		 ORDER BY id ASC`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Caption
	for rows.Next() {
		var c Caption
		var listening int
		var recorded int64
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Kind, &c.OriginalText, &c.TranslatedText, &listening,
			&c.Status, &c.SourceLanguage, &c.TargetLanguage, &c.Timestamp, &recorded); err != nil {
			return nil, err
		}
		c.IsListening = listening != 0
		c.RecordedAt = time.UnixMilli(recorded).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// ForgetSession drops a session's history when retention is tied to session
// lifetime. Persistent stores keep it until Prune.
func (s *Store) ForgetSession(ctx context.Context, sessionID string) error {
	if !s.Enabled() || s.cfg.RetentionMode != "session" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	return err
}

// Prune applies configured retention (called on startup and by the sweeper).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM captions WHERE recorded_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE last_seen < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY last_seen DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure checks the store matches its retention mode.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
