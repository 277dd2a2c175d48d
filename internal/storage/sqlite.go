package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	logx "stakebot/pkg/logx"
)

type migration struct {
	version int
	sql     string
}

// Timestamps are unix milliseconds so ordering and pruning stay integer compares.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS audit (
	id       TEXT PRIMARY KEY,
	at       INTEGER NOT NULL,
	actor    TEXT NOT NULL DEFAULT '',
	action   TEXT NOT NULL,
	key      TEXT NOT NULL DEFAULT '',
	decision TEXT,
	err      TEXT,
	meta     TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_at ON audit(at);
CREATE TABLE IF NOT EXISTS dismissals (
	key   TEXT PRIMARY KEY,
	until INTEGER NOT NULL
);
INSERT INTO schema_version(version) VALUES (1);`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS sessions (
	name       TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
);
INSERT INTO schema_version(version) VALUES (2);`,
	},
}

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

type auditRow struct {
	ID       string         `db:"id"`
	At       int64          `db:"at"`
	Actor    string         `db:"actor"`
	Action   string         `db:"action"`
	Key      string         `db:"key"`
	Decision sql.NullString `db:"decision"`
	Err      sql.NullString `db:"err"`
	Meta     sql.NullString `db:"meta"`
}

type sessionRow struct {
	Name      string `db:"name"`
	Token     string `db:"token"`
	ExpiresAt int64  `db:"expires_at"`
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating sqlite dir: %w", err)
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	st := &sqliteStore{db: db, log: log, pruneEvery: 200}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Debug("sqlite store ready", logx.String("path", path))
	return st, nil
}

// migrate applies pending migrations in order, each inside its own transaction.
func (s *sqliteStore) migrate(ctx context.Context) error {
	current := 0
	var tables int
	if err := s.db.GetContext(ctx, &tables,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'"); err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tables > 0 {
		if err := s.db.GetContext(ctx, &current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration v%d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO audit(id, at, actor, action, key, decision, err, meta)
		 VALUES(:id, :at, :actor, :action, :key, :decision, :err, :meta)`,
		auditRow{
			ID:       e.ID,
			At:       e.At.UnixMilli(),
			Actor:    e.Actor,
			Action:   e.Action,
			Key:      e.Key,
			Decision: nullStr(e.Decision),
			Err:      nullStr(e.Error),
			Meta:     nullStr(e.MetaJSON),
		})
	if err != nil {
		return fmt.Errorf("appending audit: %w", err)
	}
	return nil
}

func (s *sqliteStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, at, actor, action, key, decision, err, meta FROM audit ORDER BY at DESC, rowid DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("querying audit: %w", err)
	}
	out := make([]AuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, AuditEntry{
			ID:       r.ID,
			At:       time.UnixMilli(r.At),
			Actor:    r.Actor,
			Action:   r.Action,
			Key:      r.Key,
			Decision: r.Decision.String,
			Error:    r.Err.String,
			MetaJSON: r.Meta.String,
		})
	}
	return out, nil
}

func (s *sqliteStore) PutDismissal(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dismissals(key, until) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET until = excluded.until`,
		key, until.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("putting dismissal %s: %w", key, err)
	}
	s.maybePrune()
	return nil
}

func (s *sqliteStore) DeleteDismissal(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dismissals WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting dismissal %s: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) LoadDismissals(ctx context.Context, now time.Time) (map[string]time.Time, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var rows []struct {
		Key   string `db:"key"`
		Until int64  `db:"until"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT key, until FROM dismissals WHERE until > ?`, now.UnixMilli()); err != nil {
		return nil, fmt.Errorf("loading dismissals: %w", err)
	}
	out := make(map[string]time.Time, len(rows))
	for _, r := range rows {
		out[r.Key] = time.UnixMilli(r.Until)
	}
	return out, nil
}

func (s *sqliteStore) PutSession(ctx context.Context, sess Session) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	var exp int64
	if !sess.ExpiresAt.IsZero() {
		exp = sess.ExpiresAt.UnixMilli()
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO sessions(name, token, expires_at) VALUES(:name, :token, :expires_at)
		 ON CONFLICT(name) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at`,
		sessionRow{Name: sess.Name, Token: sess.Token, ExpiresAt: exp})
	if err != nil {
		return fmt.Errorf("putting session %s: %w", sess.Name, err)
	}
	return nil
}

func (s *sqliteStore) GetSession(ctx context.Context, name string) (Session, error) {
	if s == nil || s.db == nil {
		return Session{}, ErrDisabled
	}
	var r sessionRow
	err := s.db.GetContext(ctx, &r, `SELECT name, token, expires_at FROM sessions WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("getting session %s: %w", name, err)
	}
	sess := Session{Name: r.Name, Token: r.Token}
	if r.ExpiresAt > 0 {
		sess.ExpiresAt = time.UnixMilli(r.ExpiresAt)
	}
	return sess, nil
}

func (s *sqliteStore) DeleteSession(ctx context.Context, name string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE name = ?`, name); err != nil {
		return fmt.Errorf("deleting session %s: %w", name, err)
	}
	return nil
}

func (s *sqliteStore) maybePrune() {
	if s.opCount.Add(1)%s.pruneEvery != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	now := time.Now().UnixMilli()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dismissals WHERE until < ?`, now); err != nil {
		s.log.Debug("prune dismissals failed", logx.Err(err))
	}
}

func nullStr(v string) sql.NullString {
	if strings.TrimSpace(v) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
