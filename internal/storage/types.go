package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": process-local maps (tests, dry runs)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 1s
}

// Store is the persistence API used by the notification store, the toast
// sequencer and the consumer host client.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error)

	PutDismissal(ctx context.Context, key string, until time.Time) error
	DeleteDismissal(ctx context.Context, key string) error
	// LoadDismissals returns windows that have not yet passed at now.
	LoadDismissals(ctx context.Context, now time.Time) (map[string]time.Time, error)

	PutSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, name string) (Session, error)
	DeleteSession(ctx context.Context, name string) error

	Close() error
}

// AuditEntry records a toast decision or an operator action.
type AuditEntry struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	Actor    string    `json:"actor"`
	Action   string    `json:"action"`
	Key      string    `json:"key"`
	Decision string    `json:"decision,omitempty"`
	Error    string    `json:"error,omitempty"`
	MetaJSON string    `json:"meta,omitempty"`
}

// Session is a bearer token with its expiry (JWT exp).
type Session struct {
	Name      string
	Token     string
	ExpiresAt time.Time
}

// Valid reports whether the token can still be used at now.
func (s Session) Valid(now time.Time) bool {
	return s.Token != "" && (s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt))
}
