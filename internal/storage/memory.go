package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory keeps everything in process maps. It is safe for concurrent use.
type Memory struct {
	mu         sync.Mutex
	audit      []AuditEntry
	dismissals map[string]time.Time
	sessions   map[string]Session
}

func NewMemory() *Memory {
	return &Memory{dismissals: map[string]time.Time{}, sessions: map[string]Session{}}
}

func (m *Memory) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.mu.Lock()
	m.audit = append(m.audit, e)
	m.mu.Unlock()
	return nil
}

// RecentAudit returns the newest entries first.
func (m *Memory) RecentAudit(_ context.Context, limit int) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.audit) {
		limit = len(m.audit)
	}
	out := make([]AuditEntry, 0, limit)
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.audit[i])
	}
	return out, nil
}

func (m *Memory) PutDismissal(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	m.dismissals[key] = until
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteDismissal(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.dismissals, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadDismissals(_ context.Context, now time.Time) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Time, len(m.dismissals))
	for k, until := range m.dismissals {
		if until.After(now) {
			out[k] = until
		}
	}
	return out, nil
}

func (m *Memory) PutSession(_ context.Context, s Session) error {
	m.mu.Lock()
	m.sessions[s.Name] = s
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetSession(_ context.Context, name string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[name]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) DeleteSession(_ context.Context, name string) error {
	m.mu.Lock()
	delete(m.sessions, name)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
