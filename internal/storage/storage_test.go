package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "stakebot/pkg/logx"
)

func openAll(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "nested", "stakebot.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	mem, err := Open(Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	return map[string]Store{"sqlite": sq, "memory": mem}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Logger{})
		require.NoError(t, err)
		require.Nil(t, st)
	}
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{Driver: "sqlite"}, logx.Nop())
	require.Error(t, err)
}

func TestDismissals(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	for name, st := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.PutDismissal(ctx, "unstakeAllocation", now.Add(24*time.Hour)))
			require.NoError(t, st.PutDismissal(ctx, "overAllocate", now.Add(-time.Minute)))
			require.NoError(t, st.PutDismissal(ctx, "unstakeAllocation", now.Add(48*time.Hour)))

			got, err := st.LoadDismissals(ctx, now)
			require.NoError(t, err)
			require.Len(t, got, 1, "expired windows are not loaded")
			require.True(t, got["unstakeAllocation"].Equal(now.Add(48*time.Hour)))

			require.NoError(t, st.DeleteDismissal(ctx, "unstakeAllocation"))
			got, err = st.LoadDismissals(ctx, now)
			require.NoError(t, err)
			require.Empty(t, got)
		})
	}
}

func TestSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	exp := time.UnixMilli(1_700_000_000_000)
	for name, st := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			_, err := st.GetSession(ctx, "consumer-host")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, st.PutSession(ctx, Session{Name: "consumer-host", Token: "a", ExpiresAt: exp}))
			require.NoError(t, st.PutSession(ctx, Session{Name: "consumer-host", Token: "b", ExpiresAt: exp}))
			s, err := st.GetSession(ctx, "consumer-host")
			require.NoError(t, err)
			require.Equal(t, "b", s.Token)
			require.True(t, s.ExpiresAt.Equal(exp))
			require.True(t, s.Valid(exp.Add(-time.Second)))
			require.False(t, s.Valid(exp))

			require.NoError(t, st.DeleteSession(ctx, "consumer-host"))
			_, err = st.GetSession(ctx, "consumer-host")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestAudit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)
	for name, st := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.AppendAudit(ctx, AuditEntry{At: base, Actor: "telegram:1", Action: "toast", Key: "overAllocate", Decision: "cancel"}))
			require.NoError(t, st.AppendAudit(ctx, AuditEntry{At: base.Add(time.Second), Action: "dismiss", Key: "newEra"}))

			got, err := st.RecentAudit(ctx, 10)
			require.NoError(t, err)
			require.Len(t, got, 2)
			require.Equal(t, "newEra", got[0].Key)
			require.Equal(t, "cancel", got[1].Decision)
			require.NotEmpty(t, got[1].ID)
			require.True(t, got[1].At.Equal(base))
		})
	}
}

func TestSQLiteReopenKeepsSchema(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "stakebot.db")
	ctx := context.Background()
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)

	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.PutDismissal(ctx, "newEra", until))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, err := st.LoadDismissals(ctx, time.Now())
	require.NoError(t, err)
	require.True(t, got["newEra"].Equal(until))
}
