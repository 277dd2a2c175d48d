package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestGoRecoversPanicAndCancelsOnError(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(context.Background(), WithCancelOnError(true))
	s.Go("boom", func(ctx context.Context) error { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "panic in boom")
	require.Error(t, s.Context().Err(), "supervisor context should be canceled")

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, uint64(1), snap[0].Panics)
}

func TestGoIgnoresContextCanceled(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestGoRestartRestartsUntilSuccess(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(context.Background())
	var runs atomic.Int32
	done := make(chan struct{})
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("restart loop never succeeded")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.Equal(t, int32(3), runs.Load())

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, uint64(2), snap[0].Restarts)
}
