package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestParse(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw   string
		kind  Kind
		every time.Duration
	}{
		{"*/5 * * * *", KindCron, 0},
		{"@hourly", KindCron, 0},
		{"cron:0 9 * * 1", KindCron, 0},
		{"15m", KindInterval, 15 * time.Minute},
		{"interval:2h30m", KindInterval, 150 * time.Minute},
		{"every: 00:50", KindInterval, 50 * time.Minute},
		{"02:30", KindInterval, 150 * time.Minute},
	}
	for _, tc := range cases {
		spec, err := Parse(tc.raw)
		require.NoError(t, err, tc.raw)
		require.Equal(t, tc.kind, spec.Kind, tc.raw)
		require.Equal(t, tc.every, spec.Every, tc.raw)
	}

	for _, bad := range []string{"", "soon", "0m", "-5m", "00:61", "cron:", "cron:61 * * * *", "* * *"} {
		_, err := Parse(bad)
		require.Error(t, err, bad)
	}
}

func TestSpecNext(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 5, 1, 12, 3, 0, 0, time.UTC)

	cronSpec, err := Parse("*/5 * * * *")
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC), cronSpec.Next(at))

	every, err := Parse("15m")
	require.NoError(t, err)
	require.Equal(t, at.Add(15*time.Minute), every.Next(at))
}

func TestTriggerFiresAndResets(t *testing.T) {
	defer goleak.VerifyNone(t)

	slow, err := Parse("1h")
	require.NoError(t, err)
	fast, err := Parse("20ms")
	require.NoError(t, err)

	var fired atomic.Int32
	tr := NewTrigger(slow, func(context.Context) { fired.Add(1) }, TriggerOptions{Name: "producers", RunAtStart: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tr.Run(ctx)
	}()

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond, "run at start")
	require.Eventually(t, func() bool { return !tr.Next().IsZero() }, time.Second, 5*time.Millisecond)

	tr.Reset(fast)
	require.Eventually(t, func() bool { return fired.Load() >= 3 }, 2*time.Second, 5*time.Millisecond, "reset to fast schedule")
	require.Equal(t, KindInterval, tr.Spec().Kind)

	cancel()
	<-done
}
