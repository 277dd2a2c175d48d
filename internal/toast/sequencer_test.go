package toast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"stakebot/internal/notification"
	"stakebot/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type scriptedPrompter struct {
	mu        sync.Mutex
	decisions map[notification.Key]Decision
	shown     []notification.Key
	inFlight  atomic.Int32
	overlap   atomic.Bool
	delay     time.Duration
	err       error
}

func (p *scriptedPrompter) Prompt(ctx context.Context, pr Prompt) (Decision, error) {
	if p.inFlight.Add(1) > 1 {
		p.overlap.Store(true)
	}
	defer p.inFlight.Add(-1)
	p.mu.Lock()
	p.shown = append(p.shown, pr.Item.Key)
	dec, err := p.decisions[pr.Item.Key], p.err
	p.mu.Unlock()
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if err != nil {
		return 0, err
	}
	if dec == 0 {
		dec = DecisionCancel
	}
	return dec, nil
}

func (p *scriptedPrompter) Shown() []notification.Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notification.Key(nil), p.shown...)
}

type recordingNavigator struct {
	mu    sync.Mutex
	hrefs []string
}

func (n *recordingNavigator) Navigate(_ context.Context, href string, _ notification.Item) error {
	n.mu.Lock()
	n.hrefs = append(n.hrefs, href)
	n.mu.Unlock()
	return nil
}

func item(key notification.Key, level notification.Level, href string) notification.Item {
	return notification.Item{
		Key:            key,
		Level:          level,
		Title:          string(key),
		Content:        notification.Text{Body: "body"},
		CanBeDismissed: true,
		Button:         notification.Button{Label: "Go", Href: href},
	}
}

func TestSequenceDecisions(t *testing.T) {
	store := notification.NewStore(notification.Options{})
	store.Add(item(notification.KeyOverAllocate, notification.LevelCritical, ""), false)
	store.Add(item(notification.KeyNewEra, notification.LevelInfo, ""), false)
	store.Add(item(notification.KeyInactiveOperator, notification.LevelCritical, ""), false)
	store.Add(item(notification.KeyUnstakeAllocation, notification.LevelCritical, "/indexer/my-projects"), false)
	store.Add(item(notification.KeyLowBillingBalance, notification.LevelCritical, ""), false)

	p := &scriptedPrompter{decisions: map[notification.Key]Decision{
		notification.KeyOverAllocate:      DecisionOK,
		notification.KeyInactiveOperator:  DecisionCancel,
		notification.KeyUnstakeAllocation: DecisionOK,
	}}
	nav := &recordingNavigator{}
	audit := storage.NewMemory()
	seq := New(Options{Store: store, Prompter: p, Navigator: nav, Audit: audit, Cooldown: 30 * time.Minute, Now: func() time.Time { return t0 }})

	res, err := seq.Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Stopped)
	require.Equal(t, "/indexer/my-projects", res.Navigated)
	require.Equal(t, []notification.Key{
		notification.KeyOverAllocate,
		notification.KeyInactiveOperator,
		notification.KeyUnstakeAllocation,
	}, p.Shown(), "info items are never toasted; navigation stops the sequence")

	it, _ := store.Get(notification.KeyOverAllocate)
	assert.Equal(t, t0.Add(30*time.Minute), it.DismissTo, "ok without href snoozes by the cooldown")
	it, _ = store.Get(notification.KeyInactiveOperator)
	assert.Equal(t, t0.Add(notification.DefaultDismissTime), it.DismissTo, "cancel dismisses")
	_, ok := store.Get(notification.KeyUnstakeAllocation)
	assert.False(t, ok, "navigating removes the item")
	assert.Equal(t, []string{"/indexer/my-projects"}, nav.hrefs)

	entries, err := audit.RecentAudit(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	actions := map[string]string{}
	for _, e := range entries {
		actions[e.Key] = e.Action
	}
	assert.Equal(t, map[string]string{
		string(notification.KeyOverAllocate):      "toast.snooze",
		string(notification.KeyInactiveOperator):  "toast.dismiss",
		string(notification.KeyUnstakeAllocation): "toast.navigate",
	}, actions)

	// A second run skips everything that was snoozed or dismissed.
	p2 := &scriptedPrompter{}
	seq.SetPrompter(p2)
	_, err = seq.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []notification.Key{notification.KeyLowBillingBalance}, p2.Shown())
}

func TestNonDismissableCancelSnoozes(t *testing.T) {
	store := notification.NewStore(notification.Options{})
	it := item(notification.KeyLowControllerBalance, notification.LevelCritical, "")
	it.CanBeDismissed = false
	store.Add(it, false)

	seq := New(Options{Store: store, Prompter: &scriptedPrompter{}, Cooldown: time.Minute, Now: func() time.Time { return t0 }})
	res, err := seq.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	require.Equal(t, "snooze", res.Outcomes[0].Action)
	got, _ := store.Get(notification.KeyLowControllerBalance)
	require.Equal(t, t0.Add(time.Minute), got.DismissTo)
}

func TestDismissExcludesUntilWindowPasses(t *testing.T) {
	now := t0
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	store := notification.NewStore(notification.Options{})
	it := item(notification.KeyUnstakeAllocation, notification.LevelCritical, "")
	it.DismissTime = 24 * time.Hour
	store.Add(it, false)

	p := &scriptedPrompter{}
	seq := New(Options{Store: store, Prompter: p, Now: clock})
	_, err := seq.Run(context.Background())
	require.NoError(t, err)

	mu.Lock()
	now = t0.Add(23 * time.Hour)
	mu.Unlock()
	_, err = seq.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, p.Shown(), 1)

	mu.Lock()
	now = t0.Add(24 * time.Hour)
	mu.Unlock()
	_, err = seq.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, p.Shown(), 2)
}

func TestConcurrentRunsNeverOverlap(t *testing.T) {
	store := notification.NewStore(notification.Options{})
	for _, k := range []notification.Key{notification.KeyOverAllocate, notification.KeyOverAllocateNextEra, notification.KeyLowBillingBalance} {
		store.Add(item(k, notification.LevelCritical, ""), false)
	}
	// Prompts never snooze anything for long, so every run sees every item.
	p := &scriptedPrompter{delay: 5 * time.Millisecond, decisions: map[notification.Key]Decision{
		notification.KeyOverAllocate:        DecisionOK,
		notification.KeyOverAllocateNextEra: DecisionOK,
		notification.KeyLowBillingBalance:   DecisionOK,
	}}
	seq := New(Options{Store: store, Prompter: p, Cooldown: time.Nanosecond})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := seq.Run(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.False(t, p.overlap.Load(), "two prompts were open at once")
	require.False(t, seq.Running())
	require.NotEmpty(t, p.Shown())
}

func TestWaitingRunHonorsContext(t *testing.T) {
	store := notification.NewStore(notification.Options{})
	store.Add(item(notification.KeyOverAllocate, notification.LevelCritical, ""), false)
	p := &scriptedPrompter{delay: 200 * time.Millisecond}
	seq := New(Options{Store: store, Prompter: p})

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		close(started)
		_, _ = seq.Run(context.Background())
	}()
	<-started
	require.Eventually(t, seq.Running, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := seq.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	<-done
}

func TestPromptTimeoutStopsSequence(t *testing.T) {
	store := notification.NewStore(notification.Options{})
	store.Add(item(notification.KeyOverAllocate, notification.LevelCritical, ""), false)
	store.Add(item(notification.KeyLowBillingBalance, notification.LevelCritical, ""), false)
	p := &scriptedPrompter{delay: time.Second}
	audit := storage.NewMemory()
	seq := New(Options{Store: store, Prompter: p, Audit: audit, PromptTimeout: 20 * time.Millisecond})

	res, err := seq.Run(context.Background())
	require.ErrorIs(t, err, ErrPromptTimeout)
	require.True(t, res.Stopped)
	require.Len(t, p.Shown(), 1)

	entries, err := audit.RecentAudit(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "toast.error", entries[0].Action)
	require.NotEmpty(t, entries[0].Error)
}

func TestPromptErrorIsReturned(t *testing.T) {
	store := notification.NewStore(notification.Options{})
	store.Add(item(notification.KeyOverAllocate, notification.LevelCritical, ""), false)
	boom := errors.New("telegram unreachable")
	seq := New(Options{Store: store, Prompter: &scriptedPrompter{err: boom}})
	_, err := seq.Run(context.Background())
	require.ErrorIs(t, err, boom)

	_, err = New(Options{Store: store}).Run(context.Background())
	require.ErrorIs(t, err, ErrNoPrompter)
}

type failingNavigator struct{ err error }

func (n failingNavigator) Navigate(context.Context, string, notification.Item) error { return n.err }

func TestFailedNavigationKeepsItem(t *testing.T) {
	store := notification.NewStore(notification.Options{})
	store.Add(item(notification.KeyUnstakeAllocation, notification.LevelCritical, "/indexer/my-projects"), false)
	p := &scriptedPrompter{decisions: map[notification.Key]Decision{notification.KeyUnstakeAllocation: DecisionOK}}
	audit := storage.NewMemory()
	seq := New(Options{
		Store: store, Prompter: p, Navigator: failingNavigator{err: errors.New("BUTTON_URL_INVALID")},
		Audit: audit, Now: func() time.Time { return t0 },
	})

	res, err := seq.Run(context.Background())
	require.ErrorContains(t, err, "toast: navigate: BUTTON_URL_INVALID")
	require.True(t, res.Stopped)
	require.Empty(t, res.Navigated)
	require.Len(t, res.Outcomes, 1)
	require.Equal(t, "error", res.Outcomes[0].Action)
	_, ok := store.Get(notification.KeyUnstakeAllocation)
	require.True(t, ok, "the item survives a failed navigation")

	entries, err := audit.RecentAudit(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "toast.error", entries[0].Action)
	require.Contains(t, entries[0].Error, "BUTTON_URL_INVALID")
}
