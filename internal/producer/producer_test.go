package producer

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stakebot/internal/consumerhost"
	"stakebot/internal/notification"
	"stakebot/internal/storage"
	"stakebot/internal/subgraph"
	"stakebot/pkg/units"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSubgraph struct {
	mu          sync.Mutex
	calls       map[string]int
	err         error
	block       chan struct{}
	indexer     subgraph.Indexer
	allocations subgraph.AllocationSnapshot
	withdrawals subgraph.WithdrawalSnapshot
	delegations []subgraph.Delegation
	agreements  []subgraph.Agreement
	era         subgraph.Era
}

func (f *fakeSubgraph) hit(op string) error {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[op]++
	err, block := f.err, f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return err
}

func (f *fakeSubgraph) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeSubgraph) Indexer(context.Context, string) (*subgraph.Indexer, error) {
	if err := f.hit("indexer"); err != nil {
		return nil, err
	}
	idx := f.indexer
	return &idx, nil
}

func (f *fakeSubgraph) Allocations(context.Context, string) (subgraph.AllocationSnapshot, error) {
	return f.allocations, f.hit("allocations")
}

func (f *fakeSubgraph) Withdrawals(context.Context, string) (subgraph.WithdrawalSnapshot, error) {
	return f.withdrawals, f.hit("withdrawals")
}

func (f *fakeSubgraph) Delegations(context.Context, string) ([]subgraph.Delegation, error) {
	return f.delegations, f.hit("delegations")
}

func (f *fakeSubgraph) ServiceAgreements(context.Context, string, time.Time) ([]subgraph.Agreement, error) {
	return f.agreements, f.hit("agreements")
}

func (f *fakeSubgraph) LatestEra(context.Context) (subgraph.Era, error) {
	return f.era, f.hit("era")
}

type fakeBalance struct{ wei *big.Int }

func (f fakeBalance) BalanceAt(context.Context, string) (*big.Int, error) { return f.wei, nil }

type fakeBilling struct {
	balance  string
	channels []consumerhost.Channel
}

func (f fakeBilling) Balance(context.Context) (consumerhost.Balance, error) {
	var b consumerhost.Balance
	b.Balance.Set(units.MustParse(f.balance))
	return b, nil
}

func (f fakeBilling) Channels(context.Context) ([]consumerhost.Channel, error) { return f.channels, nil }

func sqt(s string) subgraph.BigInt { return subgraph.NewBigInt(units.MustParse(s)) }

func setup(t *testing.T) (*notification.Store, *clock, Options) {
	t.Helper()
	clk := &clock{now: t0}
	store := notification.NewStore(notification.Options{})
	return store, clk, Options{Store: store, Now: clk.Now}
}

func unstakedAllocations() subgraph.AllocationSnapshot {
	return subgraph.AllocationSnapshot{
		Allocations: []subgraph.Allocation{
			{DeploymentID: "QmGone", CurrentDeploymentID: "QmGone", Amount: sqt("100")},
			{DeploymentID: "QmLive", CurrentDeploymentID: "QmLive", Amount: sqt("50")},
		},
		Serving: []string{"QmLive"},
	}
}

func TestDefaultModeFetchesOncePerWindow(t *testing.T) {
	t.Parallel()
	_, clk, opts := setup(t)
	sg := &fakeSubgraph{era: subgraph.Era{Number: 3, StartTime: t0.Add(-10 * time.Minute)}}
	p := NewGeneral(Settings{EraNotice: time.Hour}, sg, opts)

	rep, err := p.Make(context.Background(), ModeDefault)
	require.NoError(t, err)
	require.True(t, rep.Fetched)
	require.Equal(t, []notification.Key{notification.KeyNewEra}, rep.Set)

	clk.Advance(30 * time.Minute)
	rep, err = p.Make(context.Background(), ModeDefault)
	require.NoError(t, err)
	require.False(t, rep.Fetched)
	require.Equal(t, []notification.Key{notification.KeyNewEra}, rep.Skipped)
	require.Equal(t, 1, sg.count("era"))

	clk.Advance(31 * time.Minute)
	rep, err = p.Make(context.Background(), ModeDefault)
	require.NoError(t, err)
	require.True(t, rep.Fetched)
	require.Equal(t, []notification.Key{notification.KeyNewEra}, rep.Cleared, "era notice window passed")
	require.Equal(t, 2, sg.count("era"))
}

func TestFalseConditionAlsoSuppressesRefetch(t *testing.T) {
	t.Parallel()
	store, clk, opts := setup(t)
	sg := &fakeSubgraph{}
	p := NewGeneral(Settings{EraNotice: time.Hour}, sg, opts)

	_, err := p.Make(context.Background(), ModeDefault)
	require.NoError(t, err)
	require.Zero(t, store.Len())
	require.Equal(t, t0.Add(DefaultRecheck), store.CheckedUntil(notification.KeyNewEra))
	clk.Advance(time.Minute)
	_, err = p.Make(context.Background(), ModeDefault)
	require.NoError(t, err)
	require.Equal(t, 1, sg.count("era"))
}

func TestFalseConditionRechecksSoon(t *testing.T) {
	t.Parallel()
	store, clk, opts := setup(t)
	sg := &fakeSubgraph{allocations: subgraph.AllocationSnapshot{
		Allocations: []subgraph.Allocation{{DeploymentID: "QmLive", CurrentDeploymentID: "QmLive", Amount: sqt("50")}},
		Serving:     []string{"QmLive"},
	}}
	p := NewAllocation(Settings{}, sg, opts)

	rep, err := p.Make(context.Background(), ModeDefault)
	require.NoError(t, err)
	require.Empty(t, rep.Set)
	require.Equal(t, t0.Add(DefaultRecheck), store.CheckedUntil(notification.KeyUnstakeAllocation),
		"a false condition is not held for the 24h dismiss time")

	sg.mu.Lock()
	sg.allocations = unstakedAllocations()
	sg.mu.Unlock()
	clk.Advance(2 * time.Hour)
	rep, err = p.Make(context.Background(), ModeDefault)
	require.NoError(t, err)
	require.True(t, rep.Fetched)
	require.Equal(t, []notification.Key{notification.KeyUnstakeAllocation}, rep.Set)
	_, ok := store.Get(notification.KeyUnstakeAllocation)
	require.True(t, ok)
}

func TestFetchedSnapshotEvaluatesKeysWithoutItems(t *testing.T) {
	t.Parallel()
	store, clk, opts := setup(t)
	sg := &fakeSubgraph{}
	p := NewAllocation(Settings{}, sg, opts)

	_, err := p.Make(context.Background(), ModeDefault)
	require.NoError(t, err)
	// unstakeAllocation's window is still open, outdatedAllocation's is not.
	store.MarkChecked(notification.KeyUnstakeAllocation, t0.Add(time.Hour))
	sg.mu.Lock()
	sg.allocations = unstakedAllocations()
	sg.mu.Unlock()

	clk.Advance(DefaultRecheck)
	rep, err := p.Make(context.Background(), ModeDefault)
	require.NoError(t, err)
	require.True(t, rep.Fetched)
	require.Contains(t, rep.Set, notification.KeyUnstakeAllocation, "no item held the key, so the fetched data counts")
	require.Equal(t, 2, sg.count("allocations"))
}

func TestReloadAlwaysFetches(t *testing.T) {
	t.Parallel()
	_, _, opts := setup(t)
	sg := &fakeSubgraph{}
	p := NewGeneral(Settings{EraNotice: time.Hour}, sg, opts)
	for i := 0; i < 3; i++ {
		rep, err := p.Make(context.Background(), ModeReload)
		require.NoError(t, err)
		require.True(t, rep.Fetched)
	}
	require.Equal(t, 3, sg.count("era"))
}

func TestFetchErrorKeepsWindowOpen(t *testing.T) {
	t.Parallel()
	store, _, opts := setup(t)
	sg := &fakeSubgraph{err: errors.New("subgraph down")}
	p := NewGeneral(Settings{EraNotice: time.Hour}, sg, opts)

	_, err := p.Make(context.Background(), ModeDefault)
	require.ErrorContains(t, err, "producer general: subgraph down")
	require.True(t, store.CheckedUntil(notification.KeyNewEra).IsZero())

	_, err = p.Make(context.Background(), ModeDefault)
	require.Error(t, err)
	require.Equal(t, 2, sg.count("era"), "errors are not cached")
}

func TestConcurrentMakesShareOneFetch(t *testing.T) {
	t.Parallel()
	_, _, opts := setup(t)
	sg := &fakeSubgraph{block: make(chan struct{})}
	p := NewGeneral(Settings{EraNotice: time.Hour}, sg, opts)

	var wg sync.WaitGroup
	var shared atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep, err := p.Make(context.Background(), ModeReload)
			assert.NoError(t, err)
			if rep.Shared {
				shared.Add(1)
			}
		}()
	}
	require.Eventually(t, func() bool { return sg.count("era") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(sg.block)
	wg.Wait()
	require.Equal(t, 1, sg.count("era"))
	require.Equal(t, int32(4), shared.Load())
}

// Dismissing unstakeAllocation keeps it out for its 24h window; afterwards it
// re-triggers and becomes eligible for toasting again.
func TestUnstakeAllocationDismissWindow(t *testing.T) {
	t.Parallel()
	store, clk, opts := setup(t)
	sg := &fakeSubgraph{allocations: unstakedAllocations()}
	p := NewAllocation(Settings{}, sg, opts)

	_, err := p.Make(context.Background(), ModeDefault)
	require.NoError(t, err)
	it, ok := store.Get(notification.KeyUnstakeAllocation)
	require.True(t, ok)
	require.Equal(t, 24*time.Hour, it.DismissTime)
	require.Equal(t, notification.Deployments{Summary: "Remove allocation from", IDs: []string{"QmGone"}}, it.Content)

	dismissed, err := store.Dismiss(notification.KeyUnstakeAllocation, clk.Now())
	require.NoError(t, err)

	clk.Advance(23 * time.Hour)
	rep, err := p.Make(context.Background(), ModeDefault)
	require.NoError(t, err)
	require.Contains(t, rep.Skipped, notification.KeyUnstakeAllocation)
	require.NotContains(t, rep.Set, notification.KeyUnstakeAllocation, "not re-added inside the window")
	it, ok = store.Get(notification.KeyUnstakeAllocation)
	require.True(t, ok)
	require.Equal(t, dismissed.DismissTo, it.DismissTo)
	require.True(t, it.Suppressed(clk.Now()))

	clk.Advance(2 * time.Hour)
	rep, err = p.Make(context.Background(), ModeDefault)
	require.NoError(t, err)
	require.Contains(t, rep.Set, notification.KeyUnstakeAllocation)
	it, ok = store.Get(notification.KeyUnstakeAllocation)
	require.True(t, ok)
	require.False(t, it.Suppressed(clk.Now()))
}

func TestAllocationChecks(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name        string
		allocations subgraph.AllocationSnapshot
		dismissed   map[string]time.Time
		wantSet     []notification.Key
		wantSkipped []notification.Key
		suppressed  notification.Key
	}{
		{
			name: "outdated deployment",
			allocations: subgraph.AllocationSnapshot{
				Allocations: []subgraph.Allocation{
					{DeploymentID: "QmOld", CurrentDeploymentID: "QmNew", Amount: sqt("10")},
					{DeploymentID: "QmZero", CurrentDeploymentID: "QmNewer", Amount: sqt("0")},
				},
				Serving: []string{"QmOld", "QmZero"},
			},
			wantSet: []notification.Key{notification.KeyOutdatedAllocation},
		},
		{
			name:        "restored dismissal holds the key",
			allocations: unstakedAllocations(),
			dismissed:   map[string]time.Time{string(notification.KeyUnstakeAllocation): t0.Add(12 * time.Hour)},
			wantSkipped: []notification.Key{notification.KeyUnstakeAllocation},
			suppressed:  notification.KeyUnstakeAllocation,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			clk := &clock{now: t0}
			mem := storage.NewMemory()
			for k, until := range tc.dismissed {
				require.NoError(t, mem.PutDismissal(context.Background(), k, until))
			}
			store := notification.NewStore(notification.Options{Storage: mem, Now: clk.Now})
			require.NoError(t, store.Restore(context.Background()))
			sg := &fakeSubgraph{allocations: tc.allocations}
			p := NewAllocation(Settings{}, sg, Options{Store: store, Now: clk.Now})

			rep, err := p.Make(context.Background(), ModeDefault)
			require.NoError(t, err)
			require.ElementsMatch(t, tc.wantSet, rep.Set)
			require.ElementsMatch(t, tc.wantSkipped, rep.Skipped)
			if tc.suppressed != "" {
				_, ok := store.Get(tc.suppressed)
				require.False(t, ok, "a restored dismissal must not re-add the item")
			}
			if len(tc.wantSet) > 0 {
				it, ok := store.Get(tc.wantSet[0])
				require.True(t, ok)
				require.Equal(t, notification.Deployments{Summary: "Move allocation to the current deployment for", IDs: []string{"QmOld"}}, it.Content)
			}

			// A reload re-adds the restored key, which then inherits its dismissal.
			if tc.suppressed != "" {
				_, err = p.Make(context.Background(), ModeReload)
				require.NoError(t, err)
				it, ok := store.Get(tc.suppressed)
				require.True(t, ok)
				require.True(t, it.Suppressed(clk.Now()))
			}
		})
	}
}

func TestIndexerChecks(t *testing.T) {
	t.Parallel()
	store, _, opts := setup(t)
	sg := &fakeSubgraph{indexer: subgraph.Indexer{
		ID:               "0xabc",
		Controller:       "0x00000000000000000000000000000000000000cc",
		Capacity:         subgraph.EraValue{Era: 7, Value: sqt("1000"), ValueAfter: sqt("1000")},
		Allocated:        subgraph.EraValue{Era: 7, Value: sqt("1200"), ValueAfter: sqt("900")},
		UnclaimedRewards: sqt("3"),
	}}
	s := Settings{Account: "0xabc", MinControllerBalance: units.MustParse("0.5")}
	p := NewIndexer(s, sg, fakeBalance{wei: units.MustParse("0.1")}, opts)
	require.Len(t, p.Keys(), 4)

	rep, err := p.Make(context.Background(), ModeDefault)
	require.NoError(t, err)
	require.ElementsMatch(t, []notification.Key{
		notification.KeyOverAllocate,
		notification.KeyUnclaimedRewards,
		notification.KeyLowControllerBalance,
	}, rep.Set)

	it, _ := store.Get(notification.KeyOverAllocate)
	require.Equal(t, "Era 7: allocated 1,200 SQT against a capacity of 1,000 SQT (200 SQT over).", it.Message())
	it, _ = store.Get(notification.KeyLowControllerBalance)
	require.Equal(t, notification.LevelCritical, it.Level)
	require.Contains(t, it.Message(), "0.1 ETH (minimum 0.5 ETH)")
}

func TestIndexerWithoutChainSkipsBalanceCheck(t *testing.T) {
	t.Parallel()
	_, _, opts := setup(t)
	p := NewIndexer(Settings{MinControllerBalance: big.NewInt(1)}, &fakeSubgraph{}, nil, opts)
	require.NotContains(t, p.Keys(), notification.KeyLowControllerBalance)
}

func TestDelegatorChecks(t *testing.T) {
	t.Parallel()
	store, _, opts := setup(t)
	sg := &fakeSubgraph{
		withdrawals: subgraph.WithdrawalSnapshot{
			LockPeriod: 24 * time.Hour,
			Withdrawals: []subgraph.Withdrawal{
				{ID: "w1", Amount: sqt("10"), StartTime: subgraph.Time{Time: t0.Add(-48 * time.Hour)}},
				{ID: "w2", Amount: sqt("5"), StartTime: subgraph.Time{Time: t0.Add(-time.Hour)}},
			},
		},
		delegations: []subgraph.Delegation{
			{IndexerID: "0x1111111111111111111111111111111111111111", IndexerActive: false, Amount: subgraph.EraValue{ValueAfter: sqt("1")}},
			{IndexerID: "0x2222222222222222222222222222222222222222", IndexerActive: true, Amount: subgraph.EraValue{ValueAfter: sqt("1")}},
		},
	}
	p := NewDelegator(Settings{Account: "0xabc"}, sg, opts)
	_, err := p.Make(context.Background(), ModeDefault)
	require.NoError(t, err)

	it, ok := store.Get(notification.KeyUnlockWithdrawal)
	require.True(t, ok)
	require.Equal(t, "1 unlocked withdrawal(s): 10 SQT", it.Message())
	it, ok = store.Get(notification.KeyInactiveOperator)
	require.True(t, ok)
	require.Contains(t, it.Message(), "0x1111")
	require.NotContains(t, it.Message(), "0x2222")
}

func TestConsumerChecks(t *testing.T) {
	t.Parallel()
	store, _, opts := setup(t)
	sg := &fakeSubgraph{agreements: []subgraph.Agreement{
		{ID: "9", IndexerID: "0xi", EndTime: subgraph.Time{Time: t0.Add(200 * time.Hour)}},
		{ID: "7", IndexerID: "0xi", EndTime: subgraph.Time{Time: t0.Add(49 * time.Hour)}},
	}}
	billing := fakeBilling{balance: "2", channels: []consumerhost.Channel{{ID: "c", Status: "OPEN"}}}
	s := Settings{Account: "0xabc", MinBillingBalance: units.MustParse("10"), AgreementWarning: 72 * time.Hour}
	p := NewConsumer(s, sg, billing, opts)

	_, err := p.Make(context.Background(), ModeDefault)
	require.NoError(t, err)
	it, ok := store.Get(notification.KeyExpiringAgreement)
	require.True(t, ok)
	require.Equal(t, notification.Deadline{Label: "Agreement 7 with 0xi ends", At: t0.Add(49 * time.Hour)}, it.Content)
	it, ok = store.Get(notification.KeyLowBillingBalance)
	require.True(t, ok)
	require.Contains(t, it.Message(), "2 SQT (minimum 10 SQT)")
}

func TestBuildByRoles(t *testing.T) {
	t.Parallel()
	_, _, opts := setup(t)
	names := func(ps []Producer) []string {
		var out []string
		for _, p := range ps {
			out = append(out, p.Name())
		}
		return out
	}
	d := Deps{Subgraph: &fakeSubgraph{}}
	require.Equal(t, []string{"general"}, names(Build(Settings{}, d, opts)))
	require.Equal(t, []string{"indexer", "allocation", "delegator", "consumer", "general"},
		names(Build(Settings{Roles: []string{"consumer", "indexer", "delegator"}}, d, opts)))

	jobs := Jobs(Build(Settings{Roles: []string{"delegator"}}, d, opts), ModeReload)
	require.Len(t, jobs, 2)
	require.Equal(t, "producer.delegator", jobs[0].Name)
	require.NoError(t, jobs[1].Run(context.Background()))
}
