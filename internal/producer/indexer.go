package producer

import (
	"context"
	"math/big"
	"strings"
	"time"

	"stakebot/internal/notification"
	"stakebot/internal/subgraph"
)

const (
	tokenSymbol  = "SQT"
	nativeSymbol = "ETH"
)

type indexerSnapshot struct {
	idx        *subgraph.Indexer
	controller string
	balance    *big.Int
}

// NewIndexer checks allocation against capacity, unclaimed rewards and the
// controller's gas balance.
func NewIndexer(s Settings, sg Subgraph, chain BalanceReader, opts Options) Producer {
	fetch := func(ctx context.Context) (indexerSnapshot, error) {
		idx, err := sg.Indexer(ctx, s.Account)
		if err != nil {
			return indexerSnapshot{}, err
		}
		snap := indexerSnapshot{idx: idx, controller: s.Controller}
		if snap.controller == "" {
			snap.controller = idx.Controller
		}
		if chain != nil && snap.controller != "" {
			bal, err := chain.BalanceAt(ctx, snap.controller)
			if err != nil {
				return indexerSnapshot{}, err
			}
			snap.balance = bal
		}
		return snap, nil
	}

	checks := []Check[indexerSnapshot]{
		{Key: notification.KeyOverAllocate, Evaluate: func(snap indexerSnapshot, _ time.Time) *notification.Item {
			alloc, capacity := snap.idx.Allocated.Value.Big(), snap.idx.Capacity.Value.Big()
			if alloc.Cmp(capacity) <= 0 {
				return nil
			}
			return &notification.Item{
				Level:          notification.LevelCritical,
				Title:          "Allocation exceeds capacity",
				Content:        notification.Allocation{Allocated: alloc, Capacity: capacity, Era: snap.idx.Capacity.Era, Symbol: tokenSymbol},
				CanBeDismissed: true,
				Button:         notification.Button{Label: "Adjust allocation", Href: "/indexer/my-projects"},
			}
		}},
		{Key: notification.KeyOverAllocateNextEra, Evaluate: func(snap indexerSnapshot, _ time.Time) *notification.Item {
			alloc, capacity := snap.idx.Allocated.ValueAfter.Big(), snap.idx.Capacity.ValueAfter.Big()
			if alloc.Cmp(capacity) <= 0 {
				return nil
			}
			return &notification.Item{
				Level:          notification.LevelCritical,
				Title:          "Next era allocation exceeds capacity",
				Content:        notification.Allocation{Allocated: alloc, Capacity: capacity, Era: snap.idx.Capacity.Era + 1, Symbol: tokenSymbol},
				CanBeDismissed: true,
				Button:         notification.Button{Label: "Adjust allocation", Href: "/indexer/my-projects"},
			}
		}},
		{Key: notification.KeyUnclaimedRewards, Evaluate: func(snap indexerSnapshot, _ time.Time) *notification.Item {
			if snap.idx.UnclaimedRewards.Sign() <= 0 {
				return nil
			}
			return &notification.Item{
				Level:          notification.LevelInfo,
				Title:          "Unclaimed rewards",
				Content:        notification.Amount{Label: "Unclaimed era rewards", Value: snap.idx.UnclaimedRewards.Big(), Symbol: tokenSymbol},
				CanBeDismissed: true,
				Button:         notification.Button{Label: "Claim", Href: "/profile/rewards"},
			}
		}},
	}
	if chain != nil && s.MinControllerBalance != nil {
		floor := new(big.Int).Set(s.MinControllerBalance)
		checks = append(checks, Check[indexerSnapshot]{Key: notification.KeyLowControllerBalance, Evaluate: func(snap indexerSnapshot, _ time.Time) *notification.Item {
			if snap.balance == nil || snap.balance.Cmp(floor) >= 0 {
				return nil
			}
			return &notification.Item{
				Level:          notification.LevelCritical,
				Title:          "Controller balance is low",
				Content:        notification.Amount{Label: "Controller " + shortAddr(snap.controller) + " balance", Value: snap.balance, Threshold: floor, Symbol: nativeSymbol},
				CanBeDismissed: true,
				Button:         notification.Button{Label: "Top up", Href: "/indexer/my-controllers"},
			}
		}})
	}
	return NewBase("indexer", fetch, checks, opts)
}

func shortAddr(a string) string {
	if len(a) <= 12 || !strings.HasPrefix(a, "0x") {
		return a
	}
	return a[:6] + "…" + a[len(a)-4:]
}
