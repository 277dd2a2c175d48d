package producer

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"stakebot/internal/notification"
	"stakebot/internal/subgraph"
)

type delegatorSnapshot struct {
	withdrawals subgraph.WithdrawalSnapshot
	delegations []subgraph.Delegation
}

func NewDelegator(s Settings, sg Subgraph, opts Options) Producer {
	fetch := func(ctx context.Context) (delegatorSnapshot, error) {
		var snap delegatorSnapshot
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() (err error) {
			snap.withdrawals, err = sg.Withdrawals(gctx, s.Account)
			return err
		})
		g.Go(func() (err error) {
			snap.delegations, err = sg.Delegations(gctx, s.Account)
			return err
		})
		return snap, g.Wait()
	}
	checks := []Check[delegatorSnapshot]{
		{Key: notification.KeyUnlockWithdrawal, Evaluate: func(snap delegatorSnapshot, now time.Time) *notification.Item {
			unlocked := snap.withdrawals.Unlocked(now)
			if len(unlocked) == 0 {
				return nil
			}
			total := new(big.Int)
			for _, w := range unlocked {
				total.Add(total, w.Amount.Big())
			}
			return &notification.Item{
				Level:          notification.LevelInfo,
				Title:          "Withdrawals ready",
				Content:        notification.Amount{Label: fmt.Sprintf("%d unlocked withdrawal(s)", len(unlocked)), Value: total, Symbol: tokenSymbol},
				CanBeDismissed: true,
				Button:         notification.Button{Label: "Withdraw", Href: "/profile/withdrawn"},
			}
		}},
		{Key: notification.KeyInactiveOperator, Evaluate: func(snap delegatorSnapshot, _ time.Time) *notification.Item {
			var ids []string
			for _, d := range snap.delegations {
				if !d.IndexerActive && d.Amount.ValueAfter.Sign() > 0 {
					ids = append(ids, shortAddr(d.IndexerID))
				}
			}
			if len(ids) == 0 {
				return nil
			}
			return &notification.Item{
				Level:          notification.LevelCritical,
				Title:          "Delegated to an inactive operator",
				Content:        notification.Text{Body: "Your stake is delegated to inactive operators: " + strings.Join(ids, ", ") + ". Undelegate to keep earning."},
				CanBeDismissed: true,
				Button:         notification.Button{Label: "Manage delegations", Href: "/delegator/my-delegations"},
			}
		}},
	}
	return NewBase("delegator", fetch, checks, opts)
}
