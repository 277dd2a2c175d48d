package producer

import (
	"context"
	"math/big"
	"time"

	"golang.org/x/sync/errgroup"

	"stakebot/internal/consumerhost"
	"stakebot/internal/notification"
	"stakebot/internal/subgraph"
)

type consumerSnapshot struct {
	balance    *consumerhost.Balance
	channels   []consumerhost.Channel
	agreements []subgraph.Agreement
}

// NewConsumer checks the flex plan billing balance and expiring agreements.
// billing may be nil when no consumer host is configured.
func NewConsumer(s Settings, sg Subgraph, billing Billing, opts Options) Producer {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	fetch := func(ctx context.Context) (consumerSnapshot, error) {
		var snap consumerSnapshot
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() (err error) {
			snap.agreements, err = sg.ServiceAgreements(gctx, s.Account, now())
			return err
		})
		if billing != nil {
			g.Go(func() error {
				bal, err := billing.Balance(gctx)
				if err != nil {
					return err
				}
				snap.balance = &bal
				return nil
			})
			g.Go(func() (err error) {
				snap.channels, err = billing.Channels(gctx)
				return err
			})
		}
		return snap, g.Wait()
	}

	var checks []Check[consumerSnapshot]
	if billing != nil && s.MinBillingBalance != nil {
		floor := new(big.Int).Set(s.MinBillingBalance)
		checks = append(checks, Check[consumerSnapshot]{Key: notification.KeyLowBillingBalance, Evaluate: func(snap consumerSnapshot, now time.Time) *notification.Item {
			if snap.balance == nil {
				return nil
			}
			open := 0
			for _, ch := range snap.channels {
				if ch.Open(now) {
					open++
				}
			}
			bal := new(big.Int).Set(&snap.balance.Balance.Int)
			if open == 0 || bal.Cmp(floor) >= 0 {
				return nil
			}
			return &notification.Item{
				Level:          notification.LevelCritical,
				Title:          "Billing balance is low",
				Content:        notification.Amount{Label: "Billing balance", Value: bal, Threshold: floor, Symbol: tokenSymbol},
				CanBeDismissed: true,
				Button:         notification.Button{Label: "Deposit", Href: "/consumer/flex-plans"},
			}
		}})
	}
	warn := s.AgreementWarning
	if warn <= 0 {
		warn = DefaultAgreementWarning
	}
	checks = append(checks, Check[consumerSnapshot]{Key: notification.KeyExpiringAgreement, Evaluate: func(snap consumerSnapshot, now time.Time) *notification.Item {
		var soonest *subgraph.Agreement
		for i := range snap.agreements {
			a := &snap.agreements[i]
			if !a.EndTime.After(now) || a.EndTime.Sub(now) > warn {
				continue
			}
			if soonest == nil || a.EndTime.Before(soonest.EndTime.Time) {
				soonest = a
			}
		}
		if soonest == nil {
			return nil
		}
		return &notification.Item{
			Level:          notification.LevelInfo,
			Title:          "Service agreement ending soon",
			Content:        notification.Deadline{Label: "Agreement " + soonest.ID + " with " + shortAddr(soonest.IndexerID) + " ends", At: soonest.EndTime.Time},
			CanBeDismissed: true,
			Button:         notification.Button{Label: "Renew", Href: "/consumer/my-service-agreements"},
		}
	}})
	return NewBase("consumer", fetch, checks, opts)
}
