package producer

import (
	"context"
	"math/big"
	"time"

	"stakebot/internal/config"
	"stakebot/internal/task/queue"
)

const (
	DefaultAgreementWarning = 72 * time.Hour
	DefaultEraNotice        = time.Hour
)

// Settings are the account facts and thresholds the checks need.
type Settings struct {
	Account              string
	Controller           string
	Roles                []string
	MinControllerBalance *big.Int
	MinBillingBalance    *big.Int
	AgreementWarning     time.Duration
	EraNotice            time.Duration
}

func (s Settings) has(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Deps are the network clients. Chain and Billing may be nil.
type Deps struct {
	Subgraph Subgraph
	Chain    BalanceReader
	Billing  Billing
}

// Build returns the producers enabled by the account's roles. The general
// producer is always present.
func Build(s Settings, d Deps, opts Options) []Producer {
	var out []Producer
	if s.has(config.RoleIndexer) {
		out = append(out, NewIndexer(s, d.Subgraph, d.Chain, opts), NewAllocation(s, d.Subgraph, opts))
	}
	if s.has(config.RoleDelegator) {
		out = append(out, NewDelegator(s, d.Subgraph, opts))
	}
	if s.has(config.RoleConsumer) {
		out = append(out, NewConsumer(s, d.Subgraph, d.Billing, opts))
	}
	return append(out, NewGeneral(s, d.Subgraph, opts))
}

// Jobs wraps producers as idle queue jobs. Errors are already logged by the
// producer and are only counted by the queue.
func Jobs(ps []Producer, mode Mode) []queue.Job {
	jobs := make([]queue.Job, 0, len(ps))
	for _, p := range ps {
		p := p
		jobs = append(jobs, queue.Job{
			Name: "producer." + p.Name(),
			Run: func(ctx context.Context) error {
				_, err := p.Make(ctx, mode)
				return err
			},
		})
	}
	return jobs
}
