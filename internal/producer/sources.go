package producer

import (
	"context"
	"math/big"
	"time"

	"stakebot/internal/consumerhost"
	"stakebot/internal/subgraph"
)

// Subgraph is the read surface of *subgraph.Client used by producers.
type Subgraph interface {
	Indexer(ctx context.Context, id string) (*subgraph.Indexer, error)
	Allocations(ctx context.Context, indexer string) (subgraph.AllocationSnapshot, error)
	Withdrawals(ctx context.Context, delegator string) (subgraph.WithdrawalSnapshot, error)
	Delegations(ctx context.Context, delegator string) ([]subgraph.Delegation, error)
	ServiceAgreements(ctx context.Context, consumer string, now time.Time) ([]subgraph.Agreement, error)
	LatestEra(ctx context.Context) (subgraph.Era, error)
}

type BalanceReader interface {
	BalanceAt(ctx context.Context, addr string) (*big.Int, error)
}

type Billing interface {
	Balance(ctx context.Context) (consumerhost.Balance, error)
	Channels(ctx context.Context) ([]consumerhost.Channel, error)
}
