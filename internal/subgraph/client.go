// Package subgraph queries the network's GraphQL indexer for staking state.
package subgraph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/machinebox/graphql"
	"golang.org/x/time/rate"

	logx "stakebot/pkg/logx"
)

const defaultTimeout = 15 * time.Second

var ErrNotFound = errors.New("subgraph: entity not found")

type Config struct {
	URL        string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	HTTPClient *http.Client
}

type Client struct {
	gql     *graphql.Client
	url     string
	timeout time.Duration
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("subgraph: url is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	c := &Client{
		gql:     graphql.NewClient(url, graphql.WithHTTPClient(hc)),
		url:     url,
		timeout: timeout,
		log:     log.With(logx.String("comp", "subgraph")),
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	c.gql.Log = func(s string) { c.log.Trace(s) }
	return c, nil
}

func (c *Client) URL() string { return c.url }

func (c *Client) run(ctx context.Context, op, query string, vars map[string]any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := graphql.NewRequest(query)
	for k, v := range vars {
		req.Var(k, v)
	}
	start := time.Now()
	err := c.gql.Run(ctx, req, out)
	took := time.Since(start)
	if err != nil {
		c.log.Debug("query failed", logx.String("op", op), logx.Duration("took", took), logx.Err(err))
		return fmt.Errorf("subgraph %s: %w", op, err)
	}
	c.log.Trace("query done", logx.String("op", op), logx.Duration("took", took))
	return nil
}

// Indexer loads the indexer entity plus the sum of its unclaimed era rewards.
func (c *Client) Indexer(ctx context.Context, id string) (*Indexer, error) {
	var resp struct {
		Indexer   *Indexer `json:"indexer"`
		Unclaimed struct {
			Aggregates struct {
				Sum struct {
					Amount BigInt `json:"amount"`
				} `json:"sum"`
			} `json:"aggregates"`
		} `json:"unclaimed"`
	}
	if err := c.run(ctx, "indexer", queryIndexer, map[string]any{"id": normalizeID(id)}, &resp); err != nil {
		return nil, err
	}
	if resp.Indexer == nil {
		return nil, fmt.Errorf("indexer %s: %w", id, ErrNotFound)
	}
	resp.Indexer.UnclaimedRewards = resp.Unclaimed.Aggregates.Sum.Amount
	return resp.Indexer, nil
}

func (c *Client) Allocations(ctx context.Context, indexer string) (AllocationSnapshot, error) {
	var resp struct {
		Allocations struct {
			Nodes []struct {
				DeploymentID string `json:"deploymentId"`
				TotalAmount  BigInt `json:"totalAmount"`
				Deployment   struct {
					ProjectID string `json:"projectId"`
					Project   struct {
						DeploymentID string `json:"deploymentId"`
					} `json:"project"`
				} `json:"deployment"`
			} `json:"nodes"`
		} `json:"indexerAllocationSummaries"`
		Serving struct {
			Nodes []struct {
				DeploymentID string `json:"deploymentId"`
			} `json:"nodes"`
		} `json:"deploymentIndexers"`
	}
	if err := c.run(ctx, "allocations", queryAllocations, map[string]any{"id": normalizeID(indexer)}, &resp); err != nil {
		return AllocationSnapshot{}, err
	}
	var snap AllocationSnapshot
	for _, n := range resp.Allocations.Nodes {
		snap.Allocations = append(snap.Allocations, Allocation{
			DeploymentID:        n.DeploymentID,
			ProjectID:           n.Deployment.ProjectID,
			CurrentDeploymentID: n.Deployment.Project.DeploymentID,
			Amount:              n.TotalAmount,
		})
	}
	for _, n := range resp.Serving.Nodes {
		snap.Serving = append(snap.Serving, n.DeploymentID)
	}
	return snap, nil
}

// Withdrawals returns ongoing withdrawals of delegator and the unbond period.
func (c *Client) Withdrawals(ctx context.Context, delegator string) (WithdrawalSnapshot, error) {
	var resp struct {
		Withdrawals struct {
			Nodes []Withdrawal `json:"nodes"`
		} `json:"withdrawls"`
		LockPeriod *struct {
			Value BigInt `json:"value"`
		} `json:"lockPeriod"`
	}
	if err := c.run(ctx, "withdrawals", queryWithdrawals, map[string]any{"id": normalizeID(delegator)}, &resp); err != nil {
		return WithdrawalSnapshot{}, err
	}
	snap := WithdrawalSnapshot{Withdrawals: resp.Withdrawals.Nodes}
	if resp.LockPeriod != nil && resp.LockPeriod.Value.IsInt64() {
		snap.LockPeriod = time.Duration(resp.LockPeriod.Value.Int64()) * time.Second
	}
	return snap, nil
}

func (c *Client) Delegations(ctx context.Context, delegator string) ([]Delegation, error) {
	var resp struct {
		Delegations struct {
			Nodes []struct {
				IndexerID string   `json:"indexerId"`
				Amount    EraValue `json:"amount"`
				Indexer   struct {
					Active bool `json:"active"`
				} `json:"indexer"`
			} `json:"nodes"`
		} `json:"delegations"`
	}
	if err := c.run(ctx, "delegations", queryDelegations, map[string]any{"id": normalizeID(delegator)}, &resp); err != nil {
		return nil, err
	}
	out := make([]Delegation, 0, len(resp.Delegations.Nodes))
	for _, n := range resp.Delegations.Nodes {
		out = append(out, Delegation{IndexerID: n.IndexerID, Amount: n.Amount, IndexerActive: n.Indexer.Active})
	}
	return out, nil
}

// ServiceAgreements returns the consumer's agreements still running at now.
func (c *Client) ServiceAgreements(ctx context.Context, consumer string, now time.Time) ([]Agreement, error) {
	var resp struct {
		Agreements struct {
			Nodes []Agreement `json:"nodes"`
		} `json:"serviceAgreements"`
	}
	vars := map[string]any{
		"consumer": normalizeID(consumer),
		"now":      now.UTC().Format("2006-01-02T15:04:05"),
	}
	if err := c.run(ctx, "agreements", queryAgreements, vars, &resp); err != nil {
		return nil, err
	}
	return resp.Agreements.Nodes, nil
}

func (c *Client) LatestEra(ctx context.Context) (Era, error) {
	var resp struct {
		Eras struct {
			Nodes []struct {
				ID        BigInt `json:"id"`
				StartTime Time   `json:"startTime"`
			} `json:"nodes"`
		} `json:"eras"`
	}
	if err := c.run(ctx, "era", queryLatestEra, nil, &resp); err != nil {
		return Era{}, err
	}
	if len(resp.Eras.Nodes) == 0 {
		return Era{}, fmt.Errorf("latest era: %w", ErrNotFound)
	}
	n := resp.Eras.Nodes[0]
	return Era{Number: n.ID.Uint64(), StartTime: n.StartTime.Time}, nil
}

func normalizeID(addr string) string {
	return strings.TrimSpace(addr)
}
