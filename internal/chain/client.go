// Package chain reads balances over JSON-RPC and signs EIP-712 typed data.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	logx "stakebot/pkg/logx"
)

const defaultTimeout = 10 * time.Second

type Config struct {
	RPCURL  string
	ChainID int64
	Timeout time.Duration
}

// Client wraps ethclient with per-call timeouts.
type Client struct {
	eth     *ethclient.Client
	chainID *big.Int
	timeout time.Duration
	log     logx.Logger
}

func Dial(ctx context.Context, cfg Config, log logx.Logger) (*Client, error) {
	url := strings.TrimSpace(cfg.RPCURL)
	if url == "" {
		return nil, fmt.Errorf("chain: rpc url is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	eth, err := ethclient.DialContext(dctx, url)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", url, err)
	}
	return &Client{
		eth:     eth,
		chainID: big.NewInt(cfg.ChainID),
		timeout: timeout,
		log:     log.With(logx.String("comp", "chain")),
	}, nil
}

func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// BalanceAt returns the latest native balance of addr in wei.
func (c *Client) BalanceAt(ctx context.Context, addr string) (*big.Int, error) {
	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("chain: invalid address %q", addr)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	bal, err := c.eth.BalanceAt(ctx, common.HexToAddress(addr), nil)
	if err != nil {
		return nil, fmt.Errorf("chain: balance of %s: %w", addr, err)
	}
	c.log.Trace("balance read", logx.String("addr", addr), logx.String("wei", bal.String()))
	return bal, nil
}

// VerifyChainID compares the node's chain id with the configured one.
func (c *Client) VerifyChainID(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain: chain id: %w", err)
	}
	if c.chainID.Sign() > 0 && id.Cmp(c.chainID) != 0 {
		return fmt.Errorf("chain: node reports chain id %s, configured %s", id, c.chainID)
	}
	return nil
}

func (c *Client) Close() {
	if c != nil && c.eth != nil {
		c.eth.Close()
	}
}
