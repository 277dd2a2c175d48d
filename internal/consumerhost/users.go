package consumerhost

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Amount decodes a wei amount sent as a decimal string or JSON number.
type Amount struct {
	big.Int
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		a.SetInt64(0)
		return nil
	}
	if _, ok := a.SetString(s, 10); !ok {
		return fmt.Errorf("consumerhost: invalid amount %q", s)
	}
	return nil
}

type Balance struct {
	Consumer string `json:"consumer"`
	Balance  Amount `json:"balance"`
	Locked   Amount `json:"locked"`
}

// Balance reads the consumer's billing balance.
func (c *Client) Balance(ctx context.Context) (Balance, error) {
	var out Balance
	if err := c.get(ctx, "/users/balance", &out); err != nil {
		return Balance{}, fmt.Errorf("consumerhost balance: %w", err)
	}
	return out, nil
}

const ChannelOpen = "OPEN"

type Channel struct {
	ID           string `json:"id"`
	Indexer      string `json:"indexer"`
	DeploymentID string `json:"deploymentId"`
	Status       string `json:"status"`
	Total        Amount `json:"total"`
	Spent        Amount `json:"spent"`
	ExpiredAt    int64  `json:"expiredAt"`
}

// Open reports whether the flex plan can still serve queries at now.
func (ch Channel) Open(now time.Time) bool {
	return strings.EqualFold(ch.Status, ChannelOpen) && (ch.ExpiredAt == 0 || now.Before(time.Unix(ch.ExpiredAt, 0)))
}

// Channels lists the consumer's flex plan channels.
func (c *Client) Channels(ctx context.Context) ([]Channel, error) {
	var out []Channel
	if err := c.get(ctx, "/users/channels", &out); err != nil {
		return nil, fmt.Errorf("consumerhost channels: %w", err)
	}
	return out, nil
}
