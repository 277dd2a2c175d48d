package subgraph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// BigInt decodes amounts sent as JSON numbers, decimal strings, 0x-hex strings
// or the indexer's {"type":"bigint","value":"0x.."} wrapper.
type BigInt struct {
	big.Int
}

func NewBigInt(v *big.Int) BigInt {
	var b BigInt
	if v != nil {
		b.Set(v)
	}
	return b
}

// Big returns a copy as *big.Int.
func (b *BigInt) Big() *big.Int { return new(big.Int).Set(&b.Int) }

func (b *BigInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		b.SetInt64(0)
		return nil
	}
	switch data[0] {
	case '{':
		var wrapped struct {
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return err
		}
		return b.UnmarshalJSON(wrapped.Value)
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return b.parse(s)
	default:
		return b.parse(string(data))
	}
}

func (b *BigInt) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		b.SetInt64(0)
		return nil
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
		if s == "" {
			b.SetInt64(0)
			return nil
		}
	}
	if _, ok := b.SetString(s, base); !ok {
		return fmt.Errorf("subgraph: invalid bigint %q", s)
	}
	return nil
}

func (b BigInt) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// Time decodes PostGraphile timestamps, which usually carry no zone (UTC).
type Time struct {
	time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func (t *Time) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timeLayouts {
		if v, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time = v
			return nil
		}
	}
	return fmt.Errorf("subgraph: invalid timestamp %q", s)
}

// EraValue is a staking amount for the current era (Value) and the next era
// (ValueAfter).
type EraValue struct {
	Era        uint64 `json:"era"`
	Value      BigInt `json:"value"`
	ValueAfter BigInt `json:"valueAfter"`
}

type Indexer struct {
	ID         string   `json:"id"`
	Active     bool     `json:"active"`
	Controller string   `json:"controller"`
	Capacity   EraValue `json:"capacity"`
	TotalStake EraValue `json:"totalStake"`
	Allocated  EraValue `json:"allocatedStake"`
	// UnclaimedRewards sums era rewards not yet claimed.
	UnclaimedRewards BigInt `json:"-"`
}

type Allocation struct {
	DeploymentID        string `json:"deploymentId"`
	ProjectID           string `json:"projectId"`
	CurrentDeploymentID string `json:"currentDeploymentId"`
	Amount              BigInt `json:"totalAmount"`
}

// Outdated reports whether the allocation targets a superseded deployment.
func (a Allocation) Outdated() bool {
	return a.CurrentDeploymentID != "" && a.CurrentDeploymentID != a.DeploymentID
}

type AllocationSnapshot struct {
	Allocations []Allocation
	// Serving lists deployments the indexer currently serves.
	Serving []string
}

type Withdrawal struct {
	ID        string `json:"id"`
	Amount    BigInt `json:"amount"`
	StartTime Time   `json:"startTime"`
}

type WithdrawalSnapshot struct {
	Withdrawals []Withdrawal
	LockPeriod  time.Duration
}

// Unlocked returns withdrawals whose lock period has passed at now.
func (s WithdrawalSnapshot) Unlocked(now time.Time) []Withdrawal {
	var out []Withdrawal
	for _, w := range s.Withdrawals {
		if !now.Before(w.StartTime.Add(s.LockPeriod)) {
			out = append(out, w)
		}
	}
	return out
}

type Delegation struct {
	IndexerID     string   `json:"indexerId"`
	Amount        EraValue `json:"amount"`
	IndexerActive bool     `json:"indexerActive"`
}

type Agreement struct {
	ID           string `json:"id"`
	IndexerID    string `json:"indexerAddress"`
	DeploymentID string `json:"deploymentId"`
	StartTime    Time   `json:"startTime"`
	EndTime      Time   `json:"endTime"`
}

type Era struct {
	Number    uint64
	StartTime time.Time
}
