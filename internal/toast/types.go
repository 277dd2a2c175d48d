package toast

import (
	"context"
	"errors"
	"time"

	"stakebot/internal/notification"
)

var (
	ErrPromptTimeout = errors.New("toast: prompt timed out")
	ErrNoPrompter    = errors.New("toast: no prompter configured")
)

const (
	DefaultCooldown      = 30 * time.Minute
	DefaultPromptTimeout = 10 * time.Minute
)

type Decision int

const (
	DecisionOK Decision = iota + 1
	DecisionCancel
)

func (d Decision) String() string {
	switch d {
	case DecisionOK:
		return "ok"
	case DecisionCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Prompt is one toast shown to the operator.
type Prompt struct {
	ID    string
	Item  notification.Item
	Index int
	Total int
}

// Prompter shows a toast and blocks until the operator decides or ctx ends.
type Prompter interface {
	Prompt(ctx context.Context, p Prompt) (Decision, error)
}

// Navigator follows an item's button link.
type Navigator interface {
	Navigate(ctx context.Context, href string, it notification.Item) error
}

// Outcome records what happened to one toast.
type Outcome struct {
	ID       string           `json:"id"`
	Key      notification.Key `json:"key"`
	Decision string           `json:"decision"`
	Action   string           `json:"action"`
	Until    time.Time        `json:"until,omitempty"`
}

// Result summarizes one sequence.
type Result struct {
	Outcomes  []Outcome `json:"outcomes"`
	Skipped   int       `json:"skipped"`
	Navigated string    `json:"navigated,omitempty"`
	Stopped   bool      `json:"stopped"`
}
