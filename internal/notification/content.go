package notification

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"stakebot/pkg/units"
)

// Content is the structured body of a notification. The set of kinds is closed.
type Content interface {
	Kind() string
	content()
}

// Text is a plain message.
type Text struct {
	Body string `json:"body"`
}

// Amount is a labelled token amount, optionally with the threshold it crossed.
type Amount struct {
	Label     string   `json:"label"`
	Value     *big.Int `json:"value"`
	Threshold *big.Int `json:"threshold,omitempty"`
	Symbol    string   `json:"symbol"`
}

// Allocation compares allocated stake with capacity for an era.
type Allocation struct {
	Allocated *big.Int `json:"allocated"`
	Capacity  *big.Int `json:"capacity"`
	Era       uint64   `json:"era"`
	Symbol    string   `json:"symbol"`
}

// Deployments lists affected deployment ids.
type Deployments struct {
	Summary string   `json:"summary"`
	IDs     []string `json:"ids"`
}

// Deadline is a labelled point in time.
type Deadline struct {
	Label string    `json:"label"`
	At    time.Time `json:"at"`
}

// Era announces an era change.
type Era struct {
	Number    uint64    `json:"number"`
	StartedAt time.Time `json:"started_at"`
}

func (Text) Kind() string        { return "text" }
func (Amount) Kind() string      { return "amount" }
func (Allocation) Kind() string  { return "allocation" }
func (Deployments) Kind() string { return "deployments" }
func (Deadline) Kind() string    { return "deadline" }
func (Era) Kind() string         { return "era" }

func (Text) content()        {}
func (Amount) content()      {}
func (Allocation) content()  {}
func (Deployments) content() {}
func (Deadline) content()    {}
func (Era) content()         {}

// maxListedDeployments bounds the ids spelled out in a rendered message.
const maxListedDeployments = 3

// Render produces the plain-text message for c, relative to the current time.
func Render(c Content) string { return RenderAt(c, time.Now()) }

// RenderAt is Render with an explicit clock.
func RenderAt(c Content, now time.Time) string {
	switch v := c.(type) {
	case nil:
		return ""
	case Text:
		return v.Body
	case Amount:
		s := fmt.Sprintf("%s: %s", v.Label, units.Format(v.Value, v.Symbol))
		if v.Threshold != nil {
			s += fmt.Sprintf(" (minimum %s)", units.Format(v.Threshold, v.Symbol))
		}
		return s
	case Allocation:
		over := new(big.Int)
		if v.Allocated != nil && v.Capacity != nil {
			over.Sub(v.Allocated, v.Capacity)
		}
		return fmt.Sprintf("Era %d: allocated %s against a capacity of %s (%s over).",
			v.Era, units.Format(v.Allocated, v.Symbol), units.Format(v.Capacity, v.Symbol), units.Format(over, v.Symbol))
	case Deployments:
		ids := v.IDs
		extra := 0
		if len(ids) > maxListedDeployments {
			extra = len(ids) - maxListedDeployments
			ids = ids[:maxListedDeployments]
		}
		s := v.Summary
		if len(ids) > 0 {
			s += ": " + strings.Join(ids, ", ")
		}
		if extra > 0 {
			s += fmt.Sprintf(" (+%d more)", extra)
		}
		return s
	case Deadline:
		return fmt.Sprintf("%s %s (%s).", v.Label, units.Relative(v.At, now), v.At.UTC().Format("2006-01-02 15:04 UTC"))
	case Era:
		return fmt.Sprintf("Era %d started %s.", v.Number, units.Relative(v.StartedAt, now))
	default:
		return ""
	}
}
