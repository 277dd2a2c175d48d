package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound       = errors.New("notification: not found")
	ErrNotDismissable = errors.New("notification: cannot be dismissed")
	ErrUnknownKey     = errors.New("notification: unknown key")
)

// Key identifies a notification. At most one item per key exists at a time.
type Key string

const (
	KeyOverAllocate         Key = "overAllocate"
	KeyOverAllocateNextEra  Key = "overAllocateNextEra"
	KeyUnclaimedRewards     Key = "unclaimedRewards"
	KeyLowControllerBalance Key = "lowControllerBalance"
	KeyUnstakeAllocation    Key = "unstakeAllocation"
	KeyOutdatedAllocation   Key = "outdatedAllocation"
	KeyUnlockWithdrawal     Key = "unlockWithdrawal"
	KeyInactiveOperator     Key = "inactiveOperator"
	KeyLowBillingBalance    Key = "lowBillingBalance"
	KeyExpiringAgreement    Key = "expiringAgreement"
	KeyNewEra               Key = "newEra"
)

// Keys lists every known key in display order.
var Keys = []Key{
	KeyOverAllocate,
	KeyOverAllocateNextEra,
	KeyUnclaimedRewards,
	KeyLowControllerBalance,
	KeyUnstakeAllocation,
	KeyOutdatedAllocation,
	KeyUnlockWithdrawal,
	KeyInactiveOperator,
	KeyLowBillingBalance,
	KeyExpiringAgreement,
	KeyNewEra,
}

func (k Key) Valid() bool {
	for _, v := range Keys {
		if v == k {
			return true
		}
	}
	return false
}

func (k Key) String() string { return string(k) }

// ParseKey accepts only the fixed key set.
func ParseKey(s string) (Key, error) {
	k := Key(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKey, s)
	}
	return k, nil
}

type Level string

const (
	LevelInfo     Level = "info"
	LevelCritical Level = "critical"
)

// Button is the primary action of a toast. An empty Href means "acknowledge".
type Button struct {
	Label string `json:"label"`
	Href  string `json:"href,omitempty"`
}

// Item is one active notification.
//
// DismissTo suppresses toasting (and re-fetching) until it passes; zero means unset.
type Item struct {
	Key            Key
	Level          Level
	Title          string
	Content        Content
	CreatedAt      time.Time
	CanBeDismissed bool
	DismissTime    time.Duration
	DismissTo      time.Time
	Button         Button
}

// Message renders Content as plain text.
func (it Item) Message() string { return Render(it.Content) }

// Suppressed reports whether DismissTo is set and still in the future at now.
func (it Item) Suppressed(now time.Time) bool {
	return !it.DismissTo.IsZero() && now.Before(it.DismissTo)
}

type itemJSON struct {
	Key            Key         `json:"key"`
	Level          Level       `json:"level"`
	Title          string      `json:"title"`
	Message        string      `json:"message"`
	Content        contentJSON `json:"content"`
	CreatedAt      time.Time   `json:"created_at"`
	CanBeDismissed bool        `json:"can_be_dismissed"`
	DismissTime    string      `json:"dismiss_time,omitempty"`
	DismissTo      *time.Time  `json:"dismiss_to,omitempty"`
	Button         Button      `json:"button"`
}

type contentJSON struct {
	Kind string  `json:"kind"`
	Data Content `json:"data,omitempty"`
}

func (it Item) MarshalJSON() ([]byte, error) {
	out := itemJSON{
		Key:            it.Key,
		Level:          it.Level,
		Title:          it.Title,
		Message:        it.Message(),
		CreatedAt:      it.CreatedAt,
		CanBeDismissed: it.CanBeDismissed,
		Button:         it.Button,
	}
	if it.Content != nil {
		out.Content = contentJSON{Kind: it.Content.Kind(), Data: it.Content}
	}
	if it.DismissTime > 0 {
		out.DismissTime = it.DismissTime.String()
	}
	if !it.DismissTo.IsZero() {
		t := it.DismissTo
		out.DismissTo = &t
	}
	return json.Marshal(out)
}

// Event is the payload of notification.* bus events.
type Event struct {
	Key       Key       `json:"key"`
	Level     Level     `json:"level,omitempty"`
	DismissTo time.Time `json:"dismiss_to,omitempty"`
}
