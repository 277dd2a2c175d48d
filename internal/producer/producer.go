// Package producer turns network state into notifications. Each producer
// fetches one snapshot and evaluates a fixed list of checks against it; keys
// checked recently are not fetched again until their window passes.
package producer

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"stakebot/internal/eventbus"
	"stakebot/internal/notification"
	logx "stakebot/pkg/logx"
)

type Mode int

const (
	// ModeDefault skips checks whose window has not passed.
	ModeDefault Mode = iota
	// ModeReload evaluates every check.
	ModeReload
)

func (m Mode) String() string {
	if m == ModeReload {
		return "reload"
	}
	return "default"
}

type Producer interface {
	Name() string
	Keys() []notification.Key
	Make(ctx context.Context, mode Mode) (Report, error)
}

// Report summarizes one Make call.
type Report struct {
	Producer string             `json:"producer"`
	Mode     string             `json:"mode"`
	Fetched  bool               `json:"fetched"`
	Shared   bool               `json:"shared,omitempty"`
	Skipped  []notification.Key `json:"skipped,omitempty"`
	Set      []notification.Key `json:"set,omitempty"`
	Cleared  []notification.Key `json:"cleared,omitempty"`
	Took     time.Duration      `json:"took"`
}

// DefaultRecheck is how long a false condition holds off refetching.
const DefaultRecheck = 10 * time.Minute

// Check evaluates one key against a snapshot. A nil item means the condition
// does not hold and any existing item is removed.
//
// A true condition is not fetched again for DismissTime (or the store
// default); a false one only for Recheck (DefaultRecheck when zero, capped at
// the DismissTime window).
type Check[S any] struct {
	Key         notification.Key
	DismissTime time.Duration
	Recheck     time.Duration
	Evaluate    func(snap S, now time.Time) *notification.Item
}

func (c Check[S]) windows(def time.Duration) (set, clear time.Duration) {
	set = c.DismissTime
	if set <= 0 {
		set = def
	}
	clear = c.Recheck
	if clear <= 0 {
		clear = DefaultRecheck
	}
	return set, min(set, clear)
}

type Options struct {
	Store  *notification.Store
	Bus    eventbus.Bus
	Logger logx.Logger
	Now    func() time.Time
}

// Base is a Producer built from a fetch function and its checks.
type Base[S any] struct {
	name   string
	fetch  func(ctx context.Context) (S, error)
	checks []Check[S]
	store  *notification.Store
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time
	sf     singleflight.Group
}

func NewBase[S any](name string, fetch func(context.Context) (S, error), checks []Check[S], opts Options) *Base[S] {
	b := &Base[S]{
		name:   name,
		fetch:  fetch,
		checks: checks,
		store:  opts.Store,
		bus:    opts.Bus,
		log:    opts.Logger,
		now:    opts.Now,
	}
	if b.log.IsZero() {
		b.log = logx.Nop()
	}
	b.log = b.log.With(logx.String("producer", name))
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

func (b *Base[S]) Name() string { return b.name }

func (b *Base[S]) Keys() []notification.Key {
	out := make([]notification.Key, 0, len(b.checks))
	for _, c := range b.checks {
		out = append(out, c.Key)
	}
	return out
}

// Make runs the checks. Outside reload mode it fetches only when some key's
// window has passed, and then evaluates every key not held by an existing,
// unexpired item, so a shared snapshot is never thrown away.
func (b *Base[S]) Make(ctx context.Context, mode Mode) (Report, error) {
	start := time.Now()
	now := b.now()
	rep := Report{Producer: b.name, Mode: mode.String()}

	due := mode == ModeReload
	for _, c := range b.checks {
		if !due && !b.store.Fresh(c.Key, now) {
			due = true
		}
	}
	if !due {
		rep.Skipped = b.Keys()
		rep.Took = time.Since(start)
		b.log.Trace("all checks fresh")
		eventbus.Publish(b.bus, eventbus.ProducerSkipped, rep)
		return rep, nil
	}

	v, err, shared := b.sf.Do(b.name, func() (any, error) {
		return b.fetch(ctx)
	})
	rep.Shared = shared
	if err != nil {
		rep.Took = time.Since(start)
		b.log.Warn("fetch failed", logx.String("mode", rep.Mode), logx.Err(err))
		eventbus.Publish(b.bus, eventbus.ProducerFailed, rep)
		return rep, fmt.Errorf("producer %s: %w", b.name, err)
	}
	rep.Fetched = true
	snap := v.(S)

	def := b.store.DefaultDismissTime()
	evaluated := 0
	for _, c := range b.checks {
		if mode != ModeReload {
			if exist, expired := b.store.CheckExistAndExpired(c.Key, now); exist && !expired {
				rep.Skipped = append(rep.Skipped, c.Key)
				continue
			}
		}
		evaluated++
		setWindow, clearWindow := c.windows(def)
		if it := c.Evaluate(snap, now); it != nil {
			it.Key = c.Key
			if it.DismissTime <= 0 {
				it.DismissTime = c.DismissTime
			}
			b.store.Add(*it, true)
			rep.Set = append(rep.Set, c.Key)
			b.store.MarkChecked(c.Key, now.Add(setWindow))
			continue
		}
		if b.store.Remove(c.Key) {
			rep.Cleared = append(rep.Cleared, c.Key)
		}
		b.store.MarkChecked(c.Key, now.Add(clearWindow))
	}
	rep.Took = time.Since(start)
	b.log.Debug("checks evaluated",
		logx.String("mode", rep.Mode),
		logx.Int("evaluated", evaluated),
		logx.Int("set", len(rep.Set)),
		logx.Int("cleared", len(rep.Cleared)),
		logx.Duration("took", rep.Took),
	)
	eventbus.Publish(b.bus, eventbus.ProducerChecked, rep)
	return rep, nil
}
