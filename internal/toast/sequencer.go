// Package toast walks the critical notifications one prompt at a time.
package toast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"stakebot/internal/eventbus"
	"stakebot/internal/notification"
	"stakebot/internal/storage"
	logx "stakebot/pkg/logx"
)

const (
	actionNavigate = "navigate"
	actionSnooze   = "snooze"
	actionDismiss  = "dismiss"
	actionGone     = "gone"
	actionError    = "error"
)

type Options struct {
	Store         *notification.Store
	Prompter      Prompter
	Navigator     Navigator
	Audit         storage.Store
	Bus           eventbus.Bus
	Logger        logx.Logger
	Cooldown      time.Duration
	PromptTimeout time.Duration
	Now           func() time.Time
}

// Sequencer runs toast sequences. At most one sequence, and so at most one
// open prompt, exists at a time.
type Sequencer struct {
	store *notification.Store
	audit storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	cfgMu         sync.RWMutex
	prompter      Prompter
	nav           Navigator
	cooldown      time.Duration
	promptTimeout time.Duration

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

func New(opts Options) *Sequencer {
	s := &Sequencer{
		store:    opts.Store,
		nav:      opts.Navigator,
		audit:    opts.Audit,
		bus:      opts.Bus,
		log:      opts.Logger,
		now:      opts.Now,
		prompter: opts.Prompter,
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "toast"))
	if s.now == nil {
		s.now = time.Now
	}
	s.Apply(opts.Cooldown, opts.PromptTimeout)
	return s
}

// Apply updates the cooldown and prompt timeout; zero values restore defaults.
func (s *Sequencer) Apply(cooldown, promptTimeout time.Duration) {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if promptTimeout <= 0 {
		promptTimeout = DefaultPromptTimeout
	}
	s.cfgMu.Lock()
	s.cooldown, s.promptTimeout = cooldown, promptTimeout
	s.cfgMu.Unlock()
}

// SetPrompter swaps the prompter used by the next sequence.
func (s *Sequencer) SetPrompter(p Prompter) {
	s.cfgMu.Lock()
	s.prompter = p
	s.cfgMu.Unlock()
}

func (s *Sequencer) SetNavigator(n Navigator) {
	s.cfgMu.Lock()
	s.nav = n
	s.cfgMu.Unlock()
}

// Running reports whether a sequence is in flight.
func (s *Sequencer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Run shows eligible toasts in order. A call made while another sequence runs
// waits for it to finish (or ctx) and then runs its own.
func (s *Sequencer) Run(ctx context.Context) (Result, error) {
	if err := s.acquire(ctx); err != nil {
		return Result{}, err
	}
	defer s.release()
	return s.sequence(ctx)
}

func (s *Sequencer) acquire(ctx context.Context) error {
	for {
		s.mu.Lock()
		if !s.running {
			s.running = true
			s.done = make(chan struct{})
			s.mu.Unlock()
			return nil
		}
		done := s.done
		s.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Sequencer) release() {
	s.mu.Lock()
	s.running = false
	close(s.done)
	s.mu.Unlock()
}

func eligible(it notification.Item, now time.Time) bool {
	return it.Level == notification.LevelCritical && !it.Suppressed(now)
}

func (s *Sequencer) sequence(ctx context.Context) (Result, error) {
	s.cfgMu.RLock()
	prompter, nav, cooldown, timeout := s.prompter, s.nav, s.cooldown, s.promptTimeout
	s.cfgMu.RUnlock()
	if prompter == nil {
		return Result{}, ErrNoPrompter
	}

	var keys []notification.Key
	now := s.now()
	for _, it := range s.store.List() {
		if eligible(it, now) {
			keys = append(keys, it.Key)
		}
	}

	var res Result
	for i, key := range keys {
		if err := ctx.Err(); err != nil {
			res.Stopped = true
			return res, err
		}
		it, ok := s.store.Get(key)
		if !ok || !eligible(it, s.now()) {
			res.Skipped++
			continue
		}

		p := Prompt{ID: uuid.NewString(), Item: it, Index: i + 1, Total: len(keys)}
		log := s.log.With(logx.String("toast", p.ID), logx.String("key", string(key)))
		eventbus.Publish(s.bus, eventbus.ToastShown, p.Outcome("", ""))
		log.Debug("toast shown")

		pctx, cancel := context.WithTimeout(ctx, timeout)
		dec, err := prompter.Prompt(pctx, p)
		timedOut := errors.Is(pctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()
		if err != nil {
			if timedOut || errors.Is(err, ErrPromptTimeout) {
				err = fmt.Errorf("%w after %s", ErrPromptTimeout, timeout)
			}
			s.record(ctx, p, Outcome{ID: p.ID, Key: key, Action: actionError}, err)
			log.Info("toast sequence stopped", logx.Err(err))
			res.Stopped = true
			return res, err
		}

		out, stop, err := s.apply(ctx, nav, it, dec, cooldown)
		out.ID = p.ID
		res.Outcomes = append(res.Outcomes, out)
		s.record(ctx, p, out, err)
		eventbus.Publish(s.bus, eventbus.ToastDecided, out)
		log.Info("toast decided", logx.String("decision", out.Decision), logx.String("action", out.Action))
		if stop {
			res.Stopped = true
			if out.Action == actionNavigate {
				res.Navigated = it.Button.Href
			}
			return res, err
		}
	}
	return res, nil
}

// apply carries out a decision. stop reports whether the sequence ends here.
func (s *Sequencer) apply(ctx context.Context, nav Navigator, it notification.Item, dec Decision, cooldown time.Duration) (Outcome, bool, error) {
	now := s.now()
	out := Outcome{Key: it.Key, Decision: dec.String()}
	switch dec {
	case DecisionOK:
		if it.Button.Href != "" {
			if nav != nil {
				if err := nav.Navigate(ctx, it.Button.Href, it); err != nil {
					out.Action = actionError
					return out, true, fmt.Errorf("toast: navigate: %w", err)
				}
			}
			out.Action = actionNavigate
			s.store.Remove(it.Key)
			return out, true, nil
		}
		return s.snooze(out, now.Add(cooldown)), false, nil
	case DecisionCancel:
		dismissed, err := s.store.Dismiss(it.Key, now)
		switch {
		case err == nil:
			out.Action, out.Until = actionDismiss, dismissed.DismissTo
		case errors.Is(err, notification.ErrNotDismissable):
			out = s.snooze(out, now.Add(cooldown))
		case errors.Is(err, notification.ErrNotFound):
			out.Action = actionGone
		default:
			return out, true, err
		}
		return out, false, nil
	default:
		return out, true, fmt.Errorf("toast: unknown decision %d", dec)
	}
}

func (s *Sequencer) snooze(out Outcome, until time.Time) Outcome {
	if s.store.Snooze(out.Key, until) {
		out.Action, out.Until = actionSnooze, until
	} else {
		out.Action = actionGone
	}
	return out
}

func (p Prompt) Outcome(decision, action string) Outcome {
	return Outcome{ID: p.ID, Key: p.Item.Key, Decision: decision, Action: action}
}

func (s *Sequencer) record(ctx context.Context, p Prompt, out Outcome, err error) {
	if s.audit == nil {
		return
	}
	e := storage.AuditEntry{
		ID:       p.ID,
		At:       s.now(),
		Actor:    "toast",
		Action:   "toast." + out.Action,
		Key:      string(p.Item.Key),
		Decision: out.Decision,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if meta, mErr := json.Marshal(map[string]any{"title": p.Item.Title, "index": p.Index, "total": p.Total}); mErr == nil {
		e.MetaJSON = string(meta)
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if aErr := s.audit.AppendAudit(wctx, e); aErr != nil && !errors.Is(aErr, storage.ErrDisabled) {
		s.log.Warn("audit append failed", logx.Err(aErr))
	}
}
