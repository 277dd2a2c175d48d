package schedule

import (
	"context"
	"sync"
	"time"

	logx "stakebot/pkg/logx"
)

type TriggerOptions struct {
	Name string
	// Location evaluates cron specs; nil means time.Local.
	Location   *time.Location
	RunAtStart bool
	Logger     logx.Logger
}

// Trigger calls fire at every schedule tick. fire runs on the trigger
// goroutine, so it should hand work off (e.g. to the idle queue) and return.
type Trigger struct {
	opts TriggerOptions
	fire func(ctx context.Context)

	mu      sync.Mutex
	spec    Spec
	next    time.Time
	resetCh chan struct{}
}

func NewTrigger(spec Spec, fire func(ctx context.Context), opts TriggerOptions) *Trigger {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Logger.IsZero() {
		opts.Logger = logx.Nop()
	}
	return &Trigger{opts: opts, fire: fire, spec: spec, resetCh: make(chan struct{}, 1)}
}

// Reset swaps the schedule; the pending tick is recomputed immediately.
func (t *Trigger) Reset(spec Spec) {
	t.mu.Lock()
	changed := t.spec.String() != spec.String()
	t.spec = spec
	t.mu.Unlock()
	if !changed {
		return
	}
	select {
	case t.resetCh <- struct{}{}:
	default:
	}
}

func (t *Trigger) Spec() Spec {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spec
}

// Next is the pending fire time (zero before Run).
func (t *Trigger) Next() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next
}

// Run blocks until ctx ends.
func (t *Trigger) Run(ctx context.Context) error {
	log := t.opts.Logger.With(logx.String("trigger", t.opts.Name))
	if t.opts.RunAtStart {
		log.Debug("trigger firing at start")
		t.fire(ctx)
	}
	for {
		t.mu.Lock()
		spec := t.spec
		next := spec.Next(time.Now().In(t.opts.Location))
		t.next = next
		t.mu.Unlock()
		log.Debug("trigger armed", logx.String("spec", spec.String()), logx.Time("next", next))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-t.resetCh:
			timer.Stop()
			log.Info("trigger schedule changed", logx.String("spec", t.Spec().String()))
		case <-timer.C:
			t.fire(ctx)
		}
	}
}
