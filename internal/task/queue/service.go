// Package queue is the idle scheduler: one supervised worker runs deferred
// jobs strictly one after another, pausing before each job.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"stakebot/internal/eventbus"
	rtsup "stakebot/internal/runtime/supervisor"
	logx "stakebot/pkg/logx"
)

const (
	defaultQueueSize = 64
	stopGrace        = 2 * time.Second
)

type unit struct {
	name       string
	jobs       []Job
	done       chan struct{}
	enqueuedAt time.Time
}

type Service struct {
	mu       sync.Mutex
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	limiter  *rate.Limiter
	q        chan unit
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopping bool

	statsMu sync.Mutex
	stats   Snapshot
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, bus: bus}
	s.Apply(cfg)
	return s
}

// Apply swaps pacing settings. QueueSize takes effect on the next Start.
func (s *Service) Apply(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	switch {
	case cfg.RatePerSec <= 0:
		s.limiter = nil
	case s.limiter == nil:
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	default:
		s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		s.limiter.SetBurst(cfg.Burst)
	}
}

// Start launches the worker. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.q = make(chan unit, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopping = false
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	q, stopCh, sup := s.q, s.stopCh, s.sup
	s.mu.Unlock()

	s.statsMu.Lock()
	s.stats.Running = true
	s.statsMu.Unlock()

	sup.GoRestart("queue.worker", func(c context.Context) error {
		s.worker(c, q, stopCh)
		select {
		case <-stopCh:
			return nil
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("queue worker exited unexpectedly")
	})
	s.log.Info("idle queue started", logx.Int("capacity", cap(q)))
}

// Stop rejects new work and drains queued units until ctx ends. Units that
// could not run still have their done channels closed.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if !s.stopping {
		s.stopping = true
		close(s.stopCh)
	}
	sup, q := s.sup, s.q
	s.mu.Unlock()

	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("idle queue drain timed out; canceling", logx.Err(ctx.Err()))
		sup.Cancel()
		gctx, cancel := context.WithTimeout(context.Background(), stopGrace)
		if err := sup.Wait(gctx); err != nil && gctx.Err() != nil {
			s.log.Warn("idle queue worker still running after cancel")
		}
		cancel()
	}
	sup.Cancel()

	dropped := 0
	for {
		select {
		case u := <-q:
			close(u.done)
			dropped++
			continue
		default:
		}
		break
	}

	s.mu.Lock()
	s.q = nil
	s.stopCh = nil
	s.sup = nil
	s.mu.Unlock()

	s.statsMu.Lock()
	s.stats.Running = false
	s.stats.Dropped += uint64(dropped)
	s.statsMu.Unlock()
	s.log.Info("idle queue stopped", logx.Int("dropped", dropped))
}

// Defer queues one job (the idle callback).
func (s *Service) Defer(job Job) error {
	_, err := s.DeferAll(job.Name, job)
	return err
}

// DeferAll queues jobs to run serially as one unit. The returned channel is
// closed once every job finished, or the unit was dropped at shutdown.
func (s *Service) DeferAll(name string, jobs ...Job) (<-chan struct{}, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("queue: unit name is required")
	}
	for i, j := range jobs {
		if j.Run == nil {
			return nil, fmt.Errorf("queue: job %d of %s has no Run", i, name)
		}
	}
	u := unit{name: name, jobs: jobs, done: make(chan struct{}), enqueuedAt: time.Now()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q == nil || s.stopping {
		return nil, ErrStopped
	}
	select {
	case s.q <- u:
		return u.done, nil
	default:
		s.statsMu.Lock()
		s.stats.Dropped++
		s.statsMu.Unlock()
		s.log.Warn("idle queue full; unit dropped", logx.String("unit", name), logx.Int("capacity", cap(s.q)))
		return nil, ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	q, sup := s.q, s.sup
	s.mu.Unlock()

	s.statsMu.Lock()
	out := s.stats
	s.statsMu.Unlock()
	if q != nil {
		out.Queued = len(q)
		out.Capacity = cap(q)
	}
	for _, g := range sup.Snapshot() {
		out.WorkerRestarts += g.Restarts
	}
	return out
}

func (s *Service) worker(ctx context.Context, q chan unit, stopCh <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-q:
			s.runUnit(ctx, u)
		case <-stopCh:
			for {
				select {
				case u := <-q:
					s.runUnit(ctx, u)
					if ctx.Err() != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Service) runUnit(ctx context.Context, u unit) {
	defer close(u.done)
	log := s.log.With(logx.String("unit", u.name))
	log.Debug("unit started", logx.Duration("queued_for", time.Since(u.enqueuedAt)), logx.Int("jobs", len(u.jobs)))
	for _, j := range u.jobs {
		if err := s.idle(ctx); err != nil {
			log.Debug("unit abandoned", logx.Err(err))
			return
		}
		s.runJob(ctx, u.name, j, log)
	}
}

// idle waits IdleDelay and then a limiter token.
func (s *Service) idle(ctx context.Context) error {
	s.mu.Lock()
	delay, lim := s.cfg.IdleDelay, s.limiter
	s.mu.Unlock()
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if lim != nil {
		return lim.Wait(ctx)
	}
	return ctx.Err()
}

func (s *Service) runJob(ctx context.Context, unitName string, j Job, log logx.Logger) {
	s.mu.Lock()
	timeout := s.cfg.JobTimeout
	s.mu.Unlock()
	if j.Timeout > 0 {
		timeout = j.Timeout
	}
	jctx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		jctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	s.statsMu.Lock()
	s.stats.Current = j.Name
	s.statsMu.Unlock()

	start := time.Now()
	err := safeRun(jctx, j)
	took := time.Since(start)

	s.statsMu.Lock()
	s.stats.Current = ""
	s.stats.Runs++
	s.stats.LastJob = j.Name
	s.stats.LastRunAt = start
	s.stats.LastError = ""
	if err != nil {
		s.stats.Failures++
		s.stats.LastError = err.Error()
	}
	s.statsMu.Unlock()

	ev := JobEvent{Unit: unitName, Job: j.Name, Took: took}
	if err != nil {
		ev.Error = err.Error()
		log.Warn("job failed", logx.String("job", j.Name), logx.Duration("took", took), logx.Err(err))
		eventbus.Publish(s.bus, eventbus.QueueJobFailed, ev)
		return
	}
	log.Debug("job done", logx.String("job", j.Name), logx.Duration("took", took))
	eventbus.Publish(s.bus, eventbus.QueueJobDone, ev)
}

func safeRun(ctx context.Context, j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", j.Name, r)
		}
	}()
	return j.Run(ctx)
}
