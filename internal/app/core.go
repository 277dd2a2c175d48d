package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"stakebot/internal/chain"
	"stakebot/internal/config"
	"stakebot/internal/consumerhost"
	"stakebot/internal/eventbus"
	"stakebot/internal/notification"
	"stakebot/internal/producer"
	"stakebot/internal/storage"
	"stakebot/internal/subgraph"
	"stakebot/internal/task/queue"
	"stakebot/internal/toast"
	logx "stakebot/pkg/logx"
	"stakebot/pkg/units"
)

const defaultConsumerChainID = 8453

// Core is the notification pipeline without a chat transport: clients,
// the notification store, producers, the idle queue and the toast sequencer.
// The daemon and the one-shot CLI commands share it.
type Core struct {
	log logx.Logger
	bus eventbus.Bus
	st  storage.Store

	Store  *notification.Store
	Queue  *queue.Service
	Toasts *toast.Sequencer

	sg      *subgraph.Client
	chain   *chain.Client
	billing *consumerhost.Client

	ownsStorage bool

	mu        sync.RWMutex
	producers []producer.Producer
}

// OpenCore opens the configured storage and builds a Core that owns it.
// Used by one-shot commands; Close flushes dismissals and closes storage.
func OpenCore(ctx context.Context, cfg *config.Config, log logx.Logger) (*Core, error) {
	var st storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		if st, err = storage.Open(sc, log); err != nil {
			return nil, err
		}
	}
	c, err := NewCore(ctx, cfg, log, nil, st)
	if err != nil {
		closeStore(st)
		return nil, err
	}
	c.ownsStorage = true
	return c, nil
}

// NewCore dials the configured backends. st may be nil.
func NewCore(ctx context.Context, cfg *config.Config, log logx.Logger, bus eventbus.Bus, st storage.Store) (*Core, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Core{log: log, bus: bus, st: st}

	sg, err := subgraph.New(subgraph.Config{
		URL:        cfg.Subgraph.URL,
		Timeout:    config.DurationOr(cfg.Subgraph.Timeout, 0),
		RatePerSec: cfg.Subgraph.RatePerSec,
		Burst:      cfg.Subgraph.Burst,
	}, log.With(logx.String("comp", "subgraph")))
	if err != nil {
		return nil, err
	}
	c.sg = sg

	if cc := cfg.Chain; cc != nil {
		cl, err := chain.Dial(ctx, chain.Config{
			RPCURL:  cc.RPCURL,
			ChainID: cc.ChainID,
			Timeout: config.DurationOr(cc.Timeout, 0),
		}, log.With(logx.String("comp", "chain")))
		if err != nil {
			return nil, fmt.Errorf("chain: %w", err)
		}
		c.chain = cl
	}

	if ch := cfg.ConsumerHost; ch != nil && cfg.Account.HasRole(config.RoleConsumer) && strings.TrimSpace(ch.KeyEnv) != "" {
		signer, err := chain.NewKeySignerFromEnv(ch.KeyEnv)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("consumer_host: %w", err)
		}
		if !strings.EqualFold(signer.Address(), cfg.Account.Address) {
			log.Warn("consumer host key does not match account address",
				logx.String("signer", signer.Address()), logx.String("account", cfg.Account.Address))
		}
		cl, err := consumerhost.New(consumerhost.Config{
			URL:     ch.URL,
			ChainID: consumerChainID(cfg),
			Timeout: config.DurationOr(ch.Timeout, 0),
		}, signer, st, log.With(logx.String("comp", "consumerhost")))
		if err != nil {
			c.Close()
			return nil, err
		}
		c.billing = cl
	}

	c.Store = notification.NewStore(notification.Options{
		DefaultDismissTime: config.DurationOr(cfg.Notifications.DefaultDismissTime, notification.DefaultDismissTime),
		Bus:                bus,
		Storage:            st,
		Logger:             log.With(logx.String("comp", "notifications")),
	})
	if err := c.Store.Restore(ctx); err != nil {
		log.Warn("restore dismissals failed", logx.Err(err))
	}

	c.Queue = queue.New(mapQueueConfig(cfg), log.With(logx.String("comp", "queue")), bus)
	c.Toasts = toast.New(toast.Options{
		Store:         c.Store,
		Audit:         st,
		Bus:           bus,
		Logger:        log,
		Cooldown:      config.DurationOr(cfg.Notifications.ToastCooldown, toast.DefaultCooldown),
		PromptTimeout: config.DurationOr(cfg.Notifications.PromptTimeout, toast.DefaultPromptTimeout),
	})

	if err := c.Apply(cfg); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func consumerChainID(cfg *config.Config) int64 {
	if cfg.ConsumerHost != nil && cfg.ConsumerHost.ChainID > 0 {
		return cfg.ConsumerHost.ChainID
	}
	if cfg.Chain != nil && cfg.Chain.ChainID > 0 {
		return cfg.Chain.ChainID
	}
	return defaultConsumerChainID
}

func mapQueueConfig(cfg *config.Config) queue.Config {
	return queue.Config{
		QueueSize:  cfg.Scheduler.QueueSize,
		IdleDelay:  config.DurationOr(cfg.Scheduler.IdleDelay, 0),
		RatePerSec: cfg.Scheduler.RatePerSec,
		Burst:      cfg.Scheduler.Burst,
		JobTimeout: config.DurationOr(cfg.Subgraph.Timeout, 0) * 4,
	}
}

func mapSettings(cfg *config.Config) (producer.Settings, error) {
	s := producer.Settings{
		Account:          cfg.Account.Address,
		Controller:       cfg.Account.Controller,
		Roles:            cfg.Account.Roles,
		AgreementWarning: config.DurationOr(cfg.Notifications.AgreementWarning, producer.DefaultAgreementWarning),
		EraNotice:        config.DurationOr(cfg.Notifications.EraNotice, producer.DefaultEraNotice),
	}
	if cfg.Chain != nil && strings.TrimSpace(cfg.Chain.MinControllerBalance) != "" {
		v, err := units.Parse(cfg.Chain.MinControllerBalance)
		if err != nil {
			return s, fmt.Errorf("chain.min_controller_balance: %w", err)
		}
		s.MinControllerBalance = v
	}
	if cfg.ConsumerHost != nil && strings.TrimSpace(cfg.ConsumerHost.MinBillingBalance) != "" {
		v, err := units.Parse(cfg.ConsumerHost.MinBillingBalance)
		if err != nil {
			return s, fmt.Errorf("consumer_host.min_billing_balance: %w", err)
		}
		s.MinBillingBalance = v
	}
	return s, nil
}

// Apply rebuilds producers and retunes the store, queue and sequencer for cfg.
// Backend endpoints are fixed at NewCore.
func (c *Core) Apply(cfg *config.Config) error {
	settings, err := mapSettings(cfg)
	if err != nil {
		return err
	}
	deps := producer.Deps{Subgraph: c.sg}
	if c.chain != nil {
		deps.Chain = c.chain
	}
	if c.billing != nil {
		deps.Billing = c.billing
	}
	ps := producer.Build(settings, deps, producer.Options{
		Store:  c.Store,
		Bus:    c.bus,
		Logger: c.log.With(logx.String("comp", "producer")),
	})

	c.Store.SetDefaultDismissTime(config.DurationOr(cfg.Notifications.DefaultDismissTime, notification.DefaultDismissTime))
	c.Queue.Apply(mapQueueConfig(cfg))
	c.Toasts.Apply(
		config.DurationOr(cfg.Notifications.ToastCooldown, toast.DefaultCooldown),
		config.DurationOr(cfg.Notifications.PromptTimeout, toast.DefaultPromptTimeout),
	)

	c.mu.Lock()
	c.producers = ps
	c.mu.Unlock()
	names := make([]string, 0, len(ps))
	for _, p := range ps {
		names = append(names, p.Name())
	}
	c.log.Debug("producers configured", logx.Strs("producers", names))
	return nil
}

func (c *Core) Producers() []producer.Producer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]producer.Producer(nil), c.producers...)
}

// Defer queues every producer as one idle unit.
func (c *Core) Defer(mode producer.Mode) (<-chan struct{}, error) {
	return c.Queue.DeferAll("producers."+mode.String(), producer.Jobs(c.Producers(), mode)...)
}

// Reload queues every producer in reload mode.
func (c *Core) Reload(context.Context) (<-chan struct{}, error) {
	return c.Defer(producer.ModeReload)
}

// CheckAll runs every producer inline, in order. Failures do not stop later
// producers and are joined into the returned error.
func (c *Core) CheckAll(ctx context.Context, mode producer.Mode) ([]producer.Report, error) {
	var (
		reports []producer.Report
		errs    []error
	)
	for _, p := range c.Producers() {
		r, err := p.Make(ctx, mode)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		reports = append(reports, r)
	}
	return reports, errors.Join(errs...)
}

func (c *Core) Close() {
	if c.chain != nil {
		c.chain.Close()
	}
	if c.ownsStorage && c.st != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		c.Store.Flush(ctx)
		cancel()
		if err := c.st.Close(); err != nil {
			c.log.Warn("close storage", logx.Err(err))
		}
	}
}
