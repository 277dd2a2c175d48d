package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	logx "stakebot/pkg/logx"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags plus the fields tags cannot express
// (duration strings, log levels, timezones).
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		var ves validator.ValidationErrors
		if errors.As(err, &ves) {
			msgs := make([]string, 0, len(ves))
			for _, fe := range ves {
				msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	durations := map[string]string{
		"subgraph.timeout":                   cfg.Subgraph.Timeout,
		"notifications.default_dismiss_time": cfg.Notifications.DefaultDismissTime,
		"notifications.toast_cooldown":       cfg.Notifications.ToastCooldown,
		"notifications.prompt_timeout":       cfg.Notifications.PromptTimeout,
		"notifications.agreement_warning":    cfg.Notifications.AgreementWarning,
		"notifications.era_notice":           cfg.Notifications.EraNotice,
		"scheduler.idle_delay":               cfg.Scheduler.IdleDelay,
	}
	if cfg.Chain != nil {
		durations["chain.timeout"] = cfg.Chain.Timeout
	}
	if cfg.ConsumerHost != nil {
		durations["consumer_host.timeout"] = cfg.ConsumerHost.Timeout
	}
	if cfg.Telegram != nil {
		durations["telegram.poll_timeout"] = cfg.Telegram.PollTimeout
	}
	if cfg.Storage != nil {
		durations["storage.busy_timeout"] = cfg.Storage.BusyTimeout
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	if cfg.Storage != nil && cfg.Storage.Driver == "sqlite" && strings.TrimSpace(cfg.Storage.Path) == "" {
		return errors.New("storage.path: required for sqlite driver")
	}
	if cfg.Account.HasRole(RoleConsumer) && cfg.ConsumerHost == nil {
		return errors.New("consumer_host: required for the consumer role")
	}
	return nil
}
