package config

// Config is the root of stakebot's config file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "24h").
// Optional sections are pointers so "omitted" differs from "disabled".
type Config struct {
	Account       AccountConfig       `json:"account"`
	Subgraph      SubgraphConfig      `json:"subgraph"`
	Chain         *ChainConfig        `json:"chain,omitempty"`
	ConsumerHost  *ConsumerHostConfig `json:"consumer_host,omitempty"`
	Notifications NotificationsConfig `json:"notifications"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Telegram      *TelegramConfig     `json:"telegram,omitempty"`
	HTTP          *HTTPConfig         `json:"http,omitempty"`
	Logging       LoggingConfig       `json:"logging"`
	Storage       *StorageConfig      `json:"storage,omitempty"`
}

// Account roles. Each role enables a producer set.
const (
	RoleIndexer   = "indexer"
	RoleDelegator = "delegator"
	RoleConsumer  = "consumer"
)

// AccountConfig identifies the watched wallet.
//
// Controller is the indexer's controller account; lowControllerBalance is
// only checked when both it and the chain section are set.
type AccountConfig struct {
	Address    string   `json:"address" validate:"required,eth_addr"`
	Controller string   `json:"controller,omitempty" validate:"omitempty,eth_addr"`
	Roles      []string `json:"roles" validate:"required,min=1,dive,oneof=indexer delegator consumer"`
}

func (a AccountConfig) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type SubgraphConfig struct {
	URL        string  `json:"url" validate:"required,url"`
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Burst      int     `json:"burst,omitempty" validate:"gte=0"`
}

// ChainConfig points at an EVM JSON-RPC endpoint.
//
// MinControllerBalance is a decimal token amount (e.g. "0.5").
type ChainConfig struct {
	RPCURL               string `json:"rpc_url" validate:"required,url"`
	ChainID              int64  `json:"chain_id" validate:"gt=0"`
	Timeout              string `json:"timeout,omitempty"`
	MinControllerBalance string `json:"min_controller_balance,omitempty" validate:"omitempty,numeric"`
}

// ConsumerHostConfig configures the flex plan host.
//
// The signing key is read from the environment variable named by KeyEnv,
// never from the config file.
type ConsumerHostConfig struct {
	URL               string `json:"url" validate:"required,url"`
	// ChainID signs the login message; defaults to chain.chain_id, then 8453.
	ChainID           int64  `json:"chain_id,omitempty" validate:"gte=0"`
	KeyEnv            string `json:"key_env,omitempty"`
	Timeout           string `json:"timeout,omitempty"`
	MinBillingBalance string `json:"min_billing_balance,omitempty" validate:"omitempty,numeric"`
}

// NotificationsConfig controls dismissal windows and toast pacing.
//
// Defaults:
//   - default_dismiss_time: "1h"
//   - toast_cooldown: "30m"
//   - prompt_timeout: "10m"
//   - agreement_warning: "72h"
//   - era_notice: "1h"
type NotificationsConfig struct {
	// DashboardURL prefixes relative toast button links.
	DashboardURL       string `json:"dashboard_url,omitempty" validate:"omitempty,url"`
	DefaultDismissTime string `json:"default_dismiss_time,omitempty"`
	ToastCooldown      string `json:"toast_cooldown,omitempty"`
	PromptTimeout      string `json:"prompt_timeout,omitempty"`
	AgreementWarning   string `json:"agreement_warning,omitempty"`
	EraNotice          string `json:"era_notice,omitempty"`
}

// SchedulerConfig controls the producer trigger and the idle queue.
//
// Schedule accepts cron ("*/5 * * * *", "@hourly"), intervals ("15m") or "HH:MM".
type SchedulerConfig struct {
	Schedule   string  `json:"schedule,omitempty"`
	RunAtStart bool    `json:"run_at_start,omitempty"`
	IdleDelay  string  `json:"idle_delay,omitempty"`
	QueueSize  int     `json:"queue_size,omitempty" validate:"gte=0"`
	RatePerSec float64 `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Burst      int     `json:"burst,omitempty" validate:"gte=0"`
	Timezone   string  `json:"timezone,omitempty"`
}

type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token" validate:"required_if=Enabled true"`
	OwnerUserIDs []int64 `json:"owner_user_ids" validate:"required_if=Enabled true,dive,gt=0"`
	// ChatID receives toasts. Defaults to the first owner (private chat).
	ChatID      int64  `json:"chat_id,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// HTTPConfig controls the local JSON API.
//
// Prefer binding to localhost; set Token when exposing it further.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Token   string `json:"token,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./stakebot.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=none memory sqlite"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}
