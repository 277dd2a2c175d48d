package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"stakebot/internal/config"
)

var (
	cfgPath      string
	outputFormat string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "stakebot",
	Short: "Notification and toast daemon for a staking-network account",
	Long: `stakebot watches an indexer, delegator or consumer account and keeps a
de-duplicated list of things that need attention. The daemon toasts them over
Telegram; the one-shot commands check and toast from the terminal.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch outputFormat {
		case formatTable, formatJSON:
			return nil
		default:
			return fmt.Errorf("unknown --format %q (want table or json)", outputFormat)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath(), "path to config (json or yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", defaultFormat(), "output format: table or json")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging for one-shot commands")

	rootCmd.AddCommand(runCmd, checkCmd, toastCmd, dismissCmd, tokenCmd)
}

func defaultConfigPath() string {
	for _, p := range []string{"./config.yaml", "./config.yml", "./config.json"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return "./config.yaml"
}

func loadConfig() (*config.Config, error) {
	if strings.TrimSpace(cfgPath) == "" {
		return nil, errors.New("--config is required")
	}
	return config.NewConfigManager(cfgPath).Load()
}

func cliLogLevel(cfg *config.Config) string {
	if verbose {
		return "debug"
	}
	// one-shot commands stay quiet unless something goes wrong
	if cfg != nil && strings.EqualFold(cfg.Logging.Level, "debug") {
		return "debug"
	}
	return "warn"
}
