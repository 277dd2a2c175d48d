package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"stakebot/internal/app"
	"stakebot/internal/config"
	"stakebot/internal/producer"
	logx "stakebot/pkg/logx"
)

const oneShotTimeout = 2 * time.Minute

var checkReload bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run every producer once and print active notifications",
	Long: `Check runs the producers for the configured roles inline and prints the
notification list. --reload bypasses the per-check fetch windows.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().BoolVar(&checkReload, "reload", false, "ignore fetch windows and evaluate every check")
}

func openCore(ctx context.Context) (*app.Core, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log := logx.NewConsole(cliLogLevel(cfg))
	c, err := app.OpenCore(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return c, cfg, nil
}

// checkNow runs the producers and collects their outcome for printing.
func checkNow(ctx context.Context, c *app.Core, reload bool) checkOutput {
	mode := producer.ModeDefault
	if reload {
		mode = producer.ModeReload
	}
	reports, err := c.CheckAll(ctx, mode)
	out := checkOutput{Notifications: c.Store.List(), Reports: reports}
	if err != nil {
		var joined interface{ Unwrap() []error }
		if errors.As(err, &joined) {
			for _, e := range joined.Unwrap() {
				out.Errors = append(out.Errors, e.Error())
			}
		} else {
			out.Errors = append(out.Errors, err.Error())
		}
	}
	return out
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), oneShotTimeout)
	defer cancel()
	c, _, err := openCore(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	out := checkNow(ctx, c, checkReload)
	return printCheck(cmd.OutOrStdout(), outputFormat, out, time.Now())
}
