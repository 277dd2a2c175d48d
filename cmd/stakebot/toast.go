package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"stakebot/internal/toast/term"
)

var toastCmd = &cobra.Command{
	Use:   "toast",
	Short: "Check, then show each critical notification as a prompt",
	Long: `Toast runs the producers and walks the critical notifications in store
order, skipping suppressed ones. OK follows the item's link and stops; Dismiss snoozes the item
for its dismiss time. Dismissals are kept in storage when it is configured.`,
	Args: cobra.NoArgs,
	RunE: runToast,
}

func runToast(cmd *cobra.Command, args []string) error {
	// prompts wait on the operator; only the check phase is bounded
	ctx := cmd.Context()
	checkCtx, cancel := context.WithTimeout(ctx, oneShotTimeout)
	defer cancel()

	c, cfg, err := openCore(checkCtx)
	if err != nil {
		return err
	}
	defer c.Close()

	out := checkNow(checkCtx, c, false)
	for _, e := range out.Errors {
		cmd.PrintErrln("warning:", e)
	}

	p := term.New(term.Options{
		In:           os.Stdin,
		Out:          cmd.ErrOrStderr(),
		Accessible:   !stdinIsTerminal(),
		DashboardURL: cfg.Notifications.DashboardURL,
	})
	c.Toasts.SetPrompter(p)
	c.Toasts.SetNavigator(p)

	res, err := c.Toasts.Run(ctx)
	if err != nil {
		return err
	}
	return printToastResult(cmd.OutOrStdout(), outputFormat, res)
}
