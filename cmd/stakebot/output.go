package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"

	"stakebot/internal/notification"
	"stakebot/internal/producer"
	"stakebot/internal/toast"
	"stakebot/pkg/units"
)

const (
	formatTable = "table"
	formatJSON  = "json"
)

// defaultFormat prints tables to a terminal and JSON to pipes.
func defaultFormat() string {
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return formatTable
	}
	return formatJSON
}

func stdinIsTerminal() bool {
	return isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type checkOutput struct {
	Notifications []notification.Item `json:"notifications"`
	Reports       []producer.Report   `json:"reports"`
	Errors        []string            `json:"errors,omitempty"`
}

func printCheck(w io.Writer, format string, out checkOutput, now time.Time) error {
	if format == formatJSON {
		return printJSON(w, out)
	}
	if len(out.Notifications) == 0 {
		fmt.Fprintln(w, "Nothing needs your attention.")
	} else {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "LEVEL\tKEY\tTITLE\tMESSAGE\tDISMISSED")
		for _, it := range out.Notifications {
			dismissed := "-"
			if it.Suppressed(now) {
				dismissed = "until " + units.Relative(it.DismissTo, now)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", it.Level, it.Key, it.Title, oneLine(it.Message(), 60), dismissed)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	for _, e := range out.Errors {
		fmt.Fprintln(w, "warning:", e)
	}
	return nil
}

func printToastResult(w io.Writer, format string, res toast.Result) error {
	if format == formatJSON {
		return printJSON(w, res)
	}
	if len(res.Outcomes) == 0 {
		fmt.Fprintf(w, "No toasts shown (%d skipped).\n", res.Skipped)
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tDECISION\tACTION\tUNTIL")
	for _, o := range res.Outcomes {
		until := "-"
		if !o.Until.IsZero() {
			until = o.Until.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.Key, o.Decision, o.Action, until)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if res.Skipped > 0 {
		fmt.Fprintf(w, "%d skipped\n", res.Skipped)
	}
	return nil
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
