// Package term shows toasts in an interactive terminal.
package term

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"stakebot/internal/notification"
	"stakebot/internal/toast"
)

var (
	colorRed   = lipgloss.AdaptiveColor{Dark: "#FF6B6B", Light: "#C53030"}
	colorBlue  = lipgloss.AdaptiveColor{Dark: "#74C0FC", Light: "#2B6CB0"}
	colorGray  = lipgloss.AdaptiveColor{Dark: "#868E96", Light: "#718096"}
	colorGreen = lipgloss.AdaptiveColor{Dark: "#69DB7C", Light: "#2F855A"}

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)
	titleStyle = lipgloss.NewStyle().Bold(true)
	metaStyle  = lipgloss.NewStyle().Foreground(colorGray)
	linkStyle  = lipgloss.NewStyle().Foreground(colorGreen).Underline(true)
)

type Options struct {
	In  io.Reader
	Out io.Writer
	// Accessible replaces the select widget with plain numbered prompts.
	Accessible bool
	// DashboardURL prefixes relative button links.
	DashboardURL string
	Width        int
}

// Prompter implements toast.Prompter and toast.Navigator with huh forms.
type Prompter struct {
	in         io.Reader
	out        io.Writer
	accessible bool
	base       string
	width      int
}

func New(opts Options) *Prompter {
	w := opts.Width
	if w <= 0 {
		w = 72
	}
	return &Prompter{
		in:         opts.In,
		out:        opts.Out,
		accessible: opts.Accessible,
		base:       strings.TrimRight(opts.DashboardURL, "/"),
		width:      w,
	}
}

func (p *Prompter) Prompt(ctx context.Context, pr toast.Prompt) (toast.Decision, error) {
	if p.out != nil {
		fmt.Fprintln(p.out, Render(pr, p.width))
	}

	choice := "ok"
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(pr.Item.Title).
				Options(
					huh.NewOption(okLabel(pr.Item), "ok"),
					huh.NewOption("Dismiss", "cancel"),
				).
				Value(&choice),
		),
	).WithAccessible(p.accessible).WithShowHelp(false)
	if p.in != nil {
		form = form.WithInput(p.in)
	}
	if p.out != nil {
		form = form.WithOutput(p.out)
	}

	err := form.RunWithContext(ctx)
	switch {
	case err == nil:
	case errors.Is(err, huh.ErrUserAborted):
		return toast.DecisionCancel, nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return 0, toast.ErrPromptTimeout
	case ctx.Err() != nil:
		return 0, ctx.Err()
	default:
		return 0, fmt.Errorf("term prompt: %w", err)
	}
	if choice == "cancel" {
		return toast.DecisionCancel, nil
	}
	return toast.DecisionOK, nil
}

func (p *Prompter) Navigate(_ context.Context, href string, it notification.Item) error {
	if p.out == nil {
		return nil
	}
	link := href
	if strings.HasPrefix(href, "/") && p.base != "" {
		link = p.base + href
	}
	_, err := fmt.Fprintf(p.out, "%s %s\n", metaStyle.Render(it.Title+":"), linkStyle.Render(link))
	return err
}

func okLabel(it notification.Item) string {
	if it.Button.Label != "" {
		return it.Button.Label
	}
	return "OK"
}

// Render draws a toast card of the given width.
func Render(pr toast.Prompt, width int) string {
	it := pr.Item
	accent := colorBlue
	badge := "INFO"
	if it.Level == notification.LevelCritical {
		accent = colorRed
		badge = "CRITICAL"
	}
	head := lipgloss.JoinHorizontal(lipgloss.Top,
		lipgloss.NewStyle().Bold(true).Foreground(accent).Render(badge),
		" ",
		titleStyle.Render(it.Title),
	)
	lines := []string{head}
	if msg := it.Message(); msg != "" {
		lines = append(lines, msg)
	}
	meta := string(it.Key)
	if pr.Total > 1 {
		meta = fmt.Sprintf("%s · %d of %d", meta, pr.Index, pr.Total)
	}
	lines = append(lines, metaStyle.Render(meta))
	return cardStyle.BorderForeground(accent).Width(width).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}
