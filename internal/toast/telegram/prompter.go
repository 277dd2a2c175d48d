// Package telegram shows toasts as Telegram messages with inline buttons.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"stakebot/internal/notification"
	"stakebot/internal/toast"
	kit "stakebot/internal/transport"
	logx "stakebot/pkg/logx"
	"stakebot/pkg/tgui"
)

const callbackNS = "toast"

type Options struct {
	Adapter kit.Adapter
	Chat    kit.ChatTarget
	// Owners may decide; an empty list allows anyone in the chat.
	Owners []int64
	// DashboardURL prefixes relative button links.
	DashboardURL string
	Logger       logx.Logger
}

// Prompter implements toast.Prompter and toast.Navigator over a chat adapter.
type Prompter struct {
	ad   kit.Adapter
	chat kit.ChatTarget
	base string
	log  logx.Logger

	mu      sync.Mutex
	owners  map[int64]bool
	pending map[string]chan toast.Decision
}

func New(opts Options) *Prompter {
	p := &Prompter{
		ad:      opts.Adapter,
		chat:    opts.Chat,
		base:    strings.TrimRight(opts.DashboardURL, "/"),
		log:     opts.Logger,
		pending: map[string]chan toast.Decision{},
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	p.log = p.log.With(logx.String("comp", "toast.telegram"))
	p.SetOwners(opts.Owners)
	return p
}

func (p *Prompter) SetOwners(ids []int64) {
	m := make(map[int64]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	p.mu.Lock()
	p.owners = m
	p.mu.Unlock()
}

func (p *Prompter) allowed(userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.owners) == 0 || p.owners[userID]
}

func levelEmoji(l notification.Level) string {
	if l == notification.LevelCritical {
		return "🚨"
	}
	return "ℹ️"
}

func render(pr toast.Prompt, footer string) *tgui.Builder {
	b := tgui.New().
		Title(levelEmoji(pr.Item.Level), pr.Item.Title).
		Line(pr.Item.Message())
	if pr.Total > 1 {
		b.Raw(tgui.I(fmt.Sprintf("%d of %d", pr.Index, pr.Total)))
	}
	if footer != "" {
		b.Blank().Raw(tgui.I(footer))
	}
	return b
}

func (p *Prompter) Prompt(ctx context.Context, pr toast.Prompt) (toast.Decision, error) {
	okData, err := tgui.Data(callbackNS, "ok", pr.ID)
	if err != nil {
		return 0, err
	}
	cancelData, err := tgui.Data(callbackNS, "cancel", pr.ID)
	if err != nil {
		return 0, err
	}
	okLabel := pr.Item.Button.Label
	if okLabel == "" {
		okLabel = "OK"
	}
	kb := tgui.Confirm(tgui.Btn(okLabel, okData), tgui.Btn("Dismiss", cancelData))

	ch := make(chan toast.Decision, 1)
	p.mu.Lock()
	p.pending[pr.ID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, pr.ID)
		p.mu.Unlock()
	}()

	ref, err := render(pr, "").Inline(kb).Build().Send(ctx, p.ad, p.chat)
	if err != nil {
		return 0, fmt.Errorf("send toast: %w", err)
	}

	select {
	case dec := <-ch:
		footer := "Dismissed"
		if dec == toast.DecisionOK {
			footer = "Acknowledged"
		}
		if err := render(pr, footer).Build().Edit(context.WithoutCancel(ctx), p.ad, ref); err != nil {
			p.log.Debug("edit toast failed", logx.Err(err))
		}
		return dec, nil
	case <-ctx.Done():
		if err := render(pr, "Expired").Build().Edit(context.WithoutCancel(ctx), p.ad, ref); err != nil {
			p.log.Debug("edit toast failed", logx.Err(err))
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, toast.ErrPromptTimeout
		}
		return 0, ctx.Err()
	}
}

// HandleCallback consumes toast button presses. It reports false for
// callbacks that are not toast buttons.
func (p *Prompter) HandleCallback(ctx context.Context, cb *kit.Callback) bool {
	if cb == nil {
		return false
	}
	ns, action, id, ok := tgui.ParseData(cb.Data)
	if !ok || ns != callbackNS {
		return false
	}
	answer := func(text string) {
		if err := p.ad.AnswerCallback(ctx, cb.ID, text); err != nil {
			p.log.Debug("answer callback failed", logx.Err(err))
		}
	}
	if !p.allowed(cb.FromID) {
		answer("Not allowed")
		return true
	}
	var dec toast.Decision
	switch action {
	case "ok":
		dec = toast.DecisionOK
	case "cancel":
		dec = toast.DecisionCancel
	default:
		answer("Unknown action")
		return true
	}
	p.mu.Lock()
	ch := p.pending[id]
	p.mu.Unlock()
	if ch == nil {
		answer("This toast has expired")
		return true
	}
	select {
	case ch <- dec:
		answer("")
	default:
		answer("Already decided")
	}
	return true
}

// Navigate sends the item's link as a URL button. Telegram only accepts
// absolute http(s) URLs there, so a relative link without a dashboard URL is
// sent as text.
func (p *Prompter) Navigate(ctx context.Context, href string, it notification.Item) error {
	link := href
	if strings.HasPrefix(href, "/") && p.base != "" {
		link = p.base + href
	}
	label := it.Button.Label
	if label == "" {
		label = "Open"
	}
	b := tgui.New().Title("🔗", it.Title)
	if u, err := url.Parse(link); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		b.Inline(tgui.NewInline().Row(tgui.URLBtn(label, link)))
	} else {
		b.Raw(tgui.Esc(label+": ") + tgui.Code(link))
	}
	_, err := b.Build().Send(ctx, p.ad, p.chat)
	return err
}
