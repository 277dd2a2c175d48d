package app

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"stakebot/internal/notification"
	rtsup "stakebot/internal/runtime/supervisor"
	toasttg "stakebot/internal/toast/telegram"
	kit "stakebot/internal/transport"
	logx "stakebot/pkg/logx"
	"stakebot/pkg/tgui"
)

const (
	listNS       = "ntf"
	listPageSize = 5
	routerJobs   = 64
	// routerWorkers stays above one so callbacks are answered while a command blocks.
	routerWorkers = 2
)

var timeNow = time.Now

// Commands is the Telegram command menu.
var Commands = []kit.BotCommand{
	{Command: "notifications", Description: "List active notifications"},
	{Command: "reload", Description: "Re-check everything now"},
	{Command: "toast", Description: "Walk through critical notifications"},
	{Command: "help", Description: "Show commands"},
}

type routerDeps struct {
	Adapter  kit.Adapter
	Core     *Core
	Prompter *toasttg.Prompter
	// StartToasts starts a toast run in the background; false if one is already queued.
	StartToasts func() bool
	Owners      []int64
	Logger      logx.Logger
}

// commandRouter handles owner commands and inline callbacks from Telegram.
type commandRouter struct {
	d   routerDeps
	log logx.Logger

	mu     sync.RWMutex
	owners map[int64]bool

	jobs chan func(ctx context.Context)
}

func newCommandRouter(d routerDeps) *commandRouter {
	r := &commandRouter{d: d, log: d.Logger, jobs: make(chan func(ctx context.Context), routerJobs)}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	r.SetOwners(d.Owners)
	return r
}

func (r *commandRouter) SetOwners(ids []int64) {
	m := make(map[int64]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	r.mu.Lock()
	r.owners = m
	r.mu.Unlock()
	if r.d.Prompter != nil {
		r.d.Prompter.SetOwners(ids)
	}
}

func (r *commandRouter) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owners[id]
}

// DispatchLoop routes updates until ctx ends.
func (r *commandRouter) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	for i := 0; i < routerWorkers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					r.runJob(c, idx, job)
				}
			}
		})
	}
	r.log.Info("command dispatcher started", logx.Int("workers", routerWorkers))

	defer func() {
		_ = sup.Stop(context.Background())
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *commandRouter) runJob(ctx context.Context, worker int, job func(ctx context.Context)) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()
	job(ctx)
}

func (r *commandRouter) enqueue(job func(ctx context.Context)) {
	select {
	case r.jobs <- job:
	default:
		r.log.Warn("command queue full; update dropped", logx.Int("capacity", cap(r.jobs)))
	}
}

func (r *commandRouter) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateCallback:
		if up.Callback == nil {
			return
		}
		cb := up.Callback
		// Toast decisions only hand a value to the waiting prompt.
		if r.d.Prompter != nil && r.d.Prompter.HandleCallback(ctx, cb) {
			return
		}
		r.enqueue(func(c context.Context) { r.handleCallback(c, cb) })
	case kit.UpdateMessage:
		if up.Message == nil {
			return
		}
		msg := up.Message
		r.enqueue(func(c context.Context) { r.handleMessage(c, msg) })
	}
}

func parseCommand(text string) (cmd string, args []string, ok bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	cmd = strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), fields[1:], cmd != ""
}

func (r *commandRouter) handleMessage(ctx context.Context, msg *kit.Message) {
	cmd, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	to := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if !r.isOwner(msg.FromID) {
		r.log.Debug("command from non-owner ignored", logx.String("cmd", cmd), logx.Int64("user", msg.FromID))
		r.reply(ctx, to, tgui.New().Line("This bot only answers its owners.").Build())
		return
	}
	log := r.log.With(logx.String("cmd", cmd))
	switch cmd {
	case "notifications", "n":
		page := 0
		if len(args) > 0 {
			if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
				page = n - 1
			}
		}
		r.reply(ctx, to, r.listMessage(page))
	case "reload":
		if _, err := r.d.Core.Reload(ctx); err != nil {
			log.Warn("reload rejected", logx.Err(err))
			r.reply(ctx, to, tgui.New().Line("Reload rejected: "+err.Error()).Build())
			return
		}
		r.reply(ctx, to, tgui.New().Line("Re-checking everything. New notifications will show up in /notifications.").Build())
	case "toast":
		if r.d.StartToasts == nil || !r.d.StartToasts() {
			r.reply(ctx, to, tgui.New().Line("A toast run is already in progress.").Build())
			return
		}
		log.Info("toast run requested", logx.Int64("user", msg.FromID))
	case "start", "help":
		b := tgui.New().Title("🛰", "stakebot")
		for _, c := range Commands {
			b.KV("/"+c.Command, c.Description)
		}
		r.reply(ctx, to, b.Build())
	default:
		r.reply(ctx, to, tgui.New().Line("Unknown command. Try /help.").Build())
	}
}

func (r *commandRouter) reply(ctx context.Context, to kit.ChatTarget, m tgui.Message) {
	if _, err := m.Send(ctx, r.d.Adapter, to); err != nil {
		r.log.Warn("reply failed", logx.Err(err))
	}
}

func (r *commandRouter) listMessage(page int) tgui.Message {
	items := r.d.Core.Store.List()
	p := tgui.Paginate(items, page, listPageSize)
	b := tgui.New().Title("🔔", "Notifications")
	if p.Total == 0 {
		return b.Line("Nothing needs your attention.").Build()
	}
	kb := tgui.NewInline()
	for _, it := range p.Items {
		b.Blank().Raw(tgui.B(levelMark(it.Level) + " " + it.Title)).Line(tgui.TruncRunes(it.Message(), 300))
		if it.Suppressed(timeNow()) {
			b.Raw(tgui.I("dismissed until " + it.DismissTo.UTC().Format("2006-01-02 15:04 UTC")))
		} else if it.CanBeDismissed {
			if data, err := tgui.Data(listNS, "dismiss", string(it.Key)); err == nil {
				kb.Row(tgui.Btn("Dismiss "+tgui.TruncRunes(it.Title, 24), data))
			}
		}
	}
	var nav []tele.Btn
	if p.HasPrev {
		if data, err := tgui.Data(listNS, "page", strconv.Itoa(p.Index-1)); err == nil {
			nav = append(nav, tgui.Btn("« Prev", data))
		}
	}
	if p.HasNext {
		if data, err := tgui.Data(listNS, "page", strconv.Itoa(p.Index+1)); err == nil {
			nav = append(nav, tgui.Btn("Next »", data))
		}
	}
	if len(nav) > 0 {
		kb.Row(nav...)
	}
	b.Blank().Raw(tgui.I(p.Label()))
	return b.Inline(kb).Build()
}

func (r *commandRouter) handleCallback(ctx context.Context, cb *kit.Callback) {
	ns, action, payload, ok := tgui.ParseData(cb.Data)
	if !ok || ns != listNS {
		_ = r.d.Adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	if !r.isOwner(cb.FromID) {
		_ = r.d.Adapter.AnswerCallback(ctx, cb.ID, "Not allowed")
		return
	}
	ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
	answer := ""
	page := 0
	switch action {
	case "page":
		page, _ = strconv.Atoi(payload)
	case "dismiss":
		key, err := notification.ParseKey(payload)
		if err != nil {
			answer = "Unknown notification"
			break
		}
		it, err := r.d.Core.Store.Dismiss(key, timeNow())
		if err != nil {
			answer = "Could not dismiss: " + err.Error()
			break
		}
		answer = fmt.Sprintf("Dismissed until %s", it.DismissTo.UTC().Format("Jan 2 15:04 UTC"))
	}
	if err := r.d.Adapter.AnswerCallback(ctx, cb.ID, answer); err != nil {
		r.log.Debug("answer callback failed", logx.Err(err))
	}
	if err := r.listMessage(page).Edit(ctx, r.d.Adapter, ref); err != nil {
		r.log.Warn("edit list failed", logx.Err(err))
	}
}

func levelMark(l notification.Level) string {
	if l == notification.LevelCritical {
		return "🚨"
	}
	return "ℹ️"
}
