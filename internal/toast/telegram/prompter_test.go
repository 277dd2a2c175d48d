package telegram

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"stakebot/internal/notification"
	"stakebot/internal/toast"
	kit "stakebot/internal/transport"
)

type sent struct {
	text string
	opt  *kit.SendOptions
}

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []sent
	edits   []string
	answers []string
	notify  chan struct{}
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{notify: make(chan struct{}, 16)} }

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.sent = append(f.sent, sent{text: text, opt: opt})
	id := len(f.sent)
	f.mu.Unlock()
	f.notify <- struct{}{}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: id}, nil
}

func (f *fakeAdapter) EditText(_ context.Context, _ kit.MessageRef, text string, _ *kit.SendOptions) error {
	f.mu.Lock()
	f.edits = append(f.edits, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	f.answers = append(f.answers, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) lastKeyboard(t *testing.T) *tele.ReplyMarkup {
	f.mu.Lock()
	defer f.mu.Unlock()
	rm, ok := f.sent[len(f.sent)-1].opt.ReplyMarkupAdapter.(*tele.ReplyMarkup)
	require.True(t, ok)
	return rm
}

func prompt() toast.Prompt {
	return toast.Prompt{
		ID:    "6f1c2e8a-1111-4000-8000-000000000000",
		Index: 1,
		Total: 2,
		Item: notification.Item{
			Key:     notification.KeyOverAllocate,
			Level:   notification.LevelCritical,
			Title:   "Allocation exceeds capacity",
			Content: notification.Text{Body: "Era 7 <over>"},
			Button:  notification.Button{Label: "Adjust", Href: "/indexer/my-projects"},
		},
	}
}

func TestPromptResolvesOnOwnerCallback(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	p := New(Options{Adapter: ad, Chat: kit.ChatTarget{ChatID: 10}, Owners: []int64{42}})

	type result struct {
		dec toast.Decision
		err error
	}
	done := make(chan result, 1)
	go func() {
		dec, err := p.Prompt(context.Background(), prompt())
		done <- result{dec, err}
	}()
	<-ad.notify

	rm := ad.lastKeyboard(t)
	require.Len(t, rm.InlineKeyboard, 1)
	okBtn, cancelBtn := rm.InlineKeyboard[0][0], rm.InlineKeyboard[0][1]
	require.Equal(t, "Adjust", okBtn.Text)
	require.Equal(t, "toast:ok:"+prompt().ID, okBtn.Data)
	require.Equal(t, "toast:cancel:"+prompt().ID, cancelBtn.Data)
	require.Contains(t, ad.sent[0].text, "Era 7 &lt;over&gt;")

	require.True(t, p.HandleCallback(context.Background(), &kit.Callback{ID: "c1", FromID: 7, Data: cancelBtn.Data}))
	require.True(t, p.HandleCallback(context.Background(), &kit.Callback{ID: "c2", FromID: 42, Data: cancelBtn.Data}))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Equal(t, toast.DecisionCancel, r.dec)
	case <-time.After(time.Second):
		t.Fatal("prompt did not resolve")
	}
	require.Equal(t, []string{"Not allowed", ""}, ad.answers)
	require.Len(t, ad.edits, 1)
	require.Contains(t, ad.edits[0], "Dismissed")

	require.True(t, p.HandleCallback(context.Background(), &kit.Callback{ID: "c3", FromID: 42, Data: okBtn.Data}))
	require.Equal(t, "This toast has expired", ad.answers[2])
	require.False(t, p.HandleCallback(context.Background(), &kit.Callback{ID: "c4", Data: "page:next"}))
}

func TestPromptTimeout(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	p := New(Options{Adapter: ad})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Prompt(ctx, prompt())
	require.ErrorIs(t, err, toast.ErrPromptTimeout)
	require.Len(t, ad.edits, 1)
	require.True(t, strings.Contains(ad.edits[0], "Expired"))
}

func TestNavigateSendsURLButton(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	p := New(Options{Adapter: ad, DashboardURL: "https://app.example.org/"})
	it := prompt().Item
	require.NoError(t, p.Navigate(context.Background(), it.Button.Href, it))
	rm := ad.lastKeyboard(t)
	require.Equal(t, "https://app.example.org/indexer/my-projects", rm.InlineKeyboard[0][0].URL)
}

func TestNavigateRelativeLinkFallsBackToText(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	p := New(Options{Adapter: ad})
	it := prompt().Item
	require.NoError(t, p.Navigate(context.Background(), it.Button.Href, it))
	ad.mu.Lock()
	defer ad.mu.Unlock()
	require.Len(t, ad.sent, 1)
	require.Nil(t, ad.sent[0].opt.ReplyMarkupAdapter, "relative links are not URL buttons")
	require.Contains(t, ad.sent[0].text, "<code>/indexer/my-projects</code>")
}
