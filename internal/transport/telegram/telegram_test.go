package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	kit "stakebot/internal/transport"
	logx "stakebot/pkg/logx"
)

func TestClip(t *testing.T) {
	t.Parallel()
	require.Equal(t, "short", clip("short"))

	long := strings.Repeat("ж", textLimit+10)
	got := clip(long)
	require.Equal(t, textLimit, utf8.RuneCountInString(got))
	require.True(t, strings.HasSuffix(got, "…"))
}

func TestSendOptions(t *testing.T) {
	t.Parallel()
	so := sendOptions(nil, 3)
	require.Equal(t, 3, so.ThreadID)
	require.Nil(t, so.ReplyMarkup)

	rm := &tele.ReplyMarkup{}
	so = sendOptions(&kit.SendOptions{ParseMode: "HTML", DisablePreview: true, ReplyMarkupAdapter: rm}, 0)
	require.Equal(t, tele.ModeHTML, so.ParseMode)
	require.True(t, so.DisableWebPagePreview)
	require.Same(t, rm, so.ReplyMarkup)

	so = sendOptions(&kit.SendOptions{ReplyMarkupAdapter: "not markup"}, 0)
	require.Nil(t, so.ReplyMarkup)
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Token: "  "}, logx.Nop())
	require.Error(t, err)
}

type botAPI struct {
	mu    sync.Mutex
	calls []string
	texts []string
}

func (b *botAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		b.calls = append(b.calls, method)
		if s, ok := body["text"].(string); ok && (method == "sendMessage" || method == "editMessageText") {
			b.texts = append(b.texts, s)
		}
		b.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch method {
		case "sendMessage", "editMessageText":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`))
		case "answerCallbackQuery", "setMyCommands":
			_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
		default:
			assert.Failf(t, "unexpected method", "%s", method)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found"}`))
		}
	}
}

func TestSendEditAndMenu(t *testing.T) {
	t.Parallel()
	api := &botAPI{}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	a, err := New(Config{Token: "123:abc", Offline: true, URL: srv.URL}, logx.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := a.SendText(ctx, kit.ChatTarget{ChatID: 42}, "hello", nil)
	require.NoError(t, err)
	require.Equal(t, kit.MessageRef{ChatID: 42, MessageID: 7}, ref)

	require.NoError(t, a.EditText(ctx, ref, "edited", nil))
	require.NoError(t, a.AnswerCallback(ctx, "cb1", "ok"))

	cmds := []kit.BotCommand{{Command: "notifications", Description: "List notifications"}}
	require.NoError(t, a.UpdateMenuCommands(ctx, cmds))
	require.NoError(t, a.UpdateMenuCommands(ctx, cmds), "unchanged menu is not resent")

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Equal(t, []string{"sendMessage", "editMessageText", "answerCallbackQuery", "setMyCommands"}, api.calls)
	require.Equal(t, []string{"hello", "edited"}, api.texts)
}

func TestCanceledContextSkipsCalls(t *testing.T) {
	t.Parallel()
	a, err := New(Config{Token: "123:abc", Offline: true, URL: "http://127.0.0.1:1"}, logx.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.SendText(ctx, kit.ChatTarget{ChatID: 1}, "x", nil)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, a.EditText(ctx, kit.MessageRef{ChatID: 1, MessageID: 2}, "x", nil), context.Canceled)
}
