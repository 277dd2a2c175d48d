package term

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"stakebot/internal/notification"
	"stakebot/internal/toast"
)

func item() notification.Item {
	return notification.Item{
		Key:     notification.KeyOverAllocate,
		Level:   notification.LevelCritical,
		Title:   "Over allocated",
		Content: notification.Text{Body: "Reduce allocations"},
		Button:  notification.Button{Label: "Adjust", Href: "/indexer/allocations"},
	}
}

func TestRenderCard(t *testing.T) {
	t.Parallel()
	out := Render(toast.Prompt{ID: "x", Item: item(), Index: 2, Total: 3}, 60)
	require.Contains(t, out, "CRITICAL")
	require.Contains(t, out, "Over allocated")
	require.Contains(t, out, "Reduce allocations")
	require.Contains(t, out, "2 of 3")

	info := item()
	info.Level = notification.LevelInfo
	out = Render(toast.Prompt{Item: info, Total: 1}, 60)
	require.Contains(t, out, "INFO")
	require.NotContains(t, out, "of 1")
}

func TestNavigatePrefixesDashboard(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	p := New(Options{Out: &buf, DashboardURL: "https://app.example.org/"})
	require.NoError(t, p.Navigate(context.Background(), "/indexer/allocations", item()))
	require.Contains(t, buf.String(), "https://app.example.org/indexer/allocations")

	buf.Reset()
	require.NoError(t, p.Navigate(context.Background(), "https://other.example.org/x", item()))
	require.Contains(t, buf.String(), "https://other.example.org/x")
}

func TestOKLabel(t *testing.T) {
	t.Parallel()
	require.Equal(t, "Adjust", okLabel(item()))
	require.Equal(t, "OK", okLabel(notification.Item{}))
}
