package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"stakebot/internal/api"
	"stakebot/internal/config"
	"stakebot/internal/notification"
)

const (
	clientTimeout = 10 * time.Second
	cliTokenTTL   = 5 * time.Minute
)

var dismissCmd = &cobra.Command{
	Use:   "dismiss <key>",
	Short: "Dismiss a notification on the running daemon",
	Long: `Dismiss calls the daemon's HTTP API so the item stops toasting for its
dismiss time. The daemon must run with http.enabled; when http.token is set a
short-lived bearer token is minted from it.`,
	Args: cobra.ExactArgs(1),
	RunE: runDismiss,
}

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a bearer token for the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.HTTP == nil || cfg.HTTP.Token == "" {
			return errors.New("http.token is not configured")
		}
		tok, err := api.IssueToken(cfg.HTTP.Token, "cli", tokenTTL, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
}

// apiClient talks to the daemon's /api/v1 routes.
type apiClient struct {
	base   string
	secret string
	hc     *http.Client
}

func newAPIClient(hc *config.HTTPConfig) (*apiClient, error) {
	if hc == nil || !hc.Enabled {
		return nil, errors.New("http api is disabled in config (http.enabled)")
	}
	addr := strings.TrimSpace(hc.Addr)
	if addr == "" {
		addr = api.DefaultAddr
	}
	return &apiClient{
		base:   "http://" + addr + "/api/v1",
		secret: hc.Token,
		hc:     &http.Client{Timeout: clientTimeout},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.secret != "" {
		tok, err := api.IssueToken(c.secret, "cli", cliTokenTTL, time.Now())
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	var env struct {
		Data  json.RawMessage `json:"data"`
		Error *api.APIError   `json:"error"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &env); err != nil {
			return fmt.Errorf("%s %s: %s: decode: %w", method, path, resp.Status, err)
		}
	}
	if env.Error != nil {
		return fmt.Errorf("%s: %s", env.Error.Code, env.Error.Message)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

type dismissedItem struct {
	Key       notification.Key `json:"key"`
	Title     string           `json:"title"`
	DismissTo time.Time        `json:"dismiss_to"`
}

func runDismiss(cmd *cobra.Command, args []string) error {
	key, err := notification.ParseKey(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := newAPIClient(cfg.HTTP)
	if err != nil {
		return err
	}

	var it dismissedItem
	if err := client.do(cmd.Context(), http.MethodPost, "/notifications/"+url.PathEscape(key.String())+"/dismiss", &it); err != nil {
		return err
	}
	if outputFormat == formatJSON {
		return printJSON(cmd.OutOrStdout(), it)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s dismissed until %s\n", it.Key, it.DismissTo.Local().Format(time.DateTime))
	return nil
}
