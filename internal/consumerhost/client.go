// Package consumerhost talks to the consumer host that manages flex plans.
// Requests carry a bearer token obtained by signing an EIP-712 login message.
package consumerhost

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"stakebot/internal/chain"
	"stakebot/internal/storage"
	logx "stakebot/pkg/logx"
)

var ErrUnauthorized = errors.New("consumerhost: unauthorized")

const (
	defaultTimeout = 15 * time.Second
	sessionName    = "consumer_host"
	maxBodyBytes   = 1 << 20
)

type Config struct {
	URL        string
	ChainID    int64
	Timeout    time.Duration
	HTTPClient *http.Client
}

type Client struct {
	base    string
	chainID int64
	hc      *http.Client
	signer  chain.Signer
	st      storage.Store
	log     logx.Logger
	now     func() time.Time

	mu      sync.Mutex
	session storage.Session
	login   singleflight.Group
}

// New builds a client. st may be nil; sessions then live only in memory.
func New(cfg Config, signer chain.Signer, st storage.Store, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, fmt.Errorf("consumerhost: url is required")
	}
	if signer == nil {
		return nil, chain.ErrNoKey
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		base:    base,
		chainID: cfg.ChainID,
		hc:      hc,
		signer:  signer,
		st:      st,
		log:     log.With(logx.String("comp", "consumerhost")),
		now:     time.Now,
	}, nil
}

// LoginMessage is the typed data signed at login.
func LoginMessage(consumer string, chainID int64, timestamp int64) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {{Name: "name", Type: "string"}, {Name: "chainId", Type: "uint256"}},
			"messageType":  {{Name: "consumer", Type: "address"}, {Name: "timestamp", Type: "uint256"}},
		},
		PrimaryType: "messageType",
		Domain:      apitypes.TypedDataDomain{Name: "Subquery", ChainId: math.NewHexOrDecimal256(chainID)},
		Message:     apitypes.TypedDataMessage{"consumer": consumer, "timestamp": big.NewInt(timestamp)},
	}
}

type loginRequest struct {
	Consumer  string `json:"consumer"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// Login signs a fresh login message and stores the returned token.
func (c *Client) Login(ctx context.Context) (storage.Session, error) {
	ts := c.now().UnixMilli()
	consumer := c.signer.Address()
	sig, err := c.signer.SignTypedData(LoginMessage(consumer, c.chainID, ts))
	if err != nil {
		return storage.Session{}, err
	}
	body, err := json.Marshal(loginRequest{Consumer: consumer, Timestamp: ts, Signature: "0x" + hex.EncodeToString(sig)})
	if err != nil {
		return storage.Session{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/login", bytes.NewReader(body))
	if err != nil {
		return storage.Session{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		Token string `json:"token"`
	}
	if err := c.send(req, &out); err != nil {
		return storage.Session{}, fmt.Errorf("consumerhost login: %w", err)
	}
	if out.Token == "" {
		return storage.Session{}, fmt.Errorf("consumerhost login: empty token")
	}
	sess := storage.Session{Name: sessionName, Token: out.Token, ExpiresAt: tokenExpiry(out.Token)}

	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	if c.st != nil {
		if err := c.st.PutSession(ctx, sess); err != nil && !errors.Is(err, storage.ErrDisabled) {
			c.log.Warn("persist session failed", logx.Err(err))
		}
	}
	c.log.Info("logged in", logx.String("consumer", consumer), logx.Time("expires_at", sess.ExpiresAt))
	return sess, nil
}

// tokenExpiry reads exp without verifying the signature; the host verifies it.
func tokenExpiry(token string) time.Time {
	tok, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := tok.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// token returns a valid session token, from memory, storage or a new login.
func (c *Client) token(ctx context.Context) (string, error) {
	now := c.now()
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess.Valid(now) {
		return sess.Token, nil
	}
	if c.st != nil {
		stored, err := c.st.GetSession(ctx, sessionName)
		if err == nil && stored.Valid(now) {
			c.mu.Lock()
			c.session = stored
			c.mu.Unlock()
			return stored.Token, nil
		}
	}
	// Concurrent cold callers share one login.
	v, err, _ := c.login.Do("login", func() (any, error) {
		c.mu.Lock()
		cur := c.session
		c.mu.Unlock()
		if cur.Valid(c.now()) {
			return cur.Token, nil
		}
		sess, err := c.Login(ctx)
		if err != nil {
			return "", err
		}
		return sess.Token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) dropSession(ctx context.Context) {
	c.mu.Lock()
	c.session = storage.Session{}
	c.mu.Unlock()
	if c.st != nil {
		if err := c.st.DeleteSession(ctx, sessionName); err != nil && !errors.Is(err, storage.ErrDisabled) {
			c.log.Debug("delete session failed", logx.Err(err))
		}
	}
}

// get performs an authorized GET. A 401 drops the session and retries once
// with a fresh login.
func (c *Client) get(ctx context.Context, path string, out any) error {
	for attempt := 0; attempt < 2; attempt++ {
		tok, err := c.token(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		err = c.send(req, out)
		if !errors.Is(err, ErrUnauthorized) {
			return err
		}
		c.log.Debug("token rejected; logging in again", logx.String("path", path))
		c.dropSession(ctx)
	}
	return ErrUnauthorized
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", req.Method, req.URL.Path, err)
	}
	return nil
}
