// Package api serves the local JSON API over echo.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"stakebot/internal/notification"
	"stakebot/internal/storage"
	"stakebot/internal/task/queue"
	"stakebot/internal/toast"
	logx "stakebot/pkg/logx"
)

const (
	DefaultAddr   = "127.0.0.1:8787"
	shutdownGrace = 5 * time.Second
)

type Options struct {
	Addr string
	// Token is the HS256 secret for bearer tokens. Empty disables auth.
	Token string

	Store *notification.Store
	// Reload enqueues every producer in reload mode.
	Reload func(ctx context.Context) (<-chan struct{}, error)
	// Toasts runs the toast sequence.
	Toasts func(ctx context.Context) (toast.Result, error)
	Queue  func() queue.Snapshot
	// Audit reads the newest audit entries. Nil when storage is disabled.
	Audit func(ctx context.Context, limit int) ([]storage.AuditEntry, error)

	Logger logx.Logger
	Now    func() time.Time
}

type Server struct {
	opts Options
	e    *echo.Echo
	log  logx.Logger

	mu   sync.Mutex
	base context.Context
	bg   sync.WaitGroup
}

func New(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{opts: opts, log: log.With(logx.String("comp", "api")), base: context.Background()}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{v: validator.New()}
	e.HTTPErrorHandler = errorHandler(s.log)
	e.Use(middleware.Recover())
	e.Use(requestLogger(s.log))

	e.GET("/healthz", s.health)

	v1 := e.Group("/api/v1")
	if strings.TrimSpace(opts.Token) != "" {
		v1.Use(bearerAuth([]byte(opts.Token)))
	}
	v1.GET("/notifications", s.listNotifications)
	v1.GET("/notifications/:key", s.getNotification)
	v1.POST("/notifications/:key/dismiss", s.dismissNotification)
	v1.DELETE("/notifications/:key", s.removeNotification)
	v1.POST("/producers/reload", s.reloadProducers)
	v1.POST("/toasts/run", s.runToasts)
	v1.GET("/queue", s.queueSnapshot)
	v1.GET("/audit", s.recentAudit)

	s.e = e
	return s
}

func (s *Server) Handler() http.Handler { return s.e }

// Run serves until ctx ends, then shuts down and waits for background toast runs.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	s.e.Listener = ln
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.e.Start("")
	}()
	s.log.Info("api listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.bg.Wait()
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.e.Shutdown(sctx); err != nil {
		s.log.Warn("api shutdown", logx.Err(err))
	}
	<-errCh
	s.bg.Wait()
	s.log.Info("api stopped")
	return nil
}

func (s *Server) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}
