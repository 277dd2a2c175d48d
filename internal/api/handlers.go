package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"stakebot/internal/notification"
	"stakebot/internal/storage"
	"stakebot/internal/toast"
	logx "stakebot/pkg/logx"
)

type listQuery struct {
	Level string `query:"level" validate:"omitempty,oneof=info critical"`
}

type auditQuery struct {
	Limit int `query:"limit" validate:"omitempty,min=1,max=500"`
}

const defaultAuditLimit = 50

type toastQuery struct {
	Wait bool `query:"wait"`
}

type health struct {
	Status        string `json:"status"`
	Notifications int    `json:"notifications"`
	QueueRunning  bool   `json:"queue_running"`
}

type reloadResponse struct {
	Queued bool `json:"queued"`
	Done   bool `json:"done"`
}

type toastStarted struct {
	Started bool `json:"started"`
}

func (s *Server) health(c echo.Context) error {
	h := health{Status: "ok"}
	if s.opts.Store != nil {
		h.Notifications = s.opts.Store.Len()
	}
	if s.opts.Queue != nil {
		h.QueueRunning = s.opts.Queue().Running
	}
	return JSON(c, http.StatusOK, h)
}

func (s *Server) store() (*notification.Store, error) {
	if s.opts.Store == nil {
		return nil, ErrUnavailable
	}
	return s.opts.Store, nil
}

func (s *Server) listNotifications(c echo.Context) error {
	var q listQuery
	if err := c.Bind(&q); err != nil {
		return ErrInvalidInput
	}
	if err := c.Validate(&q); err != nil {
		return err
	}
	st, err := s.store()
	if err != nil {
		return err
	}
	items := st.List()
	out := make([]notification.Item, 0, len(items))
	for _, it := range items {
		if q.Level != "" && string(it.Level) != q.Level {
			continue
		}
		out = append(out, it)
	}
	return JSON(c, http.StatusOK, out)
}

func (s *Server) lookup(c echo.Context) (*notification.Store, notification.Key, error) {
	st, err := s.store()
	if err != nil {
		return nil, "", err
	}
	key, err := notification.ParseKey(c.Param("key"))
	if err != nil {
		return nil, "", err
	}
	return st, key, nil
}

func (s *Server) getNotification(c echo.Context) error {
	st, key, err := s.lookup(c)
	if err != nil {
		return err
	}
	it, ok := st.Get(key)
	if !ok {
		return notification.ErrNotFound
	}
	return JSON(c, http.StatusOK, it)
}

func (s *Server) dismissNotification(c echo.Context) error {
	st, key, err := s.lookup(c)
	if err != nil {
		return err
	}
	it, err := st.Dismiss(key, s.opts.Now())
	if err != nil {
		return err
	}
	s.log.Info("notification dismissed", logx.String("key", string(key)), logx.Time("until", it.DismissTo))
	return JSON(c, http.StatusOK, it)
}

func (s *Server) removeNotification(c echo.Context) error {
	st, key, err := s.lookup(c)
	if err != nil {
		return err
	}
	if !st.Remove(key) {
		return notification.ErrNotFound
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) reloadProducers(c echo.Context) error {
	if s.opts.Reload == nil {
		return ErrUnavailable
	}
	done, err := s.opts.Reload(c.Request().Context())
	if err != nil {
		return err
	}
	resp := reloadResponse{Queued: true}
	if c.QueryParam("wait") == "true" {
		select {
		case <-done:
			resp.Done = true
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	}
	return JSON(c, http.StatusAccepted, resp)
}

func (s *Server) runToasts(c echo.Context) error {
	if s.opts.Toasts == nil {
		return toast.ErrNoPrompter
	}
	var q toastQuery
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, &q); err != nil {
		return ErrInvalidInput
	}
	if q.Wait {
		res, err := s.opts.Toasts(c.Request().Context())
		if err != nil {
			return err
		}
		return JSON(c, http.StatusOK, res)
	}

	ctx := s.baseContext()
	s.bg.Add(1)
	go func(ctx context.Context) {
		defer s.bg.Done()
		res, err := s.opts.Toasts(ctx)
		if err != nil {
			s.log.Warn("toast run failed", logx.Err(err))
			return
		}
		s.log.Info("toast run finished", logx.Int("decided", len(res.Outcomes)), logx.Bool("stopped", res.Stopped))
	}(ctx)
	return JSON(c, http.StatusAccepted, toastStarted{Started: true})
}

func (s *Server) queueSnapshot(c echo.Context) error {
	if s.opts.Queue == nil {
		return ErrUnavailable
	}
	return JSON(c, http.StatusOK, s.opts.Queue())
}

func (s *Server) recentAudit(c echo.Context) error {
	if s.opts.Audit == nil {
		return ErrUnavailable
	}
	var q auditQuery
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, &q); err != nil {
		return ErrInvalidInput
	}
	if err := c.Validate(&q); err != nil {
		return err
	}
	if q.Limit == 0 {
		q.Limit = defaultAuditLimit
	}
	entries, err := s.opts.Audit(c.Request().Context(), q.Limit)
	if errors.Is(err, storage.ErrDisabled) {
		return ErrUnavailable
	}
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, entries)
}
