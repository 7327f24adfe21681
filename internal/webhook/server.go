// internal/webhook/server.go
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/user/gopherbridge/internal/gateway"
	"github.com/user/gopherbridge/internal/state"
	"github.com/user/gopherbridge/internal/types"
)

// Processor runs a message through the lane queue and waits for the reply.
type Processor interface {
	Process(ctx context.Context, msg types.NormalizedMessage) (*types.ProcessResult, error)
}

// Deliverer sends text to a platform channel.
type Deliverer interface {
	Deliver(ctx context.Context, source, channelID, text string) error
}

// TaskRunner lists stored tasks and runs one on demand.
type TaskRunner interface {
	ListTasks(ctx context.Context) ([]*state.Task, error)
	RunTask(ctx context.Context, name string) (*types.ProcessResult, error)
}

// Options wires the server. Processor and Delivery may be nil, which
// disables POST /webhook and its deliver flag respectively.
type Options struct {
	Sessions  types.SessionStore
	Processor Processor
	Delivery  Deliverer
	Tasks     TaskRunner
	// Token, when set, is required as a bearer token on /api and /webhook.
	Token string
	// Adapters reports connection state per platform for /health.
	Adapters func() map[string]bool
	// OnDelete is called after a session is deleted.
	OnDelete func(id types.SessionID)
}

// Server is the admin and webhook HTTP API.
type Server struct {
	opts   Options
	echo   *echo.Echo
	logger *slog.Logger
}

// NewServer creates the server and registers its routes.
func NewServer(opts Options) *Server {
	s := &Server{
		opts:   opts,
		echo:   echo.New(),
		logger: slog.Default().With("component", "webhook"),
	}
	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				s.logger.Warn("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			s.logger.Debug("request", attrs...)
			return nil
		},
	}))

	e.GET("/health", s.handleHealth)

	var guard []echo.MiddlewareFunc
	if opts.Token != "" {
		guard = append(guard, middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			Validator: func(key string, c echo.Context) (bool, error) {
				return subtle.ConstantTimeCompare([]byte(key), []byte(opts.Token)) == 1, nil
			},
		}))
	}
	api := e.Group("/api", guard...)
	api.GET("/sessions", s.handleListSessions)
	api.GET("/sessions/:id/history", s.handleHistory)
	api.POST("/sessions/:id/clear", s.handleClear)
	api.DELETE("/sessions/:id", s.handleDelete)
	api.GET("/tasks", s.handleListTasks)
	api.POST("/tasks/:name/run", s.handleRunTask)

	e.POST("/webhook", s.handleWebhook, guard...)
	return s
}

// ServeHTTP delegates to echo, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("admin api listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func errorJSON(c echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]string{"error": msg})
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := map[string]any{"status": "ok"}
	if s.opts.Adapters != nil {
		adapters := s.opts.Adapters()
		resp["adapters"] = adapters
		for _, connected := range adapters {
			if !connected {
				resp["status"] = "degraded"
			}
		}
	}
	return c.JSON(http.StatusOK, resp)
}

type sessionResponse struct {
	ID         types.SessionID `json:"id"`
	Source     string          `json:"source"`
	ChannelID  string          `json:"channel_id"`
	UserID     string          `json:"user_id"`
	Turns      int             `json:"turns"`
	CreatedAt  time.Time       `json:"created_at"`
	LastActive time.Time       `json:"last_active"`
}

func (s *Server) handleListSessions(c echo.Context) error {
	if s.opts.Sessions == nil {
		return errorJSON(c, http.StatusServiceUnavailable, "session API not configured")
	}
	sessions, err := s.opts.Sessions.ListSessions(c.Request().Context(), c.QueryParam("source"))
	if err != nil {
		s.logger.Error("list sessions failed", "error", err)
		return errorJSON(c, http.StatusInternalServerError, "internal server error")
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionResponse{
			ID:         sess.ID,
			Source:     sess.Source,
			ChannelID:  sess.ChannelID,
			UserID:     sess.UserID,
			Turns:      len(sess.Turns),
			CreatedAt:  sess.CreatedAt,
			LastActive: sess.LastActive,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleHistory(c echo.Context) error {
	if s.opts.Sessions == nil {
		return errorJSON(c, http.StatusServiceUnavailable, "session API not configured")
	}
	ctx := c.Request().Context()
	id := types.SessionID(c.Param("id"))
	if _, err := s.opts.Sessions.GetByID(ctx, id); err != nil {
		return errorJSON(c, http.StatusNotFound, "session not found")
	}
	turns := s.opts.Sessions.GetHistory(ctx, id)
	if turns == nil {
		turns = []types.ConversationTurn{}
	}
	return c.JSON(http.StatusOK, map[string]any{"session_id": id, "turns": turns})
}

func (s *Server) handleClear(c echo.Context) error {
	if s.opts.Sessions == nil {
		return errorJSON(c, http.StatusServiceUnavailable, "session API not configured")
	}
	id := types.SessionID(c.Param("id"))
	if !s.opts.Sessions.ClearContext(c.Request().Context(), id) {
		return errorJSON(c, http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, map[string]bool{"cleared": true})
}

func (s *Server) handleDelete(c echo.Context) error {
	if s.opts.Sessions == nil {
		return errorJSON(c, http.StatusServiceUnavailable, "session API not configured")
	}
	id := types.SessionID(c.Param("id"))
	if !s.opts.Sessions.DeleteSession(c.Request().Context(), id) {
		return errorJSON(c, http.StatusNotFound, "session not found")
	}
	if s.opts.OnDelete != nil {
		s.opts.OnDelete(id)
	}
	return c.JSON(http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleListTasks(c echo.Context) error {
	if s.opts.Tasks == nil {
		return errorJSON(c, http.StatusServiceUnavailable, "tasks not configured")
	}
	tasks, err := s.opts.Tasks.ListTasks(c.Request().Context())
	if err != nil {
		s.logger.Error("list tasks failed", "error", err)
		return errorJSON(c, http.StatusInternalServerError, "internal server error")
	}
	return c.JSON(http.StatusOK, tasks)
}

func (s *Server) handleRunTask(c echo.Context) error {
	if s.opts.Tasks == nil {
		return errorJSON(c, http.StatusServiceUnavailable, "tasks not configured")
	}
	name := c.Param("name")
	res, err := s.opts.Tasks.RunTask(c.Request().Context(), name)
	switch {
	case errors.Is(err, state.ErrNotFound):
		return errorJSON(c, http.StatusNotFound, "task not found")
	case errors.Is(err, gateway.ErrNotAccepting):
		return errorJSON(c, http.StatusServiceUnavailable, "shutting down")
	case err != nil && res == nil:
		s.logger.Error("task run failed", "task", name, "error", err)
		return errorJSON(c, http.StatusInternalServerError, "internal server error")
	case err != nil:
		// Processed but not delivered.
		s.logger.Warn("task delivery failed", "task", name, "error", err)
	}
	return c.JSON(http.StatusOK, webhookResponse{
		Response:          res.Response,
		SessionID:         res.SessionID,
		DurationMS:        res.Duration.Milliseconds(),
		InjectedDecisions: res.InjectedDecisions,
		Delivered:         err == nil,
	})
}

// webhookRequest is the JSON body for POST /webhook.
type webhookRequest struct {
	Source    string `json:"source"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Text      string `json:"text"`
	// Deliver also sends the reply to the channel on its platform.
	Deliver bool `json:"deliver"`
}

type webhookResponse struct {
	Response          string          `json:"response"`
	SessionID         types.SessionID `json:"session_id"`
	DurationMS        int64           `json:"duration_ms"`
	InjectedDecisions []string        `json:"injected_decisions,omitempty"`
	Delivered         bool            `json:"delivered"`
}

func (s *Server) handleWebhook(c echo.Context) error {
	if s.opts.Processor == nil {
		return errorJSON(c, http.StatusServiceUnavailable, "webhook not configured")
	}
	var req webhookRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid JSON")
	}
	if req.ChannelID == "" || req.Text == "" {
		return errorJSON(c, http.StatusBadRequest, "channel_id and text are required")
	}
	if req.Source == "" {
		req.Source = "webhook"
	}
	if req.UserID == "" {
		req.UserID = "webhook"
	}

	ctx := c.Request().Context()
	res, err := s.opts.Processor.Process(ctx, types.NormalizedMessage{
		Source:    req.Source,
		ChannelID: req.ChannelID,
		UserID:    req.UserID,
		Text:      req.Text,
	})
	if err != nil {
		s.logger.Error("webhook processing failed", "source", req.Source, "channel", req.ChannelID, "error", err)
		if errors.Is(err, gateway.ErrNotAccepting) {
			return errorJSON(c, http.StatusServiceUnavailable, "shutting down")
		}
		return errorJSON(c, http.StatusInternalServerError, "internal server error")
	}

	out := webhookResponse{
		Response:          res.Response,
		SessionID:         res.SessionID,
		DurationMS:        res.Duration.Milliseconds(),
		InjectedDecisions: res.InjectedDecisions,
	}
	if req.Deliver && s.opts.Delivery != nil && res.Response != "" {
		if err := s.opts.Delivery.Deliver(ctx, req.Source, req.ChannelID, res.Response); err != nil {
			s.logger.Warn("webhook delivery failed", "source", req.Source, "channel", req.ChannelID, "error", err)
		} else {
			out.Delivered = true
		}
	}
	return c.JSON(http.StatusOK, out)
}
