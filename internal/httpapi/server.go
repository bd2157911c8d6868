// Package httpapi exposes a small read-only HTTP status surface over the
// live session registry and channel tree, the one externally visible
// window this core gives operators without a full admin API.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"log/slog"

	"github.com/TheiLLeniumStudios/ZUMBLE/internal/session"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// skipCounter is the subset of voice.Router's telemetry the status
// endpoint reports: the cumulative count of dropped voice deliveries.
type skipCounter interface {
	Skipped() uint64
}

// Server is the Echo application serving the status surface.
type Server struct {
	echo     *echo.Echo
	registry *session.Registry
	router   skipCounter
}

// New constructs an Echo app reading live state from registry. router may
// be nil in tests that never exercise voice delivery; /status then always
// reports voice_skipped as zero.
func New(registry *session.Registry, router skipCounter) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, registry: registry, router: router}
	s.registerRoutes()
	return s
}

// requestLogger returns Echo middleware that logs each HTTP request via slog.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path

			if path == "/healthz" {
				slog.Debug("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			} else {
				slog.Info("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"remote", c.RealIP(),
				)
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealthz)
	s.echo.GET("/status", s.handleStatus)
	s.echo.GET("/status/channels", s.handleChannels)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down http status server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("http status server stopped")
		return nil
	}
}

type healthzResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, healthzResponse{Status: "ok"})
}

type userSummary struct {
	Session   uint32 `json:"session"`
	Name      string `json:"name"`
	ChannelID uint32 `json:"channel_id"`
	Mute      bool   `json:"mute"`
	Deaf      bool   `json:"deaf"`
}

type statusResponse struct {
	Clients    int           `json:"clients"`
	MaxClients int           `json:"max_clients"`
	Channels   int           `json:"channels"`
	Users      []userSummary `json:"users"`
	Skipped    uint64        `json:"voice_skipped"`
}

// handleStatus reports aggregate server occupancy: live session count,
// configured capacity, channel count, and a per-user summary.
func (s *Server) handleStatus(c echo.Context) error {
	all := s.registry.All()
	users := make([]userSummary, 0, len(all))
	for _, u := range all {
		mute, deaf, _, _ := u.MuteState()
		users = append(users, userSummary{
			Session:   u.SessionID,
			Name:      u.Username,
			ChannelID: u.ChannelID(),
			Mute:      mute,
			Deaf:      deaf,
		})
	}
	var skipped uint64
	if s.router != nil {
		skipped = s.router.Skipped()
	}
	return c.JSON(http.StatusOK, statusResponse{
		Clients:    s.registry.Count(),
		MaxClients: s.registry.MaxClients(),
		Channels:   s.registry.Channels.Count(),
		Users:      users,
		Skipped:    skipped,
	})
}

type channelSummary struct {
	ID          uint32 `json:"id"`
	ParentID    uint32 `json:"parent_id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Temporary   bool   `json:"temporary"`
	Members     int    `json:"members"`
}

func (s *Server) handleChannels(c echo.Context) error {
	chans := s.registry.Channels.All()
	out := make([]channelSummary, 0, len(chans))
	for _, ch := range chans {
		out = append(out, channelSummary{
			ID:          ch.ID,
			ParentID:    ch.ParentID,
			Name:        ch.Name,
			Description: ch.Description,
			Temporary:   ch.Temporary,
			Members:     len(ch.MemberIDs()),
		})
	}
	return c.JSON(http.StatusOK, out)
}
