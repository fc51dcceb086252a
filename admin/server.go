// Package admin serves the HTTP admin surface of the relay: health, metrics
// and read-only views of sessions, voice state and channels.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/presbrey/pandavoip/voip"
)

// StateSource provides the relay state shown by the API routes.
type StateSource interface {
	Snapshot() voip.Snapshot
}

// Server is the admin HTTP server.
type Server struct {
	echo     *echo.Echo
	source   StateSource
	registry *prometheus.Registry
	log      logrus.FieldLogger

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// New builds the admin routes. Metrics in registry are exposed on /metrics
// and admin request metrics are added to it.
func New(source StateSource, registry *prometheus.Registry, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}

	s := &Server{
		echo:     echo.New(),
		source:   source,
		registry: registry,
		log:      log.WithField("component", "admin"),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.Use(middleware.Recover())
	s.echo.Use(requestLogger(s.log))
	s.echo.Use(newHTTPMetrics(registry).middleware)
	s.route(s.echo)
	return s
}

func (s *Server) route(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})))

	api := e.Group("/api")
	api.GET("/state", s.handleState)
	api.GET("/sessions", s.handleSessions)
	api.GET("/voice", s.handleVoice)
	api.GET("/channels", s.handleChannels)
}

// Handler exposes the routes for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("admin server already started")
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start admin listener: %w", err)
	}
	s.listener = listener
	s.echo.Listener = listener
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("admin server failed: %v", err)
		}
	}()

	s.log.WithField("addr", listener.Addr().String()).Info("admin server started")
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop admin server: %w", err)
	}
	<-done
	return nil
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(c echo.Context) error {
	return c.JSON(http.StatusOK, s.source.Snapshot())
}

func (s *Server) handleSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, s.source.Snapshot().Sessions)
}

func (s *Server) handleVoice(c echo.Context) error {
	return c.JSON(http.StatusOK, s.source.Snapshot().Voice)
}

func (s *Server) handleChannels(c echo.Context) error {
	return c.JSON(http.StatusOK, s.source.Snapshot().Channels)
}
