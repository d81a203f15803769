package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/alphonse-agent/nerve/pkg/bus"
	"github.com/alphonse-agent/nerve/pkg/config"
	"github.com/alphonse-agent/nerve/pkg/database"
	"github.com/alphonse-agent/nerve/pkg/events"
	"github.com/alphonse-agent/nerve/pkg/extremities"
	"github.com/alphonse-agent/nerve/pkg/fsm"
	"github.com/alphonse-agent/nerve/pkg/observe"
	"github.com/alphonse-agent/nerve/pkg/store"
)

// Server is the localhost HTTP gateway. It turns HTTP requests into
// signals on the bus and reads back through the stores; it never runs
// machine steps itself.
type Server struct {
	cfg         *config.Config
	db          *database.Client
	obs         *observe.Store
	writer      *observe.Writer
	stores      *store.Stores
	publisher   bus.Publisher
	gateway     *extremities.Gateway
	connManager *events.Manager
	guards      *fsm.GuardRegistry
	actions     *fsm.ActionRegistry
	gatherer    prometheus.Gatherer
	logger      *slog.Logger

	echo *echo.Echo
	http *http.Server
}

// Deps carries the gateway's collaborators. Optional fields degrade the
// matching endpoints (503) instead of failing construction.
type Deps struct {
	Config      *config.Config
	DB          *database.Client
	Observe     *observe.Store
	Writer      *observe.Writer
	Stores      *store.Stores
	Publisher   bus.Publisher
	Gateway     *extremities.Gateway
	ConnManager *events.Manager
	Guards      *fsm.GuardRegistry
	Actions     *fsm.ActionRegistry
	Gatherer    prometheus.Gatherer
	Logger      *slog.Logger
}

// NewServer builds the gateway and registers all routes. Call Start to
// begin serving.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:         d.Config,
		db:          d.DB,
		obs:         d.Observe,
		writer:      d.Writer,
		stores:      d.Stores,
		publisher:   d.Publisher,
		gateway:     d.Gateway,
		connManager: d.ConnManager,
		guards:      d.Guards,
		actions:     d.Actions,
		gatherer:    d.Gatherer,
		logger:      logger.With("component", "api"),
	}

	e := echo.New()
	e.Use(securityHeaders())
	e.Use(tokenAuth(d.Config.API.Token))

	// Conversation surface.
	e.POST("/message", s.messageHandler)
	e.GET("/events", s.eventsHandler)
	e.POST("/status", s.statusHandler)
	e.POST("/timed-signals", s.timedSignalOpHandler)

	// Always-open probes.
	e.GET("/healthz", s.healthHandler)
	e.GET("/metrics", s.metricsHandler)

	// Live feeds.
	e.GET("/ws", s.wsHandler)

	// Admin surface.
	e.GET("/api/v1/state", s.stateHandler)
	e.GET("/api/v1/catalog", s.catalogHandler)
	e.POST("/api/v1/catalog/reload", s.catalogReloadHandler)
	e.GET("/api/v1/timed-signals", s.listTimedSignalsHandler)
	e.POST("/api/v1/timed-signals", s.createTimedSignalHandler)
	e.DELETE("/api/v1/timed-signals/:id", s.cancelTimedSignalHandler)
	e.GET("/api/v1/tasks", s.listTasksHandler)
	e.POST("/api/v1/tasks", s.createTaskHandler)
	e.GET("/api/v1/tasks/:id", s.getTaskHandler)
	e.POST("/api/v1/tasks/:id/resume", s.resumeTaskHandler)
	e.GET("/api/v1/plans/kinds", s.planKindsHandler)
	e.GET("/api/v1/plans/:id", s.getPlanHandler)
	e.POST("/api/v1/plans/:id/cancel", s.cancelPlanHandler)
	e.GET("/api/v1/traces", s.listTracesHandler)
	e.GET("/api/v1/traces/rollups", s.traceRollupsHandler)
	e.GET("/api/v1/traces/stats", s.traceStatsHandler)

	s.echo = e
	s.http = &http.Server{
		Addr:              net.JoinHostPort("127.0.0.1", d.Config.HTTPPort),
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("HTTP gateway listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// StartWithListener serves on a caller-provided listener. Tests use it
// to bind port 0 and read the chosen address back.
func (s *Server) StartWithListener(ln net.Listener) error {
	err := s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
