package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphonse-agent/nerve/pkg/actions"
	"github.com/alphonse-agent/nerve/pkg/bus"
	"github.com/alphonse-agent/nerve/pkg/config"
	"github.com/alphonse-agent/nerve/pkg/database"
	"github.com/alphonse-agent/nerve/pkg/extremities"
	"github.com/alphonse-agent/nerve/pkg/fsm"
	"github.com/alphonse-agent/nerve/pkg/observe"
	"github.com/alphonse-agent/nerve/pkg/store"
)

// newTestServer wires a gateway against throwaway databases. The bus has
// no running engine, so synchronous endpoints exercise the wait-timeout
// path unless the test delivers a reply through the gateway adapter.
func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	client, err := database.NewClient(ctx, database.DefaultConfig(filepath.Join(dir, "nerve.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	obs, err := observe.Open(ctx, observe.Config{Path: filepath.Join(dir, "trace.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = obs.Close() })

	stores := store.New(client)
	require.NoError(t, fsm.SeedCatalog(ctx, stores, fsm.StateIdle))

	guards := fsm.NewGuardRegistry()
	require.NoError(t, fsm.RegisterDefaultGuards(guards))
	actionReg := fsm.NewActionRegistry()
	require.NoError(t, actions.Register(actionReg))

	logger := slog.Default()
	b := bus.New(cfg.Bus, logger)
	t.Cleanup(b.Shutdown)

	return NewServer(Deps{
		Config:    cfg,
		DB:        client,
		Observe:   obs,
		Stores:    stores,
		Publisher: bus.NewDurablePublisher(b, stores.Queue, logger),
		Gateway:   extremities.NewGateway(logger),
		Guards:    guards,
		Actions:   actionReg,
		Logger:    logger,
	})
}

func testConfig() *config.Config {
	return &config.Config{
		HTTPPort:     "0",
		InitialState: fsm.StateIdle,
		API:          config.APIConfig{MessageWait: 30 * time.Millisecond},
	}
}

func TestTokenAuthFlow(t *testing.T) {
	cfg := testConfig()
	cfg.API.Token = "sesame"
	s := newTestServer(t, cfg)

	t.Run("admin route without token returns 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/state", nil)
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("admin route with wrong token returns 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/state", nil)
		req.Header.Set(TokenHeader, "open")
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("admin route with token succeeds", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/state", nil)
		req.Header.Set(TokenHeader, "sesame")
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("healthz stays open", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestAuthDisabledWithoutToken(t *testing.T) {
	s := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/state", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWSUnavailableWithoutManager(t *testing.T) {
	s := newTestServer(t, testConfig())

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := s.wsHandler(c)
	if assert.Error(t, err) {
		he, ok := err.(*echo.HTTPError)
		if assert.True(t, ok, "expected echo.HTTPError") {
			assert.Equal(t, http.StatusServiceUnavailable, he.Code)
		}
	}
}
