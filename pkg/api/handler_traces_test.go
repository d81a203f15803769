package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphonse-agent/nerve/pkg/observe"
)

func TestListTracesHandler_Validation(t *testing.T) {
	s := newTestServer(t, testConfig())

	tests := []struct {
		name   string
		query  string
		errMsg string
	}{
		{"invalid since", "since=yesterday", "invalid since"},
		{"invalid until", "until=2024-01-01", "invalid until"},
		{"invalid level", "level=loud", "invalid level"},
		{"limit too large", "limit=10000", "limit must be"},
		{"limit not a number", "limit=many", "limit must be"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/traces?"+tt.query, nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := s.listTracesHandler(c)
			if assert.Error(t, err) {
				he, ok := err.(*echo.HTTPError)
				if assert.True(t, ok, "expected echo.HTTPError") {
					assert.Equal(t, http.StatusBadRequest, he.Code)
					assert.Contains(t, he.Message, tt.errMsg)
				}
			}
		})
	}
}

func TestListTracesHandler_Query(t *testing.T) {
	s := newTestServer(t, testConfig())

	now := time.Now().UTC()
	require.NoError(t, s.obs.InsertBatch(t.Context(), []observe.TraceEvent{
		{TS: now.Add(-time.Minute), Level: observe.LevelInfo, Event: "fsm.step", CorrelationID: "corr-a"},
		{TS: now, Level: observe.LevelError, Event: "slice.failed", CorrelationID: "corr-b", ErrorCode: "timeout"},
	}))

	t.Run("level filter narrows results", func(t *testing.T) {
		rec := taskCall(s, http.MethodGet, "/api/v1/traces?level=error", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp TraceListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Events, 1)
		assert.Equal(t, "slice.failed", resp.Events[0].Event)
	})

	t.Run("correlation filter narrows results", func(t *testing.T) {
		rec := taskCall(s, http.MethodGet, "/api/v1/traces?correlation_id=corr-a", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp TraceListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Events, 1)
		assert.Equal(t, "fsm.step", resp.Events[0].Event)
	})
}

func TestTraceRollupsHandler(t *testing.T) {
	s := newTestServer(t, testConfig())

	require.NoError(t, s.obs.InsertBatch(t.Context(), []observe.TraceEvent{
		{TS: time.Now().UTC(), Level: observe.LevelInfo, Event: "fsm.step"},
	}))
	require.NoError(t, s.obs.ComputeRollups(t.Context(), time.Now().Add(-24*time.Hour)))

	t.Run("returns computed rollups", func(t *testing.T) {
		rec := taskCall(s, http.MethodGet, "/api/v1/traces/rollups", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp RollupResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotEmpty(t, resp.Rollups)
		assert.Equal(t, "fsm.step", resp.Rollups[0].Event)
	})

	t.Run("rejects malformed from_day", func(t *testing.T) {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/traces/rollups?from_day=last-week", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		err := s.traceRollupsHandler(c)
		if assert.Error(t, err) {
			he, ok := err.(*echo.HTTPError)
			if assert.True(t, ok) {
				assert.Equal(t, http.StatusBadRequest, he.Code)
			}
		}
	})
}

func TestTraceStatsHandler(t *testing.T) {
	s := newTestServer(t, testConfig())

	require.NoError(t, s.obs.InsertBatch(t.Context(), []observe.TraceEvent{
		{TS: time.Now().UTC(), Level: observe.LevelInfo, Event: "fsm.step"},
		{TS: time.Now().UTC(), Level: observe.LevelInfo, Event: "fsm.step"},
	}))

	rec := taskCall(s, http.MethodGet, "/api/v1/traces/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TraceStatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.TotalEvents)
	require.NotNil(t, resp.Health)
	assert.Equal(t, "healthy", resp.Health.Status)
}
