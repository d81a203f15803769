package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphonse-agent/nerve/pkg/fsm"
	"github.com/alphonse-agent/nerve/pkg/models"
)

func TestStateHandler(t *testing.T) {
	s := newTestServer(t, testConfig())

	t.Run("reports state, queue depth and steps", func(t *testing.T) {
		ctx := t.Context()
		_, err := s.stores.Queue.Enqueue(ctx, models.NewDurableSignal("reminder.due", nil))
		require.NoError(t, err)
		_, err = s.stores.StepTrace.Append(ctx, models.StepTrace{
			CorrelationID: "corr-s",
			StateBefore:   fsm.StateIdle,
			SignalType:    "reminder.due",
			StateAfter:    fsm.StateIdle,
			Result:        models.StepOK,
		})
		require.NoError(t, err)

		rec := taskCall(s, http.MethodGet, "/api/v1/state", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp StateResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, fsm.StateIdle, resp.State)
		assert.Equal(t, 1, resp.QueueDepth["queued"])
		require.Len(t, resp.RecentSteps, 1)
		assert.Equal(t, "corr-s", resp.RecentSteps[0].CorrelationID)
	})

	t.Run("rejects out-of-range limit", func(t *testing.T) {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/state?limit=0", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		err := s.stateHandler(c)
		if assert.Error(t, err) {
			he, ok := err.(*echo.HTTPError)
			if assert.True(t, ok) {
				assert.Equal(t, http.StatusBadRequest, he.Code)
			}
		}
	})
}

func TestCatalogHandlers(t *testing.T) {
	s := newTestServer(t, testConfig())

	t.Run("catalog dump includes seeded machine", func(t *testing.T) {
		rec := taskCall(s, http.MethodGet, "/api/v1/catalog", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var cat models.Catalog
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cat))
		assert.NotEmpty(t, cat.States)
		assert.NotEmpty(t, cat.Signals)
		assert.NotEmpty(t, cat.Transitions)
	})

	t.Run("reload validates a healthy catalog", func(t *testing.T) {
		rec := taskCall(s, http.MethodPost, "/api/v1/catalog/reload", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp CatalogReloadResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Valid)
		assert.Empty(t, resp.Error)
		assert.NotZero(t, resp.Transitions)
	})

	t.Run("reload flags a dangling action key", func(t *testing.T) {
		_, err := s.stores.Catalog.AddTransition(t.Context(), models.Transition{
			StateKey:     fsm.StateIdle,
			SignalKey:    models.SignalTimerFired,
			NextStateKey: fsm.StateIdle,
			ActionKey:    "no_such_action",
			Priority:     5,
			IsEnabled:    true,
		})
		require.NoError(t, err)

		rec := taskCall(s, http.MethodPost, "/api/v1/catalog/reload", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp CatalogReloadResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Valid)
		assert.Contains(t, resp.Error, "no_such_action")
	})
}
