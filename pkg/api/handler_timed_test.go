package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphonse-agent/nerve/pkg/models"
)

func TestCreateTimedSignalHandler(t *testing.T) {
	s := newTestServer(t, testConfig())

	t.Run("valid request creates a pending row", func(t *testing.T) {
		trigger := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
		body := `{"trigger_at":"` + trigger + `","signal_type":"reminder.due","target":"kitchen","payload":{"task":"water the plants"}}`

		e := echo.New()
		rec := httptest.NewRecorder()
		c := e.NewContext(postJSON("/api/v1/timed-signals", body), rec)

		require.NoError(t, s.createTimedSignalHandler(c))
		assert.Equal(t, http.StatusCreated, rec.Code)

		var resp TimedSignalCreatedResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotZero(t, resp.ID)

		row, err := s.stores.Timed.Get(t.Context(), resp.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TimedPending, row.Status)
		assert.Equal(t, "reminder.due", row.SignalType)
		assert.Equal(t, "api", row.Origin)
		assert.Equal(t, "water the plants", row.Payload["task"])
	})

	t.Run("rejects non-RFC3339 trigger_at", func(t *testing.T) {
		e := echo.New()
		rec := httptest.NewRecorder()
		c := e.NewContext(postJSON("/api/v1/timed-signals", `{"trigger_at":"tomorrow","signal_type":"reminder.due"}`), rec)

		err := s.createTimedSignalHandler(c)
		if assert.Error(t, err) {
			he, ok := err.(*echo.HTTPError)
			if assert.True(t, ok) {
				assert.Equal(t, http.StatusBadRequest, he.Code)
				assert.Contains(t, he.Message, "RFC3339")
			}
		}
	})

	t.Run("rejects missing signal_type", func(t *testing.T) {
		trigger := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

		e := echo.New()
		rec := httptest.NewRecorder()
		c := e.NewContext(postJSON("/api/v1/timed-signals", `{"trigger_at":"`+trigger+`"}`), rec)

		err := s.createTimedSignalHandler(c)
		if assert.Error(t, err) {
			he, ok := err.(*echo.HTTPError)
			if assert.True(t, ok) {
				assert.Equal(t, http.StatusBadRequest, he.Code)
				assert.Contains(t, he.Message, "signal_type")
			}
		}
	})
}

func TestListTimedSignalsHandler(t *testing.T) {
	s := newTestServer(t, testConfig())

	_, err := s.stores.Timed.Create(t.Context(), models.TimedSignalSpec{
		TriggerAt:  time.Now().Add(time.Hour),
		SignalType: "reminder.due",
	})
	require.NoError(t, err)

	t.Run("defaults to pending", func(t *testing.T) {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/timed-signals", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		require.NoError(t, s.listTimedSignalsHandler(c))
		assert.Equal(t, http.StatusOK, rec.Code)

		var rows []models.TimedSignal
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
		assert.Len(t, rows, 1)
	})

	t.Run("rejects unknown status", func(t *testing.T) {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/timed-signals?status=snoozed", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		err := s.listTimedSignalsHandler(c)
		if assert.Error(t, err) {
			he, ok := err.(*echo.HTTPError)
			if assert.True(t, ok) {
				assert.Equal(t, http.StatusBadRequest, he.Code)
			}
		}
	})

	t.Run("empty filter result is an array", func(t *testing.T) {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/timed-signals?status=fired", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		require.NoError(t, s.listTimedSignalsHandler(c))
		var rows []models.TimedSignal
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
		assert.NotNil(t, rows, "should be empty array, not null")
		assert.Len(t, rows, 0)
	})
}

func TestCancelTimedSignalHandler(t *testing.T) {
	s := newTestServer(t, testConfig())

	id, err := s.stores.Timed.Create(t.Context(), models.TimedSignalSpec{
		TriggerAt:  time.Now().Add(time.Hour),
		SignalType: "reminder.due",
	})
	require.NoError(t, err)

	cancelReq := func(raw string) (*httptest.ResponseRecorder, error) {
		e := echo.New()
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/timed-signals/"+raw, nil)
		var err error
		e.DELETE("/api/v1/timed-signals/:id", func(c *echo.Context) error {
			err = s.cancelTimedSignalHandler(c)
			return err
		})
		e.ServeHTTP(rec, req)
		return rec, err
	}

	idStr := strconv.FormatInt(id, 10)

	t.Run("cancels a pending row", func(t *testing.T) {
		rec, err := cancelReq(idStr)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, rec.Code)

		row, gerr := s.stores.Timed.Get(t.Context(), id)
		require.NoError(t, gerr)
		assert.Equal(t, models.TimedCancelled, row.Status)
	})

	t.Run("cancelling again is 404", func(t *testing.T) {
		_, err := cancelReq(idStr)
		if assert.Error(t, err) {
			he, ok := err.(*echo.HTTPError)
			if assert.True(t, ok) {
				assert.Equal(t, http.StatusNotFound, he.Code)
			}
		}
	})

	t.Run("non-numeric id is 400", func(t *testing.T) {
		_, err := cancelReq("soon")
		if assert.Error(t, err) {
			he, ok := err.(*echo.HTTPError)
			if assert.True(t, ok) {
				assert.Equal(t, http.StatusBadRequest, he.Code)
			}
		}
	})
}
