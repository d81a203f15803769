package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphonse-agent/nerve/pkg/models"
)

// taskCall routes a request through the real router so :id binds.
func taskCall(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = postJSON(path, body)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestCreateTaskHandler(t *testing.T) {
	s := newTestServer(t, testConfig())

	t.Run("creates a queued task with store defaults", func(t *testing.T) {
		rec := taskCall(s, http.MethodPost, "/api/v1/tasks", `{"goal":"plan the week menu","priority":2}`)
		require.Equal(t, http.StatusCreated, rec.Code)

		var resp TaskCreatedResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotEmpty(t, resp.TaskID)

		task, err := s.stores.Tasks.Get(t.Context(), resp.TaskID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskQueued, task.Status)
		assert.Equal(t, "plan the week menu", task.Goal)
		assert.Equal(t, 2, task.Priority)
		assert.Equal(t, 50, task.MaxCycles, "zero budget falls back to the store default")
	})

	t.Run("missing goal is 400", func(t *testing.T) {
		rec := taskCall(s, http.MethodPost, "/api/v1/tasks", `{"priority":1}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetTaskHandler(t *testing.T) {
	s := newTestServer(t, testConfig())
	ctx := t.Context()

	require.NoError(t, s.stores.Tasks.Enqueue(ctx, models.Task{ID: "task-1", Goal: "tidy the hallway"}))
	require.NoError(t, s.stores.Tasks.SaveCheckpoint(ctx, models.Checkpoint{
		TaskID:    "task-1",
		StateJSON: map[string]any{"phase": "plan"},
	}, 0))
	require.NoError(t, s.stores.Tasks.AppendEvent(ctx, "task-1", "enqueued", ""))

	t.Run("bundles checkpoint and events", func(t *testing.T) {
		rec := taskCall(s, http.MethodGet, "/api/v1/tasks/task-1", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp TaskDetailResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "task-1", resp.Task.ID)
		require.NotNil(t, resp.Checkpoint)
		assert.Equal(t, int64(1), resp.Checkpoint.Version)
		require.Len(t, resp.Events, 1)
		assert.Equal(t, "enqueued", resp.Events[0].Event)
	})

	t.Run("unknown task is 404", func(t *testing.T) {
		rec := taskCall(s, http.MethodGet, "/api/v1/tasks/ghost", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestResumeTaskHandler(t *testing.T) {
	s := newTestServer(t, testConfig())
	ctx := t.Context()

	require.NoError(t, s.stores.Tasks.Enqueue(ctx, models.Task{ID: "task-parked", Goal: "wait for groceries"}))
	require.NoError(t, s.stores.Tasks.SetStatus(ctx, "task-parked", models.TaskWaitingUser, ""))

	t.Run("requeues a parked task", func(t *testing.T) {
		rec := taskCall(s, http.MethodPost, "/api/v1/tasks/task-parked/resume", "{}")
		require.Equal(t, http.StatusOK, rec.Code)

		task, err := s.stores.Tasks.Get(ctx, "task-parked")
		require.NoError(t, err)
		assert.Equal(t, models.TaskQueued, task.Status)
	})

	t.Run("resuming a queued task is 409", func(t *testing.T) {
		rec := taskCall(s, http.MethodPost, "/api/v1/tasks/task-parked/resume", "{}")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("unknown task is 404", func(t *testing.T) {
		rec := taskCall(s, http.MethodPost, "/api/v1/tasks/ghost/resume", "{}")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestListTasksHandler_Validation(t *testing.T) {
	s := &Server{}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks?status=sleeping", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := s.listTasksHandler(c)
	if assert.Error(t, err) {
		he, ok := err.(*echo.HTTPError)
		if assert.True(t, ok, "expected echo.HTTPError") {
			assert.Equal(t, http.StatusBadRequest, he.Code)
			assert.Contains(t, he.Message, "invalid status")
		}
	}
}
