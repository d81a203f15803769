package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/alphonse-agent/nerve/pkg/models"
)

// listTasksHandler handles GET /api/v1/tasks.
// An empty status filter returns every task, most recently touched first.
func (s *Server) listTasksHandler(c *echo.Context) error {
	var status models.TaskStatus
	if raw := c.QueryParam("status"); raw != "" {
		switch models.TaskStatus(raw) {
		case models.TaskQueued, models.TaskRunning, models.TaskWaitingUser,
			models.TaskDone, models.TaskFailed, models.TaskPaused:
			status = models.TaskStatus(raw)
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+raw)
		}
	}

	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 500")
		}
		limit = n
	}

	tasks, err := s.stores.Tasks.List(c.Request().Context(), status, limit)
	if err != nil {
		return mapStoreError(err)
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	return c.JSON(http.StatusOK, tasks)
}

// createTaskHandler handles POST /api/v1/tasks.
// Budgets left at zero pick up the store defaults.
func (s *Server) createTaskHandler(c *echo.Context) error {
	var req CreateTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Goal == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "goal is required")
	}

	task := models.Task{
		ID:                   uuid.NewString(),
		OwnerID:              req.OwnerID,
		ConversationKey:      req.ConversationKey,
		Goal:                 req.Goal,
		Status:               models.TaskQueued,
		Priority:             req.Priority,
		MaxCycles:            req.MaxCycles,
		MaxRuntimeSeconds:    req.MaxRuntimeSeconds,
		TokenBudgetRemaining: req.TokenBudget,
	}
	if err := s.stores.Tasks.Enqueue(c.Request().Context(), task); err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusCreated, TaskCreatedResponse{TaskID: task.ID})
}

// getTaskHandler handles GET /api/v1/tasks/:id.
// Bundles the task with its checkpoint (when one exists) and its most
// recent lifecycle events.
func (s *Server) getTaskHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}
	ctx := c.Request().Context()

	task, err := s.stores.Tasks.Get(ctx, id)
	if err != nil {
		return mapStoreError(err)
	}

	resp := TaskDetailResponse{Task: task}

	cp, err := s.stores.Tasks.GetCheckpoint(ctx, id)
	if err != nil {
		return mapStoreError(err)
	}
	if cp.Version > 0 {
		// Version 0 means no slice has checkpointed yet.
		resp.Checkpoint = &cp
	}

	events, err := s.stores.Tasks.Events(ctx, id, 50)
	if err != nil {
		return mapStoreError(err)
	}
	resp.Events = events

	return c.JSON(http.StatusOK, resp)
}

// resumeTaskHandler handles POST /api/v1/tasks/:id/resume.
// Requeues a parked task; the slice pool picks it up on its next poll.
// Tasks already queued or running are a 409.
func (s *Server) resumeTaskHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}
	ctx := c.Request().Context()
	if _, err := s.stores.Tasks.Get(ctx, id); err != nil {
		return mapStoreError(err)
	}
	if err := s.stores.Tasks.Resume(ctx, id); err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"task_id": id, "status": string(models.TaskQueued)})
}
