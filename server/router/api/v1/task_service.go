package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/engram/async"
	"github.com/hrygo/engram/store"
)

type createTaskRequest struct {
	ID          string          `json:"id,omitempty"`
	GroupID     string          `json:"group_id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

type taskResponse struct {
	ID          string          `json:"id"`
	GroupID     string          `json:"group_id"`
	Kind        string          `json:"kind"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Progress    int             `json:"progress"`
	Message     string          `json:"message,omitempty"`
	Error       string          `json:"error,omitempty"`
	EntityID    string          `json:"entity_id,omitempty"`
	EntityType  string          `json:"entity_type,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	WorkerID    string          `json:"worker_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	StoppedAt   *time.Time      `json:"stopped_at,omitempty"`
}

func convertTask(task *store.Task) *taskResponse {
	resp := &taskResponse{
		ID:          task.ID,
		GroupID:     task.GroupID,
		Kind:        task.Kind,
		Status:      string(task.Status),
		Attempts:    task.Attempts,
		MaxAttempts: task.MaxAttempts,
		Progress:    task.Progress,
		Result:      task.Result,
		CreatedAt:   task.CreatedAt,
		StartedAt:   task.StartedAt,
		CompletedAt: task.CompletedAt,
		StoppedAt:   task.StoppedAt,
	}
	if task.Message != nil {
		resp.Message = *task.Message
	}
	if task.Error != nil {
		resp.Error = *task.Error
	}
	if task.EntityID != nil {
		resp.EntityID = *task.EntityID
	}
	if task.EntityType != nil {
		resp.EntityType = *task.EntityType
	}
	if task.WorkerID != nil {
		resp.WorkerID = *task.WorkerID
	}
	return resp
}

// CreateTask enqueues a new task.
func (s *APIV1Service) CreateTask(c echo.Context) error {
	var req createTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body").SetInternal(err)
	}
	if req.GroupID == "" || req.Kind == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "group_id and kind are required")
	}
	if req.MaxAttempts < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "max_attempts must not be negative")
	}

	task, err := s.TaskService.Enqueue(c.Request().Context(), &async.EnqueueRequest{
		ID:          req.ID,
		GroupID:     req.GroupID,
		Kind:        req.Kind,
		Payload:     req.Payload,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		switch {
		case errors.Is(err, async.ErrUnknownKind):
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown task kind %q", req.Kind))
		case errors.Is(err, store.ErrDuplicateTask):
			return echo.NewHTTPError(http.StatusConflict, "task id already exists")
		case errors.Is(err, async.ErrBacklogFull):
			return echo.NewHTTPError(http.StatusTooManyRequests, "group backlog full")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to enqueue task").SetInternal(err)
	}
	return c.JSON(http.StatusCreated, convertTask(task))
}

// GetTask returns one task.
func (s *APIV1Service) GetTask(c echo.Context) error {
	task, err := s.TaskService.GetTask(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "task not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get task").SetInternal(err)
	}
	return c.JSON(http.StatusOK, convertTask(task))
}

// ListTasks lists tasks filtered by query parameters.
func (s *APIV1Service) ListTasks(c echo.Context) error {
	find := &store.FindTask{}
	if v := c.QueryParam("group_id"); v != "" {
		find.GroupID = &v
	}
	if v := c.QueryParam("kind"); v != "" {
		find.Kind = &v
	}
	if v := c.QueryParam("status"); v != "" {
		status := store.TaskStatus(v)
		find.Status = &status
	}
	if v := c.QueryParam("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		find.Limit = &limit
	}
	if v := c.QueryParam("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid offset")
		}
		find.Offset = &offset
	}

	tasks, err := s.TaskService.ListTasks(c.Request().Context(), find)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list tasks").SetInternal(err)
	}
	resp := make([]*taskResponse, 0, len(tasks))
	for _, task := range tasks {
		resp = append(resp, convertTask(task))
	}
	return c.JSON(http.StatusOK, map[string]any{"tasks": resp})
}

// StopTask requests cancellation of a task.
func (s *APIV1Service) StopTask(c echo.Context) error {
	task, err := s.TaskService.Stop(c.Request().Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTaskNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "task not found")
		case errors.Is(err, async.ErrTaskFinished):
			return echo.NewHTTPError(http.StatusConflict, "task already finished")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to stop task").SetInternal(err)
	}
	return c.JSON(http.StatusOK, convertTask(task))
}

// RetryTask clones a failed task into a fresh attempt.
func (s *APIV1Service) RetryTask(c echo.Context) error {
	clone, err := s.TaskService.Retry(c.Request().Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTaskNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "task not found")
		case errors.Is(err, async.ErrNotRetryable):
			return echo.NewHTTPError(http.StatusConflict, "only failed tasks can be retried")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to retry task").SetInternal(err)
	}
	return c.JSON(http.StatusCreated, convertTask(clone))
}

type taskEventResponse struct {
	Event     string    `json:"event"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ListTaskEvents returns the task's transition history.
func (s *APIV1Service) ListTaskEvents(c echo.Context) error {
	events, err := s.TaskService.ListTaskEvents(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "task not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list task events").SetInternal(err)
	}
	resp := make([]*taskEventResponse, 0, len(events))
	for _, event := range events {
		er := &taskEventResponse{Event: event.Event, CreatedAt: event.CreatedAt}
		if event.WorkerID != nil {
			er.WorkerID = *event.WorkerID
		}
		if event.Detail != nil {
			er.Detail = *event.Detail
		}
		resp = append(resp, er)
	}
	return c.JSON(http.StatusOK, map[string]any{"events": resp})
}

// StreamTaskProgress streams progress events over SSE until the task
// reaches a terminal status or the client disconnects.
func (s *APIV1Service) StreamTaskProgress(c echo.Context) error {
	ctx := c.Request().Context()
	events, cancel, err := s.TaskService.StreamProgress(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "task not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to subscribe").SetInternal(err)
	}
	defer cancel()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming unsupported")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, open := <-events:
			if !open {
				return nil
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(resp, "data: %s\n\n", data); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}
