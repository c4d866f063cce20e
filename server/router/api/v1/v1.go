// Package v1 implements the REST surface of the task pipeline.
package v1

import (
	"github.com/labstack/echo/v4"

	"github.com/hrygo/engram/async"
	"github.com/hrygo/engram/internal/profile"
	"github.com/hrygo/engram/store"
)

// APIV1Service bundles the v1 route handlers.
type APIV1Service struct {
	Profile     *profile.Profile
	Store       *store.Store
	TaskService *async.Service
}

// NewAPIV1Service creates the v1 API service.
func NewAPIV1Service(profile *profile.Profile, store *store.Store, taskService *async.Service) *APIV1Service {
	return &APIV1Service{
		Profile:     profile,
		Store:       store,
		TaskService: taskService,
	}
}

// RegisterRoutes mounts the v1 routes on the echo instance.
func (s *APIV1Service) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/v1")

	g.POST("/tasks", s.CreateTask)
	g.GET("/tasks", s.ListTasks)
	g.GET("/tasks/:id", s.GetTask)
	g.POST("/tasks/:id/stop", s.StopTask)
	g.POST("/tasks/:id/retry", s.RetryTask)
	g.GET("/tasks/:id/events", s.ListTaskEvents)
	g.GET("/tasks/:id/progress", s.StreamTaskProgress)
}
