package gateway

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/model"
	"github.com/roach88/recordflow/internal/store"
)

func (s *Server) workflowRoutes(g *echo.Group) {
	g.GET("", s.listWorkflows)
	g.POST("", s.defineWorkflow)

	g.GET("/runs", s.listRuns)
	g.GET("/runs/:run", s.getRun)
	g.POST("/runs/:run/advance", s.advanceRun)
	g.POST("/runs/:run/retry", s.retryRun)
	g.POST("/runs/:run/cancel", s.cancelRun)
	g.GET("/runs/:run/history", s.runHistory)

	g.GET("/:id", s.getWorkflow)
	g.PUT("/:id", s.updateWorkflow)
	g.DELETE("/:id", s.deleteWorkflow)
	g.POST("/:id/validate", s.validateWorkflow)
	g.POST("/:id/publish", s.publishWorkflow)
	g.POST("/:id/unpublish", s.unpublishWorkflow)
	g.POST("/:id/states", s.addState)
	g.DELETE("/:id/states/:state", s.deleteState)
	g.POST("/:id/transitions", s.addTransition)
	g.DELETE("/:id/transitions/:transition", s.deleteTransition)
	g.POST("/:id/trigger/:type", s.triggerWorkflow)
	g.POST("/:id/tick", s.tickWorkflow)
	g.GET("/:id/runs", s.listRuns)
}

func (s *Server) workflowID(c echo.Context) (string, error) {
	def, err := s.deps.Workflows.Resolve(c.Request().Context(), c.Param("id"))
	if err != nil {
		return "", err
	}
	return def.ID, nil
}

func (s *Server) editWorkflow(c echo.Context, status int, fn func(id string) (model.WorkflowDefinition, error)) error {
	id, err := s.workflowID(c)
	if err != nil {
		return err
	}
	def, err := fn(id)
	if err != nil {
		return err
	}
	return c.JSON(status, def)
}

func (s *Server) listWorkflows(c echo.Context) error {
	defs, err := s.deps.Workflows.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"workflows": defs})
}

func (s *Server) defineWorkflow(c echo.Context) error {
	var spec model.WorkflowDefinition
	if err := bind(c, &spec); err != nil {
		return err
	}
	def, err := s.deps.Workflows.Define(c.Request().Context(), actor(c), spec)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, def)
}

func (s *Server) getWorkflow(c echo.Context) error {
	def, err := s.deps.Workflows.Resolve(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

func (s *Server) updateWorkflow(c echo.Context) error {
	var spec model.WorkflowDefinition
	if err := bind(c, &spec); err != nil {
		return err
	}
	return s.editWorkflow(c, http.StatusOK, func(id string) (model.WorkflowDefinition, error) {
		return s.deps.Workflows.Update(c.Request().Context(), actor(c), id, spec)
	})
}

func (s *Server) deleteWorkflow(c echo.Context) error {
	id, err := s.workflowID(c)
	if err != nil {
		return err
	}
	if err := s.deps.Workflows.Delete(c.Request().Context(), actor(c), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// validateWorkflow runs the publish-time checks without publishing.
// Definition errors are reported in the body, not as a failed request.
func (s *Server) validateWorkflow(c echo.Context) error {
	def, err := s.deps.Workflows.Resolve(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	verr := s.deps.Workflows.Validate(c.Request().Context(), def)
	if verr == nil {
		return c.JSON(http.StatusOK, map[string]any{"valid": true})
	}
	e, ok := apperr.As(verr)
	if !ok || e.Kind == apperr.KindInternal {
		return verr
	}
	return c.JSON(http.StatusOK, map[string]any{
		"valid": false,
		"error": ErrorDetail{Kind: e.Kind, Message: e.Message, Details: e.Details},
	})
}

func (s *Server) publishWorkflow(c echo.Context) error {
	return s.editWorkflow(c, http.StatusOK, func(id string) (model.WorkflowDefinition, error) {
		return s.deps.Workflows.Publish(c.Request().Context(), actor(c), id)
	})
}

func (s *Server) unpublishWorkflow(c echo.Context) error {
	return s.editWorkflow(c, http.StatusOK, func(id string) (model.WorkflowDefinition, error) {
		return s.deps.Workflows.Unpublish(c.Request().Context(), actor(c), id)
	})
}

func (s *Server) addState(c echo.Context) error {
	var st model.State
	if err := bind(c, &st); err != nil {
		return err
	}
	return s.editWorkflow(c, http.StatusCreated, func(id string) (model.WorkflowDefinition, error) {
		return s.deps.Workflows.AddState(c.Request().Context(), actor(c), id, st)
	})
}

func (s *Server) deleteState(c echo.Context) error {
	return s.editWorkflow(c, http.StatusOK, func(id string) (model.WorkflowDefinition, error) {
		return s.deps.Workflows.DeleteState(c.Request().Context(), actor(c), id, c.Param("state"))
	})
}

func (s *Server) addTransition(c echo.Context) error {
	var t model.Transition
	if err := bind(c, &t); err != nil {
		return err
	}
	return s.editWorkflow(c, http.StatusCreated, func(id string) (model.WorkflowDefinition, error) {
		return s.deps.Workflows.AddTransition(c.Request().Context(), actor(c), id, t)
	})
}

func (s *Server) deleteTransition(c echo.Context) error {
	return s.editWorkflow(c, http.StatusOK, func(id string) (model.WorkflowDefinition, error) {
		return s.deps.Workflows.DeleteTransition(c.Request().Context(), actor(c), id, c.Param("transition"))
	})
}

// triggerWorkflow starts or returns the active run for a record. A schedule
// trigger without a record id ticks every running run instead.
func (s *Server) triggerWorkflow(c echo.Context) error {
	tt := model.TriggerType(c.Param("type"))
	switch tt {
	case model.TriggerManual, model.TriggerEvent, model.TriggerSchedule:
	default:
		return apperr.Validation("unknown trigger type %q", tt).With("trigger_type", string(tt))
	}
	var body struct {
		RecordID string         `json:"record_id"`
		Payload  map[string]any `json:"payload,omitempty"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	if body.RecordID == "" {
		if tt == model.TriggerSchedule {
			return s.tickWorkflow(c)
		}
		return apperr.Validation("record_id is required")
	}
	run, err := s.deps.Workflows.Trigger(c.Request().Context(), actor(c), c.Param("id"), body.RecordID, body.Payload, tt)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) tickWorkflow(c echo.Context) error {
	report, err := s.deps.Workflows.OnScheduleTick(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) listRuns(c echo.Context) error {
	q := store.RunQuery{
		WorkflowID: c.Param("id"),
		RecordID:   c.QueryParam("record_id"),
		Status:     model.RunStatus(c.QueryParam("status")),
	}
	if q.WorkflowID == "" {
		q.WorkflowID = c.QueryParam("workflow")
	}
	var err error
	if q.Limit, err = queryInt(c, "limit", 0); err != nil {
		return err
	}
	runs, err := s.deps.Workflows.ListRuns(c.Request().Context(), q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getRun(c echo.Context) error {
	run, err := s.deps.Workflows.GetRun(c.Request().Context(), c.Param("run"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) advanceRun(c echo.Context) error {
	run, err := s.deps.Workflows.Advance(c.Request().Context(), actor(c), c.Param("run"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) retryRun(c echo.Context) error {
	run, err := s.deps.Workflows.Retry(c.Request().Context(), actor(c), c.Param("run"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) cancelRun(c echo.Context) error {
	run, err := s.deps.Workflows.Cancel(c.Request().Context(), actor(c), c.Param("run"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) runHistory(c echo.Context) error {
	h, err := s.deps.Workflows.History(c.Request().Context(), c.Param("run"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"history": h})
}
