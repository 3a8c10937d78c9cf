package gateway

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/roach88/recordflow/internal/model"
	"github.com/roach88/recordflow/internal/rules"
)

func (s *Server) ruleRoutes(g *echo.Group) {
	g.GET("", s.listRules)
	g.POST("", s.createRule)
	g.GET("/status", s.ruleStatus)
	g.GET("/conflicts", s.ruleConflicts)
	g.POST("/simulate", s.simulateRules)
	g.GET("/:id", s.getRule)
	g.PUT("/:id", s.updateRule)
	g.DELETE("/:id", s.deleteRule)
	g.POST("/:id/enable", s.enableRule)
	g.POST("/:id/disable", s.disableRule)
	g.POST("/:id/clone", s.cloneRule)
	g.POST("/:id/test", s.testRule)
	g.GET("/:id/history", s.ruleHistory)
}

// sample is an evaluation context as clients send it: plain JSON record
// values instead of tagged ones.
type sample struct {
	Record    map[string]any `json:"record"`
	Actor     string         `json:"actor,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	State     string         `json:"state,omitempty"`
	Entity    string         `json:"entity,omitempty"`
	Event     string         `json:"event,omitempty"`
}

func (s *Server) evalContext(c echo.Context, in sample) rules.EvalContext {
	data := make(model.Data, len(in.Record))
	for k, v := range in.Record {
		data[k] = model.LiteralValue(v)
	}
	ec := rules.EvalContext{
		Record:    data,
		Actor:     in.Actor,
		Timestamp: in.Timestamp,
		State:     in.State,
		Entity:    in.Entity,
		Event:     in.Event,
	}
	if ec.Actor == "" {
		ec.Actor = actor(c)
	}
	if ec.Timestamp.IsZero() {
		ec.Timestamp = s.clock.Now().UTC()
	}
	return ec
}

type dryRunView struct {
	Evaluation rules.Evaluation `json:"evaluation"`
	Data       map[string]any   `json:"data"`
	Changes    []changeView     `json:"changes"`
	Outbound   []model.Action   `json:"outbound"`
}

func viewDryRun(d rules.DryRun) dryRunView {
	return dryRunView{
		Evaluation: d.Evaluation,
		Data:       d.Data.Native(),
		Changes:    viewChanges(d.Changes),
		Outbound:   d.Outbound,
	}
}

func (s *Server) listRules(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"rules": s.deps.Rules.List()})
}

func (s *Server) createRule(c echo.Context) error {
	var spec model.Rule
	if err := bind(c, &spec); err != nil {
		return err
	}
	r, err := s.deps.Rules.Create(c.Request().Context(), actor(c), spec)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, r)
}

func (s *Server) ruleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Rules.Status())
}

func (s *Server) ruleConflicts(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"conflicts": s.deps.Rules.DetectConflicts()})
}

func (s *Server) simulateRules(c echo.Context) error {
	var body struct {
		Entity  string   `json:"entity,omitempty"`
		RuleIDs []string `json:"rule_ids,omitempty"`
		Samples []sample `json:"samples"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	req := rules.SimulateRequest{Entity: body.Entity, RuleIDs: body.RuleIDs}
	if body.Entity != "" {
		def, err := s.deps.Registry.Resolve(c.Request().Context(), body.Entity)
		if err != nil {
			return err
		}
		req.Entity = def.ID
	}
	for _, smp := range body.Samples {
		req.Samples = append(req.Samples, s.evalContext(c, smp))
	}
	runs, err := s.deps.Rules.Simulate(c.Request().Context(), req)
	if err != nil {
		return err
	}
	out := make([]dryRunView, len(runs))
	for i, d := range runs {
		out[i] = viewDryRun(d)
	}
	return c.JSON(http.StatusOK, map[string]any{"results": out})
}

func (s *Server) getRule(c echo.Context) error {
	r, err := s.deps.Rules.Get(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) updateRule(c echo.Context) error {
	var spec model.Rule
	if err := bind(c, &spec); err != nil {
		return err
	}
	r, err := s.deps.Rules.Update(c.Request().Context(), actor(c), c.Param("id"), spec)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) deleteRule(c echo.Context) error {
	if err := s.deps.Rules.Delete(c.Request().Context(), actor(c), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) enableRule(c echo.Context) error {
	r, err := s.deps.Rules.Enable(c.Request().Context(), actor(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) disableRule(c echo.Context) error {
	r, err := s.deps.Rules.Disable(c.Request().Context(), actor(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) cloneRule(c echo.Context) error {
	var body struct {
		Name string `json:"name"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	r, err := s.deps.Rules.Clone(c.Request().Context(), actor(c), c.Param("id"), body.Name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, r)
}

func (s *Server) testRule(c echo.Context) error {
	var body sample
	if err := bind(c, &body); err != nil {
		return err
	}
	d, err := s.deps.Rules.Test(c.Request().Context(), c.Param("id"), s.evalContext(c, body))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewDryRun(d))
}

func (s *Server) ruleHistory(c echo.Context) error {
	h, err := s.deps.Rules.History(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"versions": h})
}
