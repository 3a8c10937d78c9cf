package gateway

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/audit"
)

func (s *Server) auditRoutes(g *echo.Group) {
	g.GET("/logs", s.auditLogs)
	g.GET("/integrity", s.auditIntegrity)
	g.GET("/export", s.auditExport)
	g.GET("/entities/:id", s.auditForEntity)
	g.GET("/users/:actor", s.auditForActor)
	g.POST("/annotations", s.annotate)
	g.GET("/retention", s.getRetention)
	g.PUT("/retention", s.setRetention, requireRole(RoleAdmin))
	g.POST("/archive", s.archive, requireRole(RoleAdmin))
	g.POST("/purge", s.purge, requireRole(RoleAdmin))
	g.POST("/acknowledge", s.acknowledge, requireRole(RoleAdmin))
}

func pageParams(c echo.Context) (int64, int, error) {
	after, err := queryInt64(c, "after_seq", 0)
	if err != nil {
		return 0, 0, err
	}
	size, err := queryInt(c, "page_size", 0)
	if err != nil {
		return 0, 0, err
	}
	return after, size, nil
}

// auditLogs pages through entries. filter is an AIP-160 expression, for
// example: action = "record.update" AND outcome = "failure".
func (s *Server) auditLogs(c echo.Context) error {
	after, size, err := pageParams(c)
	if err != nil {
		return err
	}
	page, err := s.deps.Audit.Query(c.Request().Context(), audit.Query{
		Filter:   c.QueryParam("filter"),
		AfterSeq: after,
		PageSize: size,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

// auditIntegrity walks the chain. A broken chain is a successful check with
// valid=false; the log stays halted until acknowledged.
func (s *Server) auditIntegrity(c echo.Context) error {
	report, err := s.deps.Audit.Verify(c.Request().Context())
	if err == nil {
		return c.JSON(http.StatusOK, map[string]any{"valid": true, "report": report})
	}
	e, ok := apperr.As(err)
	if !ok || e.Kind != apperr.KindAuditTamper {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"valid":  false,
		"report": report,
		"error":  ErrorDetail{Kind: e.Kind, Message: e.Message, Details: e.Details},
	})
}

func (s *Server) auditExport(c echo.Context) error {
	filter := c.QueryParam("filter")
	// Reject a bad filter before the status line is written.
	if _, err := s.deps.Audit.Query(c.Request().Context(), audit.Query{Filter: filter, PageSize: 1}); err != nil {
		return err
	}
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	res.WriteHeader(http.StatusOK)
	n, err := s.deps.Audit.Export(c.Request().Context(), res, filter)
	if err != nil {
		s.logger.Error("audit export interrupted", "written", n, "error", err)
	}
	return nil
}

func (s *Server) auditForEntity(c echo.Context) error {
	after, size, err := pageParams(c)
	if err != nil {
		return err
	}
	page, err := s.deps.Audit.ForEntity(c.Request().Context(), c.Param("id"), after, size)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

func (s *Server) auditForActor(c echo.Context) error {
	after, size, err := pageParams(c)
	if err != nil {
		return err
	}
	page, err := s.deps.Audit.ForActor(c.Request().Context(), c.Param("actor"), after, size)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

func (s *Server) annotate(c echo.Context) error {
	var body struct {
		Seq  int64  `json:"seq"`
		Note string `json:"note"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	e, err := s.deps.Audit.Annotate(c.Request().Context(), actor(c), body.Seq, body.Note)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, e)
}

func (s *Server) getRetention(c echo.Context) error {
	p, err := s.deps.Audit.Retention(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) setRetention(c echo.Context) error {
	var body struct {
		Days int `json:"days"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	p, err := s.deps.Audit.SetRetention(c.Request().Context(), actor(c), body.Days)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

// cutoff reads {"before": RFC 3339} from the body and falls back to the
// retention policy.
func (s *Server) cutoff(c echo.Context) (time.Time, error) {
	var body struct {
		Before *time.Time `json:"before"`
	}
	if err := bind(c, &body); err != nil {
		return time.Time{}, err
	}
	if body.Before != nil {
		return body.Before.UTC(), nil
	}
	before, ok, err := s.deps.Audit.RetentionCutoff(c.Request().Context())
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, apperr.Validation("before is required when no retention policy is set")
	}
	return before, nil
}

func (s *Server) archive(c echo.Context) error {
	if s.deps.Archive == nil {
		return apperr.Validation("no audit archive is configured")
	}
	before, err := s.cutoff(c)
	if err != nil {
		return err
	}
	res, err := s.deps.Audit.Archive(c.Request().Context(), actor(c), before, s.deps.Archive)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) purge(c echo.Context) error {
	before, err := s.cutoff(c)
	if err != nil {
		return err
	}
	res, err := s.deps.Audit.Purge(c.Request().Context(), actor(c), before)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) acknowledge(c echo.Context) error {
	var body struct {
		Note string `json:"note"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	e, err := s.deps.Audit.Acknowledge(c.Request().Context(), actor(c), body.Note)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e)
}
