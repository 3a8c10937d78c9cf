package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/model"
	"github.com/roach88/recordflow/internal/records"
	"github.com/roach88/recordflow/internal/store"
)

type permission int

const (
	permRead permission = iota
	permWrite
	permDelete
)

func (s *Server) recordRoutes(g *echo.Group) {
	g.GET("/:entity", s.listRecords)
	g.POST("/:entity", s.createRecord)
	g.GET("/:entity/:id", s.getRecord)
	g.PUT("/:entity/:id", s.updateRecord)
	g.DELETE("/:entity/:id", s.deleteRecord)
	g.POST("/:entity/:id/restore", s.restoreRecord)
	g.POST("/:entity/:id/clone", s.cloneRecord)
	g.POST("/:entity/:id/lock", s.lockRecord)
	g.POST("/:entity/:id/unlock", s.unlockRecord)
	g.GET("/:entity/:id/versions", s.recordVersions)
	g.GET("/:entity/:id/versions/:version", s.recordVersion)
	g.POST("/:entity/:id/rollback", s.rollbackRecord)
	g.GET("/:entity/:id/diff/:a/:b", s.diffRecord)
	g.GET("/:entity/:id/audit", s.recordAudit)
}

// authorize resolves the :entity parameter and checks the caller against
// its permission list.
func (s *Server) authorize(c echo.Context, p permission) (model.EntityDefinition, error) {
	def, err := s.deps.Registry.Resolve(c.Request().Context(), c.Param("entity"))
	if err != nil {
		return model.EntityDefinition{}, err
	}
	if _, ok := principalFrom(c); !ok {
		return model.EntityDefinition{}, apperr.New(apperr.KindUnauthenticated, "authentication required")
	}
	var roles []string
	switch p {
	case permRead:
		roles = def.Permissions.Read
	case permWrite:
		roles = def.Permissions.Write
	case permDelete:
		roles = def.Permissions.Delete
	}
	if !allowed(c, roles) {
		return model.EntityDefinition{}, apperr.New(apperr.KindForbidden, "not permitted on entity %q", def.Name).
			With("entity_id", def.ID)
	}
	return def, nil
}

// record authorizes the caller and loads the :id record, which must belong
// to the :entity entity.
func (s *Server) record(c echo.Context, p permission) (model.Record, error) {
	def, err := s.authorize(c, p)
	if err != nil {
		return model.Record{}, err
	}
	rec, err := s.deps.Records.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return model.Record{}, err
	}
	if rec.EntityID != def.ID {
		return model.Record{}, apperr.NotFound("record", c.Param("id"))
	}
	return rec, nil
}

// parseWhere reads field:op:value filters. The value is decoded as JSON
// when it parses, otherwise taken as a string.
func parseWhere(raw []string) ([]store.FieldFilter, error) {
	filters := make([]store.FieldFilter, 0, len(raw))
	for _, w := range raw {
		parts := strings.SplitN(w, ":", 3)
		if len(parts) != 3 || parts[0] == "" {
			return nil, apperr.Validation("filter %q must be field:op:value", w)
		}
		var v any
		if err := json.Unmarshal([]byte(parts[2]), &v); err != nil {
			v = parts[2]
		}
		filters = append(filters, store.FieldFilter{Field: parts[0], Op: parts[1], Value: v})
	}
	return filters, nil
}

func (s *Server) listRecords(c echo.Context) error {
	def, err := s.authorize(c, permRead)
	if err != nil {
		return err
	}
	opts := records.ListOptions{}
	if opts.Filters, err = parseWhere(c.QueryParams()["where"]); err != nil {
		return err
	}
	if opts.IncludeDeleted, err = queryBool(c, "include_deleted"); err != nil {
		return err
	}
	if opts.Limit, err = queryInt(c, "limit", 0); err != nil {
		return err
	}
	if opts.Offset, err = queryInt(c, "offset", 0); err != nil {
		return err
	}
	recs, err := s.deps.Records.List(c.Request().Context(), def.ID, opts)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"records": viewRecords(recs)})
}

func (s *Server) createRecord(c echo.Context) error {
	def, err := s.authorize(c, permWrite)
	if err != nil {
		return err
	}
	var body struct {
		Data map[string]any `json:"data"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	rec, err := s.deps.Records.Create(c.Request().Context(), actor(c), def.ID, body.Data)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, viewRecord(rec))
}

func (s *Server) getRecord(c echo.Context) error {
	rec, err := s.record(c, permRead)
	if err != nil {
		return err
	}
	c.Response().Header().Set("ETag", strconv.Quote(strconv.FormatInt(rec.CurrentVersion, 10)))
	return c.JSON(http.StatusOK, viewRecord(rec))
}

// updateRecord applies a merge patch. The expected version comes from the
// body or, failing that, from If-Match.
func (s *Server) updateRecord(c echo.Context) error {
	rec, err := s.record(c, permWrite)
	if err != nil {
		return err
	}
	var body struct {
		Data            map[string]any `json:"data"`
		ExpectedVersion int64          `json:"expected_version"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	expected := body.ExpectedVersion
	if expected == 0 {
		if m := strings.Trim(c.Request().Header.Get("If-Match"), `"`); m != "" {
			if expected, err = strconv.ParseInt(m, 10, 64); err != nil {
				return apperr.Validation("If-Match must carry a record version")
			}
		}
	}
	if expected == 0 {
		return apperr.Validation("expected_version is required")
	}
	out, err := s.deps.Records.Update(c.Request().Context(), actor(c), rec.ID, body.Data, expected)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewRecord(out))
}

func (s *Server) deleteRecord(c echo.Context) error {
	rec, err := s.record(c, permDelete)
	if err != nil {
		return err
	}
	out, err := s.deps.Records.Delete(c.Request().Context(), actor(c), rec.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewRecord(out))
}

func (s *Server) restoreRecord(c echo.Context) error {
	rec, err := s.record(c, permDelete)
	if err != nil {
		return err
	}
	out, err := s.deps.Records.Restore(c.Request().Context(), actor(c), rec.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewRecord(out))
}

func (s *Server) cloneRecord(c echo.Context) error {
	rec, err := s.record(c, permWrite)
	if err != nil {
		return err
	}
	out, err := s.deps.Records.Clone(c.Request().Context(), actor(c), rec.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, viewRecord(out))
}

func (s *Server) lockRecord(c echo.Context) error {
	rec, err := s.record(c, permWrite)
	if err != nil {
		return err
	}
	out, err := s.deps.Records.Lock(c.Request().Context(), actor(c), rec.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewRecord(out))
}

// unlockRecord releases the caller's lock. force=true releases anyone's
// lock and needs the admin role.
func (s *Server) unlockRecord(c echo.Context) error {
	rec, err := s.record(c, permWrite)
	if err != nil {
		return err
	}
	force, err := queryBool(c, "force")
	if err != nil {
		return err
	}
	if p, _ := principalFrom(c); force && !p.HasRole(RoleAdmin) {
		return apperr.New(apperr.KindForbidden, "role %q required to force an unlock", RoleAdmin)
	}
	out, err := s.deps.Records.Unlock(c.Request().Context(), actor(c), rec.ID, force)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewRecord(out))
}

func (s *Server) recordVersions(c echo.Context) error {
	rec, err := s.record(c, permRead)
	if err != nil {
		return err
	}
	vs, err := s.deps.Records.Versions(c.Request().Context(), rec.ID)
	if err != nil {
		return err
	}
	out := make([]versionView, len(vs))
	for i, v := range vs {
		out[i] = viewVersion(v)
	}
	return c.JSON(http.StatusOK, map[string]any{"versions": out})
}

func (s *Server) recordVersion(c echo.Context) error {
	rec, err := s.record(c, permRead)
	if err != nil {
		return err
	}
	n, err := pathInt64(c, "version")
	if err != nil {
		return err
	}
	v, err := s.deps.Records.Version(c.Request().Context(), rec.ID, n)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewVersion(v))
}

func (s *Server) rollbackRecord(c echo.Context) error {
	rec, err := s.record(c, permWrite)
	if err != nil {
		return err
	}
	var body struct {
		Version int64 `json:"version"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	out, err := s.deps.Records.Rollback(c.Request().Context(), actor(c), rec.ID, body.Version)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewRecord(out))
}

func (s *Server) diffRecord(c echo.Context) error {
	rec, err := s.record(c, permRead)
	if err != nil {
		return err
	}
	a, err := pathInt64(c, "a")
	if err != nil {
		return err
	}
	b, err := pathInt64(c, "b")
	if err != nil {
		return err
	}
	changes, err := s.deps.Records.Diff(c.Request().Context(), rec.ID, a, b)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"from": a, "to": b, "changes": viewChanges(changes)})
}

func (s *Server) recordAudit(c echo.Context) error {
	rec, err := s.record(c, permRead)
	if err != nil {
		return err
	}
	after, size, err := pageParams(c)
	if err != nil {
		return err
	}
	page, err := s.deps.Audit.ForRecord(c.Request().Context(), rec.ID, after, size)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}
