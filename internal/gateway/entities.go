package gateway

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/model"
	"github.com/roach88/recordflow/internal/registry"
)

func (s *Server) entityRoutes(g *echo.Group) {
	g.GET("", s.listEntities)
	g.POST("", s.defineEntity)
	g.GET("/:id", s.getEntity)
	g.PUT("/:id", s.updateEntity)
	g.DELETE("/:id", s.deleteEntity)
	g.POST("/:id/clone", s.cloneEntity)
	g.POST("/:id/publish", s.publishEntity)
	g.POST("/:id/unpublish", s.unpublishEntity)
	g.POST("/:id/migrate", s.migrateEntity)
	g.GET("/:id/published", s.publishedSchema)
	g.GET("/:id/versions/:version", s.schemaAt)

	g.POST("/:id/fields", s.addField)
	g.PUT("/:id/fields/:field", s.updateField)
	g.DELETE("/:id/fields/:field", s.deleteField)
	g.POST("/:id/fields/reorder", s.reorderFields)
	g.POST("/:id/fields/:field/move", s.moveField)

	g.POST("/:id/relations", s.defineRelation)
	g.DELETE("/:id/relations/:relation", s.deleteRelation)
	g.POST("/:id/indexes", s.defineIndex)
	g.DELETE("/:id/indexes/:index", s.deleteIndex)
	g.PUT("/:id/permissions", s.updatePermissions)

	g.POST("/:id/layouts", s.addLayout)
	g.PUT("/:id/layouts/:layout", s.updateLayout)
	g.DELETE("/:id/layouts/:layout", s.deleteLayout)
}

// entityID resolves the :id path parameter, which may be an id or a name.
func (s *Server) entityID(c echo.Context) (string, error) {
	def, err := s.deps.Registry.Resolve(c.Request().Context(), c.Param("id"))
	if err != nil {
		return "", err
	}
	return def.ID, nil
}

// editEntity resolves the entity and renders the edited definition.
func (s *Server) editEntity(c echo.Context, status int, fn func(id string) (model.EntityDefinition, error)) error {
	id, err := s.entityID(c)
	if err != nil {
		return err
	}
	def, err := fn(id)
	if err != nil {
		return err
	}
	return c.JSON(status, def)
}

func (s *Server) listEntities(c echo.Context) error {
	includeDeleted, err := queryBool(c, "include_deleted")
	if err != nil {
		return err
	}
	defs, err := s.deps.Registry.List(c.Request().Context(), includeDeleted)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"entities": defs})
}

func (s *Server) defineEntity(c echo.Context) error {
	var spec model.EntityDefinition
	if err := bind(c, &spec); err != nil {
		return err
	}
	def, err := s.deps.Registry.DefineEntity(c.Request().Context(), actor(c), spec)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, def)
}

func (s *Server) getEntity(c echo.Context) error {
	def, err := s.deps.Registry.Resolve(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

func (s *Server) updateEntity(c echo.Context) error {
	var patch registry.EntityPatch
	if err := bind(c, &patch); err != nil {
		return err
	}
	return s.editEntity(c, http.StatusOK, func(id string) (model.EntityDefinition, error) {
		return s.deps.Registry.UpdateEntity(c.Request().Context(), actor(c), id, patch)
	})
}

func (s *Server) deleteEntity(c echo.Context) error {
	id, err := s.entityID(c)
	if err != nil {
		return err
	}
	if err := s.deps.Registry.DeleteEntity(c.Request().Context(), actor(c), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) cloneEntity(c echo.Context) error {
	var body struct {
		Name string `json:"name"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	return s.editEntity(c, http.StatusCreated, func(id string) (model.EntityDefinition, error) {
		return s.deps.Registry.CloneEntity(c.Request().Context(), actor(c), id, body.Name)
	})
}

func (s *Server) publishEntity(c echo.Context) error {
	return s.editEntity(c, http.StatusOK, func(id string) (model.EntityDefinition, error) {
		return s.deps.Registry.Publish(c.Request().Context(), actor(c), id)
	})
}

func (s *Server) unpublishEntity(c echo.Context) error {
	return s.editEntity(c, http.StatusOK, func(id string) (model.EntityDefinition, error) {
		return s.deps.Registry.Unpublish(c.Request().Context(), actor(c), id)
	})
}

func (s *Server) migrateEntity(c echo.Context) error {
	id, err := s.entityID(c)
	if err != nil {
		return err
	}
	report, err := s.deps.Registry.Migrate(c.Request().Context(), actor(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) publishedSchema(c echo.Context) error {
	def, err := s.deps.Registry.PublishedSchema(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

func (s *Server) schemaAt(c echo.Context) error {
	id, err := s.entityID(c)
	if err != nil {
		return err
	}
	v, err := strconv.Atoi(c.Param("version"))
	if err != nil || v < 1 {
		return apperr.Validation("schema version must be a positive integer")
	}
	def, err := s.deps.Registry.SchemaAt(c.Request().Context(), id, v)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

func (s *Server) addField(c echo.Context) error {
	var f model.FieldDef
	if err := bind(c, &f); err != nil {
		return err
	}
	return s.editEntity(c, http.StatusCreated, func(id string) (model.EntityDefinition, error) {
		return s.deps.Registry.AddField(c.Request().Context(), actor(c), id, f)
	})
}

func (s *Server) updateField(c echo.Context) error {
	var patch registry.FieldPatch
	if err := bind(c, &patch); err != nil {
		return err
	}
	return s.editEntity(c, http.StatusOK, func(id string) (model.EntityDefinition, error) {
		return s.deps.Registry.UpdateField(c.Request().Context(), actor(c), id, c.Param("field"), patch)
	})
}

func (s *Server) deleteField(c echo.Context) error {
	return s.editEntity(c, http.StatusOK, func(id string) (model.EntityDefinition, error) {
		return s.deps.Registry.DeleteField(c.Request().Context(), actor(c), id, c.Param("field"))
	})
}

func (s *Server) reorderFields(c echo.Context) error {
	var body struct {
		FieldIDs []string `json:"field_ids"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	return s.editEntity(c, http.StatusOK, func(id string) (model.EntityDefinition, error) {
		return s.deps.Registry.ReorderFields(c.Request().Context(), actor(c), id, body.FieldIDs)
	})
}

func (s *Server) moveField(c echo.Context) error {
	var body struct {
		Position int `json:"position"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	return s.editEntity(c, http.StatusOK, func(id string) (model.EntityDefinition, error) {
		return s.deps.Registry.MoveField(c.Request().Context(), actor(c), id, c.Param("field"), body.Position)
	})
}

func (s *Server) defineRelation(c echo.Context) error {
	var rel model.RelationDef
	if err := bind(c, &rel); err != nil {
		return err
	}
	return s.editEntity(c, http.StatusCreated, func(id string) (model.EntityDefinition, error) {
		return s.deps.Registry.DefineRelation(c.Request().Context(), actor(c), id, rel)
	})
}

func (s *Server) deleteRelation(c echo.Context) error {
	return s.editEntity(c, http.StatusOK, func(id string) (model.EntityDefinition, error) {
		return s.deps.Registry.DeleteRelation(c.Request().Context(), actor(c), id, c.Param("relation"))
	})
}

func (s *Server) defineIndex(c echo.Context) error {
	var ix model.IndexDef
	if err := bind(c, &ix); err != nil {
		return err
	}
	return s.editEntity(c, http.StatusCreated, func(id string) (model.EntityDefinition, error) {
		return s.deps.Registry.DefineIndex(c.Request().Context(), actor(c), id, ix)
	})
}

func (s *Server) deleteIndex(c echo.Context) error {
	return s.editEntity(c, http.StatusOK, func(id string) (model.EntityDefinition, error) {
		return s.deps.Registry.DeleteIndex(c.Request().Context(), actor(c), id, c.Param("index"))
	})
}

func (s *Server) updatePermissions(c echo.Context) error {
	var perms model.Permissions
	if err := bind(c, &perms); err != nil {
		return err
	}
	return s.editEntity(c, http.StatusOK, func(id string) (model.EntityDefinition, error) {
		return s.deps.Registry.UpdatePermissions(c.Request().Context(), actor(c), id, perms)
	})
}

func (s *Server) addLayout(c echo.Context) error {
	var l model.Layout
	if err := bind(c, &l); err != nil {
		return err
	}
	return s.editEntity(c, http.StatusCreated, func(id string) (model.EntityDefinition, error) {
		return s.deps.Registry.AddLayout(c.Request().Context(), actor(c), id, l)
	})
}

func (s *Server) updateLayout(c echo.Context) error {
	var l model.Layout
	if err := bind(c, &l); err != nil {
		return err
	}
	return s.editEntity(c, http.StatusOK, func(id string) (model.EntityDefinition, error) {
		return s.deps.Registry.UpdateLayout(c.Request().Context(), actor(c), id, c.Param("layout"), l)
	})
}

func (s *Server) deleteLayout(c echo.Context) error {
	return s.editEntity(c, http.StatusOK, func(id string) (model.EntityDefinition, error) {
		return s.deps.Registry.DeleteLayout(c.Request().Context(), actor(c), id, c.Param("layout"))
	})
}
