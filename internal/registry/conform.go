package registry

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/recordflow/internal/model"
	"github.com/roach88/recordflow/internal/store"
)

// Conform checks typed record data against a schema and returns every
// violation ordered by field name. Unknown fields, kind mismatches, enum
// values outside the declared set and missing required fields are reported.
func Conform(def model.EntityDefinition, data model.Data) []model.FieldError {
	var errs []model.FieldError
	for _, name := range data.SortedKeys() {
		v := data[name]
		f, ok := def.Field(name)
		if !ok {
			errs = append(errs, model.FieldError{Field: name, Reason: "unknown field"})
			continue
		}
		if model.IsNull(v) {
			continue
		}
		if string(v.Kind()) != string(f.Type) {
			errs = append(errs, model.FieldError{
				Field:  name,
				Reason: fmt.Sprintf("expected %s, got %s", f.Type, v.Kind()),
			})
			continue
		}
		if e, isEnum := v.(model.Enum); isEnum && !slices.Contains(f.EnumValues, string(e)) {
			errs = append(errs, model.FieldError{
				Field:  name,
				Reason: fmt.Sprintf("%q is not one of %v", string(e), f.EnumValues),
			})
		}
	}
	for _, f := range def.Fields {
		if f.Required && model.IsNull(data[f.Name]) {
			errs = append(errs, model.FieldError{Field: f.Name, Reason: "required"})
		}
	}
	slices.SortStableFunc(errs, func(a, b model.FieldError) int {
		switch {
		case a.Field < b.Field:
			return -1
		case a.Field > b.Field:
			return 1
		}
		return 0
	})
	return errs
}

// RecordIssue is one live record that does not conform to the latest schema.
type RecordIssue struct {
	RecordID      string             `json:"record_id"`
	SchemaVersion int                `json:"schema_version"`
	Errors        []model.FieldError `json:"errors"`
}

// MigrationReport summarizes how live records fit the latest published schema.
type MigrationReport struct {
	EntityID      string        `json:"entity_id"`
	SchemaVersion int           `json:"schema_version"`
	Checked       int           `json:"checked"`
	Stale         int           `json:"stale"`
	NonConforming []RecordIssue `json:"non_conforming"`
}

const migratePageSize = 200

// Migrate re-validates every live record against the latest published
// schema. Records are never rewritten; the report lists what an operator
// must fix. Stale counts records written under an older schema version.
func (r *Registry) Migrate(ctx context.Context, actorID, entityID string) (MigrationReport, error) {
	schema, err := r.PublishedSchema(ctx, entityID)
	if err != nil {
		r.recordResult(ctx, actorID, "entity.migrate", entityID, nil, err)
		return MigrationReport{}, err
	}

	report := MigrationReport{
		EntityID:      schema.ID,
		SchemaVersion: schema.Version,
		NonConforming: []RecordIssue{},
	}
	for offset := 0; ; offset += migratePageSize {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		recs, err := r.store.ListRecords(ctx, store.RecordQuery{
			EntityID: schema.ID,
			Limit:    migratePageSize,
			Offset:   offset,
		})
		if err != nil {
			return report, err
		}
		for _, rec := range recs {
			report.Checked++
			if rec.SchemaVersion < schema.Version {
				report.Stale++
			}
			if errs := Conform(schema, rec.Data); len(errs) > 0 {
				report.NonConforming = append(report.NonConforming, RecordIssue{
					RecordID:      rec.ID,
					SchemaVersion: rec.SchemaVersion,
					Errors:        errs,
				})
			}
		}
		if len(recs) < migratePageSize {
			break
		}
	}

	r.recordResult(ctx, actorID, "entity.migrate", schema.ID, map[string]any{
		"schema_version": schema.Version,
		"checked":        report.Checked,
		"stale":          report.Stale,
		"non_conforming": len(report.NonConforming),
	}, nil)
	return report, nil
}
