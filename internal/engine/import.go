package engine

import (
	"context"
	"errors"

	"github.com/hilderonny/fm-sub000/internal/apperr"
)

// ImportResult counts the outcome of Import.
type ImportResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

// Import writes externally produced content rows of one datatype. Rows keep
// their names: existing entities are updated, missing ones inserted. Keys
// without a matching field and values of formula fields are dropped, so
// formulas always hold recomputed values. Parent keys are dropped too since
// hierarchy links arrive as relations rows. Rows that fail validation are
// skipped and logged; storage failures abort the import.
//
// An unknown datatype skips every row.
func (e *Engine) Import(ctx context.Context, tenant, datatypename string, rows []Object) (ImportResult, error) {
	var res ImportResult
	db, def, err := e.load(ctx, tenant, datatypename)
	if isNotFound(err) {
		e.logger.Warnw("skipping import of unknown datatype", "tenant", tenant, "datatype", datatypename, "rows", len(rows))
		res.Skipped = len(rows)
		return res, nil
	}
	if err != nil {
		return res, err
	}

	for _, row := range rows {
		row = withoutParent(row)
		name := row.Name()
		if !ValidName(name) {
			e.logger.Warnw("skipping import row without valid name", "tenant", tenant, "datatype", def.Name)
			res.Skipped++
			continue
		}

		_, err := e.readOne(ctx, db, def, name)
		switch {
		case err == nil:
			_, err = e.Update(ctx, tenant, def.Name, name, row)
			if err == nil {
				res.Updated++
			}
		case isNotFound(err):
			_, err = e.insert(ctx, tenant, db, def, name, row)
			if err == nil {
				res.Inserted++
			}
		}
		if err != nil {
			if !errors.Is(err, apperr.ErrValidation) {
				return res, err
			}
			e.logger.Warnw("skipping invalid import row", "tenant", tenant, "datatype", def.Name, "name", name, "error", err)
			res.Skipped++
		}
	}
	e.logger.Infow("imported content", "tenant", tenant, "datatype", def.Name,
		"inserted", res.Inserted, "updated", res.Updated, "skipped", res.Skipped)
	return res, nil
}

func withoutParent(row Object) Object {
	if _, ok := row[ParentIDKey]; !ok {
		if _, ok := row[ParentDatatypeKey]; !ok {
			return row
		}
	}
	out := make(Object, len(row))
	for k, v := range row {
		if k != ParentIDKey && k != ParentDatatypeKey {
			out[k] = v
		}
	}
	return out
}
