package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/reverb-engine/reverb/internal/match"
	"github.com/reverb-engine/reverb/internal/schema"
)

// CreateRecord inserts one entity record and emits a create mutation event.
// Missing properties take their declared defaults; an id is generated unless
// the caller supplies one.
func (t *Tx) CreateRecord(ctx context.Context, entityName string, data schema.Record) (schema.Record, error) {
	e := t.store.reg.Entity(entityName)
	if e == nil {
		return nil, fmt.Errorf("create record: unknown entity %q", entityName)
	}

	record := schema.Record{}
	id, _ := data["id"].(string)
	if id == "" {
		id = t.store.newID()
	}
	record["id"] = id

	cols := []string{"id"}
	params := []any{id}
	for _, p := range e.Properties {
		val, ok := data[p.Name]
		if !ok {
			if p.Default == nil {
				continue
			}
			val = p.Default
		}
		val, err := coerceValue(p.Type, val)
		if err != nil {
			return nil, fmt.Errorf("create %s: property %q: %w", entityName, p.Name, err)
		}
		record[p.Name] = val
		cols = append(cols, p.Name)
		params = append(params, toParam(val))
	}
	for k := range data {
		if k != "id" && e.Property(k) == nil {
			return nil, fmt.Errorf("create %s: unknown property %q", entityName, k)
		}
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		entityTable(entityName),
		strings.Join(cols, ", "),
		placeholders(len(cols)),
	)
	if _, err := t.tx.ExecContext(ctx, query, params...); err != nil {
		return nil, fmt.Errorf("create %s: %w", entityName, err)
	}

	t.record(schema.MutationEvent{
		RecordName: entityName,
		Type:       schema.MutationCreate,
		Record:     record,
	})
	return record, nil
}

// FindRecords returns entity records matching expr, nil expr matching all.
func (t *Tx) FindRecords(ctx context.Context, entityName string, expr *match.Expr, mod *Modifier) ([]schema.Record, error) {
	return t.store.findRecords(ctx, t.tx, entityName, expr, mod)
}

// FindRecords is the non-transactional read variant, for inspection paths
// that hold no transaction (CLI, external observers).
func (s *Store) FindRecords(ctx context.Context, entityName string, expr *match.Expr, mod *Modifier) ([]schema.Record, error) {
	return s.findRecords(ctx, s.db, entityName, expr, mod)
}

// FindOneRecord returns the single matching record, ErrNotFound when none.
func (t *Tx) FindOneRecord(ctx context.Context, entityName string, expr *match.Expr) (schema.Record, error) {
	records, err := t.FindRecords(ctx, entityName, expr, &Modifier{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("find %s: %w", entityName, ErrNotFound)
	}
	return records[0], nil
}

func (s *Store) findRecords(ctx context.Context, q querier, entityName string, expr *match.Expr, mod *Modifier) ([]schema.Record, error) {
	e := s.reg.Entity(entityName)
	if e == nil {
		return nil, fmt.Errorf("find records: unknown entity %q", entityName)
	}
	c, err := s.entityCompiler(entityName)
	if err != nil {
		return nil, err
	}
	where, params, err := c.where(expr)
	if err != nil {
		return nil, err
	}
	order, err := c.orderClause(mod)
	if err != nil {
		return nil, err
	}

	cols := entityColumns(e)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s%s",
		strings.Join(cols, ", "), entityTable(entityName), where, order)

	rows, err := q.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", entityName, err)
	}
	defer rows.Close()

	var out []schema.Record
	for rows.Next() {
		record, err := scanRecord(rows, cols, entityPropTypes(e))
		if err != nil {
			return nil, fmt.Errorf("find %s: %w", entityName, err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find %s: %w", entityName, err)
	}
	return out, nil
}

// UpdateRecords applies data to every matching record, one update event per
// record actually changed. Returns the post-update records.
func (t *Tx) UpdateRecords(ctx context.Context, entityName string, expr *match.Expr, data schema.Record) ([]schema.Record, error) {
	e := t.store.reg.Entity(entityName)
	if e == nil {
		return nil, fmt.Errorf("update records: unknown entity %q", entityName)
	}
	for k := range data {
		if k == "id" {
			return nil, fmt.Errorf("update %s: id is immutable", entityName)
		}
		if e.Property(k) == nil {
			return nil, fmt.Errorf("update %s: unknown property %q", entityName, k)
		}
	}

	matching, err := t.FindRecords(ctx, entityName, expr, nil)
	if err != nil {
		return nil, err
	}

	var out []schema.Record
	for _, old := range matching {
		updated, keys, err := t.updateOne(ctx, entityTable(entityName), entityPropTypes(e), old, data)
		if err != nil {
			return nil, fmt.Errorf("update %s: %w", entityName, err)
		}
		if len(keys) > 0 {
			t.record(schema.MutationEvent{
				RecordName: entityName,
				Type:       schema.MutationUpdate,
				Record:     updated,
				OldRecord:  old,
				Keys:       keys,
			})
		}
		out = append(out, updated)
	}
	return out, nil
}

// updateOne writes changed columns of a single row and returns the new
// record plus the changed keys. Shared by entity and relation updates.
func (t *Tx) updateOne(ctx context.Context, table string, types map[string]schema.PropType, old schema.Record, data schema.Record) (schema.Record, []string, error) {
	updated := schema.Record{}
	for k, v := range old {
		updated[k] = v
	}

	var sets []string
	var params []any
	var keys []string
	for _, k := range sortedRecordKeys(data) {
		typ, ok := types[k]
		if !ok {
			return nil, nil, fmt.Errorf("unknown property %q", k)
		}
		val, err := coerceValue(typ, data[k])
		if err != nil {
			return nil, nil, fmt.Errorf("property %q: %w", k, err)
		}
		if match.Equal(old[k], val) {
			continue
		}
		updated[k] = val
		sets = append(sets, k+" = ?")
		params = append(params, toParam(val))
		keys = append(keys, k)
	}
	if len(sets) == 0 {
		return updated, nil, nil
	}

	params = append(params, old["id"])
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, strings.Join(sets, ", "))
	if _, err := t.tx.ExecContext(ctx, query, params...); err != nil {
		return nil, nil, err
	}
	return updated, keys, nil
}

// DeleteRecords deletes every matching record. Attached relation instances
// are deleted first, and their deletion events precede the record's own
// deletion event in the transaction batch - handles rely on that order.
func (t *Tx) DeleteRecords(ctx context.Context, entityName string, expr *match.Expr) (int, error) {
	e := t.store.reg.Entity(entityName)
	if e == nil {
		return 0, fmt.Errorf("delete records: unknown entity %q", entityName)
	}

	matching, err := t.FindRecords(ctx, entityName, expr, nil)
	if err != nil {
		return 0, err
	}

	for _, record := range matching {
		id, _ := record["id"].(string)

		// Cascade: relation instances touching this record go first.
		for _, rel := range t.store.reg.Relations() {
			if rel.Source == entityName {
				if _, err := t.DeleteRelations(ctx, rel.Name, match.EQ("source", id)); err != nil {
					return 0, err
				}
			}
			if rel.Target == entityName {
				if _, err := t.DeleteRelations(ctx, rel.Name, match.EQ("target", id)); err != nil {
					return 0, err
				}
			}
		}

		query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", entityTable(entityName))
		if _, err := t.tx.ExecContext(ctx, query, id); err != nil {
			return 0, fmt.Errorf("delete %s: %w", entityName, err)
		}
		t.record(schema.MutationEvent{
			RecordName: entityName,
			Type:       schema.MutationDelete,
			OldRecord:  record,
		})
	}
	return len(matching), nil
}

func entityColumns(e *schema.Entity) []string {
	cols := make([]string, 0, len(e.Properties)+1)
	cols = append(cols, "id")
	for _, p := range e.Properties {
		cols = append(cols, p.Name)
	}
	return cols
}

func entityPropTypes(e *schema.Entity) map[string]schema.PropType {
	types := make(map[string]schema.PropType, len(e.Properties)+1)
	types["id"] = schema.PropString
	for _, p := range e.Properties {
		types[p.Name] = p.Type
	}
	return types
}

// scanRecord reads one row into a Record, converting column values back to
// their declared property types. NULL columns are omitted from the map.
func scanRecord(rows rowScanner, cols []string, types map[string]schema.PropType) (schema.Record, error) {
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	record := schema.Record{}
	for i, col := range cols {
		v := vals[i]
		if v == nil {
			continue
		}
		converted, err := fromColumn(types[col], v)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col, err)
		}
		record[col] = converted
	}
	return record, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// coerceValue normalizes an application-supplied value to the declared
// property type, catching type mismatches before they hit SQLite's
// permissive column affinity.
func coerceValue(t schema.PropType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case schema.PropString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("want string, got %T", v)
		}
		return s, nil
	case schema.PropInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n == float64(int64(n)) {
				return int64(n), nil
			}
			return nil, fmt.Errorf("want int, got fractional %v", n)
		default:
			return nil, fmt.Errorf("want int, got %T", v)
		}
	case schema.PropFloat:
		switch n := v.(type) {
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case float64:
			return n, nil
		default:
			return nil, fmt.Errorf("want float, got %T", v)
		}
	case schema.PropBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("want bool, got %T", v)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown property type %q", t)
	}
}

// fromColumn converts a scanned driver value back to the property type.
func fromColumn(t schema.PropType, v any) (any, error) {
	switch t {
	case schema.PropBool:
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("want INTEGER for bool, got %T", v)
		}
		return n != 0, nil
	case schema.PropString:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		default:
			return nil, fmt.Errorf("want TEXT, got %T", v)
		}
	case schema.PropInt:
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("want INTEGER, got %T", v)
		}
		return n, nil
	case schema.PropFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		default:
			return nil, fmt.Errorf("want REAL, got %T", v)
		}
	default:
		return v, nil
	}
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func sortedRecordKeys(r schema.Record) []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	// Deterministic SET clause order.
	sort.Strings(keys)
	return keys
}
