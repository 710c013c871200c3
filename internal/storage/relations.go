package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/reverb-engine/reverb/internal/match"
	"github.com/reverb-engine/reverb/internal/schema"
)

// CreateRelation inserts one relation instance between source and target,
// enforcing the declared cardinality, and emits a create mutation event.
// Relation records carry "id", "source", "target" and the relation's own
// properties.
func (t *Tx) CreateRelation(ctx context.Context, relName, sourceID, targetID string, props schema.Record) (schema.Record, error) {
	rel := t.store.reg.Relation(relName)
	if rel == nil {
		return nil, fmt.Errorf("create relation: unknown relation %q", relName)
	}
	if sourceID == "" || targetID == "" {
		return nil, fmt.Errorf("create relation %q: empty endpoint id", relName)
	}

	if err := t.checkCardinality(ctx, rel, sourceID, targetID); err != nil {
		return nil, err
	}

	record := schema.Record{
		"id":     t.store.newID(),
		"source": sourceID,
		"target": targetID,
	}
	cols := []string{"id", "source", "target"}
	params := []any{record["id"], sourceID, targetID}
	for _, p := range rel.Properties {
		val, ok := props[p.Name]
		if !ok {
			if p.Default == nil {
				continue
			}
			val = p.Default
		}
		val, err := coerceValue(p.Type, val)
		if err != nil {
			return nil, fmt.Errorf("create relation %q: property %q: %w", relName, p.Name, err)
		}
		record[p.Name] = val
		cols = append(cols, p.Name)
		params = append(params, toParam(val))
	}
	for k := range props {
		if rel.Property(k) == nil {
			return nil, fmt.Errorf("create relation %q: unknown property %q", relName, k)
		}
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		relationTable(relName), strings.Join(cols, ", "), placeholders(len(cols)))
	if _, err := t.tx.ExecContext(ctx, query, params...); err != nil {
		return nil, fmt.Errorf("create relation %q: %w", relName, err)
	}

	t.record(schema.MutationEvent{
		RecordName: relName,
		Type:       schema.MutationCreate,
		Record:     record,
	})
	return record, nil
}

// checkCardinality rejects creates that would violate the relation's
// declared cardinality. The (source, target) pair itself is additionally
// unique for every cardinality.
func (t *Tx) checkCardinality(ctx context.Context, rel *schema.Relation, sourceID, targetID string) error {
	countWhere := func(col, id string) (int, error) {
		var n int
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", relationTable(rel.Name), col)
		if err := t.tx.QueryRowContext(ctx, query, id).Scan(&n); err != nil {
			return 0, fmt.Errorf("relation %q cardinality check: %w", rel.Name, err)
		}
		return n, nil
	}

	// n:1 gives every source at most one target; 1:1 both ways.
	if rel.Cardinality == schema.OneToOne || rel.Cardinality == schema.ManyToOne {
		n, err := countWhere("source", sourceID)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("relation %q: source %q already related (%s)", rel.Name, sourceID, rel.Cardinality)
		}
	}
	// 1:n gives every target at most one source; 1:1 both ways.
	if rel.Cardinality == schema.OneToOne || rel.Cardinality == schema.OneToMany {
		n, err := countWhere("target", targetID)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("relation %q: target %q already related (%s)", rel.Name, targetID, rel.Cardinality)
		}
	}

	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE source = ? AND target = ?", relationTable(rel.Name))
	if err := t.tx.QueryRowContext(ctx, query, sourceID, targetID).Scan(&n); err != nil {
		return fmt.Errorf("relation %q pair check: %w", rel.Name, err)
	}
	if n > 0 {
		return fmt.Errorf("relation %q: instance (%s, %s) already exists", rel.Name, sourceID, targetID)
	}
	return nil
}

// FindRelations returns relation instances matching expr.
func (t *Tx) FindRelations(ctx context.Context, relName string, expr *match.Expr, mod *Modifier) ([]schema.Record, error) {
	return t.store.findRelations(ctx, t.tx, relName, expr, mod)
}

// FindRelations is the non-transactional read variant.
func (s *Store) FindRelations(ctx context.Context, relName string, expr *match.Expr, mod *Modifier) ([]schema.Record, error) {
	return s.findRelations(ctx, s.db, relName, expr, mod)
}

// FindOneRelation returns the single matching instance, ErrNotFound when none.
func (t *Tx) FindOneRelation(ctx context.Context, relName string, expr *match.Expr) (schema.Record, error) {
	records, err := t.FindRelations(ctx, relName, expr, &Modifier{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("find relation %s: %w", relName, ErrNotFound)
	}
	return records[0], nil
}

func (s *Store) findRelations(ctx context.Context, q querier, relName string, expr *match.Expr, mod *Modifier) ([]schema.Record, error) {
	rel := s.reg.Relation(relName)
	if rel == nil {
		return nil, fmt.Errorf("find relations: unknown relation %q", relName)
	}
	c, err := s.relationCompiler(relName)
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

	cols := relationColumns(rel)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s%s",
		strings.Join(cols, ", "), relationTable(relName), where, order)

	rows, err := q.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("find relations %s: %w", relName, err)
	}
	defer rows.Close()

	var out []schema.Record
	for rows.Next() {
		record, err := scanRecord(rows, cols, relationPropTypes(rel))
		if err != nil {
			return nil, fmt.Errorf("find relations %s: %w", relName, err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find relations %s: %w", relName, err)
	}
	return out, nil
}

// UpdateRelations applies props to every matching instance, one update
// event per instance actually changed.
func (t *Tx) UpdateRelations(ctx context.Context, relName string, expr *match.Expr, props schema.Record) ([]schema.Record, error) {
	rel := t.store.reg.Relation(relName)
	if rel == nil {
		return nil, fmt.Errorf("update relations: unknown relation %q", relName)
	}
	for k := range props {
		if k == "id" || k == "source" || k == "target" {
			return nil, fmt.Errorf("update relations %q: %q is immutable", relName, k)
		}
		if rel.Property(k) == nil {
			return nil, fmt.Errorf("update relations %q: unknown property %q", relName, k)
		}
	}

	matching, err := t.FindRelations(ctx, relName, expr, nil)
	if err != nil {
		return nil, err
	}

	var out []schema.Record
	for _, old := range matching {
		updated, keys, err := t.updateOne(ctx, relationTable(relName), relationPropTypes(rel), old, props)
		if err != nil {
			return nil, fmt.Errorf("update relations %s: %w", relName, err)
		}
		if len(keys) > 0 {
			t.record(schema.MutationEvent{
				RecordName: relName,
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

// DeleteRelations deletes every matching instance, emitting one delete
// event per instance.
func (t *Tx) DeleteRelations(ctx context.Context, relName string, expr *match.Expr) (int, error) {
	rel := t.store.reg.Relation(relName)
	if rel == nil {
		return 0, fmt.Errorf("delete relations: unknown relation %q", relName)
	}

	matching, err := t.FindRelations(ctx, relName, expr, nil)
	if err != nil {
		return 0, err
	}
	for _, record := range matching {
		query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", relationTable(relName))
		if _, err := t.tx.ExecContext(ctx, query, record["id"]); err != nil {
			return 0, fmt.Errorf("delete relations %s: %w", relName, err)
		}
		t.record(schema.MutationEvent{
			RecordName: relName,
			Type:       schema.MutationDelete,
			OldRecord:  record,
		})
	}
	return len(matching), nil
}

func relationColumns(rel *schema.Relation) []string {
	cols := make([]string, 0, len(rel.Properties)+3)
	cols = append(cols, "id", "source", "target")
	for _, p := range rel.Properties {
		cols = append(cols, p.Name)
	}
	return cols
}

func relationPropTypes(rel *schema.Relation) map[string]schema.PropType {
	types := make(map[string]schema.PropType, len(rel.Properties)+3)
	types["id"] = schema.PropString
	types["source"] = schema.PropString
	types["target"] = schema.PropString
	for _, p := range rel.Properties {
		types[p.Name] = p.Type
	}
	return types
}
