package storage

import (
	"fmt"
	"strings"

	"github.com/reverb-engine/reverb/internal/match"
	"github.com/reverb-engine/reverb/internal/schema"
)

// Modifier tunes a find: result limit and ordering. The zero value means
// "all records, ordered by id" (binary collation, deterministic).
type Modifier struct {
	Limit   int
	OrderBy string
	Desc    bool
}

// sqlCompiler translates a match expression into a parameterized WHERE
// fragment for one entity or relation table. Values are always bound as
// parameters, never interpolated; identifiers were validated at link time.
type sqlCompiler struct {
	reg        *schema.Registry
	name       string // entity or relation name
	isRelation bool
}

func (s *Store) entityCompiler(name string) (*sqlCompiler, error) {
	if s.reg.Entity(name) == nil {
		return nil, fmt.Errorf("unknown entity %q", name)
	}
	return &sqlCompiler{reg: s.reg, name: name}, nil
}

func (s *Store) relationCompiler(name string) (*sqlCompiler, error) {
	if s.reg.Relation(name) == nil {
		return nil, fmt.Errorf("unknown relation %q", name)
	}
	return &sqlCompiler{reg: s.reg, name: name, isRelation: true}, nil
}

// where compiles expr. A nil expr compiles to "1 = 1".
func (c *sqlCompiler) where(expr *match.Expr) (string, []any, error) {
	if expr == nil {
		return "1 = 1", nil, nil
	}
	if err := expr.Validate(); err != nil {
		return "", nil, fmt.Errorf("compile match for %q: %w", c.name, err)
	}
	return c.compile(expr)
}

func (c *sqlCompiler) compile(expr *match.Expr) (string, []any, error) {
	switch expr.Kind() {
	case match.KindAtom:
		return c.atom(expr.Atom())
	case match.KindAnd, match.KindOr:
		children := expr.Children()
		left, lp, err := c.compile(children[0])
		if err != nil {
			return "", nil, err
		}
		right, rp, err := c.compile(children[1])
		if err != nil {
			return "", nil, err
		}
		op := " AND "
		if expr.Kind() == match.KindOr {
			op = " OR "
		}
		return "(" + left + op + right + ")", append(lp, rp...), nil
	case match.KindNot:
		inner, p, err := c.compile(expr.Children()[0])
		if err != nil {
			return "", nil, err
		}
		return "NOT " + inner, p, nil
	default:
		return "", nil, fmt.Errorf("compile match for %q: invalid node kind %d", c.name, expr.Kind())
	}
}

func (c *sqlCompiler) atom(a match.Atom) (string, []any, error) {
	head, rest, dotted := strings.Cut(a.Key, ".")
	if !dotted {
		return c.columnPredicate(head, a.Op, a.Value)
	}
	if c.isRelation {
		return c.relationPathPredicate(head, rest, a)
	}
	return c.entityPathPredicate(head, rest, a)
}

// columnPredicate handles a plain column comparison.
func (c *sqlCompiler) columnPredicate(col string, op match.Op, value any) (string, []any, error) {
	if !c.hasColumn(col) {
		return "", nil, fmt.Errorf("%q has no property %q", c.name, col)
	}
	switch op {
	case match.OpEq:
		return col + " = ?", []any{toParam(value)}, nil
	case match.OpNeq:
		return col + " != ?", []any{toParam(value)}, nil
	case match.OpGt, match.OpGte, match.OpLt, match.OpLte:
		return fmt.Sprintf("%s %s ?", col, op), []any{toParam(value)}, nil
	case match.OpLike:
		return col + " LIKE ?", []any{toParam(value)}, nil
	case match.OpIn:
		items, ok := value.([]any)
		if !ok {
			return "", nil, fmt.Errorf("operator %q on %q requires a slice value, got %T", op, col, value)
		}
		if len(items) == 0 {
			return "1 = 0", nil, nil // empty IN matches nothing
		}
		placeholders := strings.Repeat("?, ", len(items))
		params := make([]any, len(items))
		for i, it := range items {
			params[i] = toParam(it)
		}
		return col + " IN (" + placeholders[:len(placeholders)-2] + ")", params, nil
	default:
		return "", nil, fmt.Errorf("unsupported operator %q on %q", op, col)
	}
}

// entityPathPredicate resolves a dotted key through the relation backing the
// attribute: "supervisor.name" on Request becomes an id-membership subquery
// through the supervisor relation into the related entity table. Deeper
// paths recurse.
func (c *sqlCompiler) entityPathPredicate(attr, rest string, a match.Atom) (string, []any, error) {
	relName, err := c.reg.RelationName(c.name, attr)
	if err != nil {
		return "", nil, fmt.Errorf("resolve path %q on %q: %w", a.Key, c.name, err)
	}
	rel := c.reg.Relation(relName)

	var nearCol, farCol, related string
	if rel.Source == c.name && rel.SourceProperty == attr {
		nearCol, farCol, related = "source", "target", rel.Target
	} else {
		nearCol, farCol, related = "target", "source", rel.Source
	}

	sub := &sqlCompiler{reg: c.reg, name: related}
	inner, params, err := sub.atom(match.Atom{Key: rest, Op: a.Op, Value: a.Value})
	if err != nil {
		return "", nil, err
	}

	fragment := fmt.Sprintf(
		"id IN (SELECT r.%s FROM %s r WHERE r.%s IN (SELECT id FROM %s WHERE %s))",
		nearCol, relationTable(relName), farCol, entityTable(related), inner,
	)
	return fragment, params, nil
}

// relationPathPredicate resolves "source.x" / "target.x" on a relation into
// the endpoint entity table.
func (c *sqlCompiler) relationPathPredicate(side, rest string, a match.Atom) (string, []any, error) {
	rel := c.reg.Relation(c.name)
	var entityName string
	switch side {
	case "source":
		entityName = rel.Source
	case "target":
		entityName = rel.Target
	default:
		return "", nil, fmt.Errorf("relation %q: dotted key %q must start with source or target", c.name, a.Key)
	}

	sub := &sqlCompiler{reg: c.reg, name: entityName}
	inner, params, err := sub.atom(match.Atom{Key: rest, Op: a.Op, Value: a.Value})
	if err != nil {
		return "", nil, err
	}

	fragment := fmt.Sprintf("%s IN (SELECT id FROM %s WHERE %s)", side, entityTable(entityName), inner)
	return fragment, params, nil
}

func (c *sqlCompiler) hasColumn(col string) bool {
	if col == "id" {
		return true
	}
	if c.isRelation {
		if col == "source" || col == "target" {
			return true
		}
		return c.reg.Relation(c.name).Property(col) != nil
	}
	return c.reg.Entity(c.name).Property(col) != nil
}

// orderClause renders ordering for a find. Defaults to id with binary
// collation for run-to-run determinism.
func (c *sqlCompiler) orderClause(mod *Modifier) (string, error) {
	col := "id"
	desc := false
	if mod != nil && mod.OrderBy != "" {
		if !c.hasColumn(mod.OrderBy) {
			return "", fmt.Errorf("%q has no property %q to order by", c.name, mod.OrderBy)
		}
		col = mod.OrderBy
		desc = mod.Desc
	}
	clause := " ORDER BY " + col + " COLLATE BINARY"
	if desc {
		clause += " DESC"
	}
	if col != "id" {
		// Deterministic tiebreaker.
		clause += ", id COLLATE BINARY"
	}
	if mod != nil && mod.Limit > 0 {
		clause += fmt.Sprintf(" LIMIT %d", mod.Limit)
	}
	return clause, nil
}

// toParam converts a property value to a driver-friendly parameter.
func toParam(v any) any {
	switch b := v.(type) {
	case bool:
		if b {
			return int64(1)
		}
		return int64(0)
	default:
		return v
	}
}
