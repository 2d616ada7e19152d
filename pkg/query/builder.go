package query

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ignis-framework/ignis/pkg/errors"
	"github.com/ignis-framework/ignis/pkg/observability"
)

const columnCacheSize = 256

// FilterBuilder compiles filters into query specs. It is stateless apart
// from the per-schema column cache and safe for concurrent use.
type FilterBuilder struct {
	models ModelResolver
	cache  *lru.Cache[string, map[string]Column]
	logger observability.Logger
}

// NewFilterBuilder creates a builder over the given model resolver.
func NewFilterBuilder(models ModelResolver, logger observability.Logger) *FilterBuilder {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	cache, _ := lru.New[string, map[string]Column](columnCacheSize)
	return &FilterBuilder{models: models, cache: cache, logger: logger}
}

// Build compiles (model, filter) into a Spec. A nil filter produces an
// empty spec. Predicate keys are compiled in sorted order so the emitted
// SQL is deterministic for a given filter.
func (b *FilterBuilder) Build(model *ModelEntry, filter *Filter) (*Spec, error) {
	spec := &Spec{}
	if filter == nil {
		return spec, nil
	}
	cols := b.columnMap(model.Schema)

	if filter.Limit != nil {
		spec.Limit = toUint(*filter.Limit)
	}
	if filter.Offset != nil {
		spec.Offset = toUint(*filter.Offset)
	} else if filter.Skip != nil {
		spec.Offset = toUint(*filter.Skip)
	}

	if filter.Fields != nil {
		columns, err := NormalizeFields(filter.Fields)
		if err != nil {
			return nil, err
		}
		spec.Columns = columns
	}

	if len(filter.Where) > 0 {
		where, err := b.compileWhere(cols, filter.Where)
		if err != nil {
			return nil, err
		}
		spec.Where = where
	}

	if len(filter.Order) > 0 {
		orderBy, err := b.compileOrder(cols, filter.Order)
		if err != nil {
			return nil, err
		}
		spec.OrderBy = orderBy
	}

	if len(filter.Include) > 0 {
		with, err := b.compileInclude(model, filter.Include)
		if err != nil {
			return nil, err
		}
		spec.With = with
	}

	return spec, nil
}

// columnMap returns the name → column index for a schema, cached by table.
func (b *FilterBuilder) columnMap(schema *Schema) map[string]Column {
	if cached, ok := b.cache.Get(schema.Table); ok {
		return cached
	}
	cols := make(map[string]Column, len(schema.Columns))
	for _, c := range schema.Columns {
		cols[c.Name] = c
	}
	b.cache.Add(schema.Table, cols)
	return cols
}

// compileWhere compiles a predicate tree. All produced predicates for a
// single level are combined with AND; an empty tree compiles to nil.
func (b *FilterBuilder) compileWhere(cols map[string]Column, where map[string]interface{}) (exp.Expression, error) {
	preds := make([]exp.Expression, 0, len(where))
	for _, key := range sortedKeys(where) {
		value := where[key]

		if IsLogicalOperator(key) {
			group, err := b.compileGroup(cols, key, value)
			if err != nil {
				return nil, err
			}
			if group != nil {
				preds = append(preds, group)
			}
			continue
		}

		if isJSONPathKey(key) {
			pred, err := b.compileJSONPath(cols, key, value)
			if err != nil {
				return nil, err
			}
			preds = append(preds, pred)
			continue
		}

		column, ok := cols[key]
		if !ok {
			return nil, errors.New(errors.KindQueryInvalid, "unknown column %q", key)
		}
		pred, err := b.compileCondition(goqu.C(key), column, value)
		if err != nil {
			return nil, err
		}
		preds = append(preds, pred)
	}

	switch len(preds) {
	case 0:
		return nil, nil
	case 1:
		return preds[0], nil
	default:
		return goqu.And(preds...), nil
	}
}

// compileGroup compiles an and/or group. The value is normalized to a
// sequence, each element recursed, empty results dropped, and a
// single-child group collapses to the child.
func (b *FilterBuilder) compileGroup(cols map[string]Column, op string, value interface{}) (exp.Expression, error) {
	var items []interface{}
	switch tv := value.(type) {
	case []interface{}:
		items = tv
	case map[string]interface{}:
		items = []interface{}{tv}
	case Where:
		items = []interface{}{map[string]interface{}(tv)}
	default:
		return nil, errors.New(errors.KindQueryInvalid,
			"logical group %q requires an object or array value", op)
	}

	children := make([]exp.Expression, 0, len(items))
	for _, item := range items {
		child, ok := item.(map[string]interface{})
		if !ok {
			if w, isWhere := item.(Where); isWhere {
				child = map[string]interface{}(w)
			} else {
				return nil, errors.New(errors.KindQueryInvalid,
					"logical group %q contains a non-object entry", op)
			}
		}
		compiled, err := b.compileWhere(cols, child)
		if err != nil {
			return nil, err
		}
		if compiled != nil {
			children = append(children, compiled)
		}
	}

	switch len(children) {
	case 0:
		return nil, nil
	case 1:
		return children[0], nil
	default:
		if op == OpOr {
			return goqu.Or(children...), nil
		}
		return goqu.And(children...), nil
	}
}

// compileJSONPath compiles a predicate against a path into a JSON column.
func (b *FilterBuilder) compileJSONPath(cols map[string]Column, key string, value interface{}) (exp.Expression, error) {
	path, err := parseJSONPath(key)
	if err != nil {
		return nil, err
	}
	column, ok := cols[path.column]
	if !ok {
		return nil, errors.New(errors.KindQueryInvalid, "unknown column %q", path.column)
	}
	if column.DataType != TypeJSON && column.DataType != TypeJSONB {
		return nil, errors.New(errors.KindQueryInvalid,
			"column %q is not a JSON column, cannot apply path %q", path.column, key)
	}
	return b.compileCondition(path.extraction(needsNumericCast(value)), column, value)
}

// compileCondition applies either the value-condition rule or operator
// dispatch to a single column operand.
func (b *FilterBuilder) compileCondition(col operand, column Column, value interface{}) (exp.Expression, error) {
	obj, isObject := asPlainObject(value)
	if !isObject || len(obj) == 0 {
		return compileValueCondition(col, column, value)
	}

	preds := make([]exp.Expression, 0, len(obj))
	for _, op := range sortedKeys(obj) {
		fn, err := lookupOperator(column, op)
		if err != nil {
			return nil, err
		}
		pred, err := fn(col, column, obj[op])
		if err != nil {
			return nil, err
		}
		preds = append(preds, pred)
	}
	if len(preds) == 1 {
		return preds[0], nil
	}
	return goqu.And(preds...), nil
}

// compileValueCondition is the value-condition rule: null → IS NULL, empty
// array → unsatisfiable, non-empty array → IN, otherwise equality.
func compileValueCondition(col operand, column Column, value interface{}) (exp.Expression, error) {
	switch tv := value.(type) {
	case nil:
		return col.IsNull(), nil
	case []interface{}:
		if len(tv) == 0 {
			return unsatisfiable(), nil
		}
		return col.In(tv...), nil
	case map[string]interface{}:
		// Empty object: equality against the JSON rendering.
		return col.Eq(jsonLiteral(tv)), nil
	default:
		return col.Eq(value), nil
	}
}

// compileOrder compiles "<field> [ASC|DESC]" entries. Direction defaults to
// ASC; anything else is rejected. JSON-path fields order on the extraction
// expression.
func (b *FilterBuilder) compileOrder(cols map[string]Column, order []string) ([]exp.OrderedExpression, error) {
	out := make([]exp.OrderedExpression, 0, len(order))
	for _, entry := range order {
		parts := strings.Fields(entry)
		if len(parts) == 0 || len(parts) > 2 {
			return nil, errors.New(errors.KindQueryInvalid, "invalid order entry %q", entry)
		}
		field := parts[0]
		descending := false
		if len(parts) == 2 {
			switch strings.ToUpper(parts[1]) {
			case "ASC":
			case "DESC":
				descending = true
			default:
				return nil, errors.New(errors.KindQueryInvalid,
					"invalid sort direction %q in order entry %q", parts[1], entry)
			}
		}

		if isJSONPathKey(field) {
			path, err := parseJSONPath(field)
			if err != nil {
				return nil, err
			}
			column, ok := cols[path.column]
			if !ok {
				return nil, errors.New(errors.KindQueryInvalid, "unknown column %q", path.column)
			}
			if column.DataType != TypeJSON && column.DataType != TypeJSONB {
				return nil, errors.New(errors.KindQueryInvalid,
					"column %q is not a JSON column, cannot order by path %q", path.column, field)
			}
			lit := path.extraction(false)
			if descending {
				out = append(out, lit.Desc())
			} else {
				out = append(out, lit.Asc())
			}
			continue
		}

		if _, ok := cols[field]; !ok {
			return nil, errors.New(errors.KindQueryInvalid, "unknown column %q", field)
		}
		if descending {
			out = append(out, goqu.C(field).Desc())
		} else {
			out = append(out, goqu.C(field).Asc())
		}
	}
	return out, nil
}

// NormalizeFields turns either field shape into the ordered projection
// list: an ordered sequence is kept verbatim, an object retains only truthy
// entries (sorted, since object keys carry no order).
func NormalizeFields(fields interface{}) ([]string, error) {
	switch tv := fields.(type) {
	case []string:
		return append([]string(nil), tv...), nil
	case []interface{}:
		out := make([]string, 0, len(tv))
		for _, f := range tv {
			s, ok := f.(string)
			if !ok {
				return nil, errors.New(errors.KindQueryInvalid, "invalid fields entry %v", f)
			}
			out = append(out, s)
		}
		return out, nil
	case map[string]bool:
		out := make([]string, 0, len(tv))
		for f, include := range tv {
			if include {
				out = append(out, f)
			}
		}
		sort.Strings(out)
		return out, nil
	case map[string]interface{}:
		out := make([]string, 0, len(tv))
		for f, v := range tv {
			if truthy(v) {
				out = append(out, f)
			}
		}
		sort.Strings(out)
		return out, nil
	default:
		return nil, errors.New(errors.KindQueryInvalid, "invalid fields shape %T", fields)
	}
}

// compileInclude resolves relation inclusions against the model registry,
// subtracting the target's hidden properties from the effective columns.
func (b *FilterBuilder) compileInclude(model *ModelEntry, include []interface{}) ([]IncludeSpec, error) {
	out := make([]IncludeSpec, 0, len(include))
	for _, item := range include {
		name, scope, err := normalizeInclusion(item)
		if err != nil {
			return nil, err
		}
		rel, ok := model.Relations[name]
		if !ok {
			return nil, errors.New(errors.KindQueryInvalid, "unknown relation %q", name)
		}
		target, ok := b.models.ModelByName(rel.Target)
		if !ok {
			return nil, errors.New(errors.KindQueryInvalid,
				"relation %q targets unregistered model %q", name, rel.Target)
		}

		if scope == nil && len(target.HiddenProperties) == 0 {
			out = append(out, IncludeSpec{Relation: rel})
			continue
		}

		nested, err := b.Build(target, scope)
		if err != nil {
			return nil, err
		}
		if nested.Columns == nil {
			for _, c := range target.Schema.Columns {
				if _, hidden := target.HiddenProperties[c.Name]; !hidden {
					nested.Columns = append(nested.Columns, c.Name)
				}
			}
		} else {
			visible := nested.Columns[:0]
			for _, c := range nested.Columns {
				if _, hidden := target.HiddenProperties[c]; !hidden {
					visible = append(visible, c)
				}
			}
			nested.Columns = visible
		}
		out = append(out, IncludeSpec{Relation: rel, Spec: nested})
	}
	return out, nil
}

func normalizeInclusion(item interface{}) (string, *Filter, error) {
	switch tv := item.(type) {
	case string:
		return tv, nil, nil
	case Inclusion:
		return tv.Relation, tv.Scope, nil
	case *Inclusion:
		return tv.Relation, tv.Scope, nil
	case map[string]interface{}:
		name, _ := tv["relation"].(string)
		if name == "" {
			return "", nil, errors.New(errors.KindQueryInvalid,
				"include entry missing relation name")
		}
		rawScope, ok := tv["scope"]
		if !ok || rawScope == nil {
			return name, nil, nil
		}
		raw, err := json.Marshal(rawScope)
		if err != nil {
			return "", nil, errors.Wrap(err, errors.KindQueryInvalid,
				"invalid include scope for relation %q", name)
		}
		scope, err := ParseFilter(raw)
		if err != nil {
			return "", nil, errors.Wrap(err, errors.KindQueryInvalid,
				"invalid include scope for relation %q", name)
		}
		return name, scope, nil
	default:
		return "", nil, errors.New(errors.KindQueryInvalid, "invalid include entry %T", item)
	}
}

func asPlainObject(v interface{}) (map[string]interface{}, bool) {
	switch tv := v.(type) {
	case map[string]interface{}:
		return tv, true
	case Where:
		return tv, true
	}
	return nil, false
}

func truthy(v interface{}) bool {
	switch tv := v.(type) {
	case bool:
		return tv
	case nil:
		return false
	case float64:
		return tv != 0
	case int:
		return tv != 0
	case string:
		return tv != "" && tv != "false" && tv != "0"
	default:
		return true
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toUint(v int) *uint {
	if v < 0 {
		v = 0
	}
	u := uint(v)
	return &u
}
