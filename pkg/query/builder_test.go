package query

import (
	"testing"

	"github.com/doug-martin/goqu/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignis-framework/ignis/pkg/errors"
)

type mapResolver map[string]*ModelEntry

func (m mapResolver) ModelByName(name string) (*ModelEntry, bool) {
	entry, ok := m[name]
	return entry, ok
}

func customersModel() *ModelEntry {
	return &ModelEntry{
		Name: "customers",
		Schema: &Schema{
			Table:    "customers",
			IDColumn: "id",
			Columns: []Column{
				{Name: "id", DataType: TypeUUID},
				{Name: "name", DataType: TypeString},
				{Name: "status", DataType: TypeString},
				{Name: "age", DataType: TypeNumber},
				{Name: "isDeleted", DataType: TypeBool},
				{Name: "deletedAt", DataType: TypeDate},
				{Name: "metadata", DataType: TypeJSON},
			},
		},
		Relations: map[string]Relation{
			"orders": {Name: "orders", Target: "orders", Type: HasMany, ForeignKey: "customer_id", LocalKey: "id"},
		},
	}
}

func ordersModel() *ModelEntry {
	return &ModelEntry{
		Name: "orders",
		Schema: &Schema{
			Table:    "orders",
			IDColumn: "id",
			Columns: []Column{
				{Name: "id", DataType: TypeUUID},
				{Name: "customer_id", DataType: TypeUUID},
				{Name: "total", DataType: TypeNumber},
				{Name: "internal_note", DataType: TypeString},
			},
		},
		HiddenProperties: map[string]struct{}{"internal_note": {}},
	}
}

func newTestBuilder() (*FilterBuilder, *ModelEntry) {
	customers := customersModel()
	resolver := mapResolver{"customers": customers, "orders": ordersModel()}
	return NewFilterBuilder(resolver, nil), customers
}

func whereSQL(t *testing.T, spec *Spec) string {
	t.Helper()
	sql, _, err := goqu.From("customers").Where(spec.Where).ToSQL()
	require.NoError(t, err)
	return sql
}

func buildWhere(t *testing.T, where Where) *Spec {
	t.Helper()
	b, model := newTestBuilder()
	spec, err := b.Build(model, &Filter{Where: where})
	require.NoError(t, err)
	return spec
}

func buildWhereErr(t *testing.T, where Where) error {
	t.Helper()
	b, model := newTestBuilder()
	_, err := b.Build(model, &Filter{Where: where})
	require.Error(t, err)
	return err
}

func TestBuildNilFilter(t *testing.T) {
	b, model := newTestBuilder()
	spec, err := b.Build(model, nil)
	require.NoError(t, err)
	assert.Equal(t, &Spec{}, spec)
}

func TestValueConditionEquality(t *testing.T) {
	spec := buildWhere(t, Where{"name": "Alice"})
	assert.Contains(t, whereSQL(t, spec), `"name" = 'Alice'`)
}

func TestValueConditionNull(t *testing.T) {
	spec := buildWhere(t, Where{"deletedAt": nil})
	assert.Contains(t, whereSQL(t, spec), `"deletedAt" IS NULL`)
}

func TestValueConditionEmptyArrayUnsatisfiable(t *testing.T) {
	spec := buildWhere(t, Where{"status": []interface{}{}})
	assert.Contains(t, whereSQL(t, spec), "FALSE")
}

func TestValueConditionArrayIn(t *testing.T) {
	spec := buildWhere(t, Where{"status": []interface{}{"active", "trial"}})
	assert.Contains(t, whereSQL(t, spec), `"status" IN ('active', 'trial')`)
}

func TestComparisonOperators(t *testing.T) {
	spec := buildWhere(t, Where{"age": map[string]interface{}{"gte": 21, "lt": 65}})
	sql := whereSQL(t, spec)
	assert.Contains(t, sql, `"age" >= 21`)
	assert.Contains(t, sql, `"age" < 65`)
}

func TestNeqNullAware(t *testing.T) {
	spec := buildWhere(t, Where{"deletedAt": map[string]interface{}{"neq": nil}})
	assert.Contains(t, whereSQL(t, spec), `"deletedAt" IS NOT NULL`)
}

func TestInEmptySliceOperators(t *testing.T) {
	spec := buildWhere(t, Where{"status": map[string]interface{}{"in": []interface{}{}}})
	assert.Contains(t, whereSQL(t, spec), "FALSE")

	spec = buildWhere(t, Where{"status": map[string]interface{}{"nin": []interface{}{}}})
	assert.Contains(t, whereSQL(t, spec), "TRUE")
}

func TestBetween(t *testing.T) {
	spec := buildWhere(t, Where{"age": map[string]interface{}{"between": []interface{}{18, 65}}})
	assert.Contains(t, whereSQL(t, spec), `"age" BETWEEN 18 AND 65`)

	err := buildWhereErr(t, Where{"age": map[string]interface{}{"between": []interface{}{18}}})
	assert.True(t, errors.IsKind(err, errors.KindQueryInvalid))
}

func TestLikeOperators(t *testing.T) {
	spec := buildWhere(t, Where{"name": map[string]interface{}{"like": "Al%"}})
	assert.Contains(t, whereSQL(t, spec), `"name" LIKE 'Al%'`)

	spec = buildWhere(t, Where{"name": map[string]interface{}{"ilike": "al%"}})
	assert.Contains(t, whereSQL(t, spec), `"name" ILIKE 'al%'`)
}

func TestContainsOnJSONColumn(t *testing.T) {
	spec := buildWhere(t, Where{"metadata": map[string]interface{}{
		"contains": map[string]interface{}{"plan": "pro"},
	}})
	assert.Contains(t, whereSQL(t, spec), "@>")
}

func TestContainsOnTextColumn(t *testing.T) {
	spec := buildWhere(t, Where{"name": map[string]interface{}{"contains": "lic"}})
	assert.Contains(t, whereSQL(t, spec), `"name" LIKE '%lic%'`)
}

func TestIsNullAndExists(t *testing.T) {
	spec := buildWhere(t, Where{"deletedAt": map[string]interface{}{"isNull": true}})
	assert.Contains(t, whereSQL(t, spec), `"deletedAt" IS NULL`)

	spec = buildWhere(t, Where{"deletedAt": map[string]interface{}{"exists": true}})
	assert.Contains(t, whereSQL(t, spec), `"deletedAt" IS NOT NULL`)

	spec = buildWhere(t, Where{"deletedAt": map[string]interface{}{"exists": false}})
	assert.Contains(t, whereSQL(t, spec), `"deletedAt" IS NULL`)
}

func TestUnknownOperatorRejected(t *testing.T) {
	err := buildWhereErr(t, Where{"age": map[string]interface{}{"regexp": ".*"}})
	assert.True(t, errors.IsKind(err, errors.KindQueryInvalid))
}

func TestUnknownColumnRejected(t *testing.T) {
	err := buildWhereErr(t, Where{"nonexistent": 1})
	assert.True(t, errors.IsKind(err, errors.KindQueryInvalid))
}

func TestLogicalGroups(t *testing.T) {
	spec := buildWhere(t, Where{"or": []interface{}{
		map[string]interface{}{"status": "active"},
		map[string]interface{}{"age": map[string]interface{}{"gte": 65}},
	}})
	sql := whereSQL(t, spec)
	assert.Contains(t, sql, " OR ")
	assert.Contains(t, sql, `"status" = 'active'`)
	assert.Contains(t, sql, `"age" >= 65`)
}

func TestSingleChildGroupCollapses(t *testing.T) {
	spec := buildWhere(t, Where{"or": []interface{}{
		map[string]interface{}{"status": "active"},
	}})
	sql := whereSQL(t, spec)
	assert.NotContains(t, sql, " OR ")
	assert.Contains(t, sql, `"status" = 'active'`)
}

func TestGroupObjectValueNormalized(t *testing.T) {
	spec := buildWhere(t, Where{"and": map[string]interface{}{"status": "active"}})
	assert.Contains(t, whereSQL(t, spec), `"status" = 'active'`)
}

func TestJSONPathTextComparison(t *testing.T) {
	// A gte against a string operand compares as text, no cast.
	spec := buildWhere(t, Where{"metadata.createdAt": map[string]interface{}{"gte": "2024-01-01"}})
	sql := whereSQL(t, spec)
	assert.Contains(t, sql, `"metadata" #>> '{createdAt}'`)
	assert.Contains(t, sql, ">= '2024-01-01'")
	assert.NotContains(t, sql, "::numeric")
}

func TestJSONPathNumericCast(t *testing.T) {
	spec := buildWhere(t, Where{"metadata.score": map[string]interface{}{"gte": 10}})
	sql := whereSQL(t, spec)
	assert.Contains(t, sql, "::numeric")
	assert.Contains(t, sql, "CASE WHEN")
	assert.Contains(t, sql, `"metadata" #>> '{score}'`)
}

func TestJSONPathNestedSegments(t *testing.T) {
	spec := buildWhere(t, Where{"metadata.a.b": "x"})
	assert.Contains(t, whereSQL(t, spec), `"metadata" #>> '{a,b}'`)
}

func TestJSONPathBracketSyntax(t *testing.T) {
	spec := buildWhere(t, Where{"metadata[items][0]": "x"})
	assert.Contains(t, whereSQL(t, spec), `"metadata" #>> '{items,0}'`)
}

func TestJSONPathInvalidSegment(t *testing.T) {
	err := buildWhereErr(t, Where{"metadata.a b": 1})
	assert.True(t, errors.IsKind(err, errors.KindQueryInvalid))

	err = buildWhereErr(t, Where{"metadata.a;drop": 1})
	assert.True(t, errors.IsKind(err, errors.KindQueryInvalid))
}

func TestJSONPathOnNonJSONColumn(t *testing.T) {
	err := buildWhereErr(t, Where{"name.first": "A"})
	assert.True(t, errors.IsKind(err, errors.KindQueryInvalid))
}

func TestOrderCompilation(t *testing.T) {
	b, model := newTestBuilder()
	spec, err := b.Build(model, &Filter{Order: []string{"age DESC", "name"}})
	require.NoError(t, err)

	sql, _, err := goqu.From("customers").Order(spec.OrderBy...).ToSQL()
	require.NoError(t, err)
	assert.Contains(t, sql, `"age" DESC`)
	assert.Contains(t, sql, `"name" ASC`)
}

func TestOrderJSONPath(t *testing.T) {
	b, model := newTestBuilder()
	spec, err := b.Build(model, &Filter{Order: []string{"metadata.x DESC"}})
	require.NoError(t, err)

	sql, _, err := goqu.From("customers").Order(spec.OrderBy...).ToSQL()
	require.NoError(t, err)
	assert.Contains(t, sql, `"metadata" #>> '{x}'`)
	assert.Contains(t, sql, "DESC")
}

func TestOrderInvalidDirection(t *testing.T) {
	b, model := newTestBuilder()
	_, err := b.Build(model, &Filter{Order: []string{"age UP"}})
	assert.True(t, errors.IsKind(err, errors.KindQueryInvalid))
}

func TestFieldsShapes(t *testing.T) {
	b, model := newTestBuilder()

	spec, err := b.Build(model, &Filter{Fields: []interface{}{"id", "name"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, spec.Columns)

	spec, err = b.Build(model, &Filter{Fields: map[string]interface{}{
		"id": true, "name": false, "status": true,
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "status"}, spec.Columns)
}

func TestLimitOffsetSkip(t *testing.T) {
	b, model := newTestBuilder()

	spec, err := b.Build(model, &Filter{Limit: IntPtr(10), Skip: IntPtr(5)})
	require.NoError(t, err)
	require.NotNil(t, spec.Limit)
	require.NotNil(t, spec.Offset)
	assert.Equal(t, uint(10), *spec.Limit)
	assert.Equal(t, uint(5), *spec.Offset)

	// Offset takes precedence over skip when both appear.
	spec, err = b.Build(model, &Filter{Offset: IntPtr(7), Skip: IntPtr(5)})
	require.NoError(t, err)
	assert.Equal(t, uint(7), *spec.Offset)
}

func TestIncludeHiddenPropertiesSubtracted(t *testing.T) {
	b, model := newTestBuilder()
	spec, err := b.Build(model, &Filter{Include: []interface{}{"orders"}})
	require.NoError(t, err)
	require.Len(t, spec.With, 1)

	inc := spec.With[0]
	assert.Equal(t, "orders", inc.Relation.Name)
	require.NotNil(t, inc.Spec)
	assert.Equal(t, []string{"id", "customer_id", "total"}, inc.Spec.Columns)
	assert.NotContains(t, inc.Spec.Columns, "internal_note")
}

func TestIncludeScopedFilter(t *testing.T) {
	b, model := newTestBuilder()
	scope := &Filter{
		Where:  Where{"total": map[string]interface{}{"gt": 100}},
		Fields: []interface{}{"id", "total", "internal_note"},
	}
	spec, err := b.Build(model, &Filter{Include: []interface{}{
		map[string]interface{}{"relation": "orders", "scope": scope},
	}})
	require.NoError(t, err)
	require.Len(t, spec.With, 1)
	assert.Equal(t, []string{"id", "total"}, spec.With[0].Spec.Columns)
}

func TestIncludeUnknownRelation(t *testing.T) {
	b, model := newTestBuilder()
	_, err := b.Build(model, &Filter{Include: []interface{}{"payments"}})
	assert.True(t, errors.IsKind(err, errors.KindQueryInvalid))
}

func TestDeterministicCompilation(t *testing.T) {
	where := Where{"status": "active", "age": map[string]interface{}{"gte": 21}, "name": "A"}
	first := whereSQL(t, buildWhere(t, where))
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, whereSQL(t, buildWhere(t, where)))
	}
}
