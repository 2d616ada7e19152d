// Package query implements the Ignis filter model and its compilation into
// relational query specs. A Filter is the declarative shape accepted on the
// API surface (where/order/limit/skip/fields/include); the FilterBuilder
// turns it into a Spec of goqu expressions that the data source renders to
// SQL. Merging of a model's default filter with a user filter also lives
// here.
package query

import (
	"encoding/json"

	"github.com/doug-martin/goqu/v9/exp"
)

// DataType enumerates the column data types the builder understands.
type DataType string

const (
	TypeNumber DataType = "number"
	TypeString DataType = "string"
	TypeUUID   DataType = "uuid"
	TypeJSON   DataType = "json"
	TypeJSONB  DataType = "jsonb"
	TypeDate   DataType = "date"
	TypeBool   DataType = "bool"
)

// Column describes one column of a schema.
type Column struct {
	Name     string   `json:"name"`
	DataType DataType `json:"dataType"`
}

// Schema describes the relational shape of a model.
type Schema struct {
	Table    string   `json:"table"`
	IDColumn string   `json:"idColumn"`
	Columns  []Column `json:"columns"`
}

// RelationType enumerates supported association kinds.
type RelationType string

const (
	HasMany   RelationType = "hasMany"
	HasOne    RelationType = "hasOne"
	BelongsTo RelationType = "belongsTo"
)

// Relation describes a named association from one model to another.
type Relation struct {
	Name       string       `json:"name"`
	Target     string       `json:"target"` // target model name (table)
	Type       RelationType `json:"type"`
	ForeignKey string       `json:"foreignKey"`
	LocalKey   string       `json:"localKey"`
}

// Where is the recursive predicate tree: column → value, column → operator
// object, or "and"/"or" → group. Plain Go maps carry no prototype chain, so
// keys like "__proto__" are ordinary string entries.
type Where map[string]interface{}

// Inclusion requests a related model, optionally scoped by a nested filter.
type Inclusion struct {
	Relation string  `json:"relation"`
	Scope    *Filter `json:"scope,omitempty"`
}

// Filter is the declarative query shape. Pointer and nil-slice fields
// distinguish "absent" (keep the default on merge) from an explicitly
// provided zero value, which always wins.
type Filter struct {
	Where   Where         `json:"where,omitempty"`
	Order   []string      `json:"order,omitempty"`
	Limit   *int          `json:"limit,omitempty"`
	Offset  *int          `json:"offset,omitempty"`
	Skip    *int          `json:"skip,omitempty"`
	Fields  interface{}   `json:"fields,omitempty"`  // []string or map[string]bool
	Include []interface{} `json:"include,omitempty"` // string or Inclusion
}

// Spec is the compiled query emitted by the FilterBuilder and consumed by
// the data-source adapter. Where and OrderBy are goqu expressions; the
// adapter renders them for its dialect.
type Spec struct {
	Limit   *uint
	Offset  *uint
	Columns []string
	OrderBy []exp.OrderedExpression
	Where   exp.Expression
	With    []IncludeSpec
}

// IncludeSpec is one compiled relation inclusion. A nil Spec means a plain
// select-all of the target.
type IncludeSpec struct {
	Relation Relation
	Spec     *Spec
}

// ModelEntry is the view of a registered model the builder needs to resolve
// relation inclusions: the target schema, its relations, and the hidden
// properties to project away.
type ModelEntry struct {
	Name             string
	Schema           *Schema
	Relations        map[string]Relation
	HiddenProperties map[string]struct{}
	DefaultFilter    *Filter
}

// ModelResolver looks up registered models by name. Implemented by the
// metadata registry.
type ModelResolver interface {
	ModelByName(name string) (*ModelEntry, bool)
}

// ParseFilter decodes a JSON filter. Absent keys stay absent (nil), so the
// decoded filter merges correctly against a default.
func ParseFilter(data []byte) (*Filter, error) {
	var f Filter
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// IntPtr is a convenience for building filters in code and tests.
func IntPtr(v int) *int { return &v }
