package query

import (
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/ignis-framework/ignis/pkg/errors"
)

// Operator names form a closed set. "and" and "or" are logical groups and
// are recursed by the builder rather than dispatched here.
const (
	OpEq       = "eq"
	OpNeq      = "neq"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpIn       = "in"
	OpNin      = "nin"
	OpLike     = "like"
	OpILike    = "ilike"
	OpBetween  = "between"
	OpContains = "contains"
	OpIsNull   = "isNull"
	OpExists   = "exists"
	OpAnd      = "and"
	OpOr       = "or"
)

// operand is the goqu surface shared by identifier and literal expressions,
// which lets one dispatch table serve both plain columns and JSON-path
// extraction expressions.
type operand interface {
	exp.Comparable
	exp.Inable
	exp.Likeable
	exp.Rangeable
	exp.Isable
}

// OperatorFunc compiles one operator application against a column operand.
type OperatorFunc func(col operand, column Column, value interface{}) (exp.Expression, error)

// logicalOperators marks the group operators handled by recursion.
var logicalOperators = map[string]bool{OpAnd: true, OpOr: true}

// IsLogicalOperator reports whether name is a logical group operator.
func IsLogicalOperator(name string) bool { return logicalOperators[name] }

// operators is the dispatch table for the closed operator set.
var operators = map[string]OperatorFunc{
	OpEq: func(col operand, _ Column, v interface{}) (exp.Expression, error) {
		if v == nil {
			return col.IsNull(), nil
		}
		return col.Eq(v), nil
	},
	OpNeq: func(col operand, _ Column, v interface{}) (exp.Expression, error) {
		if v == nil {
			return col.IsNotNull(), nil
		}
		return col.Neq(v), nil
	},
	OpGt: func(col operand, _ Column, v interface{}) (exp.Expression, error) {
		return col.Gt(v), nil
	},
	OpGte: func(col operand, _ Column, v interface{}) (exp.Expression, error) {
		return col.Gte(v), nil
	},
	OpLt: func(col operand, _ Column, v interface{}) (exp.Expression, error) {
		return col.Lt(v), nil
	},
	OpLte: func(col operand, _ Column, v interface{}) (exp.Expression, error) {
		return col.Lte(v), nil
	},
	OpIn: func(col operand, column Column, v interface{}) (exp.Expression, error) {
		vals, err := toSlice(column, OpIn, v)
		if err != nil {
			return nil, err
		}
		if len(vals) == 0 {
			return unsatisfiable(), nil
		}
		return col.In(vals...), nil
	},
	OpNin: func(col operand, column Column, v interface{}) (exp.Expression, error) {
		vals, err := toSlice(column, OpNin, v)
		if err != nil {
			return nil, err
		}
		if len(vals) == 0 {
			return goqu.L("TRUE"), nil
		}
		return col.NotIn(vals...), nil
	},
	OpLike: func(col operand, _ Column, v interface{}) (exp.Expression, error) {
		return col.Like(v), nil
	},
	OpILike: func(col operand, _ Column, v interface{}) (exp.Expression, error) {
		return col.ILike(v), nil
	},
	OpBetween: func(col operand, column Column, v interface{}) (exp.Expression, error) {
		vals, err := toSlice(column, OpBetween, v)
		if err != nil {
			return nil, err
		}
		if len(vals) != 2 {
			return nil, errors.New(errors.KindQueryInvalid,
				"between on column %q requires exactly two values", column.Name)
		}
		return col.Between(exp.NewRangeVal(vals[0], vals[1])), nil
	},
	OpContains: func(col operand, column Column, v interface{}) (exp.Expression, error) {
		if column.DataType == TypeJSON || column.DataType == TypeJSONB {
			return goqu.L("? @> ?", col, jsonLiteral(v)), nil
		}
		return col.Like(fmt.Sprintf("%%%v%%", v)), nil
	},
	OpIsNull: func(col operand, _ Column, v interface{}) (exp.Expression, error) {
		if b, ok := v.(bool); ok && !b {
			return col.IsNotNull(), nil
		}
		return col.IsNull(), nil
	},
	OpExists: func(col operand, _ Column, v interface{}) (exp.Expression, error) {
		if b, ok := v.(bool); ok && !b {
			return col.IsNull(), nil
		}
		return col.IsNotNull(), nil
	},
}

// Operators exposes the closed operator name set.
func Operators() []string {
	names := make([]string, 0, len(operators)+2)
	for name := range operators {
		names = append(names, name)
	}
	return append(names, OpAnd, OpOr)
}

func lookupOperator(column Column, name string) (OperatorFunc, error) {
	fn, ok := operators[name]
	if !ok {
		return nil, errors.New(errors.KindQueryInvalid,
			"unknown operator %q on column %q", name, column.Name)
	}
	return fn, nil
}

func toSlice(column Column, op string, v interface{}) ([]interface{}, error) {
	switch tv := v.(type) {
	case []interface{}:
		return tv, nil
	case []string:
		out := make([]interface{}, len(tv))
		for i, s := range tv {
			out[i] = s
		}
		return out, nil
	default:
		return nil, errors.New(errors.KindQueryInvalid,
			"operator %q on column %q requires an array value", op, column.Name)
	}
}

// unsatisfiable is the predicate for an empty IN list.
func unsatisfiable() exp.Expression { return goqu.L("FALSE") }
