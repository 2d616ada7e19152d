package query

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/ignis-framework/ignis/pkg/errors"
)

// segmentPattern is the strict identifier rule for JSON path segments:
// letters, digits, underscore and hyphen, or a pure integer index. Anything
// else is rejected before it can reach SQL.
var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// numericPattern recognizes decimal text for the NULL-preserving cast.
const numericPattern = `^-?[0-9]+(\.[0-9]+)?$`

// jsonPath is a parsed "column.seg1[2].seg3" reference.
type jsonPath struct {
	column   string
	segments []string
}

// isJSONPathKey reports whether a where/order key refers into a JSON
// document rather than naming a column directly.
func isJSONPathKey(key string) bool {
	return strings.ContainsAny(key, ".[")
}

// parseJSONPath splits a key on '.', '[' and ']' into the column name and
// path segments, validating every segment against the strict pattern.
func parseJSONPath(key string) (*jsonPath, error) {
	parts := strings.FieldsFunc(key, func(r rune) bool {
		return r == '.' || r == '[' || r == ']'
	})
	if len(parts) < 2 {
		return nil, errors.New(errors.KindQueryInvalid, "invalid JSON path %q", key)
	}
	for _, part := range parts {
		if !segmentPattern.MatchString(part) {
			return nil, errors.New(errors.KindQueryInvalid,
				"invalid JSON path segment %q in %q", part, key)
		}
	}
	return &jsonPath{column: parts[0], segments: parts[1:]}, nil
}

// textExtraction builds the `(col #>> '{a,b}')` text-extraction SQL for a
// validated path. Segments are safe by construction of segmentPattern.
func (p *jsonPath) textExtraction() string {
	return fmt.Sprintf("(%q #>> '{%s}')", p.column, strings.Join(p.segments, ","))
}

// extraction returns the operand for a JSON path. When numeric is set the
// expression carries a cast that yields NULL for non-numeric text instead
// of a cast error.
func (p *jsonPath) extraction(numeric bool) exp.LiteralExpression {
	txt := p.textExtraction()
	if numeric {
		return goqu.L(fmt.Sprintf(
			"(CASE WHEN %s ~ '%s' THEN %s::numeric END)", txt, numericPattern, txt))
	}
	return goqu.L(txt)
}

// needsNumericCast decides the cast per the attested rule: a primitive
// numeric operand gets the cast, and a numeric comparison operator gets it
// only when its operand is itself numeric (a gte against a string compares
// as text).
func needsNumericCast(value interface{}) bool {
	if isNumber(value) {
		return true
	}
	obj, ok := value.(map[string]interface{})
	if !ok {
		return false
	}
	for _, op := range []string{OpGt, OpGte, OpLt, OpLte} {
		if v, present := obj[op]; present && isNumber(v) {
			return true
		}
	}
	return false
}

func isNumber(v interface{}) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return true
	}
	return false
}

// jsonLiteral renders a Go value as a JSON text literal for containment
// comparisons.
func jsonLiteral(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
