package ingest

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	Field1 = "field1"
	Field2 = "field2"
	Field3 = "field3"

	DefaultText = "N/A"
	DefaultInt  = int64(0)
)

// RequiredFields is the field contract every record is checked against.
var RequiredFields = []string{Field1, Field2, Field3}

type Shape int

const (
	// ShapePartial marks a well-formed record missing at least one contract field.
	ShapePartial Shape = iota
	// ShapeComplete marks a well-formed record carrying every contract field.
	ShapeComplete
)

func (s Shape) String() string {
	if s == ShapeComplete {
		return "complete"
	}
	return "partial"
}

// RawRecord is one decoded, not yet trusted record. Values are string, json.Number,
// bool, nil, or nested []any / map[string]any for JSON input; always string for XML.
type RawRecord struct {
	Index  int
	Fields map[string]any
	Shape  Shape
}

func NewRawRecord(index int, fields map[string]any) RawRecord {
	if fields == nil {
		fields = map[string]any{}
	}
	r := RawRecord{Index: index, Fields: fields, Shape: ShapeComplete}
	for _, f := range RequiredFields {
		if _, ok := fields[f]; !ok {
			r.Shape = ShapePartial
			break
		}
	}
	return r
}

func (r RawRecord) Get(key string) (any, bool) {
	v, ok := r.Fields[key]
	return v, ok
}

// Fields is the clean three-field value of a normalized record.
type Fields struct {
	Field1 string
	Field2 int64
	Field3 string
}

// Raw converts normalized values back into a raw record.
func (f Fields) Raw(index int) RawRecord {
	return NewRawRecord(index, map[string]any{
		Field1: f.Field1,
		Field2: json.Number(strconv.FormatInt(f.Field2, 10)),
		Field3: f.Field3,
	})
}

// ParseInt reports whether v holds an integral value: a JSON integer, an integral
// float such as 123.0, or a string spelling either.
func ParseInt(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		return parseIntString(t.String())
	case string:
		return parseIntString(t)
	case int:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		return floatToInt(t)
	default:
		return 0, false
	}
}

func parseIntString(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return floatToInt(f)
}

func floatToInt(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

// Text renders a scalar value as text. Null and blank values report false.
func Text(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		if strings.TrimSpace(t) == "" {
			return "", false
		}
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	case []any, map[string]any:
		b, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(b), true
	default:
		return fmt.Sprint(t), true
	}
}
