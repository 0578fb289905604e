package normalizer

import (
	"encoding/json"
	"testing"

	"github.com/ValerySidorin/ferry/pkg/ingest"
	"github.com/ValerySidorin/ferry/pkg/ingest/parser"
	"github.com/ValerySidorin/ferry/pkg/ingest/validator"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDefaults(t *testing.T) {
	recs := []ingest.RawRecord{
		ingest.NewRawRecord(0, map[string]any{"field1": "", "field3": nil}),
		ingest.NewRawRecord(1, map[string]any{"field1": "x", "field2": "abc", "field3": "   "}),
		ingest.NewRawRecord(2, map[string]any{"field1": json.Number("5"), "field2": "17", "field3": true}),
	}

	out := Normalize(recs)

	assert.Equal(t, []ingest.Fields{
		{Field1: "N/A", Field2: 0, Field3: "N/A"},
		{Field1: "x", Field2: 0, Field3: "N/A"},
		{Field1: "5", Field2: 17, Field3: "true"},
	}, out)
}

func TestNormalizeDropsExactDuplicates(t *testing.T) {
	recs := []ingest.RawRecord{
		ingest.NewRawRecord(0, map[string]any{"field1": "a", "field2": json.Number("1"), "field3": "b"}),
		ingest.NewRawRecord(1, map[string]any{"field1": "c", "field2": json.Number("2"), "field3": "d"}),
		ingest.NewRawRecord(2, map[string]any{"field1": "a", "field2": json.Number("1"), "field3": "b"}),
	}

	out := Normalize(recs)

	assert.Equal(t, []ingest.Fields{
		{Field1: "a", Field2: 1, Field3: "b"},
		{Field1: "c", Field2: 2, Field3: "d"},
	}, out)
}

func TestNormalizeEmpty(t *testing.T) {
	out := Normalize(nil)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestNormalizeIdempotent(t *testing.T) {
	recs := []ingest.RawRecord{
		ingest.NewRawRecord(0, map[string]any{"field1": "a", "field2": json.Number("1"), "field3": "b"}),
		ingest.NewRawRecord(1, map[string]any{"field1": "a", "field2": "1", "field3": "b"}),
		ingest.NewRawRecord(2, map[string]any{"field1": "", "field2": "x"}),
		ingest.NewRawRecord(3, map[string]any{"field1": "a", "field2": json.Number("1"), "field3": "b", "extra": "y"}),
	}

	once := Normalize(recs)
	twice := Normalize(lo.Map(once, func(f ingest.Fields, i int) ingest.RawRecord {
		return f.Raw(i)
	}))

	assert.Equal(t, once, twice)
}

func TestParseValidateNormalizeRoundTrip(t *testing.T) {
	v, err := validator.New()
	require.NoError(t, err)

	payloads := map[ingest.Format]string{
		ingest.FormatJSON: `{"records":[{"field1":"value1","field2":123,"field3":"data1"}]}`,
		ingest.FormatXML:  `<root><record><field1>value1</field1><field2>123</field2><field3>data1</field3></record></root>`,
	}

	for format, payload := range payloads {
		recs, err := parser.Parse([]byte(payload), format)
		require.NoError(t, err, format)
		require.NoError(t, v.Validate(recs), format)

		out := Normalize(recs)
		assert.Equal(t, []ingest.Fields{{Field1: "value1", Field2: 123, Field3: "data1"}}, out, format)
	}
}
