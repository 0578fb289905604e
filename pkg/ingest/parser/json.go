package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ValerySidorin/ferry/pkg/ingest"
)

const recordsKey = "records"

func parseJSON(raw []byte) ([]ingest.RawRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, jsonError("decode", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, jsonError("trailing data after top-level value", err)
	}

	switch t := doc.(type) {
	case []any:
		return jsonObjects(t, "array")
	case map[string]any:
		recs, ok := t[recordsKey]
		if !ok {
			return []ingest.RawRecord{ingest.NewRawRecord(0, t)}, nil
		}
		arr, ok := recs.([]any)
		if !ok {
			return nil, jsonError(fmt.Sprintf("%q must be an array, got %s", recordsKey, kind(recs)), nil)
		}
		return jsonObjects(arr, recordsKey)
	default:
		return nil, jsonError(fmt.Sprintf("top-level value must be an object or an array, got %s", kind(doc)), nil)
	}
}

func jsonObjects(items []any, where string) ([]ingest.RawRecord, error) {
	recs := make([]ingest.RawRecord, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, jsonError(fmt.Sprintf("%s element %d must be an object, got %s", where, i, kind(item)), nil)
		}
		recs = append(recs, ingest.NewRawRecord(i, obj))
	}
	return recs, nil
}

func jsonError(reason string, err error) error {
	return &ingest.FormatError{Format: ingest.FormatJSON, Reason: reason, Err: err}
}

func kind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}
