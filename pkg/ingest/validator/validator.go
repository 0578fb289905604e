// Package validator enforces the field contract on parsed records before any of
// their data is trusted.
package validator

import (
	"fmt"

	"github.com/ValerySidorin/ferry/pkg/ingest"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

const rootField = "(root)"

// contract is stricter than the normalizer on purpose: field2 must be present and
// integral here, while normalization would default it to 0.
const contract = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["field1", "field2", "field3"],
  "definitions": {
    "scalar": {"type": ["string", "number", "boolean", "null"]}
  },
  "properties": {
    "field1": {"$ref": "#/definitions/scalar"},
    "field2": {
      "oneOf": [
        {"type": "integer"},
        {"type": "string", "pattern": "^\\s*[-+]?\\d+(\\.0+)?\\s*$"}
      ]
    },
    "field3": {"$ref": "#/definitions/scalar"}
  }
}`

type Validator struct {
	schema *gojsonschema.Schema
}

func New() (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(contract))
	if err != nil {
		return nil, errors.Wrap(err, "validator: compile record contract")
	}

	return &Validator{schema: schema}, nil
}

// Validate returns a *ingest.ValidationError for the first record breaking the
// contract. An empty batch is valid.
func (v *Validator) Validate(recs []ingest.RawRecord) error {
	for _, rec := range recs {
		if err := v.validateRecord(rec); err != nil {
			return err
		}
	}

	return nil
}

func (v *Validator) validateRecord(rec ingest.RawRecord) error {
	res, err := v.schema.Validate(gojsonschema.NewGoLoader(rec.Fields))
	if err != nil {
		return &ingest.ValidationError{Record: rec.Index, Field: rootField, Reason: err.Error()}
	}
	if !res.Valid() {
		return firstViolation(rec.Index, res.Errors())
	}

	// integral but wider than int64
	raw, _ := rec.Get(ingest.Field2)
	if _, ok := ingest.ParseInt(raw); !ok {
		return &ingest.ValidationError{
			Record: rec.Index,
			Field:  ingest.Field2,
			Reason: fmt.Sprintf("value %v is out of int64 range", raw),
		}
	}

	return nil
}

// firstViolation orders schema errors by contract field so the reported field is stable.
func firstViolation(index int, errs []gojsonschema.ResultError) error {
	byField := make(map[string]string, len(errs))
	for _, e := range errs {
		field := e.Field()
		if e.Type() == "required" {
			if p, ok := e.Details()["property"].(string); ok {
				field = p
			}
		}
		if _, seen := byField[field]; !seen {
			byField[field] = e.Description()
		}
	}

	for _, f := range ingest.RequiredFields {
		if reason, ok := byField[f]; ok {
			return &ingest.ValidationError{Record: index, Field: f, Reason: reason}
		}
	}

	return &ingest.ValidationError{Record: index, Field: errs[0].Field(), Reason: errs[0].Description()}
}
