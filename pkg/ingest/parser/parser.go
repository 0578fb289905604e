// Package parser decodes raw submission payloads into ordered raw records.
package parser

import (
	"bytes"

	"github.com/ValerySidorin/ferry/pkg/ingest"
)

// Parse decodes raw into records according to format. It never touches the field
// contract: a record missing fields is returned tagged ShapePartial.
func Parse(raw []byte, format ingest.Format) ([]ingest.RawRecord, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &ingest.FormatError{Format: format, Reason: "empty body"}
	}

	switch format {
	case ingest.FormatJSON:
		return parseJSON(raw)
	case ingest.FormatXML:
		return parseXML(raw)
	default:
		return nil, &ingest.UnsupportedFormatError{Format: string(format)}
	}
}
