package parser

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	"github.com/ValerySidorin/ferry/pkg/ingest"
)

const (
	rootDepth   = 1
	recordDepth = 2
	fieldDepth  = 3
)

// parseXML treats every child of the root element as a record and every grandchild
// element as a field holding its text. Attributes are ignored.
func parseXML(raw []byte) ([]ingest.RawRecord, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))

	var (
		recs       []ingest.RawRecord
		cur        map[string]any
		key        string
		text       strings.Builder
		depth      int
		rootSeen   bool
		rootClosed bool
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, xmlError("decode", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if rootClosed {
				return nil, xmlError("more than one root element", nil)
			}
			depth++
			switch depth {
			case rootDepth:
				rootSeen = true
			case recordDepth:
				cur = map[string]any{}
			case fieldDepth:
				key = t.Name.Local
				text.Reset()
			}
		case xml.EndElement:
			switch depth {
			case rootDepth:
				rootClosed = true
			case recordDepth:
				recs = append(recs, ingest.NewRawRecord(len(recs), cur))
				cur = nil
			case fieldDepth:
				cur[key] = text.String()
			}
			depth--
		case xml.CharData:
			switch {
			case depth == fieldDepth:
				text.Write(t)
			case depth == 0 && len(bytes.TrimSpace(t)) > 0:
				return nil, xmlError("text outside the root element", nil)
			}
		}
	}

	if !rootSeen || !rootClosed {
		return nil, xmlError("missing root element", nil)
	}
	if recs == nil {
		recs = []ingest.RawRecord{}
	}
	return recs, nil
}

func xmlError(reason string, err error) error {
	return &ingest.FormatError{Format: ingest.FormatXML, Reason: reason, Err: err}
}
