// Package normalizer turns validated raw records into a clean batch. It is total:
// any input, including records the validator would reject, yields a result.
package normalizer

import (
	"encoding/json"
	"fmt"

	"github.com/ValerySidorin/ferry/pkg/ingest"
	"github.com/samber/lo"
)

// Normalize drops exact duplicates, fills defaults and coerces field2 to an integer.
// Records that only become equal after coercion are collapsed too, so running
// Normalize on its own output is a no-op.
func Normalize(recs []ingest.RawRecord) []ingest.Fields {
	uniq := lo.UniqBy(recs, func(r ingest.RawRecord) string {
		return canonical(r)
	})

	out := lo.Map(uniq, func(r ingest.RawRecord, _ int) ingest.Fields {
		return coerce(r)
	})

	return lo.Uniq(out)
}

func coerce(r ingest.RawRecord) ingest.Fields {
	f := ingest.Fields{
		Field1: ingest.DefaultText,
		Field2: ingest.DefaultInt,
		Field3: ingest.DefaultText,
	}

	if s, ok := ingest.Text(r.Fields[ingest.Field1]); ok {
		f.Field1 = s
	}
	if s, ok := ingest.Text(r.Fields[ingest.Field3]); ok {
		f.Field3 = s
	}
	if n, ok := ingest.ParseInt(r.Fields[ingest.Field2]); ok {
		f.Field2 = n
	}

	return f
}

// canonical serializes a record with sorted keys. The string "1" and the number 1
// stay distinct.
func canonical(r ingest.RawRecord) string {
	b, err := json.Marshal(r.Fields)
	if err != nil {
		// unserializable records are never treated as duplicates
		return fmt.Sprintf("\x00%d", r.Index)
	}
	return string(b)
}
