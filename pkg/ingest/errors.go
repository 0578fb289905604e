package ingest

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by status lookups for identifiers that were never submitted.
var ErrNotFound = errors.New("no such submission")

// FormatError reports bytes that are not well-formed for the declared format.
type FormatError struct {
	Format Format
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s payload: %s: %v", e.Format, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed %s payload: %s", e.Format, e.Reason)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// ValidationError names the first record and field violating the field contract.
type ValidationError struct {
	Record int
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("record %d: field %q: %s", e.Record, e.Field, e.Reason)
}

type UnsupportedFormatError struct {
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported format %q: only json and xml are allowed", e.Format)
}

// TrackerWriteError wraps a persistence failure during a status transition.
type TrackerWriteError struct {
	Op           string
	SubmissionID string
	Err          error
}

func (e *TrackerWriteError) Error() string {
	return fmt.Sprintf("tracker %s %q: %v", e.Op, e.SubmissionID, e.Err)
}

func (e *TrackerWriteError) Unwrap() error {
	return e.Err
}

func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsTrackerWriteError(err error) bool {
	var te *TrackerWriteError
	return errors.As(err, &te)
}

func IsUnsupportedFormat(err error) bool {
	var ue *UnsupportedFormatError
	return errors.As(err, &ue)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
