package record

import (
	"time"

	"github.com/ValerySidorin/ferry/pkg/ingest"
	"github.com/pkg/errors"
)

type Status string

const (
	UPLOADED   Status = "uploaded"
	PROCESSING Status = "processing"
	PROCESSED  Status = "processed"
	FAILED     Status = "failed"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case UPLOADED, PROCESSING, PROCESSED, FAILED:
		return st, nil
	default:
		return "", errors.Errorf("unknown lifecycle status %q", s)
	}
}

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == PROCESSED || s == FAILED
}

func (s Status) String() string {
	return string(s)
}

type Record struct {
	ID           int64
	SubmissionID string
	Status       Status
	Format       ingest.Format
	Field1       string
	Field2       int64
	Field3       string
	CreatedAt    time.Time
}

// NewPlaceholder builds the uploaded-status row that makes an accepted submission visible.
func NewPlaceholder(submissionID string, format ingest.Format, now time.Time) *Record {
	return &Record{
		SubmissionID: submissionID,
		Status:       UPLOADED,
		Format:       format,
		Field1:       ingest.DefaultText,
		Field2:       ingest.DefaultInt,
		Field3:       ingest.DefaultText,
		CreatedAt:    now,
	}
}

func FromFields(submissionID string, format ingest.Format, status Status, f ingest.Fields, now time.Time) *Record {
	return &Record{
		SubmissionID: submissionID,
		Status:       status,
		Format:       format,
		Field1:       f.Field1,
		Field2:       f.Field2,
		Field3:       f.Field3,
		CreatedAt:    now,
	}
}

// Snapshot is the consistent view of one submission returned to status queries.
type Snapshot struct {
	SubmissionID string
	Status       Status
	Format       ingest.Format
	UpdatedAt    time.Time
	Records      []*Record
}
