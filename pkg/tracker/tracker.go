// Package tracker owns the lifecycle state of submissions: their status and the
// records persisted for them. Status queries read a tracker snapshot at any time.
package tracker

import (
	"context"
	"time"

	"github.com/ValerySidorin/ferry/pkg/ingest"
	"github.com/ValerySidorin/ferry/pkg/ingest/record"
	"github.com/ValerySidorin/ferry/pkg/tracker/config"
	"github.com/ValerySidorin/ferry/pkg/tracker/store"
	gklog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

const (
	OpWritePlaceholder = "write_placeholder"
	OpAdvance          = "advance"
	OpReplace          = "replace"
	OpMarkFailed       = "mark_failed"
)

type Tracker struct {
	services.Service

	log   gklog.Logger
	store store.Store
	now   func() time.Time
}

func New(ctx context.Context, cfg config.Config, log gklog.Logger) (*Tracker, error) {
	log = gklog.With(log, "service", "tracker", "store", cfg.Store)

	s, err := store.NewStore(ctx, cfg, log)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: init store")
	}

	return NewWithStore(s, log), nil
}

// NewWithStore wraps an already opened store. The store is disposed when the service stops.
func NewWithStore(s store.Store, log gklog.Logger) *Tracker {
	t := &Tracker{
		log:   log,
		store: s,
		now:   func() time.Time { return time.Now().UTC() },
	}
	t.Service = services.NewIdleService(nil, t.stop)

	return t
}

func (t *Tracker) stop(_ error) error {
	if err := t.store.Dispose(context.Background()); err != nil {
		level.Error(t.log).Log("msg", "dispose tracker store", "err", err)
		return err
	}

	return nil
}

// WritePlaceholder resets the submission to a single uploaded record holding defaults.
func (t *Tracker) WritePlaceholder(ctx context.Context, submissionID string, format ingest.Format) error {
	now := t.now()
	snap := &record.Snapshot{
		SubmissionID: submissionID,
		Status:       record.UPLOADED,
		Format:       format,
		UpdatedAt:    now,
		Records:      []*record.Record{record.NewPlaceholder(submissionID, format, now)},
	}

	return t.wrap(OpWritePlaceholder, submissionID, t.store.Replace(ctx, snap))
}

// Advance moves every stored record of the submission to status.
func (t *Tracker) Advance(ctx context.Context, submissionID string, status record.Status) error {
	return t.wrap(OpAdvance, submissionID, t.store.UpdateStatus(ctx, submissionID, status, t.now()))
}

// Replace swaps all stored records of the submission for fields, stamped with status.
// An empty fields slice leaves the submission with no records.
func (t *Tracker) Replace(ctx context.Context, submissionID string, fields []ingest.Fields, status record.Status, format ingest.Format) error {
	now := t.now()
	snap := &record.Snapshot{
		SubmissionID: submissionID,
		Status:       status,
		Format:       format,
		UpdatedAt:    now,
		Records: lo.Map(fields, func(f ingest.Fields, _ int) *record.Record {
			return record.FromFields(submissionID, format, status, f, now)
		}),
	}

	return t.wrap(OpReplace, submissionID, t.store.Replace(ctx, snap))
}

// MarkFailed sets failed on every stored record regardless of the current status.
func (t *Tracker) MarkFailed(ctx context.Context, submissionID string) error {
	return t.wrap(OpMarkFailed, submissionID, t.store.UpdateStatus(ctx, submissionID, record.FAILED, t.now()))
}

// Snapshot returns ingest.ErrNotFound for submissions never written.
func (t *Tracker) Snapshot(ctx context.Context, submissionID string) (*record.Snapshot, error) {
	snap, err := t.store.Snapshot(ctx, submissionID)
	if err != nil {
		if ingest.IsNotFound(err) {
			return nil, ingest.ErrNotFound
		}
		return nil, errors.Wrapf(err, "tracker: snapshot %q", submissionID)
	}

	return snap, nil
}

func (t *Tracker) wrap(op, submissionID string, err error) error {
	if err == nil {
		return nil
	}

	return &ingest.TrackerWriteError{Op: op, SubmissionID: submissionID, Err: err}
}
