package store

import (
	"context"
	"time"

	"github.com/ValerySidorin/ferry/pkg/ingest/record"
	"github.com/ValerySidorin/ferry/pkg/tracker/config"
	"github.com/ValerySidorin/ferry/pkg/tracker/store/inmemory"
	"github.com/ValerySidorin/ferry/pkg/tracker/store/pg"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
)

// Store persists one header and a set of records per submission. Every method is atomic.
type Store interface {
	// Replace drops everything stored for snap.SubmissionID and writes snap in its place.
	Replace(ctx context.Context, snap *record.Snapshot) error
	// UpdateStatus rewrites the status of the header and all records in place.
	// It returns ingest.ErrNotFound when the submission has no header.
	UpdateStatus(ctx context.Context, submissionID string, status record.Status, updatedAt time.Time) error
	// Snapshot returns ingest.ErrNotFound when the submission has no header.
	Snapshot(ctx context.Context, submissionID string) (*record.Snapshot, error)
	Dispose(ctx context.Context) error
}

func NewStore(ctx context.Context, cfg config.Config, log log.Logger) (Store, error) {
	switch cfg.Store {
	case config.StorePg:
		return pg.NewStore(ctx, cfg.Pg, log)
	case config.StoreInmemory:
		return inmemory.NewStore(), nil
	default:
		return nil, errors.Errorf("invalid tracker store in config: %q", cfg.Store)
	}
}
