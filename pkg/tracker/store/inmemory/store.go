// Package inmemory keeps submissions in process memory. State is lost on restart.
package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/ValerySidorin/ferry/pkg/ingest"
	"github.com/ValerySidorin/ferry/pkg/ingest/record"
	"github.com/samber/lo"
	"go.uber.org/atomic"
)

type Store struct {
	mu          sync.RWMutex
	submissions map[string]*record.Snapshot
	lastID      *atomic.Int64
}

func NewStore() *Store {
	return &Store{
		submissions: make(map[string]*record.Snapshot),
		lastID:      atomic.NewInt64(0),
	}
}

func (s *Store) Replace(_ context.Context, snap *record.Snapshot) error {
	stored := &record.Snapshot{
		SubmissionID: snap.SubmissionID,
		Status:       snap.Status,
		Format:       snap.Format,
		UpdatedAt:    snap.UpdatedAt,
		Records: lo.Map(snap.Records, func(rec *record.Record, _ int) *record.Record {
			r := *rec
			r.ID = s.lastID.Inc()
			r.SubmissionID = snap.SubmissionID
			r.Status = snap.Status
			r.Format = snap.Format
			return &r
		}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.submissions[snap.SubmissionID] = stored
	return nil
}

func (s *Store) UpdateStatus(_ context.Context, submissionID string, status record.Status, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.submissions[submissionID]
	if !ok {
		return ingest.ErrNotFound
	}

	snap.Status = status
	snap.UpdatedAt = updatedAt
	for _, rec := range snap.Records {
		rec.Status = status
	}

	return nil
}

func (s *Store) Snapshot(_ context.Context, submissionID string) (*record.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.submissions[submissionID]
	if !ok {
		return nil, ingest.ErrNotFound
	}

	out := *snap
	out.Records = lo.Map(snap.Records, func(rec *record.Record, _ int) *record.Record {
		r := *rec
		return &r
	})

	return &out, nil
}

func (s *Store) Dispose(_ context.Context) error {
	return nil
}
