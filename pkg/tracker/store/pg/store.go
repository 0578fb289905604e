package pg

import (
	"context"
	"time"

	"github.com/ValerySidorin/ferry/pkg/ingest"
	"github.com/ValerySidorin/ferry/pkg/ingest/record"
	"github.com/ValerySidorin/ferry/pkg/tracker/config/pg"
	"github.com/go-kit/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

var schema = []string{
	`create table if not exists public.submissions (
		submission_id text primary key,
		status text not null,
		format text not null,
		updated_at timestamptz not null);`,
	`create table if not exists public.company_data (
		id bigserial primary key,
		submission_id text not null,
		format text not null,
		status text not null,
		field1 text not null,
		field2 bigint not null,
		field3 text not null,
		created_at timestamptz not null);`,
	`create index if not exists company_data_submission_id_idx on public.company_data (submission_id);`,
}

var recordColumns = []string{"submission_id", "format", "status", "field1", "field2", "field3", "created_at"}

type Store struct {
	cfg  pg.Config
	log  log.Logger
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, cfg pg.Config, log log.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Conn)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: parse connection string")
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: init connection pool")
	}

	for _, q := range schema {
		if _, err := pool.Exec(ctx, q); err != nil {
			pool.Close()
			return nil, errors.Wrap(err, "postgres: init table")
		}
	}

	return &Store{
		cfg:  cfg,
		log:  log,
		pool: pool,
	}, nil
}

func (s *Store) Replace(ctx context.Context, snap *record.Snapshot) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return errors.Wrap(err, "postgres: acquire connection")
	}
	defer conn.Release()

	err = pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		if err := upsertHeader(ctx, tx, snap); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, "delete from public.company_data where submission_id = $1;", snap.SubmissionID); err != nil {
			return errors.Wrap(err, "postgres: delete records")
		}

		if len(snap.Records) == 0 {
			return nil
		}

		rows := lo.Map(snap.Records, func(rec *record.Record, _ int) []any {
			return []any{snap.SubmissionID, string(snap.Format), string(snap.Status), rec.Field1, rec.Field2, rec.Field3, rec.CreatedAt}
		})
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"public", "company_data"}, recordColumns, pgx.CopyFromRows(rows)); err != nil {
			return errors.Wrap(err, "postgres: insert records")
		}

		return nil
	})
	if err != nil {
		return errors.Wrap(err, "postgres: replace submission")
	}

	return nil
}

func (s *Store) UpdateStatus(ctx context.Context, submissionID string, status record.Status, updatedAt time.Time) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return errors.Wrap(err, "postgres: acquire connection")
	}
	defer conn.Release()

	return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `update public.submissions
	set status = $2,
	updated_at = $3
	where submission_id = $1;`, submissionID, string(status), updatedAt)
		if err != nil {
			return errors.Wrap(err, "postgres: update submission status")
		}
		if tag.RowsAffected() == 0 {
			return ingest.ErrNotFound
		}

		if _, err := tx.Exec(ctx, "update public.company_data set status = $2 where submission_id = $1;", submissionID, string(status)); err != nil {
			return errors.Wrap(err, "postgres: update records status")
		}

		return nil
	})
}

func (s *Store) Snapshot(ctx context.Context, submissionID string) (*record.Snapshot, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: acquire connection")
	}
	defer conn.Release()

	snap := record.Snapshot{SubmissionID: submissionID}
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

	err = pgx.BeginTxFunc(ctx, conn, opts, func(tx pgx.Tx) error {
		var status, format string
		err := tx.QueryRow(ctx, "select status, format, updated_at from public.submissions where submission_id = $1;", submissionID).
			Scan(&status, &format, &snap.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "postgres: get submission")
		}

		if snap.Status, err = record.ParseStatus(status); err != nil {
			return errors.Wrap(err, "postgres: get submission")
		}
		snap.Format = ingest.Format(format)

		rows, err := tx.Query(ctx, `select
id, submission_id, format, status, field1, field2, field3, created_at
from public.company_data
where submission_id = $1
order by id;`, submissionID)
		if err != nil {
			return errors.Wrap(err, "postgres: get records")
		}
		defer rows.Close()

		snap.Records = make([]*record.Record, 0)
		for rows.Next() {
			rec := record.Record{}
			if err := scanRecordFromRows(rows, &rec); err != nil {
				return err
			}
			snap.Records = append(snap.Records, &rec)
		}

		return errors.Wrap(rows.Err(), "postgres: get records")
	})
	if err != nil {
		return nil, err
	}

	return &snap, nil
}

func (s *Store) Dispose(_ context.Context) error {
	s.pool.Close()
	return nil
}

func upsertHeader(ctx context.Context, tx pgx.Tx, snap *record.Snapshot) error {
	q := `insert into public.submissions (submission_id, status, format, updated_at)
	values ($1, $2, $3, $4)
	on conflict (submission_id) do update
	set status = excluded.status,
	format = excluded.format,
	updated_at = excluded.updated_at;`
	if _, err := tx.Exec(ctx, q, snap.SubmissionID, string(snap.Status), string(snap.Format), snap.UpdatedAt); err != nil {
		return errors.Wrap(err, "postgres: upsert submission")
	}

	return nil
}

func scanRecordFromRows(rows pgx.Rows, rec *record.Record) error {
	var status, format string
	if err := rows.Scan(&rec.ID, &rec.SubmissionID, &format, &status, &rec.Field1, &rec.Field2, &rec.Field3, &rec.CreatedAt); err != nil {
		return errors.Wrap(err, "postgres: scan record")
	}

	st, err := record.ParseStatus(status)
	if err != nil {
		return errors.Wrap(err, "postgres: scan record")
	}
	rec.Status = st
	rec.Format = ingest.Format(format)

	return nil
}
