package storage

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/flowgate/internal/domain"
)

// staleSweepLockKey serializes RecoverStale across processes.
const staleSweepLockKey = 42

const jobColumns = `id, topic, payload, priority, status, attempts, max_attempts,
next_retry_at, error, created_at, started_at, completed_at, updated_at, seq`

type Postgres struct{ db *pgxpool.Pool }

func NewPostgres(db *pgxpool.Pool) *Postgres { return &Postgres{db} }

// InsertJob persists a PENDING job (source of truth).
func (s *Postgres) InsertJob(ctx context.Context, p InsertJobParams) (domain.Job, error) {
	if err := p.validate(); err != nil {
		return domain.Job{}, err
	}
	row := s.db.QueryRow(ctx, `insert into jobs(
id, topic, payload, priority, status, attempts, max_attempts, created_at, updated_at
) values ($1,$2,$3,$4,'PENDING',0,$5,$6,$6)
returning `+jobColumns,
		p.ID, p.Topic, p.payload(), int(p.Priority), p.MaxAttempts, p.CreatedAt.UTC(),
	)
	j, _, err := scanPostgresJob(row.Scan)
	if err != nil {
		return domain.Job{}, errors.Wrap(err, "insert job")
	}
	return j, nil
}

func (s *Postgres) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := s.db.QueryRow(ctx, `select `+jobColumns+` from jobs where id = $1`, id)
	j, _, err := scanPostgresJob(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, ErrNotFound
		}
		return domain.Job{}, errors.Wrap(err, "get job")
	}
	return j, nil
}

// ClaimJobs selects due jobs with FOR UPDATE SKIP LOCKED and marks them
// PROCESSING in the same transaction. Rows locked by another claimer are
// skipped, never waited on.
func (s *Postgres) ClaimJobs(ctx context.Context, p ClaimParams) ([]domain.Job, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if len(p.Topics) == 0 {
		return nil, nil
	}

	var claimed []claimedJob
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
with claimable as (
	select id from jobs
	 where topic = any($3)
	   and (status = 'PENDING' or (status = 'FAILED' and next_retry_at <= $1))
	 order by priority desc, created_at asc, seq asc
	 limit $2
	 for update skip locked
)
update jobs as j
   set status = 'PROCESSING',
       started_at = $1,
       updated_at = $1
  from claimable
 where j.id = claimable.id
returning `+prefixed("j.", jobColumns), p.Now.UTC(), p.Limit, p.Topics)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			j, seq, err := scanPostgresJob(rows.Scan)
			if err != nil {
				return err
			}
			claimed = append(claimed, claimedJob{job: j, seq: seq})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errors.Wrap(err, "claim jobs")
	}
	return sortClaimed(claimed), nil
}

func (s *Postgres) CompleteJob(ctx context.Context, id string, now time.Time) error {
	tag, err := s.db.Exec(ctx, `update jobs
    set status = 'COMPLETED',
        attempts = attempts + 1,
        completed_at = $2,
        next_retry_at = null,
        error = null,
        updated_at = $2
  where id = $1 and status = 'PROCESSING'`, id, now.UTC())
	if err != nil {
		return errors.Wrap(err, "complete job")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(ErrNotProcessing, "complete job %s", id)
	}
	return nil
}

func (s *Postgres) FailJob(ctx context.Context, id string, errMsg string, now time.Time, retryAt *time.Time) error {
	tag, err := s.db.Exec(ctx, `update jobs
    set status = 'FAILED',
        attempts = attempts + 1,
        error = $2,
        next_retry_at = $4,
        updated_at = $3
  where id = $1 and status = 'PROCESSING'`, id, errMsg, now.UTC(), utcPtr(retryAt))
	if err != nil {
		return errors.Wrap(err, "fail job")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(ErrNotProcessing, "fail job %s", id)
	}
	return nil
}

func (s *Postgres) ReleaseJob(ctx context.Context, id string, reason string, now time.Time) error {
	tag, err := s.db.Exec(ctx, `update jobs
    set status = 'PENDING',
        started_at = null,
        error = $2,
        updated_at = $3
  where id = $1 and status = 'PROCESSING'`, id, reason, now.UTC())
	if err != nil {
		return errors.Wrap(err, "release job")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(ErrNotProcessing, "release job %s", id)
	}
	return nil
}

// RecoverStale reclaims PROCESSING jobs started before olderThan. Only the
// process holding the transaction-scoped advisory lock acts; others return 0.
func (s *Postgres) RecoverStale(ctx context.Context, olderThan time.Time, policy StalePolicy, now time.Time) (int64, error) {
	var n int64
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var locked bool
		if err := tx.QueryRow(ctx, `select pg_try_advisory_xact_lock($1)`, staleSweepLockKey).Scan(&locked); err != nil {
			return err
		}
		if !locked {
			return nil
		}

		var q string
		switch policy {
		case StaleFail:
			q = `update jobs
    set status = 'FAILED', next_retry_at = null, error = $2, updated_at = $3
  where status = 'PROCESSING' and started_at < $1`
		default:
			q = `update jobs
    set status = 'PENDING', started_at = null, error = $2, updated_at = $3
  where status = 'PROCESSING' and started_at < $1`
		}
		tag, err := tx.Exec(ctx, q, olderThan.UTC(), staleErrorMessage, now.UTC())
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "recover stale jobs")
	}
	return n, nil
}

func (s *Postgres) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	rows, err := s.db.Query(ctx, `select status, count(*) from jobs group by status`)
	if err != nil {
		return nil, errors.Wrap(err, "count jobs")
	}
	defer rows.Close()
	out := make(map[domain.Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "scan job count")
		}
		out[domain.Status(status)] = n
	}
	return out, errors.Wrap(rows.Err(), "iterate job counts")
}

func (s *Postgres) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *Postgres) Close() error {
	s.db.Close()
	return nil
}

func scanPostgresJob(scan func(dest ...any) error) (domain.Job, int64, error) {
	var (
		j        domain.Job
		priority int
		status   string
		payload  []byte
		seq      int64
	)
	err := scan(
		&j.ID, &j.Topic, &payload, &priority, &status, &j.Attempts, &j.MaxAttempts,
		&j.NextRetryAt, &j.Error, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt, &seq,
	)
	if err != nil {
		return domain.Job{}, 0, err
	}
	j.Payload = payload
	j.Priority = domain.Priority(priority)
	j.Status = domain.Status(status)
	return j, seq, nil
}

type claimedJob struct {
	job domain.Job
	seq int64
}

// sortClaimed restores claim order, which RETURNING does not guarantee.
func sortClaimed(c []claimedJob) []domain.Job {
	sort.SliceStable(c, func(a, b int) bool {
		if c[a].job.Priority != c[b].job.Priority {
			return c[a].job.Priority > c[b].job.Priority
		}
		if !c[a].job.CreatedAt.Equal(c[b].job.CreatedAt) {
			return c[a].job.CreatedAt.Before(c[b].job.CreatedAt)
		}
		return c[a].seq < c[b].seq
	})
	out := make([]domain.Job, len(c))
	for i := range c {
		out[i] = c[i].job
	}
	return out
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = prefix + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
