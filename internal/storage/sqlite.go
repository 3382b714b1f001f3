package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/SirClappington/flowgate/internal/domain"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

const sqliteJobColumns = `id, topic, payload, priority, status, attempts, max_attempts,
next_retry_at, error, created_at, started_at, completed_at, updated_at, seq`

// SQLite is an embedded single-node job store. All statements go through one
// connection, and every claim is a single UPDATE ... RETURNING executed under
// the database write lock, so two claimers never receive the same row even
// when several processes share the file.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + filepath.Clean(path)
	}
	dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite db")
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite db")
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply sqlite schema")
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) InsertJob(ctx context.Context, p InsertJobParams) (domain.Job, error) {
	if err := p.validate(); err != nil {
		return domain.Job{}, err
	}
	created := p.CreatedAt.UTC().UnixNano()
	row := s.db.QueryRowContext(ctx, `
INSERT INTO jobs (id, topic, payload, priority, status, attempts, max_attempts, created_at, updated_at)
VALUES (?, ?, ?, ?, 'PENDING', 0, ?, ?, ?)
RETURNING `+sqliteJobColumns,
		p.ID, p.Topic, p.payload(), int(p.Priority), p.MaxAttempts, created, created,
	)
	j, _, err := scanSQLiteJob(row.Scan)
	if err != nil {
		return domain.Job{}, errors.Wrap(err, "insert job")
	}
	return j, nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, id)
	j, _, err := scanSQLiteJob(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, ErrNotFound
		}
		return domain.Job{}, errors.Wrap(err, "get job")
	}
	return j, nil
}

func (s *SQLite) ClaimJobs(ctx context.Context, p ClaimParams) ([]domain.Job, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if len(p.Topics) == 0 {
		return nil, nil
	}
	now := p.Now.UTC().UnixNano()

	args := []any{now, now}
	for _, t := range p.Topics {
		args = append(args, t)
	}
	args = append(args, now, p.Limit)

	rows, err := s.db.QueryContext(ctx, `
UPDATE jobs
   SET status = 'PROCESSING', started_at = ?, updated_at = ?
 WHERE id IN (
	SELECT id FROM jobs
	 WHERE topic IN (`+placeholders(len(p.Topics))+`)
	   AND (status = 'PENDING' OR (status = 'FAILED' AND next_retry_at IS NOT NULL AND next_retry_at <= ?))
	 ORDER BY priority DESC, created_at ASC, seq ASC
	 LIMIT ?
)
RETURNING `+sqliteJobColumns, args...)
	if err != nil {
		return nil, errors.Wrap(err, "claim jobs")
	}
	defer rows.Close()

	var claimed []claimedJob
	for rows.Next() {
		j, seq, err := scanSQLiteJob(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "scan claimed job")
		}
		claimed = append(claimed, claimedJob{job: j, seq: seq})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate claimed jobs")
	}
	return sortClaimed(claimed), nil
}

func (s *SQLite) CompleteJob(ctx context.Context, id string, now time.Time) error {
	n := now.UTC().UnixNano()
	return s.execProcessing(ctx, "complete job", id, `
UPDATE jobs
   SET status = 'COMPLETED', attempts = attempts + 1, completed_at = ?,
       next_retry_at = NULL, error = NULL, updated_at = ?
 WHERE id = ? AND status = 'PROCESSING'`, n, n, id)
}

func (s *SQLite) FailJob(ctx context.Context, id string, errMsg string, now time.Time, retryAt *time.Time) error {
	return s.execProcessing(ctx, "fail job", id, `
UPDATE jobs
   SET status = 'FAILED', attempts = attempts + 1, error = ?, next_retry_at = ?, updated_at = ?
 WHERE id = ? AND status = 'PROCESSING'`, errMsg, nanosPtr(retryAt), now.UTC().UnixNano(), id)
}

func (s *SQLite) ReleaseJob(ctx context.Context, id string, reason string, now time.Time) error {
	return s.execProcessing(ctx, "release job", id, `
UPDATE jobs
   SET status = 'PENDING', started_at = NULL, error = ?, updated_at = ?
 WHERE id = ? AND status = 'PROCESSING'`, reason, now.UTC().UnixNano(), id)
}

func (s *SQLite) execProcessing(ctx context.Context, op, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, op)
	}
	if n == 0 {
		return errors.Wrapf(ErrNotProcessing, "%s %s", op, id)
	}
	return nil
}

func (s *SQLite) RecoverStale(ctx context.Context, olderThan time.Time, policy StalePolicy, now time.Time) (int64, error) {
	q := `
UPDATE jobs SET status = 'PENDING', started_at = NULL, error = ?, updated_at = ?
 WHERE status = 'PROCESSING' AND started_at < ?`
	if policy == StaleFail {
		q = `
UPDATE jobs SET status = 'FAILED', next_retry_at = NULL, error = ?, updated_at = ?
 WHERE status = 'PROCESSING' AND started_at < ?`
	}
	res, err := s.db.ExecContext(ctx, q, staleErrorMessage, now.UTC().UnixNano(), olderThan.UTC().UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, "recover stale jobs")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "recover stale jobs")
}

func (s *SQLite) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
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

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) Close() error { return s.db.Close() }

func scanSQLiteJob(scan func(dest ...any) error) (domain.Job, int64, error) {
	var (
		j                             domain.Job
		priority                      int
		status                        string
		payload                       []byte
		errMsg                        sql.NullString
		created, updated              int64
		nextRetry, started, completed sql.NullInt64
		seq                           int64
	)
	err := scan(
		&j.ID, &j.Topic, &payload, &priority, &status, &j.Attempts, &j.MaxAttempts,
		&nextRetry, &errMsg, &created, &started, &completed, &updated, &seq,
	)
	if err != nil {
		return domain.Job{}, 0, err
	}
	j.Payload = payload
	j.Priority = domain.Priority(priority)
	j.Status = domain.Status(status)
	j.CreatedAt = time.Unix(0, created).UTC()
	j.UpdatedAt = time.Unix(0, updated).UTC()
	j.NextRetryAt = fromNanos(nextRetry)
	j.StartedAt = fromNanos(started)
	j.CompletedAt = fromNanos(completed)
	if errMsg.Valid {
		j.Error = &errMsg.String
	}
	return j, seq, nil
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func nanosPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
