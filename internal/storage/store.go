// Package storage persists queue jobs. The store is the single arbiter of
// which worker owns a job: ClaimJobs moves rows to PROCESSING inside one
// transaction so that concurrent claimers never receive the same row.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/flowgate/internal/domain"
)

var (
	ErrNotFound      = errors.New("job not found")
	ErrInvalidParams = errors.New("invalid job params")
	// ErrNotProcessing is returned when a job left PROCESSING before its
	// outcome was recorded, typically because a stale sweep recovered it.
	ErrNotProcessing = errors.New("job is not processing")
)

// StalePolicy decides what happens to jobs stuck in PROCESSING.
type StalePolicy string

const (
	// StaleRequeue returns stale jobs to PENDING without counting an attempt.
	StaleRequeue StalePolicy = "requeue"
	// StaleFail marks stale jobs terminally FAILED for manual review.
	StaleFail StalePolicy = "fail"
)

func ParseStalePolicy(s string) (StalePolicy, error) {
	switch StalePolicy(s) {
	case StaleRequeue, StaleFail:
		return StalePolicy(s), nil
	}
	return "", fmt.Errorf("unknown stale policy %q", s)
}

const staleErrorMessage = "recovered from stale PROCESSING state"

type Store interface {
	InsertJob(ctx context.Context, p InsertJobParams) (domain.Job, error)
	GetJob(ctx context.Context, id string) (domain.Job, error)
	ClaimJobs(ctx context.Context, p ClaimParams) ([]domain.Job, error)
	CompleteJob(ctx context.Context, id string, now time.Time) error
	// FailJob records a failed attempt. A nil retryAt makes the failure terminal.
	FailJob(ctx context.Context, id string, errMsg string, now time.Time, retryAt *time.Time) error
	// ReleaseJob puts a claimed job back to PENDING without counting an attempt.
	ReleaseJob(ctx context.Context, id string, reason string, now time.Time) error
	RecoverStale(ctx context.Context, olderThan time.Time, policy StalePolicy, now time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[domain.Status]int64, error)
	Ping(ctx context.Context) error
	Close() error
}

type InsertJobParams struct {
	ID          string
	Topic       string
	Payload     json.RawMessage
	Priority    domain.Priority
	MaxAttempts int
	CreatedAt   time.Time
}

func (p InsertJobParams) validate() error {
	if p.ID == "" {
		return errors.Wrap(ErrInvalidParams, "id is required")
	}
	if p.Topic == "" {
		return errors.Wrap(ErrInvalidParams, "topic is required")
	}
	if !p.Priority.Valid() {
		return errors.Wrapf(ErrInvalidParams, "priority %d out of range", int(p.Priority))
	}
	if p.MaxAttempts <= 0 {
		return errors.Wrap(ErrInvalidParams, "max attempts must be positive")
	}
	if p.CreatedAt.IsZero() {
		return errors.Wrap(ErrInvalidParams, "created at is required")
	}
	return nil
}

func (p InsertJobParams) payload() []byte {
	if len(p.Payload) == 0 {
		return []byte("null")
	}
	return p.Payload
}

type ClaimParams struct {
	// Topics limits the claim to topics this worker can handle.
	Topics []string
	Limit  int
	Now    time.Time
}

func (p ClaimParams) validate() error {
	if p.Limit <= 0 {
		return errors.Wrap(ErrInvalidParams, "claim limit must be positive")
	}
	if p.Now.IsZero() {
		return errors.Wrap(ErrInvalidParams, "claim time is required")
	}
	return nil
}
