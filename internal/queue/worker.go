package queue

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/flowgate/internal/domain"
	"github.com/SirClappington/flowgate/internal/storage"
)

// Start sweeps stale jobs once and then runs the poll loop until Shutdown.
func (q *Queue) Start(ctx context.Context) error {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.cancel != nil {
		return ErrAlreadyStarted
	}

	if _, err := q.Sweep(ctx); err != nil {
		q.logger.Warn("initial stale sweep failed", zap.Error(err))
	}

	loopCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.loopDone = make(chan struct{})

	if q.notifier != nil {
		go func() {
			if err := q.notifier.Listen(loopCtx, q.Wake); err != nil && loopCtx.Err() == nil {
				q.logger.Warn("wakeup listener stopped", zap.Error(err))
			}
		}()
	}
	go q.run(loopCtx, q.loopDone)

	q.logger.Info("queue started",
		zap.Duration("poll_interval", q.cfg.PollInterval),
		zap.Int("batch_size", q.cfg.BatchSize),
		zap.Strings("topics", q.topics()),
	)
	return nil
}

func (q *Queue) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	var sweep <-chan time.Time
	if q.cfg.StaleSweepInterval > 0 {
		st := time.NewTicker(q.cfg.StaleSweepInterval)
		defer st.Stop()
		sweep = st.C
	}

	for {
		// Claims run on baseCtx so a shutdown never interrupts a claim
		// transaction halfway through.
		if _, err := q.PollOnce(q.baseCtx); err != nil {
			q.metrics.pollFailed()
			q.logger.Error("poll failed, retrying on next tick", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.wakeup:
		case <-sweep:
			if _, err := q.Sweep(q.baseCtx); err != nil {
				q.logger.Warn("stale sweep failed", zap.Error(err))
			}
		}
	}
}

// PollOnce claims up to BatchSize due jobs and dispatches them. It returns
// the number of jobs handed to handlers. Overlapping calls return immediately.
func (q *Queue) PollOnce(ctx context.Context) (int, error) {
	if !q.polling.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer q.polling.Store(false)

	topics := q.topics()
	if len(topics) == 0 {
		return 0, nil
	}

	jobs, err := q.store.ClaimJobs(ctx, storage.ClaimParams{
		Topics: topics,
		Limit:  q.cfg.BatchSize,
		Now:    q.now(),
	})
	if err != nil {
		return 0, fmt.Errorf("claim jobs: %w", err)
	}

	var dispatched int
	for _, job := range jobs {
		q.emit(Event{Type: EventClaimed, Job: job, At: derefTime(job.StartedAt)})

		if !q.markActive(job.ID) {
			q.logger.Warn("claimed job is already running in this process", zap.String("job_id", job.ID))
			continue
		}
		h := q.handler(job.Topic)
		if h == nil {
			q.release(job)
			q.clearActive(job.ID)
			continue
		}

		q.inflight.Add(1)
		q.running.Add(1)
		q.metrics.inFlight(1)
		go q.dispatch(job, h)
		dispatched++
	}
	return dispatched, nil
}

// release returns a job whose topic lost its handler between claim and dispatch.
func (q *Queue) release(job domain.Job) {
	reason := fmt.Sprintf("no handler registered for topic %q", job.Topic)
	now := q.now()
	if err := q.store.ReleaseJob(q.baseCtx, job.ID, reason, now); err != nil {
		q.logger.Error("release job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	q.metrics.processed(job.Topic, outcomeReleased)
	q.logger.Warn("job released", zap.String("job_id", job.ID), zap.String("topic", job.Topic))

	job.Status = domain.Pending
	job.StartedAt = nil
	job.Error = &reason
	q.emit(Event{Type: EventReleased, Job: job, At: now})
}

func (q *Queue) dispatch(job domain.Job, h Handler) {
	defer q.inflight.Done()
	defer q.running.Add(-1)
	defer q.metrics.inFlight(-1)
	defer q.clearActive(job.ID)

	start := time.Now()
	herr := q.invoke(job, h)
	q.metrics.handled(job.Topic, time.Since(start))

	if herr == nil {
		q.complete(job)
		return
	}
	q.fail(job, herr)
}

func (q *Queue) invoke(job domain.Job, h Handler) (err error) {
	defer func() {
		if p := recover(); p != nil {
			const logStackSize = 8192
			stack := make([]byte, logStackSize)
			stack = stack[:runtime.Stack(stack, false)]
			q.logger.Error("handler panic",
				zap.String("job_id", job.ID),
				zap.Any("panic", p),
				zap.ByteString("stack", stack),
			)
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(q.baseCtx, job)
}

func (q *Queue) complete(job domain.Job) {
	now := q.now()
	if err := q.store.CompleteJob(q.baseCtx, job.ID, now); err != nil {
		q.logger.Error("record job completion failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	q.metrics.processed(job.Topic, outcomeCompleted)
	q.logger.Debug("job completed", zap.String("job_id", job.ID), zap.String("topic", job.Topic))

	job.Status = domain.Completed
	job.Attempts++
	job.CompletedAt = &now
	job.NextRetryAt = nil
	job.Error = nil
	q.emit(Event{Type: EventCompleted, Job: job, At: now})
}

func (q *Queue) fail(job domain.Job, herr error) {
	now := q.now()
	attempts := job.Attempts + 1

	var retryAt *time.Time
	if attempts < job.MaxAttempts && !IsPermanent(herr) {
		t := now.Add(q.retryDelay(attempts))
		retryAt = &t
	}

	msg := herr.Error()
	if err := q.store.FailJob(q.baseCtx, job.ID, msg, now, retryAt); err != nil {
		q.logger.Error("record job failure failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	job.Status = domain.Failed
	job.Attempts = attempts
	job.NextRetryAt = retryAt
	job.Error = &msg

	if retryAt != nil {
		q.metrics.processed(job.Topic, outcomeRetry)
		q.logger.Warn("job failed, retry scheduled",
			zap.String("job_id", job.ID),
			zap.String("topic", job.Topic),
			zap.Int("attempts", attempts),
			zap.Time("next_retry_at", *retryAt),
			zap.Error(herr),
		)
		q.emit(Event{Type: EventRetryScheduled, Job: job, At: now, Err: herr, RetryAt: retryAt})
		return
	}

	q.metrics.processed(job.Topic, outcomeFailed)
	q.logger.Error("job failed permanently",
		zap.String("job_id", job.ID),
		zap.String("topic", job.Topic),
		zap.Int("attempts", attempts),
		zap.Error(herr),
	)
	q.emit(Event{Type: EventFailed, Job: job, At: now, Err: herr})
}

// Sweep reclaims jobs stuck in PROCESSING longer than StaleAfter according to StalePolicy.
func (q *Queue) Sweep(ctx context.Context) (int64, error) {
	now := q.now()
	n, err := q.store.RecoverStale(ctx, now.Add(-q.cfg.StaleAfter), q.cfg.StalePolicy, now)
	if err != nil {
		return 0, fmt.Errorf("sweep stale jobs: %w", err)
	}
	if n > 0 {
		q.metrics.recovered(n)
		q.logger.Warn("recovered stale jobs",
			zap.Int64("count", n),
			zap.String("policy", string(q.cfg.StalePolicy)),
		)
		q.emit(Event{Type: EventRecovered, At: now, Count: n})
	}
	return n, nil
}

// Shutdown stops polling and waits up to ShutdownTimeout (or until ctx is
// done) for dispatched jobs. Handlers are never canceled.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.runMu.Lock()
	cancel, done := q.cancel, q.loopDone
	q.cancel, q.loopDone = nil, nil
	q.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	if q.running.Load() == 0 {
		q.logger.Info("queue stopped")
		return nil
	}

	waited := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(waited)
	}()

	timer := time.NewTimer(q.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-waited:
	case <-timer.C:
	case <-ctx.Done():
	}
	if n := q.running.Load(); n > 0 {
		q.logger.Warn("shutdown wait budget exceeded, jobs still in flight", zap.Int64("in_flight", n))
		return ErrShutdownTimeout
	}
	q.logger.Info("queue stopped")
	return nil
}

func (q *Queue) markActive(id string) bool {
	q.activeMu.Lock()
	defer q.activeMu.Unlock()
	if _, ok := q.active[id]; ok {
		return false
	}
	q.active[id] = struct{}{}
	return true
}

func (q *Queue) clearActive(id string) {
	q.activeMu.Lock()
	delete(q.active, id)
	q.activeMu.Unlock()
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
