package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/harbor_intake/internal/metrics"
)

// Postgres stores jobs in harborhook.delivery_jobs. Dequeue claims rows with
// FOR UPDATE SKIP LOCKED; transitions lock the single job row.
type Postgres struct {
	pool   *pgxpool.Pool
	opts   Options
	closed atomic.Bool
}

var _ Queue = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool, opts Options) *Postgres {
	return &Postgres{pool: pool, opts: opts.withDefaults()}
}

func (q *Postgres) Enqueue(ctx context.Context, jobID string, payload json.RawMessage) (Admission, error) {
	if q.closed.Load() {
		return 0, ErrClosed
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	now := q.opts.Now()
	ct, err := q.pool.Exec(ctx, `
		INSERT INTO harborhook.delivery_jobs(id, payload, state, attempts, max_attempts, enqueued_at, run_at, updated_at)
		VALUES ($1, $2::json, 'waiting', 0, $3, $4, $4, $4)
		ON CONFLICT (id) DO NOTHING`,
		jobID, string(payload), q.opts.MaxAttempts, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return AlreadyAdmitted, nil
	}
	_ = q.opts.Notifier.Notify(ctx)
	return Accepted, nil
}

func (q *Postgres) DequeueNext(ctx context.Context, workerID string) (Job, error) {
	if q.closed.Load() {
		return Job{}, ErrClosed
	}
	now := q.opts.Now()
	token := uuid.NewString()
	leaseUntil := now.Add(q.opts.LeaseDuration)

	if err := q.failStalled(ctx, now); err != nil {
		return Job{}, err
	}

	var stalled bool
	row := q.pool.QueryRow(ctx, `
		WITH next AS (
			SELECT id, state = 'active' AS stalled
			FROM harborhook.delivery_jobs
			WHERE (state IN ('waiting', 'delayed') AND run_at <= $1)
			   OR (state = 'active' AND lease_until <= $1)
			ORDER BY enqueued_at ASC, seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE harborhook.delivery_jobs AS j
		SET state = 'active',
		    stalls = j.stalls + CASE WHEN next.stalled THEN 1 ELSE 0 END,
		    lease_token = $2,
		    lease_owner = $3,
		    lease_until = $4,
		    updated_at = $1
		FROM next
		WHERE j.id = next.id
		RETURNING `+jobColumns+`, next.stalled`,
		now, token, workerID, leaseUntil,
	)
	job, err := scanJob(row, &stalled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrEmpty
		}
		return Job{}, fmt.Errorf("claim job: %w", err)
	}
	if stalled {
		metrics.RecordStalled("released", 1)
	}
	job.Attempt = job.Attempts + 1
	return job, nil
}

// failStalled fails expired leases that already used up MaxStalls, so the
// claim below never re-leases them.
func (q *Postgres) failStalled(ctx context.Context, now time.Time) error {
	if q.opts.MaxStalls < 0 {
		return nil
	}
	ct, err := q.pool.Exec(ctx, `
		WITH stalled AS (
			SELECT id
			FROM harborhook.delivery_jobs
			WHERE state = 'active' AND lease_until <= $1 AND stalls >= $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE harborhook.delivery_jobs AS j
		SET state = 'failed',
		    stalls = j.stalls + 1,
		    last_error = 'lease expired ' || (j.stalls + 1) || ' times without a result',
		    finished_at = $1,
		    lease_token = NULL,
		    lease_owner = NULL,
		    lease_until = NULL,
		    updated_at = $1
		FROM stalled
		WHERE j.id = stalled.id`,
		now, q.opts.MaxStalls,
	)
	if err != nil {
		return fmt.Errorf("fail stalled jobs: %w", err)
	}
	metrics.RecordStalled("failed", int(ct.RowsAffected()))
	return nil
}

func (q *Postgres) Complete(ctx context.Context, jobID, leaseToken string) (Transition, error) {
	return q.transition(ctx, jobID, leaseToken, func(r *jobRow, now time.Time) {
		r.state = StateCompleted
		r.finishedAt = &now
	})
}

func (q *Postgres) Fail(ctx context.Context, jobID, leaseToken string, cause error) (Transition, error) {
	return q.transition(ctx, jobID, leaseToken, func(r *jobRow, now time.Time) {
		r.attempts++
		msg := causeText(cause)
		r.lastError = &msg
		if r.attempts >= r.maxAttempts {
			r.state = StateFailed
			r.finishedAt = &now
			return
		}
		r.state = StateDelayed
		r.runAt = now.Add(Backoff(q.opts.BaseDelay, q.opts.MaxDelay, r.attempts))
	})
}

func (q *Postgres) Release(ctx context.Context, jobID, leaseToken string) (Transition, error) {
	t, err := q.transition(ctx, jobID, leaseToken, func(r *jobRow, now time.Time) {
		r.state = StateWaiting
		r.runAt = now
	})
	if err == nil && t.Applied {
		_ = q.opts.Notifier.Notify(ctx)
	}
	return t, err
}

type jobRow struct {
	state       State
	leaseToken  *string
	attempts    int
	maxAttempts int
	runAt       time.Time
	lastError   *string
	finishedAt  *time.Time
}

func (q *Postgres) transition(ctx context.Context, jobID, leaseToken string, apply func(*jobRow, time.Time)) (Transition, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return Transition{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		r     jobRow
		state string
	)
	err = tx.QueryRow(ctx, `
		SELECT state, lease_token, attempts, max_attempts, run_at, last_error, finished_at
		FROM harborhook.delivery_jobs
		WHERE id = $1
		FOR UPDATE`, jobID,
	).Scan(&state, &r.leaseToken, &r.attempts, &r.maxAttempts, &r.runAt, &r.lastError, &r.finishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transition{}, ErrNotFound
		}
		return Transition{}, fmt.Errorf("lock job: %w", err)
	}
	r.state = State(state)

	t := Transition{JobID: jobID, From: r.state, To: r.state, Attempts: r.attempts, RunAt: r.runAt}
	if r.state.Terminal() {
		return t, nil
	}
	if r.state != StateActive || r.leaseToken == nil || *r.leaseToken != leaseToken {
		return t, ErrLeaseLost
	}

	now := q.opts.Now()
	apply(&r, now)
	_, err = tx.Exec(ctx, `
		UPDATE harborhook.delivery_jobs
		SET state = $2,
		    attempts = $3,
		    run_at = $4,
		    last_error = $5,
		    finished_at = $6,
		    lease_token = NULL,
		    lease_owner = NULL,
		    lease_until = NULL,
		    updated_at = $7
		WHERE id = $1`,
		jobID, string(r.state), r.attempts, r.runAt, r.lastError, r.finishedAt, now,
	)
	if err != nil {
		return Transition{}, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Transition{}, fmt.Errorf("commit: %w", err)
	}

	t.To = r.state
	t.Applied = true
	t.Attempts = r.attempts
	t.RunAt = r.runAt
	return t, nil
}

func (q *Postgres) GetJob(ctx context.Context, jobID string) (Job, error) {
	job, err := scanJob(q.pool.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM harborhook.delivery_jobs AS j
		WHERE j.id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

func (q *Postgres) Counts(ctx context.Context) (Counts, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT state, count(*)
		FROM harborhook.delivery_jobs
		GROUP BY state`)
	if err != nil {
		return Counts{}, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return Counts{}, err
		}
		switch State(state) {
		case StateWaiting:
			c.Waiting = n
		case StateDelayed:
			c.Delayed = n
		case StateActive:
			c.Active = n
		case StateCompleted:
			c.Completed = n
		case StateFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

func (q *Postgres) GetWaitingCount(ctx context.Context) (int, error) {
	var n int
	err := q.pool.QueryRow(ctx, `
		SELECT count(*) FROM harborhook.delivery_jobs WHERE state = 'waiting'`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count waiting: %w", err)
	}
	return n, nil
}

// Reap deletes terminal jobs that are outside both the newest-N window for
// their state and the retention age.
func (q *Postgres) Reap(ctx context.Context) (int, error) {
	now := q.opts.Now()
	cutoff := now
	if q.opts.RetentionAge > 0 {
		cutoff = now.Add(-q.opts.RetentionAge)
	}
	ct, err := q.pool.Exec(ctx, `
		WITH ranked AS (
			SELECT id, state, finished_at,
			       row_number() OVER (PARTITION BY state ORDER BY finished_at DESC) AS rn
			FROM harborhook.delivery_jobs
			WHERE state IN ('completed', 'failed')
		)
		DELETE FROM harborhook.delivery_jobs AS j
		USING ranked AS r
		WHERE j.id = r.id
		  AND ((r.state = 'completed' AND r.rn > $1) OR (r.state = 'failed' AND r.rn > $2))
		  AND r.finished_at <= $3`,
		q.opts.KeepCompleted, q.opts.KeepFailed, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("reap jobs: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

func (q *Postgres) Ready() <-chan struct{} {
	return q.opts.Notifier.Ready()
}

// Close stops admission and dequeue. The pool is owned by the caller.
func (q *Postgres) Close() error {
	q.closed.Store(true)
	return nil
}

const jobColumns = `j.id, j.payload::text, j.state, j.attempts, j.max_attempts, j.enqueued_at,
	j.run_at, j.lease_token, j.lease_owner, j.lease_until, j.last_error, j.finished_at, j.stalls`

// scanJob reads jobColumns followed by any extra returned columns.
func scanJob(row pgx.Row, extra ...any) (Job, error) {
	var (
		j          Job
		payload    string
		state      string
		token      *string
		owner      *string
		leaseUntil *time.Time
		lastErr    *string
		finished   *time.Time
	)
	dest := append([]any{&j.ID, &payload, &state, &j.Attempts, &j.MaxAttempts, &j.EnqueuedAt,
		&j.RunAt, &token, &owner, &leaseUntil, &lastErr, &finished, &j.Stalls}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Job{}, err
	}
	j.Payload = json.RawMessage(payload)
	j.State = State(state)
	if token != nil {
		j.LeaseToken = *token
	}
	if owner != nil {
		j.LeaseOwner = *owner
	}
	if leaseUntil != nil {
		j.LeaseUntil = *leaseUntil
	}
	if lastErr != nil {
		j.LastError = *lastErr
	}
	if finished != nil {
		j.FinishedAt = *finished
	}
	return j, nil
}
