package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type QueueOptions struct {
	// LeaseTimeout is how long a dequeued job stays invisible before it is
	// handed out again. It must outlive the longest simulator run.
	LeaseTimeout time.Duration
	// PollInterval bounds how long a blocked Dequeue waits before looking
	// at the database again for jobs added or released by other processes.
	PollInterval time.Duration
}

func DefaultQueueOptions() QueueOptions {
	return QueueOptions{
		LeaseTimeout: 6 * time.Hour,
		PollInterval: 2 * time.Second,
	}
}

// Queue is a durable, at-least-once work queue of input paths. It is safe for
// concurrent use by goroutines and by several processes sharing one Store.
type Queue struct {
	db   *sql.DB
	opts QueueOptions
	now  func() time.Time

	mu       sync.Mutex
	wake     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

func NewQueue(store *Store, opts QueueOptions) *Queue {
	def := DefaultQueueOptions()
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = def.LeaseTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	return &Queue{
		db:      store.db,
		opts:    opts,
		now:     time.Now,
		wake:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (q *Queue) Enqueue(ctx context.Context, path string) error {
	if path == "" {
		return fmt.Errorf("failed to enqueue job: empty path")
	}
	now := q.now().UTC().Format(time.RFC3339)
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO jobs (path, state, attempts, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(path) DO NOTHING`,
		path, string(StatePending), now, now)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		q.broadcast()
	}
	return nil
}

// Size is the number of jobs waiting to be dequeued.
func (q *Queue) Size(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs WHERE state = ?", string(StatePending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return n, nil
}

// Outstanding is the number of jobs that are pending or leased.
func (q *Queue) Outstanding(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs WHERE state IN (?, ?)",
		string(StatePending), string(StateLeased)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count outstanding jobs: %w", err)
	}
	return n, nil
}

// Dequeue leases the oldest pending job, blocking until one is available,
// ctx is done, or the queue is stopped.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Lease, error) {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		// Taken before the claim so a wakeup between claim and select is not lost.
		wake := q.Changed()
		select {
		case <-q.stopped:
			return nil, ErrQueueStopped
		default:
		}

		lease, err := q.TryDequeue(ctx, workerID)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			return lease, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.stopped:
			return nil, ErrQueueStopped
		case <-wake:
		case <-ticker.C:
		}
	}
}

// TryDequeue is Dequeue without waiting: it returns nil, nil when nothing is pending.
func (q *Queue) TryDequeue(ctx context.Context, workerID string) (*Lease, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer tx.Rollback()

	now := q.now()
	if _, err := q.reclaimExpired(ctx, tx, now); err != nil {
		return nil, err
	}

	var path string
	var attempts int
	err = tx.QueryRowContext(ctx, `
		SELECT path, attempts FROM jobs
		WHERE state = ?
		ORDER BY seq
		LIMIT 1`, string(StatePending)).Scan(&path, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select pending job: %w", err)
	}

	lease := &Lease{
		Path:      path,
		Token:     uuid.NewString(),
		WorkerID:  workerID,
		Attempt:   attempts + 1,
		ExpiresAt: now.Add(q.opts.LeaseTimeout),
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, attempts = attempts + 1, leased_by = ?, lease_token = ?,
			lease_expires_at = ?, updated_at = ?
		WHERE path = ?`,
		string(StateLeased), workerID, lease.Token, lease.ExpiresAt.UnixNano(),
		now.UTC().Format(time.RFC3339), path)
	if err != nil {
		return nil, fmt.Errorf("failed to lease job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lease: %w", err)
	}
	return lease, nil
}

// Ack marks the leased job completed. It only succeeds while lease is still
// the job's current lease: once the lease expired and the job went back to
// pending or to another worker, Ack returns ErrLeaseLost and changes nothing.
// Acking a job that is already completed is a no-op.
func (q *Queue) Ack(ctx context.Context, lease *Lease) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, leased_by = NULL, lease_token = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE path = ? AND state = ? AND lease_token = ?`,
		string(StateCompleted), q.now().UTC().Format(time.RFC3339),
		lease.Path, string(StateLeased), lease.Token)
	if err != nil {
		return fmt.Errorf("failed to acknowledge job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to acknowledge job: %w", err)
	}
	if n == 0 {
		return q.leaseMiss(ctx, lease, true)
	}
	q.broadcast()
	return nil
}

// Requeue hands a leased job back for another attempt. Like Ack it only
// acts on the caller's own lease.
func (q *Queue) Requeue(ctx context.Context, lease *Lease, reason string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, leased_by = NULL, lease_token = NULL, lease_expires_at = NULL,
			last_error = ?, updated_at = ?
		WHERE path = ? AND state = ? AND lease_token = ?`,
		string(StatePending), reason, q.now().UTC().Format(time.RFC3339),
		lease.Path, string(StateLeased), lease.Token)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return q.leaseMiss(ctx, lease, false)
	}
	q.broadcast()
	return nil
}

// Renew pushes the lease's expiry one LeaseTimeout past now.
func (q *Queue) Renew(ctx context.Context, lease *Lease) error {
	now := q.now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = ?, updated_at = ?
		WHERE path = ? AND state = ? AND lease_token = ?`,
		now.Add(q.opts.LeaseTimeout).UnixNano(), now.UTC().Format(time.RFC3339),
		lease.Path, string(StateLeased), lease.Token)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return q.leaseMiss(ctx, lease, false)
	}
	return nil
}

// leaseMiss explains why an update guarded by lease matched no row.
func (q *Queue) leaseMiss(ctx context.Context, lease *Lease, completedOK bool) error {
	var state string
	err := q.db.QueryRowContext(ctx, "SELECT state FROM jobs WHERE path = ?", lease.Path).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, lease.Path)
	}
	if err != nil {
		return fmt.Errorf("failed to look up job: %w", err)
	}
	if completedOK && JobState(state) == StateCompleted {
		return nil
	}
	return fmt.Errorf("%w: %s is %s", ErrLeaseLost, lease.Path, state)
}

// SetLastError records msg on the job while lease is still current.
func (q *Queue) SetLastError(ctx context.Context, lease *Lease, msg string) error {
	_, err := q.db.ExecContext(ctx, "UPDATE jobs SET last_error = ? WHERE path = ? AND lease_token = ?",
		msg, lease.Path, lease.Token)
	if err != nil {
		return fmt.Errorf("failed to record job error: %w", err)
	}
	return nil
}

// ReclaimExpired returns jobs whose lease ran out to the pending state.
func (q *Queue) ReclaimExpired(ctx context.Context) (int, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin reclaim: %w", err)
	}
	defer tx.Rollback()
	n, err := q.reclaimExpired(ctx, tx, q.now())
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit reclaim: %w", err)
	}
	if n > 0 {
		q.broadcast()
	}
	return n, nil
}

func (q *Queue) reclaimExpired(ctx context.Context, tx *sql.Tx, now time.Time) (int, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, leased_by = NULL, lease_token = NULL, lease_expires_at = NULL,
			last_error = 'lease expired', updated_at = ?
		WHERE state = ? AND lease_expires_at <= ?`,
		string(StatePending), now.UTC().Format(time.RFC3339), string(StateLeased), now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim expired leases: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecoverLeased releases every leased job regardless of expiry. Only safe
// when no runner is alive.
func (q *Queue) RecoverLeased(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, leased_by = NULL, lease_token = NULL, lease_expires_at = NULL,
			last_error = 'recovered', updated_at = ?
		WHERE state = ?`,
		string(StatePending), q.now().UTC().Format(time.RFC3339), string(StateLeased))
	if err != nil {
		return 0, fmt.Errorf("failed to recover leased jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.broadcast()
	}
	return int(n), nil
}

func (q *Queue) PurgeCompleted(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, "DELETE FROM jobs WHERE state = ?", string(StateCompleted))
	if err != nil {
		return 0, fmt.Errorf("failed to purge completed jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (q *Queue) Counts(ctx context.Context) (map[JobState]int, error) {
	counts := make(map[JobState]int, len(validStates))
	for _, st := range validStates {
		counts[st] = 0
	}
	rows, err := q.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM jobs GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[JobState(state)] = n
	}
	return counts, rows.Err()
}

const jobColumns = `path, state, attempts, leased_by, lease_token, lease_expires_at, last_error, created_at, updated_at`

func (q *Queue) Get(ctx context.Context, path string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE path = ?", path)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// List returns jobs in queue order, all of them when state is empty.
func (q *Queue) List(ctx context.Context, state JobState) ([]*Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs"
	var args []any
	if state != "" {
		query += " WHERE state = ?"
		args = append(args, string(state))
	}
	query += " ORDER BY seq"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var job Job
	var state, createdAt, updatedAt string
	var leasedBy, token, lastErr sql.NullString
	var expires sql.NullInt64
	if err := r.Scan(&job.Path, &state, &job.Attempts, &leasedBy, &token, &expires, &lastErr, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	job.State = JobState(state)
	job.LeasedBy = leasedBy.String
	job.LeaseToken = token.String
	job.LastError = lastErr.String
	if expires.Valid {
		t := time.Unix(0, expires.Int64).UTC()
		job.LeaseExpiresAt = &t
	}
	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	job.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &job, nil
}

// Changed returns a channel closed at the next state change made through
// this Queue value.
func (q *Queue) Changed() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.wake
}

func (q *Queue) broadcast() {
	q.mu.Lock()
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()
}

// Stop wakes every blocked Dequeue with ErrQueueStopped. It does not close the Store.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopped)
	})
}

func (q *Queue) Stopped() <-chan struct{} { return q.stopped }
