// Package jobs is a durable background job queue backed by SQLite. Jobs
// are serialized as (method, args) pairs, claimed by a worker pool, and
// retried with exponential backoff until a cap, after which they move
// to a dead state with their error chain retained. Recurring entries
// fire on a cron schedule.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/orgguard/orgguard/internal/metrics"
)

// JobState is the lifecycle state of a queued job.
type JobState string

const (
	StatePending JobState = "pending"
	StateRunning JobState = "running"
	StateDone    JobState = "done"
	StateDead    JobState = "dead"
)

const (
	defaultMaxAttempts = 10
	defaultJobTimeout  = 15 * time.Minute
	pollInterval       = time.Second

	retryBaseDelay = 30 * time.Second
	retryMaxDelay  = 10 * time.Minute
)

// HandlerFunc executes one job. The args are the JSON the job was
// enqueued with.
type HandlerFunc func(ctx context.Context, args json.RawMessage) error

// Job is one row in the queue.
type Job struct {
	ID        string    `json:"id"`
	Method    string    `json:"method"`
	Args      string    `json:"args"`
	State     JobState  `json:"state"`
	Attempts  int       `json:"attempts"`
	RunAt     time.Time `json:"runAt"`
	LastError string    `json:"lastError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Queue is the job queue. Register every handler before Start.
type Queue struct {
	db       *sql.DB
	workers  int
	timeout  time.Duration
	handlers map[string]HandlerFunc

	cron *cron.Cron
	wake chan struct{}
	wg   sync.WaitGroup

	mu sync.Mutex // serializes claim/update statements
}

// NewQueue creates the queue on the shared database handle and resets
// jobs left running by a previous process back to pending.
func NewQueue(db *sql.DB, workers int) (*Queue, error) {
	if workers < 1 {
		workers = 1
	}
	q := &Queue{
		db:       db,
		workers:  workers,
		timeout:  defaultJobTimeout,
		handlers: make(map[string]HandlerFunc),
		cron:     cron.New(cron.WithLocation(time.UTC)),
		wake:     make(chan struct{}, 1),
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	if err := q.rehydrate(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		method TEXT NOT NULL,
		args TEXT NOT NULL DEFAULT '{}',
		state TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 10,
		run_at DATETIME NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_state_run_at ON jobs(state, run_at);
	`
	if _, err := q.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize job schema: %w", err)
	}
	return nil
}

// rehydrate returns interrupted jobs to the pending state so a restart
// picks them up again.
func (q *Queue) rehydrate() error {
	res, err := q.db.Exec(
		`UPDATE jobs SET state = ?, updated_at = ? WHERE state = ?`,
		string(StatePending), time.Now().UTC(), string(StateRunning))
	if err != nil {
		return fmt.Errorf("rehydrate running jobs: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Info().Int64("jobs", n).Msg("Requeued jobs interrupted by previous shutdown")
	}
	return nil
}

// Register binds a method name to its handler. Call before Start.
func (q *Queue) Register(method string, fn HandlerFunc) {
	q.handlers[method] = fn
}

// Enqueue persists a job for background execution and wakes a worker.
func (q *Queue) Enqueue(ctx context.Context, method string, args any) (string, error) {
	if _, ok := q.handlers[method]; !ok {
		return "", fmt.Errorf("enqueue %q: no handler registered", method)
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode args for %q: %w", method, err)
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	q.mu.Lock()
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, method, args, state, attempts, max_attempts, run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
	`, id, method, string(encoded), string(StatePending), defaultMaxAttempts, now, now, now)
	q.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("enqueue %q: %w", method, err)
	}

	q.updateQueuedGauge()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	log.Debug().Str("job_id", id).Str("method", method).Msg("Job enqueued")
	return id, nil
}

// Recurring registers a cron entry that enqueues the job on each
// firing. A firing is skipped while an earlier instance of the same
// method is still pending or running.
func (q *Queue) Recurring(id, method string, args any, cronExpr string) error {
	if _, ok := q.handlers[method]; !ok {
		return fmt.Errorf("recurring %q: no handler registered for %q", id, method)
	}
	_, err := q.cron.AddFunc(cronExpr, func() {
		live, err := q.hasLiveJob(method)
		if err != nil {
			log.Error().Err(err).Str("recurring", id).Msg("Failed to check live jobs; skipping slot")
			return
		}
		if live {
			log.Warn().Str("recurring", id).Str("method", method).Msg("Previous run still live; skipping slot")
			return
		}
		if _, err := q.Enqueue(context.Background(), method, args); err != nil {
			log.Error().Err(err).Str("recurring", id).Msg("Failed to enqueue recurring job")
		}
	})
	if err != nil {
		return fmt.Errorf("register recurring %q (%s): %w", id, cronExpr, err)
	}
	log.Info().Str("recurring", id).Str("method", method).Str("cron", cronExpr).Msg("Registered recurring job")
	return nil
}

// CountLive reports how many jobs are pending or running across all
// methods. Unlike ListJobs it is not windowed, so drain loops can rely
// on it no matter how much history the jobs table holds.
func (q *Queue) CountLive() (int, error) {
	var n int
	err := q.db.QueryRow(
		`SELECT COUNT(*) FROM jobs WHERE state IN (?, ?)`,
		string(StatePending), string(StateRunning)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count live jobs: %w", err)
	}
	return n, nil
}

func (q *Queue) hasLiveJob(method string) (bool, error) {
	var n int
	err := q.db.QueryRow(
		`SELECT COUNT(*) FROM jobs WHERE method = ? AND state IN (?, ?)`,
		method, string(StatePending), string(StateRunning)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count live jobs for %q: %w", method, err)
	}
	return n > 0, nil
}

// Start launches the worker pool and the cron scheduler. Workers stop
// when ctx is cancelled; Wait blocks until they drain.
func (q *Queue) Start(ctx context.Context) {
	q.cron.Start()
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func(worker int) {
			defer q.wg.Done()
			q.workLoop(ctx, worker)
		}(i)
	}
	log.Info().Int("workers", q.workers).Msg("Job queue started")
}

// Wait blocks until every worker has exited and the cron scheduler has
// stopped.
func (q *Queue) Wait() {
	<-q.cron.Stop().Done()
	q.wg.Wait()
}

func (q *Queue) workLoop(ctx context.Context, worker int) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		job, err := q.claim()
		if err != nil {
			log.Error().Err(err).Int("worker", worker).Msg("Failed to claim job")
		} else if job != nil {
			q.execute(ctx, job)
			continue // drain without waiting for the next tick
		}

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// claim atomically moves the next due pending job to running.
func (q *Queue) claim() (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	var job Job
	var state string
	err := q.db.QueryRow(`
		SELECT job_id, method, args, state, attempts, run_at, last_error, created_at, updated_at
		FROM jobs
		WHERE state = ? AND run_at <= ?
		ORDER BY run_at
		LIMIT 1
	`, string(StatePending), now).Scan(&job.ID, &job.Method, &job.Args, &state,
		&job.Attempts, &job.RunAt, &job.LastError, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select due job: %w", err)
	}
	job.State = JobState(state)

	res, err := q.db.Exec(
		`UPDATE jobs SET state = ?, updated_at = ? WHERE job_id = ? AND state = ?`,
		string(StateRunning), now, job.ID, string(StatePending))
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Another worker claimed it between the select and the update.
		return nil, nil
	}
	job.State = StateRunning
	return &job, nil
}

func (q *Queue) execute(ctx context.Context, job *Job) {
	handler, ok := q.handlers[job.Method]
	if !ok {
		q.markDead(job, fmt.Errorf("no handler registered for %q", job.Method))
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	logger := log.With().Str("job_id", job.ID).Str("method", job.Method).Int("attempt", job.Attempts+1).Logger()
	logger.Debug().Msg("Job started")

	start := time.Now()
	err := runHandler(jobCtx, handler, json.RawMessage(job.Args))
	if err == nil {
		q.markDone(job)
		metrics.JobsProcessedTotal.WithLabelValues(job.Method, "done").Inc()
		logger.Info().Dur("duration", time.Since(start)).Msg("Job completed")
		return
	}

	job.Attempts++
	if job.Attempts >= defaultMaxAttempts {
		q.markDead(job, err)
		metrics.JobsProcessedTotal.WithLabelValues(job.Method, "dead").Inc()
		logger.Error().Err(err).Msg("Job exhausted retries; moved to dead state")
		return
	}

	delay := retryDelay(job.Attempts, rand.Float64())
	q.markRetry(job, err, time.Now().Add(delay))
	metrics.JobsProcessedTotal.WithLabelValues(job.Method, "retried").Inc()
	logger.Warn().Err(err).Dur("retry_in", delay).Msg("Job failed; scheduled retry")
}

// runHandler isolates handler panics so a bad job cannot take down a
// worker.
func runHandler(ctx context.Context, handler HandlerFunc, args json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return handler(ctx, args)
}

func retryDelay(attempt int, rng float64) time.Duration {
	delay := retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= retryMaxDelay {
			delay = retryMaxDelay
			break
		}
	}
	// Up to 20% jitter keeps retries from synchronizing.
	jitter := time.Duration(float64(delay) * 0.2 * rng)
	return delay + jitter
}

func (q *Queue) markDone(job *Job) {
	q.setState(job.ID, StateDone, job.Attempts, "", time.Time{})
}

func (q *Queue) markDead(job *Job, err error) {
	q.setState(job.ID, StateDead, job.Attempts, errorChain(err), time.Time{})
}

func (q *Queue) markRetry(job *Job, err error, runAt time.Time) {
	q.setState(job.ID, StatePending, job.Attempts, errorChain(err), runAt)
}

func (q *Queue) setState(jobID string, state JobState, attempts int, lastError string, runAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	if runAt.IsZero() {
		runAt = now
	}
	_, err := q.db.Exec(`
		UPDATE jobs SET state = ?, attempts = ?, last_error = ?, run_at = ?, updated_at = ?
		WHERE job_id = ?
	`, string(state), attempts, lastError, runAt.UTC(), now, jobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Str("state", string(state)).Msg("Failed to update job state")
	}
	q.updateQueuedGaugeLocked()
}

// errorChain renders the full wrapped error chain for the audit trail.
func errorChain(err error) string {
	if err == nil {
		return ""
	}
	chain := err.Error()
	for unwrapped := errors.Unwrap(err); unwrapped != nil; unwrapped = errors.Unwrap(unwrapped) {
		chain += " <- " + unwrapped.Error()
	}
	return chain
}

func (q *Queue) updateQueuedGauge() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.updateQueuedGaugeLocked()
}

func (q *Queue) updateQueuedGaugeLocked() {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE state = ?`, string(StatePending)).Scan(&n); err != nil {
		return
	}
	metrics.JobsQueued.Set(float64(n))
}

// ListJobs returns the most recent jobs for queue introspection.
func (q *Queue) ListJobs(limit int) (jobList []Job, err error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.Query(`
		SELECT job_id, method, args, state, attempts, run_at, last_error, created_at, updated_at
		FROM jobs ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			wrapped := fmt.Errorf("close job rows: %w", closeErr)
			if err != nil {
				err = errors.Join(err, wrapped)
				return
			}
			err = wrapped
		}
	}()

	for rows.Next() {
		var job Job
		var state string
		if scanErr := rows.Scan(&job.ID, &job.Method, &job.Args, &state, &job.Attempts,
			&job.RunAt, &job.LastError, &job.CreatedAt, &job.UpdatedAt); scanErr != nil {
			return nil, fmt.Errorf("scan job row: %w", scanErr)
		}
		job.State = JobState(state)
		jobList = append(jobList, job)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate job rows: %w", rowsErr)
	}
	return jobList, nil
}
