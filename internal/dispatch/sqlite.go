package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	berrors "github.com/Aman-CERP/bivy/internal/errors"
)

// SQLiteQueue is a durable queue in a SQLite database. Several worker
// processes may share one file: a claim hides the job for the visibility
// timeout, after which it is delivered again if it was never acknowledged.
type SQLiteQueue struct {
	db      *sql.DB
	path    string
	opts    Options
	status  *Status
	limiter *rate.Limiter
	wake    chan struct{}
	now     func() time.Time
}

// NewSQLiteQueue opens or creates the queue database at path.
// If path is empty, creates an in-memory queue.
func NewSQLiteQueue(path string, opts Options) (*SQLiteQueue, error) {
	opts = opts.withDefaults()

	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, berrors.New(berrors.ErrCodeQueueOpen, "failed to create queue directory", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, berrors.New(berrors.ErrCodeQueueOpen, "failed to open queue database", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, berrors.New(berrors.ErrCodeQueueOpen, "failed to set pragma", err)
		}
	}

	q := &SQLiteQueue{
		db:      db,
		path:    path,
		opts:    opts,
		status:  NewStatus(),
		limiter: opts.limiter(),
		wake:    make(chan struct{}, 1),
		now:     time.Now,
	}
	if err := q.initSchema(); err != nil {
		_ = db.Close()
		return nil, berrors.New(berrors.ErrCodeQueueOpen, "failed to initialize queue schema", err)
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	-- times are unix nanoseconds
	CREATE TABLE IF NOT EXISTS jobs (
		id           TEXT PRIMARY KEY,
		kind         TEXT NOT NULL,
		payload      BLOB NOT NULL,
		attempts     INTEGER NOT NULL DEFAULT 0,
		available_at INTEGER NOT NULL,
		locked_until INTEGER NOT NULL DEFAULT 0,
		dead         INTEGER NOT NULL DEFAULT 0,
		last_error   TEXT,
		created_at   INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS jobs_due ON jobs(dead, available_at, locked_until);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := q.db.Exec(schema)
	return err
}

// Name returns "sqlite".
func (q *SQLiteQueue) Name() string { return "sqlite" }

// Enqueue stores job, due immediately.
func (q *SQLiteQueue) Enqueue(ctx context.Context, job Job) (Handle, error) {
	payload, err := EncodeJob(job)
	if err != nil {
		return Handle{}, err
	}

	now := q.now().UnixNano()
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO jobs(id, kind, payload, available_at, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		job.ID.String(), string(job.Kind), payload, now, now)
	if err != nil {
		return Handle{}, berrors.New(berrors.ErrCodeDispatchFailed, "failed to enqueue job", err).
			WithDetail("job_id", job.ID.String())
	}

	q.status.Enqueued()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return Handle{JobID: job.ID, Queue: q.Name()}, nil
}

// claim takes the oldest due job and hides it for the visibility timeout.
// It returns sql.ErrNoRows when nothing is due.
func (q *SQLiteQueue) claim(ctx context.Context) (Job, error) {
	now := q.now()
	var (
		payload  []byte
		attempts int
	)
	err := q.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET locked_until = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE dead = 0 AND available_at <= ? AND locked_until <= ?
			ORDER BY available_at, created_at
			LIMIT 1
		)
		RETURNING payload, attempts`,
		now.Add(q.opts.VisibilityTimeout).UnixNano(), now.UnixNano(), now.UnixNano(),
	).Scan(&payload, &attempts)
	if err != nil {
		return Job{}, err
	}

	job, err := DecodeJob(payload)
	if err != nil {
		return Job{}, err
	}
	job.Attempt = attempts
	return job, nil
}

// Run polls for due jobs with opts.Workers workers until ctx is cancelled.
func (q *SQLiteQueue) Run(ctx context.Context, h Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.opts.Workers; i++ {
		g.Go(func() error {
			ticker := time.NewTicker(q.opts.PollInterval)
			defer ticker.Stop()

			for {
				if gctx.Err() != nil {
					return nil
				}
				worked, err := q.RunOnce(gctx, h)
				if err != nil && gctx.Err() == nil {
					q.opts.Logger.Warn("queue_poll_failed", errAttrs(err)...)
				}
				if worked {
					continue
				}
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
				case <-q.wake:
				}
			}
		})
	}
	return g.Wait()
}

// RunOnce claims and delivers at most one due job. It reports whether a job
// was delivered.
func (q *SQLiteQueue) RunOnce(ctx context.Context, h Handler) (bool, error) {
	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			return false, nil
		}
	}

	job, err := q.claim(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	o, delay, herr := deliver(ctx, h, job, q.opts, q.status)
	// Settle even when ctx is cancelled so the job is not left hidden.
	settleCtx := context.WithoutCancel(ctx)
	return true, q.settle(settleCtx, job, o, delay, herr)
}

func (q *SQLiteQueue) settle(ctx context.Context, job Job, o outcome, delay time.Duration, herr error) error {
	id := job.ID.String()
	var err error
	switch o {
	case outcomeAck, outcomeFail:
		_, err = q.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	case outcomeRetry:
		_, err = q.db.ExecContext(ctx,
			`UPDATE jobs SET available_at = ?, locked_until = 0, last_error = ? WHERE id = ?`,
			q.now().Add(delay).UnixNano(), errorText(herr), id)
	case outcomeDead:
		_, err = q.db.ExecContext(ctx,
			`UPDATE jobs SET dead = 1, locked_until = 0, last_error = ? WHERE id = ?`,
			errorText(herr), id)
	}
	if err != nil {
		return berrors.New(berrors.ErrCodeDispatchFailed, fmt.Sprintf("failed to settle job %s", id), err)
	}
	return nil
}

func errorText(err error) any {
	if err == nil {
		return nil
	}
	return err.Error()
}

// Depth counts jobs per state.
func (q *SQLiteQueue) Depth(ctx context.Context) (Depth, error) {
	now := q.now().UnixNano()
	var d Depth
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(dead = 0 AND available_at <= ? AND locked_until <= ?), 0),
			COALESCE(SUM(dead = 0 AND available_at > ? AND locked_until <= ?), 0),
			COALESCE(SUM(dead = 0 AND locked_until > ?), 0),
			COALESCE(SUM(dead = 1), 0)
		FROM jobs`, now, now, now, now, now,
	).Scan(&d.Ready, &d.Delayed, &d.InFlight, &d.Dead)
	if err != nil {
		return Depth{}, berrors.New(berrors.ErrCodeDispatchFailed, "failed to count jobs", err)
	}
	return d, nil
}

// DeadJob is a dead-lettered job and its last error.
type DeadJob struct {
	Job       Job    `json:"job"`
	LastError string `json:"last_error"`
}

// DeadJobs lists dead-lettered jobs, oldest first.
func (q *SQLiteQueue) DeadJobs(ctx context.Context, limit int) ([]DeadJob, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT payload, attempts, COALESCE(last_error, '') FROM jobs
		WHERE dead = 1 ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, berrors.New(berrors.ErrCodeDispatchFailed, "failed to list dead jobs", err)
	}
	defer rows.Close()

	var out []DeadJob
	for rows.Next() {
		var (
			payload  []byte
			attempts int
			dj       DeadJob
		)
		if err := rows.Scan(&payload, &attempts, &dj.LastError); err != nil {
			return nil, err
		}
		if dj.Job, err = DecodeJob(payload); err != nil {
			return nil, err
		}
		dj.Job.Attempt = attempts
		out = append(out, dj)
	}
	return out, rows.Err()
}

// RetryDead makes every dead job due again with a fresh attempt budget.
func (q *SQLiteQueue) RetryDead(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET dead = 0, attempts = 0, available_at = ?, locked_until = 0 WHERE dead = 1`,
		q.now().UnixNano())
	if err != nil {
		return 0, berrors.New(berrors.ErrCodeDispatchFailed, "failed to retry dead jobs", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Status returns the delivery counters of this process.
func (q *SQLiteQueue) Status() *Status { return q.status }

// Close closes the database.
func (q *SQLiteQueue) Close() error { return q.db.Close() }

var _ Queue = (*SQLiteQueue)(nil)
