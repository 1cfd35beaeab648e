package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	berrors "github.com/Aman-CERP/bivy/internal/errors"
)

// MemoryQueue is an in-process queue. Redeliveries wait on timers, so jobs
// survive handler failures but not a process exit.
type MemoryQueue struct {
	opts    Options
	jobs    chan Job
	status  *Status
	limiter *rate.Limiter

	delayed atomic.Int64
	closed  atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// NewMemoryQueue creates a queue with opts.Buffer capacity.
func NewMemoryQueue(opts Options) *MemoryQueue {
	opts = opts.withDefaults()
	return &MemoryQueue{
		opts:    opts,
		jobs:    make(chan Job, opts.Buffer),
		status:  NewStatus(),
		limiter: opts.limiter(),
		done:    make(chan struct{}),
	}
}

// Name returns "memory".
func (q *MemoryQueue) Name() string { return "memory" }

// Enqueue blocks while the buffer is full, until ctx is done.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) (Handle, error) {
	if q.closed.Load() {
		return Handle{}, berrors.New(berrors.ErrCodeDispatchFailed, "queue is closed", nil)
	}

	select {
	case q.jobs <- job:
		q.status.Enqueued()
		return Handle{JobID: job.ID, Queue: q.Name()}, nil
	case <-ctx.Done():
		return Handle{}, berrors.New(berrors.ErrCodeDispatchFailed, "enqueue cancelled", ctx.Err())
	case <-q.done:
		return Handle{}, berrors.New(berrors.ErrCodeDispatchFailed, "queue is closed", nil)
	}
}

// Run starts opts.Workers workers and blocks until ctx is cancelled.
func (q *MemoryQueue) Run(ctx context.Context, h Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.opts.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-q.done:
					return nil
				case job := <-q.jobs:
					q.process(gctx, h, job)
				}
			}
		})
	}
	return g.Wait()
}

func (q *MemoryQueue) process(ctx context.Context, h Handler, job Job) {
	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			// Shutting down; keep the job for a later Run if there is room.
			select {
			case q.jobs <- job:
			default:
				q.opts.Logger.Warn("job_dropped", append(jobAttrs(job), slog.String("reason", "buffer full at shutdown"))...)
			}
			return
		}
	}

	job.Attempt++
	o, delay, _ := deliver(ctx, h, job, q.opts, q.status)
	if o != outcomeRetry {
		return
	}

	q.delayed.Add(1)
	time.AfterFunc(delay, func() {
		q.delayed.Add(-1)
		q.requeue(job)
	})
}

func (q *MemoryQueue) requeue(job Job) {
	select {
	case q.jobs <- job:
	case <-q.done:
		q.opts.Logger.Warn("job_dropped", append(jobAttrs(job), slog.String("reason", "queue closed"))...)
	}
}

// Depth reports buffered and delayed jobs.
func (q *MemoryQueue) Depth(context.Context) (Depth, error) {
	return Depth{
		Ready:    len(q.jobs),
		Delayed:  int(q.delayed.Load()),
		InFlight: q.status.Snapshot().InFlight,
		Dead:     q.status.Snapshot().Dead,
	}, nil
}

// Status returns the delivery counters.
func (q *MemoryQueue) Status() *Status { return q.status }

// Close stops accepting jobs and stops workers. Queued jobs are discarded.
func (q *MemoryQueue) Close() error {
	q.once.Do(func() {
		q.closed.Store(true)
		close(q.done)
	})
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
