package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/time/rate"

	berrors "github.com/Aman-CERP/bivy/internal/errors"
	"github.com/Aman-CERP/bivy/internal/filter"
	"github.com/Aman-CERP/bivy/internal/logging"
)

// DeadLetterFunc is called when a job exhausts its attempts.
type DeadLetterFunc func(job Job, err error)

// Options configures a queue's workers.
type Options struct {
	// Workers is the number of concurrent deliveries. Defaults to NumCPU.
	Workers int

	// Buffer is the memory queue's channel capacity. Defaults to 256.
	Buffer int

	// Retry controls redelivery backoff and the attempt limit.
	Retry berrors.RetryConfig

	// RateLimit caps deliveries per second across workers. 0 disables it.
	RateLimit float64

	// PollInterval is how often an idle durable queue looks for due jobs.
	PollInterval time.Duration

	// VisibilityTimeout is how long a claimed job stays hidden before it is
	// delivered again, covering workers that die mid-job.
	VisibilityTimeout time.Duration

	// Logger defaults to discarding.
	Logger *slog.Logger

	// OnDead observes dead-lettered jobs.
	OnDead DeadLetterFunc
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.Buffer <= 0 {
		o.Buffer = 256
	}
	if o.Retry.MaxAttempts == 0 && o.Retry.InitialDelay == 0 {
		o.Retry = berrors.DefaultRetryConfig()
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 5 * time.Minute
	}
	o.Logger = logging.OrDiscard(o.Logger)
	return o
}

func (o Options) limiter() *rate.Limiter {
	if o.RateLimit <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(o.RateLimit), o.Workers)
}

// outcome is what happens to a job after one delivery.
type outcome int

const (
	outcomeAck outcome = iota
	outcomeRetry
	outcomeFail
	outcomeDead
)

func (o outcome) String() string {
	switch o {
	case outcomeAck:
		return "ack"
	case outcomeRetry:
		return "retry"
	case outcomeFail:
		return "fail"
	case outcomeDead:
		return "dead"
	default:
		return "unknown"
	}
}

// decide maps a handler result to an outcome. job.Attempt counts this delivery.
func decide(cfg berrors.RetryConfig, job Job, err error) (outcome, time.Duration) {
	switch {
	case err == nil:
		return outcomeAck, 0
	case !berrors.IsRetryable(err):
		return outcomeFail, 0
	case cfg.Exhausted(job.Attempt):
		return outcomeDead, 0
	default:
		return outcomeRetry, cfg.Delay(job.Attempt)
	}
}

// deliver runs one delivery of job and records its outcome.
func deliver(ctx context.Context, h Handler, job Job, opts Options, status *Status) (outcome, time.Duration, error) {
	status.Started()
	err := safeHandle(ctx, h, job)
	o, delay := decide(opts.Retry, job, err)
	status.Finished(o, err)

	attrs := append(jobAttrs(job), slog.String("outcome", o.String()))
	attrs = append(attrs, errAttrs(err)...)

	switch o {
	case outcomeAck:
		opts.Logger.Debug("job_done", attrs...)
	case outcomeRetry:
		opts.Logger.Warn("job_retry", append(attrs, slog.Duration("delay", delay))...)
	case outcomeFail:
		opts.Logger.Error("job_failed", attrs...)
	case outcomeDead:
		opts.Logger.Error("job_dead", attrs...)
		if opts.OnDead != nil {
			opts.OnDead(job, err)
		}
	}
	return o, delay, err
}

func jobAttrs(job Job) []any {
	return []any{
		slog.String("job_id", job.ID.String()),
		slog.String("kind", string(job.Kind)),
		slog.String("model", job.Ref.Type),
		slog.String("key", filter.Format(job.Ref.Key)),
		slog.Int("attempt", job.Attempt),
	}
}

func errAttrs(err error) []any {
	var out []any
	for _, a := range berrors.LogAttrs(err) {
		out = append(out, a)
	}
	return out
}

// safeHandle converts a handler panic into a terminal internal error.
func safeHandle(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = berrors.InternalError(fmt.Sprintf("job handler panicked: %v", p), nil)
		}
	}()
	return h.Handle(ctx, job)
}
