// Package dispatch runs synchronization jobs in the background with
// at-least-once delivery. Jobs may run more than once and out of order;
// handlers must be idempotent.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	berrors "github.com/Aman-CERP/bivy/internal/errors"
	"github.com/Aman-CERP/bivy/internal/registry"
)

// Kind tags what a job does with its record.
type Kind string

const (
	// KindSave re-resolves the record and re-indexes it.
	KindSave Kind = "save"
	// KindPurge removes the record's documents by key.
	KindPurge Kind = "purge"
)

// Job is one unit of synchronization work.
type Job struct {
	ID         uuid.UUID          `cbor:"1,keyasint"`
	Kind       Kind               `cbor:"2,keyasint"`
	Ref        registry.RecordRef `cbor:"3,keyasint"`
	Attempt    int                `cbor:"4,keyasint"`
	EnqueuedAt time.Time          `cbor:"5,keyasint"`
}

// NewJob creates a job with a fresh id.
func NewJob(kind Kind, ref registry.RecordRef) Job {
	ref.Key = registry.NormalizeKey(ref.Key)
	return Job{ID: uuid.New(), Kind: kind, Ref: ref, EnqueuedAt: time.Now().UTC()}
}

func (j Job) String() string {
	return fmt.Sprintf("%s %s (%s)", j.Kind, j.Ref, j.ID)
}

// Handle identifies an enqueued job.
type Handle struct {
	JobID uuid.UUID `json:"job_id"`
	Queue string    `json:"queue"`
}

// Handler executes jobs.
// A retryable error (see errors.IsRetryable) redelivers the job with backoff;
// any other error is terminal.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job Job) error { return f(ctx, job) }

// Depth is the number of jobs per state.
type Depth struct {
	Ready    int `json:"ready"`
	Delayed  int `json:"delayed"`
	InFlight int `json:"in_flight"`
	Dead     int `json:"dead"`
}

// Queue accepts jobs and delivers them to a Handler.
type Queue interface {
	// Name identifies the queue in handles and logs.
	Name() string

	// Enqueue schedules job for execution.
	Enqueue(ctx context.Context, job Job) (Handle, error)

	// Run delivers jobs to h until ctx is cancelled.
	Run(ctx context.Context, h Handler) error

	// Depth reports queued jobs per state.
	Depth(ctx context.Context) (Depth, error)

	// Status returns the delivery counters.
	Status() *Status

	// Close releases the queue. Jobs not yet run are lost for the memory queue.
	Close() error
}

// encMode keeps times as RFC 3339 with nanoseconds.
var encMode, _ = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()

// EncodeJob serializes a job for durable storage.
func EncodeJob(job Job) ([]byte, error) {
	b, err := encMode.Marshal(job)
	if err != nil {
		return nil, berrors.New(berrors.ErrCodeDispatchFailed, "failed to encode job", err)
	}
	return b, nil
}

// DecodeJob parses a stored job. Integer keys decode as int64 or uint64.
func DecodeJob(b []byte) (Job, error) {
	var job Job
	if err := cbor.Unmarshal(b, &job); err != nil {
		return Job{}, berrors.New(berrors.ErrCodeDispatchFailed, "failed to decode job", err)
	}
	return job, nil
}
