package lifecycle

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Aman-CERP/bivy/internal/dispatch"
	berrors "github.com/Aman-CERP/bivy/internal/errors"
)

// recordingQueue captures enqueued jobs without running them.
type recordingQueue struct {
	mu      sync.Mutex
	jobs    []dispatch.Job
	failing bool
	status  *dispatch.Status
}

func newRecordingQueue() *recordingQueue {
	return &recordingQueue{status: dispatch.NewStatus()}
}

func (q *recordingQueue) Name() string { return "recording" }

func (q *recordingQueue) Enqueue(_ context.Context, job dispatch.Job) (dispatch.Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failing {
		return dispatch.Handle{}, berrors.New(berrors.ErrCodeDispatchFailed, "queue down", nil)
	}
	q.jobs = append(q.jobs, job)
	return dispatch.Handle{JobID: job.ID, Queue: q.Name()}, nil
}

func (q *recordingQueue) Run(ctx context.Context, _ dispatch.Handler) error {
	<-ctx.Done()
	return nil
}

func (q *recordingQueue) Depth(context.Context) (dispatch.Depth, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return dispatch.Depth{Ready: len(q.jobs)}, nil
}

func (q *recordingQueue) Status() *dispatch.Status { return q.status }

func (q *recordingQueue) Close() error { return nil }

// kinds returns "kind Type#key" for every job, in order.
func (q *recordingQueue) kinds() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.jobs))
	for i, j := range q.jobs {
		out[i] = string(j.Kind) + " " + j.Ref.String()
	}
	return out
}

func (q *recordingQueue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = nil
}

// Tent is the GORM model used across lifecycle tests.
type Tent struct {
	ID       uint `gorm:"primaryKey"`
	Name     string
	Color    string
	Capacity int
	Hidden   bool
}

func (t *Tent) Indexable() bool { return !t.Hidden }

// Stove is a model that is never registered.
type Stove struct {
	ID   uint `gorm:"primaryKey"`
	Fuel string
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "app.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Tent{}, &Stove{}))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}
