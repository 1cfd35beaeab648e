// Package lifecycle connects record commits to the synchronization engine:
// post-commit hooks enqueue jobs, and a job handler executes them.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Aman-CERP/bivy/internal/dispatch"
	berrors "github.com/Aman-CERP/bivy/internal/errors"
	"github.com/Aman-CERP/bivy/internal/index"
	"github.com/Aman-CERP/bivy/internal/logging"
	"github.com/Aman-CERP/bivy/internal/registry"
)

// DestroyMode selects when a destroyed record's documents are purged.
type DestroyMode string

const (
	// DestroyDeferred enqueues a purge job.
	DestroyDeferred DestroyMode = "deferred"
	// DestroyImmediate purges inside the post-commit hook and falls back to
	// a purge job if that fails.
	DestroyImmediate DestroyMode = "immediate"
)

// TriggerConfig contains configuration for the Trigger.
type TriggerConfig struct {
	Registry *registry.Registry
	Queue    dispatch.Queue

	// Engine is required for DestroyImmediate.
	Engine *index.Engine

	// DestroyMode defaults to DestroyDeferred.
	DestroyMode DestroyMode

	Logger *slog.Logger
}

// Trigger turns committed saves and destroys into synchronization work.
// Its hooks never fail: problems are logged, and nothing reaches the
// committing caller.
type Trigger struct {
	registry *registry.Registry
	queue    dispatch.Queue
	engine   *index.Engine
	mode     DestroyMode
	logger   *slog.Logger
}

// NewTrigger creates a trigger.
func NewTrigger(cfg TriggerConfig) *Trigger {
	mode := cfg.DestroyMode
	if mode == "" {
		mode = DestroyDeferred
	}
	return &Trigger{
		registry: cfg.Registry,
		queue:    cfg.Queue,
		engine:   cfg.Engine,
		mode:     mode,
		logger:   logging.OrDiscard(cfg.Logger),
	}
}

// Mode returns the destroy mode.
func (t *Trigger) Mode() DestroyMode { return t.mode }

// AfterSaveCommit enqueues a save job for r.
func (t *Trigger) AfterSaveCommit(ctx context.Context, r registry.Record) {
	defer t.recover("save", r)

	if !t.registry.Has(r.TypeName()) {
		return
	}
	t.enqueue(ctx, dispatch.KindSave, registry.RefOf(r))
}

// AfterDestroyCommit purges r now or enqueues a purge job, per the mode.
func (t *Trigger) AfterDestroyCommit(ctx context.Context, r registry.Record) {
	defer t.recover("destroy", r)

	if !t.registry.Has(r.TypeName()) {
		return
	}
	ref := registry.RefOf(r)

	if t.mode == DestroyImmediate && t.engine != nil {
		err := t.engine.SyncPurge(ctx, r)
		if err == nil {
			return
		}
		t.logger.Warn("immediate_purge_failed",
			append([]any{slog.String("record", ref.String())}, logAttrs(err)...)...)
	}
	t.enqueue(ctx, dispatch.KindPurge, ref)
}

func (t *Trigger) enqueue(ctx context.Context, kind dispatch.Kind, ref registry.RecordRef) {
	job := dispatch.NewJob(kind, ref)
	if _, err := t.queue.Enqueue(ctx, job); err != nil {
		t.logger.Error("enqueue_failed",
			append([]any{
				slog.String("kind", string(kind)),
				slog.String("record", ref.String()),
			}, logAttrs(err)...)...)
		return
	}
	t.logger.Debug("job_enqueued",
		slog.String("job_id", job.ID.String()),
		slog.String("kind", string(kind)),
		slog.String("record", ref.String()))
}

func (t *Trigger) recover(event string, r registry.Record) {
	if p := recover(); p != nil {
		t.logger.Error("post_commit_hook_panicked",
			slog.String("event", event),
			slog.String("model", r.TypeName()),
			slog.String("panic", fmt.Sprint(p)))
	}
}

func logAttrs(err error) []any {
	var out []any
	for _, a := range berrors.LogAttrs(err) {
		out = append(out, a)
	}
	return out
}
