package lifecycle

import (
	"context"
	"fmt"

	"github.com/Aman-CERP/bivy/internal/dispatch"
	berrors "github.com/Aman-CERP/bivy/internal/errors"
	"github.com/Aman-CERP/bivy/internal/index"
	"github.com/Aman-CERP/bivy/internal/registry"
)

// Resolver loads the current state of a record.
// A missing record is reported as a RecordNotFound error.
type Resolver interface {
	Resolve(ctx context.Context, ref registry.RecordRef) (registry.Record, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, ref registry.RecordRef) (registry.Record, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, ref registry.RecordRef) (registry.Record, error) {
	return f(ctx, ref)
}

// ResolverMux routes each type to its own resolver.
type ResolverMux map[string]Resolver

// Resolve delegates to the type's resolver.
func (m ResolverMux) Resolve(ctx context.Context, ref registry.RecordRef) (registry.Record, error) {
	r, ok := m[ref.Type]
	if !ok {
		return nil, berrors.ModelNotRegistered(ref.Type)
	}
	return r.Resolve(ctx, ref)
}

// JobHandler executes synchronization jobs.
type JobHandler struct {
	engine   *index.Engine
	resolver Resolver
}

// NewJobHandler creates a handler.
func NewJobHandler(engine *index.Engine, resolver Resolver) *JobHandler {
	return &JobHandler{engine: engine, resolver: resolver}
}

// Handle re-resolves saved records and purges destroyed ones by key.
// A save whose record is gone returns RecordNotFound, which is terminal:
// the destroy that removed it has its own purge job.
func (h *JobHandler) Handle(ctx context.Context, job dispatch.Job) error {
	switch job.Kind {
	case dispatch.KindSave:
		r, err := h.resolver.Resolve(ctx, job.Ref)
		if err != nil {
			if berrors.GetCode(err) == "" {
				// The record store itself failed; try again later.
				return berrors.BackendUnavailable("record store", "resolve", err)
			}
			return err
		}
		return h.engine.SyncSave(ctx, r)

	case dispatch.KindPurge:
		return h.engine.PurgeKey(ctx, job.Ref.Type, job.Ref.Key)

	default:
		return berrors.ValidationError(fmt.Sprintf("unknown job kind %q", job.Kind), nil)
	}
}

var _ dispatch.Handler = (*JobHandler)(nil)
