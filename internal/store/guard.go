package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	berrors "github.com/Aman-CERP/bivy/internal/errors"
)

// Guard wraps an Index in a circuit breaker and maps its failures onto
// BackendUnavailable and BackendTimeout errors, which the dispatch facility
// redelivers. Invalid filters are caller errors and never trip the breaker.
type Guard struct {
	inner   Index
	breaker *berrors.CircuitBreaker
}

// NewGuard wraps idx. A nil breaker gets the default thresholds.
func NewGuard(idx Index, breaker *berrors.CircuitBreaker) *Guard {
	if breaker == nil {
		breaker = berrors.NewCircuitBreaker(idx.Name())
	}
	return &Guard{inner: idx, breaker: breaker}
}

// Name returns the wrapped index name.
func (g *Guard) Name() string { return g.inner.Name() }

// Unwrap returns the wrapped index.
func (g *Guard) Unwrap() Index { return g.inner }

// Breaker returns the guard's circuit breaker.
func (g *Guard) Breaker() *berrors.CircuitBreaker { return g.breaker }

// Upsert writes docs through the breaker.
func (g *Guard) Upsert(ctx context.Context, docs []Document) error {
	return g.run(ctx, "upsert", func() error { return g.inner.Upsert(ctx, docs) })
}

// Delete removes ids through the breaker.
func (g *Guard) Delete(ctx context.Context, ids []string) error {
	return g.run(ctx, "delete", func() error { return g.inner.Delete(ctx, ids) })
}

// Browse returns every matching objectID through the breaker.
func (g *Guard) Browse(ctx context.Context, expr string, attributes []string) ([]string, error) {
	var ids []string
	err := g.run(ctx, "browse", func() error {
		var err error
		ids, err = g.inner.Browse(ctx, expr, attributes)
		return err
	})
	return ids, err
}

// BrowsePage pages through the wrapped index. Indexes that cannot page
// return everything as a single page.
func (g *Guard) BrowsePage(ctx context.Context, expr string, after string, limit int) ([]string, string, error) {
	pager, ok := g.inner.(Pager)
	if !ok {
		if after != "" {
			return nil, "", nil
		}
		ids, err := g.Browse(ctx, expr, []string{FieldObjectID})
		return ids, "", err
	}

	var ids []string
	var next string
	err := g.run(ctx, "browse", func() error {
		var err error
		ids, next, err = pager.BrowsePage(ctx, expr, after, limit)
		return err
	})
	return ids, next, err
}

// Search runs a full-text query if the wrapped index supports it.
func (g *Guard) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	searcher, ok := g.inner.(Searcher)
	if !ok {
		return nil, berrors.ValidationError(fmt.Sprintf("index %s does not support search", g.Name()), nil)
	}

	var hits []Hit
	err := g.run(ctx, "search", func() error {
		var err error
		hits, err = searcher.Search(ctx, query, limit)
		return err
	})
	return hits, err
}

// Count returns the document count if the wrapped index can report it.
func (g *Guard) Count(ctx context.Context) (int, error) {
	counter, ok := g.inner.(Counter)
	if !ok {
		return 0, berrors.ValidationError(fmt.Sprintf("index %s cannot report its size", g.Name()), nil)
	}

	var n int
	err := g.run(ctx, "count", func() error {
		var err error
		n, err = counter.Count(ctx)
		return err
	})
	return n, err
}

// Close closes the wrapped index if it holds resources.
func (g *Guard) Close() error {
	if closer, ok := g.inner.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (g *Guard) run(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return g.classify(op, err)
	}

	var callerErr error
	err := g.breaker.Execute(func() error {
		err := fn()
		if errors.Is(err, berrors.ErrInvalidFilter) {
			callerErr = err
			return nil
		}
		return err
	})
	if callerErr != nil {
		return callerErr
	}
	if err == nil {
		return nil
	}
	return g.classify(op, err)
}

func (g *Guard) classify(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return berrors.New(berrors.ErrCodeBackendTimeout,
			fmt.Sprintf("%s on index %s timed out", op, g.Name()), err).
			WithDetail("index", g.Name()).
			WithDetail("op", op)
	case errors.Is(err, berrors.ErrCircuitOpen):
		return berrors.BackendUnavailable(g.Name(), op, err).
			WithSuggestion("the index failed repeatedly; it is tried again after the breaker reset timeout")
	default:
		return berrors.BackendUnavailable(g.Name(), op, err)
	}
}

var (
	_ Index    = (*Guard)(nil)
	_ Pager    = (*Guard)(nil)
	_ Searcher = (*Guard)(nil)
	_ Counter  = (*Guard)(nil)
)
