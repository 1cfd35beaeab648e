package index

import (
	"context"
	"errors"
	"sync"

	"github.com/Aman-CERP/bivy/internal/store"
)

// call is one recorded backend call.
type call struct {
	Op     string
	Filter string
	Attrs  []string
	IDs    []string
	Docs   []store.Document
}

// recordingIndex is a store.Index over a MemoryIndex that records calls and
// can fail chosen operations. It deliberately does not page, so purges go
// through Browse.
type recordingIndex struct {
	mem *store.MemoryIndex

	mu    sync.Mutex
	calls []call
	fail  map[string]error
}

func newRecordingIndex(name string) *recordingIndex {
	return &recordingIndex{mem: store.NewMemoryIndex(name), fail: map[string]error{}}
}

func (r *recordingIndex) failOn(op string, err error) { r.fail[op] = err }

func (r *recordingIndex) record(c call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	return r.fail[c.Op]
}

func (r *recordingIndex) ops(op string) []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []call
	for _, c := range r.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (r *recordingIndex) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

func (r *recordingIndex) Name() string { return r.mem.Name() }

func (r *recordingIndex) Upsert(ctx context.Context, docs []store.Document) error {
	if err := r.record(call{Op: "upsert", Docs: docs}); err != nil {
		return err
	}
	return r.mem.Upsert(ctx, docs)
}

func (r *recordingIndex) Delete(ctx context.Context, ids []string) error {
	if err := r.record(call{Op: "delete", IDs: ids}); err != nil {
		return err
	}
	return r.mem.Delete(ctx, ids)
}

func (r *recordingIndex) Browse(ctx context.Context, expr string, attrs []string) ([]string, error) {
	if err := r.record(call{Op: "browse", Filter: expr, Attrs: attrs}); err != nil {
		return nil, err
	}
	return r.mem.Browse(ctx, expr, attrs)
}

var errBackendDown = errors.New("backend down")
