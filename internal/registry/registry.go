package registry

import (
	"sort"
	"sync"
	"sync/atomic"

	berrors "github.com/Aman-CERP/bivy/internal/errors"
	"github.com/Aman-CERP/bivy/internal/store"
)

// Binding routes a type's documents to one index.
type Binding struct {
	Index      store.Index
	Condition  Condition
	Serializer Serializer
}

// BindingOption configures a Binding.
type BindingOption func(*Binding)

// WithCondition sets the inclusion condition. The default admits everything.
func WithCondition(c Condition) BindingOption {
	return func(b *Binding) {
		if c != nil {
			b.Condition = c
		}
	}
}

// WithSerializer sets the serializer. The default indexes all attributes.
func WithSerializer(s Serializer) BindingOption {
	return func(b *Binding) {
		if s != nil {
			b.Serializer = s
		}
	}
}

// Descriptor is the indexing configuration of one record type.
type Descriptor struct {
	typeName string
	bindings atomic.Pointer[[]Binding]
}

// TypeName returns the registered type.
func (d *Descriptor) TypeName() string { return d.typeName }

// Bindings returns the current bindings. The slice must not be modified.
func (d *Descriptor) Bindings() []Binding {
	if p := d.bindings.Load(); p != nil {
		return *p
	}
	return nil
}

// Registry maps type names to descriptors. Entries are never removed.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]*Descriptor
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{descriptors: make(map[string]*Descriptor)}
}

// Register returns the descriptor for typeName, creating it on first use.
func (r *Registry) Register(typeName string) *Descriptor {
	r.mu.RLock()
	d, ok := r.descriptors[typeName]
	r.mu.RUnlock()
	if ok {
		return d
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.descriptors[typeName]; ok {
		return d
	}
	d = &Descriptor{typeName: typeName}
	r.descriptors[typeName] = d
	return d
}

// AddBinding appends a binding to d. Binding the same index twice is allowed
// and produces two upserts per save.
func (r *Registry) AddBinding(d *Descriptor, idx store.Index, opts ...BindingOption) {
	b := Binding{Index: idx, Condition: Always, Serializer: DefaultSerializer}
	for _, opt := range opts {
		opt(&b)
	}

	// Writers serialize on mu; readers load the pointer.
	r.mu.Lock()
	defer r.mu.Unlock()

	old := d.Bindings()
	next := make([]Binding, len(old), len(old)+1)
	copy(next, old)
	next = append(next, b)
	d.bindings.Store(&next)
}

// Bind registers typeName and adds one binding.
func (r *Registry) Bind(typeName string, idx store.Index, opts ...BindingOption) *Descriptor {
	d := r.Register(typeName)
	r.AddBinding(d, idx, opts...)
	return d
}

// Lookup returns the descriptor of a registered type.
func (r *Registry) Lookup(typeName string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.descriptors[typeName]
	if !ok {
		return nil, berrors.ModelNotRegistered(typeName)
	}
	return d, nil
}

// Has reports whether typeName is registered.
func (r *Registry) Has(typeName string) bool {
	_, err := r.Lookup(typeName)
	return err == nil
}

// Descriptors returns a snapshot of every descriptor, sorted by type name.
func (r *Registry) Descriptors() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].typeName < out[j].typeName })
	return out
}
