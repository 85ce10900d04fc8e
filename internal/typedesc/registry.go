package typedesc

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry is an in-memory Provider populated at startup, either in code or
// from a descriptor document.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*Descriptor)}
}

// Register adds a descriptor to the registry.
// Panics if a type with the same name is already registered or the
// descriptor is inconsistent.
func (r *Registry) Register(d *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[d.Name]; exists {
		panic(fmt.Sprintf("type already registered: %s", d.Name))
	}

	// Fill protobuf numbers from declaration order when not set
	for i := range d.Fields {
		if d.Fields[i].Tag == 0 {
			d.Fields[i].Tag = i + 1
		}
	}
	if err := d.Check(); err != nil {
		panic(err.Error())
	}

	r.types[d.Name] = d
}

// Get returns a descriptor by name.
// Returns false if not found.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.types[name]
	return d, ok
}

// Describe implements Provider.
func (r *Registry) Describe(_ context.Context, name string) (*Descriptor, error) {
	d, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	return d, nil
}

// All returns all registered descriptors sorted by name.
func (r *Registry) All() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Descriptor, 0, len(r.types))
	for _, d := range r.types {
		result = append(result, d)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})

	return result
}

// Count returns the number of registered types.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}

// Clear removes all registered types.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = make(map[string]*Descriptor)
}

// cachedProvider memoizes descriptors for the lifetime of a run.
type cachedProvider struct {
	next  Provider
	mu    sync.Mutex
	cache map[string]*Descriptor
}

// Cached wraps p so each type name is resolved at most once.
func Cached(p Provider) Provider {
	if _, ok := p.(*Registry); ok {
		return p
	}
	return &cachedProvider{next: p, cache: make(map[string]*Descriptor)}
}

func (c *cachedProvider) Describe(ctx context.Context, name string) (*Descriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d, ok := c.cache[name]; ok {
		return d, nil
	}
	d, err := c.next.Describe(ctx, name)
	if err != nil {
		return nil, err
	}
	c.cache[name] = d
	return d, nil
}
