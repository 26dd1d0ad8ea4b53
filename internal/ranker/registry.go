package ranker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDuplicateRanker is returned when two rankers share a name.
var ErrDuplicateRanker = errors.New("duplicate ranker name")

// Registry holds the named rankers of one process. Rankers never share
// parameter arrays; the registry only indexes them.
type Registry struct {
	mu      sync.RWMutex
	rankers map[string]*Ranker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{rankers: make(map[string]*Ranker)}
}

// Add registers r under its name.
func (g *Registry) Add(r *Ranker) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.rankers[r.Name()]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateRanker, r.Name())
	}
	g.rankers[r.Name()] = r
	return nil
}

// Get returns the ranker registered under name.
func (g *Registry) Get(name string) (*Ranker, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rankers[name]
	return r, ok
}

// Names returns the registered names in sorted order.
func (g *Registry) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.rankers))
	for name := range g.rankers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the registered rankers sorted by name.
func (g *Registry) All() []*Ranker {
	names := g.Names()
	out := make([]*Ranker, 0, len(names))
	for _, name := range names {
		if r, ok := g.Get(name); ok {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of registered rankers.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rankers)
}

// RestoreAll restores every ranker and joins their errors.
func (g *Registry) RestoreAll(ctx context.Context) error {
	var errs []error
	for _, r := range g.All() {
		if err := r.Restore(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PersistAll persists every ranker, or only the dirty ones when dirtyOnly is
// set, and joins their errors. It returns how many rankers were written.
func (g *Registry) PersistAll(ctx context.Context, dirtyOnly bool) (int, error) {
	var errs []error
	written := 0
	for _, r := range g.All() {
		if dirtyOnly && !r.Dirty() {
			continue
		}
		if err := r.Persist(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		written++
	}
	return written, errors.Join(errs...)
}

// Wait blocks until no ranker has an update in flight.
func (g *Registry) Wait() {
	for _, r := range g.All() {
		r.Wait()
	}
}
