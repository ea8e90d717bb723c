package breaker

import (
	"context"
	"sort"
	"sync"
)

// Group lazily creates one Breaker per key (endpoint, worker id) sharing a Config.
type Group struct {
	cfg  Config
	opts []Option

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewGroup validates cfg once so Get never fails.
func NewGroup(cfg Config, opts ...Option) (*Group, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Group{cfg: cfg, opts: opts, breakers: make(map[string]*Breaker)}, nil
}

// Get returns the breaker for key, creating it CLOSED on first use.
func (g *Group) Get(key string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.breakers[key]; ok {
		return b
	}
	b, _ := New(key, g.cfg, g.opts...) // cfg validated in NewGroup
	g.breakers[key] = b
	return b
}

// Execute runs fn through the breaker for key.
func (g *Group) Execute(ctx context.Context, key string, fn func(context.Context) error) error {
	return g.Get(key).Execute(ctx, fn)
}

// Open reports whether key's breaker currently rejects calls.
func (g *Group) Open(key string) bool {
	g.mu.Lock()
	b, ok := g.breakers[key]
	g.mu.Unlock()
	return ok && b.State() == StateOpen
}

// Remove drops key's breaker, e.g. when a worker leaves the registry.
func (g *Group) Remove(key string) {
	g.mu.Lock()
	delete(g.breakers, key)
	g.mu.Unlock()
}

// Snapshots returns every breaker's state sorted by name.
func (g *Group) Snapshots() []Snapshot {
	g.mu.Lock()
	list := make([]*Breaker, 0, len(g.breakers))
	for _, b := range g.breakers {
		list = append(list, b)
	}
	g.mu.Unlock()

	out := make([]Snapshot, len(list))
	for i, b := range list {
		out[i] = b.Snapshot()
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}
