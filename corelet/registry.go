package corelet

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry tracks the live corelet channels across the pool. The lock
// guards the map only; no I/O happens while it is held.
type Registry struct {
	mu     sync.Mutex
	active map[string]*Channel
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*Channel)}
}

func (r *Registry) add(ch *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[ch.ID().String()] = ch
}

func (r *Registry) remove(coreletID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, coreletID)
}

// Active returns the number of live corelets.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// CleanupAll tears down every registered corelet concurrently. Used
// during dispatcher shutdown for corelets whose owning worker is gone.
func (r *Registry) CleanupAll(ctx context.Context) error {
	r.mu.Lock()
	channels := make([]*Channel, 0, len(r.active))
	for _, ch := range r.active {
		channels = append(channels, ch)
	}
	r.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, ch := range channels {
		g.Go(func() error {
			ch.Cleanup()
			return nil
		})
	}
	return g.Wait()
}
