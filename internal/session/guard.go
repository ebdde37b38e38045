package session

import (
	"context"
	"sync"
)

// StartGuard is a per-session token held while a handle is being acquired.
type StartGuard struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func NewStartGuard() *StartGuard {
	return &StartGuard{held: make(map[string]chan struct{})}
}

// TryAcquire takes the token for id, reporting false if it is already held.
func (g *StartGuard) TryAcquire(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.held[id]; ok {
		return false
	}
	g.held[id] = make(chan struct{})
	return true
}

// Acquire takes the token for id, waiting for the current holder to release
// it or for ctx to end.
func (g *StartGuard) Acquire(ctx context.Context, id string) error {
	for {
		g.mu.Lock()
		released, ok := g.held[id]
		if !ok {
			g.held[id] = make(chan struct{})
			g.mu.Unlock()
			return nil
		}
		g.mu.Unlock()
		select {
		case <-released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *StartGuard) Release(id string) {
	g.mu.Lock()
	if released, ok := g.held[id]; ok {
		close(released)
		delete(g.held, id)
	}
	g.mu.Unlock()
}

func (g *StartGuard) Held(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[id]
	return ok
}
