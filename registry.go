package realtime

import (
	"context"
	"sync"
)

// Registry tracks running sessions so a server can stop them all on
// shutdown.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*registeredSession
	wg       sync.WaitGroup
}

type registeredSession struct {
	cancel context.CancelFunc
	once   sync.Once
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*registeredSession)}
}

// Register records cancel under id, replacing and cancelling an older entry
// with the same id. The returned func must be called when the session ends.
func (r *Registry) Register(id string, cancel context.CancelFunc) (unregister func()) {
	entry := &registeredSession{cancel: cancel}

	r.mu.Lock()
	old := r.sessions[id]
	r.sessions[id] = entry
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		old.cancel()
		r.unregister(id, old)
	}
	return func() { r.unregister(id, entry) }
}

func (r *Registry) unregister(id string, entry *registeredSession) {
	entry.once.Do(func() {
		r.mu.Lock()
		if r.sessions[id] == entry {
			delete(r.sessions, id)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		s.cancel()
	}
	return len(r.sessions)
}

// Wait blocks until every registered session unregistered or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
