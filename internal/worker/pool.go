package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Pool is a registry of workers keyed by ID.
type Pool struct {
	mu      sync.RWMutex
	workers map[string]Worker
	pm      *ProcessManager
}

// NewPool creates an empty pool. pm is shared by the process workers built
// with AddConfig.
func NewPool(pm *ProcessManager) *Pool {
	if pm == nil {
		pm = NewProcessManager()
	}
	return &Pool{
		workers: make(map[string]Worker),
		pm:      pm,
	}
}

// ProcessManager returns the pool's subprocess tracker.
func (p *Pool) ProcessManager() *ProcessManager { return p.pm }

// Add registers w. IDs must be unique.
func (p *Pool) Add(w Worker) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.workers[w.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateWorker, w.ID())
	}
	p.workers[w.ID()] = w
	return nil
}

// AddConfig builds a worker from cfg and registers it.
func (p *Pool) AddConfig(cfg Config) (Worker, error) {
	w, err := New(cfg, p.pm)
	if err != nil {
		return nil, err
	}
	if err := p.Add(w); err != nil {
		return nil, err
	}
	return w, nil
}

// Remove unregisters a worker without shutting it down.
func (p *Pool) Remove(id string) (Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	delete(p.workers, id)
	return w, ok
}

// Get returns the worker with the given ID.
func (p *Pool) Get(id string) (Worker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	w, ok := p.workers[id]
	return w, ok
}

// IDs returns the registered worker IDs in sorted order.
func (p *Pool) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered workers.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// ShutdownAll shuts every worker down concurrently and kills any subprocess
// that is still tracked afterwards.
func (p *Pool) ShutdownAll(ctx context.Context) error {
	p.mu.RLock()
	workers := make([]Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.RUnlock()

	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error {
			if err := w.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutting down worker %s: %w", w.ID(), err)
			}
			return nil
		})
	}
	err := g.Wait()
	if killErr := p.pm.KillAll(); killErr != nil && err == nil {
		err = killErr
	}
	return err
}
