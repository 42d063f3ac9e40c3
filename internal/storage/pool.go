package storage

import (
	"context"
	"sync"
)

// Factory opens a new storage instance.
type Factory func(ctx context.Context) (CrashStorage, error)

// Pool hands each worker its own storage instance, created on first use,
// so that connections are never shared between goroutines.
type Pool struct {
	factory Factory

	mu       sync.Mutex
	byWorker map[int]CrashStorage
}

// NewPool constructs an empty pool.
func NewPool(factory Factory) *Pool {
	return &Pool{factory: factory, byWorker: make(map[int]CrashStorage)}
}

// Get returns the instance owned by worker, opening it if needed. Opening
// runs without the pool lock so a slow connect holds up only its own worker.
func (p *Pool) Get(ctx context.Context, worker int) (CrashStorage, error) {
	p.mu.Lock()
	s, ok := p.byWorker[worker]
	p.mu.Unlock()
	if ok {
		return s, nil
	}
	s, err := p.factory(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if existing, ok := p.byWorker[worker]; ok {
		p.mu.Unlock()
		s.Close()
		return existing, nil
	}
	p.byWorker[worker] = s
	p.mu.Unlock()
	log.Debugf("opened storage for worker %d", worker)
	return s, nil
}

// Discard closes and forgets a worker's instance, for example after a Fatal
// error left its connection unusable.
func (p *Pool) Discard(worker int) {
	p.mu.Lock()
	s, ok := p.byWorker[worker]
	delete(p.byWorker, worker)
	p.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Len returns how many instances are open.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byWorker)
}

// Close closes every instance and returns the first error.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for worker, s := range p.byWorker {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
		delete(p.byWorker, worker)
	}
	return first
}
