package orchestrator

import "sync"

// Pool is the global agent budget shared across executions. The mutex is
// never held across I/O.
type Pool struct {
	mu       sync.Mutex
	active   int
	capacity int
}

// NewPool creates a pool with the given global capacity.
func NewPool(capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{capacity: capacity}
}

// TryAcquire grants up to want slots and returns how many were granted.
func (p *Pool) TryAcquire(want int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	free := p.capacity - p.active
	if free <= 0 {
		return 0
	}
	if want > free {
		want = free
	}
	p.active += want
	return want
}

// Release returns n slots to the pool.
func (p *Pool) Release(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active -= n
	if p.active < 0 {
		p.active = 0
	}
}

// Active returns the currently allocated slot count.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Capacity returns the global cap.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity
}
