package orchestrator

import "testing"

func TestPoolTryAcquire(t *testing.T) {
	p := NewPool(3)

	if got := p.TryAcquire(2); got != 2 {
		t.Errorf("TryAcquire(2) = %d, want 2", got)
	}
	// only one slot left, partial grant
	if got := p.TryAcquire(5); got != 1 {
		t.Errorf("TryAcquire(5) = %d, want 1", got)
	}
	if got := p.TryAcquire(1); got != 0 {
		t.Errorf("full pool should grant 0, got %d", got)
	}

	p.Release(1)
	if got := p.TryAcquire(1); got != 1 {
		t.Errorf("released slot should be grantable, got %d", got)
	}
}

func TestPoolReleaseFloorsAtZero(t *testing.T) {
	p := NewPool(2)
	p.Release(5)
	if p.Active() != 0 {
		t.Errorf("over-release must floor at 0, got %d", p.Active())
	}
	if got := p.TryAcquire(2); got != 2 {
		t.Errorf("capacity must be intact after over-release, got %d", got)
	}
}

func TestPoolMinimumCapacity(t *testing.T) {
	p := NewPool(0)
	if p.Capacity() != 1 {
		t.Errorf("capacity clamps to 1, got %d", p.Capacity())
	}
}
