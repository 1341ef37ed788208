package orchestrator

import (
	"sync"
	"time"
)

// PendingApproval is a destructive action awaiting a button press. It is
// keyed by list id; a repeat /execute replaces the previous approval.
type PendingApproval struct {
	ListID    string
	ChatID    int64
	BotType   string
	CreatedAt time.Time

	timer *time.Timer
}

// approvals tracks pending approvals and their expiry timers.
type approvals struct {
	mu       sync.Mutex
	pending  map[string]*PendingApproval
	timeout  time.Duration
	onExpire func(PendingApproval)
}

func newApprovals(timeout time.Duration, onExpire func(PendingApproval)) *approvals {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &approvals{
		pending:  make(map[string]*PendingApproval),
		timeout:  timeout,
		onExpire: onExpire,
	}
}

// create registers a new approval, replacing and disarming any previous one
// for the same list.
func (a *approvals) create(listID string, chatID int64, botType string) *PendingApproval {
	a.mu.Lock()
	defer a.mu.Unlock()

	if prev, ok := a.pending[listID]; ok {
		prev.timer.Stop()
	}

	pa := &PendingApproval{
		ListID:    listID,
		ChatID:    chatID,
		BotType:   botType,
		CreatedAt: time.Now().UTC(),
	}
	pa.timer = time.AfterFunc(a.timeout, func() { a.expire(listID) })
	a.pending[listID] = pa
	return pa
}

// take removes and returns the approval for a list, disarming its timer.
func (a *approvals) take(listID string) (*PendingApproval, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pa, ok := a.pending[listID]
	if !ok {
		return nil, false
	}
	pa.timer.Stop()
	delete(a.pending, listID)
	return pa, true
}

func (a *approvals) expire(listID string) {
	a.mu.Lock()
	pa, ok := a.pending[listID]
	if ok {
		delete(a.pending, listID)
	}
	a.mu.Unlock()
	if ok && a.onExpire != nil {
		a.onExpire(*pa)
	}
}

// stopAll disarms every timer, used on shutdown.
func (a *approvals) stopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, pa := range a.pending {
		pa.timer.Stop()
		delete(a.pending, id)
	}
}
