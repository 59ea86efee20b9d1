package agent

import (
	"sync"
	"time"
)

// Status is an observable snapshot of a run
type Status struct {
	IsRunning   bool      `json:"is_running"`
	CurrentStep string    `json:"current_step"`
	Iteration   int       `json:"iteration"`
	Err         string    `json:"error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StateTracker publishes run-state transitions to subscribers (UI,
// logs, the gateway). Consumers can poll Snapshot or subscribe to a
// channel; slow subscribers drop updates rather than block the run.
type StateTracker struct {
	mu     sync.RWMutex
	status Status
	subs   map[int]chan Status
	nextID int
}

// NewStateTracker creates an idle tracker
func NewStateTracker() *StateTracker {
	return &StateTracker{
		subs: make(map[int]chan Status),
	}
}

// Snapshot returns the current status
func (t *StateTracker) Snapshot() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Subscribe returns a status channel and a cancel function. The
// channel receives every transition the subscriber keeps up with.
func (t *StateTracker) Subscribe() (<-chan Status, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++
	ch := make(chan Status, 16)
	t.subs[id] = ch

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if sub, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub)
		}
	}

	return ch, cancel
}

// Update records an in-progress step
func (t *StateTracker) Update(step string, iteration int) {
	t.publish(Status{
		IsRunning:   true,
		CurrentStep: step,
		Iteration:   iteration,
		UpdatedAt:   time.Now(),
	})
}

// Finish records clean completion
func (t *StateTracker) Finish() {
	t.mu.RLock()
	iteration := t.status.Iteration
	t.mu.RUnlock()

	t.publish(Status{
		CurrentStep: "completed",
		Iteration:   iteration,
		UpdatedAt:   time.Now(),
	})
}

// Fail records a terminal failure with a human-readable error
func (t *StateTracker) Fail(errMsg string) {
	t.mu.RLock()
	iteration := t.status.Iteration
	t.mu.RUnlock()

	t.publish(Status{
		CurrentStep: "failed",
		Iteration:   iteration,
		Err:         errMsg,
		UpdatedAt:   time.Now(),
	})
}

func (t *StateTracker) publish(status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status = status
	for _, sub := range t.subs {
		select {
		case sub <- status:
		default:
		}
	}
}
