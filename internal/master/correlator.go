package master

import (
	"context"
	"sync"
	"time"

	"github.com/duke-git/lancet/v2/slice"
)

// Completion is the outcome of a task as seen by a producer.
type Completion struct {
	TaskID string `json:"task_id"`
	NodeID string `json:"node_id,omitempty"`
	Result []byte `json:"result,omitempty"`
	// NodeLost is set when the result was synthesized because the node holding
	// the task was evicted. Result is empty in that case.
	NodeLost bool `json:"node_lost"`
	// Error is set when the task could not be delivered to any node.
	Error       string        `json:"error,omitempty"`
	CompletedAt time.Time     `json:"completed_at"`
	Latency     time.Duration `json:"latency"`
}

type taskStatus int

const (
	statusPending taskStatus = iota
	statusInFlight
	statusCompleted
	statusLost
)

type trackedTask struct {
	status     taskStatus
	createdAt  time.Time
	completion *Completion
}

// Correlator matches completion reports to submitted task ids and wakes the
// callers waiting on them.
type Correlator struct {
	mu        sync.Mutex
	tasks     map[string]*trackedTask
	completed []string // arrival order
	changed   chan struct{}
	closed    bool
	now       func() time.Time
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{
		tasks:   make(map[string]*trackedTask),
		changed: make(chan struct{}),
		now:     time.Now,
	}
}

// broadcast must be called with mu held.
func (c *Correlator) broadcast() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Track registers a freshly submitted task as pending.
func (c *Correlator) Track(id string, createdAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks[id] = &trackedTask{status: statusPending, createdAt: createdAt}
}

// Forget drops a task that never made it into the queue.
func (c *Correlator) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tasks, id)
}

// Resolve records a completion. It returns the stored completion and true on the
// first report for a tracked task; duplicates and unknown ids are ignored.
func (c *Correlator) Resolve(taskID, nodeID string, result []byte, nodeLost bool) (*Completion, bool) {
	return c.resolve(&Completion{TaskID: taskID, NodeID: nodeID, Result: result, NodeLost: nodeLost})
}

// Fail completes a task that can never run with an empty result and reason.
func (c *Correlator) Fail(taskID string, reason error) (*Completion, bool) {
	return c.resolve(&Completion{TaskID: taskID, Error: reason.Error()})
}

func (c *Correlator) resolve(completion *Completion) (*Completion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[completion.TaskID]
	if !ok || t.status == statusCompleted {
		return nil, false
	}

	now := c.now()
	completion.CompletedAt = now
	completion.Latency = now.Sub(t.createdAt)
	t.status = statusCompleted
	t.completion = completion
	c.completed = append(c.completed, completion.TaskID)
	c.broadcast()
	return completion, true
}

// UpdateInFlight takes the manager's current set of assigned task ids. Pending
// tasks in the set become in-flight; in-flight tasks missing from it without a
// completion are marked lost. Eviction and receivers resolve before the set
// shrinks, so lost only covers a task dropped from a node some other way.
func (c *Correlator) UpdateInFlight(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	inFlight := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		inFlight[id] = struct{}{}
	}

	changed := false
	for id, t := range c.tasks {
		_, assigned := inFlight[id]
		switch {
		case t.status == statusPending && assigned:
			t.status = statusInFlight
		case t.status == statusInFlight && !assigned:
			t.status = statusLost
			changed = true
		}
	}
	if changed {
		c.broadcast()
	}
}

// Pending returns the number of tracked tasks that have not completed yet.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tasks {
		if t.status == statusPending || t.status == statusInFlight {
			n++
		}
	}
	return n
}

// Close releases every waiter with ErrStopped.
func (c *Correlator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.broadcast()
}

// consume must be called with mu held.
func (c *Correlator) consume(id string) *Completion {
	t := c.tasks[id]
	delete(c.tasks, id)
	c.completed = slice.Filter(c.completed, func(_ int, item string) bool { return item != id })
	return t.completion
}

// WaitForTask blocks until taskID completes, ctx ends or timeout elapses. A
// timeout of zero or less waits without a deadline. The completion is consumed.
func (c *Correlator) WaitForTask(ctx context.Context, taskID string, timeout time.Duration) (*Completion, error) {
	return c.wait(ctx, timeout, func() (*Completion, bool, error) {
		t, ok := c.tasks[taskID]
		switch {
		case !ok:
			return nil, true, ErrTaskNotFound
		case t.status == statusCompleted:
			return c.consume(taskID), true, nil
		case t.status == statusLost:
			delete(c.tasks, taskID)
			return nil, true, ErrTaskNotFound
		}
		return nil, false, nil
	})
}

// WaitForAny returns the oldest unconsumed completion.
func (c *Correlator) WaitForAny(ctx context.Context, timeout time.Duration) (*Completion, error) {
	return c.wait(ctx, timeout, func() (*Completion, bool, error) {
		if len(c.completed) == 0 {
			return nil, false, nil
		}
		return c.consume(c.completed[0]), true, nil
	})
}

// wait re-evaluates check, under mu, each time the correlator changes.
func (c *Correlator) wait(ctx context.Context, timeout time.Duration, check func() (*Completion, bool, error)) (*Completion, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		c.mu.Lock()
		completion, done, err := check()
		if done {
			c.mu.Unlock()
			return completion, err
		}
		if c.closed {
			c.mu.Unlock()
			return nil, ErrStopped
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-deadline:
			return nil, ErrTaskNotCompleted
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
