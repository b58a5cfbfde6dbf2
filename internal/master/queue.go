package master

import "time"

// Task is one unit of submitted work.
type Task struct {
	ID        string
	Payload   []byte
	CreatedAt time.Time
}

// taskQueue is the manager-owned FIFO of pending tasks. A task whose send fails
// stays at the head until some node accepts it.
type taskQueue struct {
	items []*Task
}

func (q *taskQueue) Push(t *Task) {
	q.items = append(q.items, t)
}

func (q *taskQueue) Peek() (*Task, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

func (q *taskQueue) Pop() (*Task, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	t := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return t, true
}

func (q *taskQueue) Len() int {
	return len(q.items)
}
