package master

import "sync"

const maxPort = 65535

// PortAllocator hands out (task, completion) port pairs starting right above the
// initialize port. Pairs are never reused for the lifetime of the allocator.
type PortAllocator struct {
	mu   sync.Mutex
	next int
}

// NewPortAllocator creates an allocator whose first pair is (initPort+1, initPort+2).
func NewPortAllocator(initPort int) *PortAllocator {
	return &PortAllocator{next: initPort + 1}
}

// Next returns the next unused pair.
func (a *PortAllocator) Next() (taskPort, completionPort int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.next+1 > maxPort {
		return 0, 0, ErrPortsExhausted
	}
	taskPort, completionPort = a.next, a.next+1
	a.next += 2
	return taskPort, completionPort, nil
}
