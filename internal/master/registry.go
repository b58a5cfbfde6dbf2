package master

import (
	"net"
	"strconv"
	"time"

	"github.com/duke-git/lancet/v2/slice"
)

// NodeState is the scheduling state of a registered node.
type NodeState string

const (
	NodeIdle NodeState = "idle"
	NodeBusy NodeState = "busy"
)

// Node is the manager's private record of a slave. Only the manager goroutine
// reads or writes it.
type Node struct {
	ID                  string
	Address             string
	TaskPort            int
	CompletionPort      int
	AssignedTask        string
	ConsecutiveFailures int
	LastContact         time.Time
	RegisteredAt        time.Time
	CPUCount            int
	Hostname            string

	stopReceiver func()
}

// NodeID builds the registry key for a slave.
func NodeID(address string, taskPort int) string {
	return net.JoinHostPort(address, strconv.Itoa(taskPort))
}

// State derives Idle/Busy from the assigned task.
func (n *Node) State() NodeState {
	if n.AssignedTask == "" {
		return NodeIdle
	}
	return NodeBusy
}

// NodeSnapshot is a read-only copy of a node published for callers outside the manager.
type NodeSnapshot struct {
	ID                  string    `json:"id"`
	Address             string    `json:"address"`
	TaskPort            int       `json:"task_port"`
	CompletionPort      int       `json:"completion_port"`
	State               NodeState `json:"state"`
	AssignedTask        string    `json:"assigned_task,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastContact         time.Time `json:"last_contact"`
	RegisteredAt        time.Time `json:"registered_at"`
	CPUCount            int       `json:"cpu_count,omitempty"`
	Hostname            string    `json:"hostname,omitempty"`
}

func (n *Node) snapshot() NodeSnapshot {
	return NodeSnapshot{
		ID:                  n.ID,
		Address:             n.Address,
		TaskPort:            n.TaskPort,
		CompletionPort:      n.CompletionPort,
		State:               n.State(),
		AssignedTask:        n.AssignedTask,
		ConsecutiveFailures: n.ConsecutiveFailures,
		LastContact:         n.LastContact,
		RegisteredAt:        n.RegisteredAt,
		CPUCount:            n.CPUCount,
		Hostname:            n.Hostname,
	}
}

// Registry keeps nodes in registration order. It is not safe for concurrent use.
type Registry struct {
	nodes map[string]*Node
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]*Node)}
}

// Add inserts a node. It returns false if the id is already registered.
func (r *Registry) Add(n *Node) bool {
	if _, ok := r.nodes[n.ID]; ok {
		return false
	}
	r.nodes[n.ID] = n
	r.order = append(r.order, n.ID)
	return true
}

// Get looks up a node by id.
func (r *Registry) Get(id string) (*Node, bool) {
	n, ok := r.nodes[id]
	return n, ok
}

// Remove deletes a node and returns it.
func (r *Registry) Remove(id string) (*Node, bool) {
	n, ok := r.nodes[id]
	if !ok {
		return nil, false
	}
	delete(r.nodes, id)
	r.order = slice.Filter(r.order, func(_ int, item string) bool { return item != id })
	return n, true
}

// FindByTask returns the node currently holding taskID.
func (r *Registry) FindByTask(taskID string) (*Node, bool) {
	if taskID == "" {
		return nil, false
	}
	for _, id := range r.order {
		if n := r.nodes[id]; n.AssignedTask == taskID {
			return n, true
		}
	}
	return nil, false
}

// Nodes returns the nodes in registration order.
func (r *Registry) Nodes() []*Node {
	out := make([]*Node, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.nodes[id])
	}
	return out
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	return len(r.nodes)
}

// InFlight returns the ids of all assigned tasks.
func (r *Registry) InFlight() []string {
	var ids []string
	for _, id := range r.order {
		if t := r.nodes[id].AssignedTask; t != "" {
			ids = append(ids, t)
		}
	}
	return ids
}

// Snapshots copies every node for publication.
func (r *Registry) Snapshots() []NodeSnapshot {
	out := make([]NodeSnapshot, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.nodes[id].snapshot())
	}
	return out
}
