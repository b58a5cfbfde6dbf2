package protocol

import "time"

// MessageType tags a message on the wire.
type MessageType string

const (
	// TypePortAssignment is sent by the master on the initialize port.
	TypePortAssignment MessageType = "port_assignment"
	// TypeHeartbeat probes a slave's task port.
	TypeHeartbeat MessageType = "heartbeat"
	// TypeHeartbeatResponse is the slave's reply to a heartbeat.
	TypeHeartbeatResponse MessageType = "heartbeat_response"
	// TypeTaskAssignment delivers one task to a slave.
	TypeTaskAssignment MessageType = "task_assignment"
	// TypeTaskCompletion reports a finished task to the master.
	TypeTaskCompletion MessageType = "task_completion"
	// TypeNodeInfo carries worker metadata to the master.
	TypeNodeInfo MessageType = "node_info"
)

// Message is implemented by every variant of the catalog.
type Message interface {
	Type() MessageType
}

// PortAssignment tells a newly discovered slave which ports it owns.
type PortAssignment struct {
	TaskPort       int `json:"task_port"`
	CompletionPort int `json:"completion_port"`
}

// Heartbeat is a liveness probe.
type Heartbeat struct {
	SentAt time.Time `json:"sent_at"`
}

// HeartbeatResponse acknowledges a Heartbeat.
type HeartbeatResponse struct {
	SentAt time.Time `json:"sent_at"`
	Busy   bool      `json:"busy"`
}

// TaskAssignment hands one unit of work to a slave.
type TaskAssignment struct {
	TaskID  string `json:"task_id"`
	Payload []byte `json:"payload,omitempty"`
}

// TaskCompletion reports the result of a task.
type TaskCompletion struct {
	TaskID string `json:"task_id"`
	Result []byte `json:"result,omitempty"`
}

// NodeInfo describes the worker behind a node.
type NodeInfo struct {
	Hostname string `json:"hostname,omitempty"`
	CPUCount int    `json:"cpu_count"`
}

func (*PortAssignment) Type() MessageType    { return TypePortAssignment }
func (*Heartbeat) Type() MessageType         { return TypeHeartbeat }
func (*HeartbeatResponse) Type() MessageType { return TypeHeartbeatResponse }
func (*TaskAssignment) Type() MessageType    { return TypeTaskAssignment }
func (*TaskCompletion) Type() MessageType    { return TypeTaskCompletion }
func (*NodeInfo) Type() MessageType          { return TypeNodeInfo }
