package rest

import (
	"time"

	"yqhp/taskmesh/internal/master"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status        string `json:"status"`
	State         string `json:"state,omitempty"`
	HasConnection bool   `json:"has_connection"`
	Timestamp     string `json:"timestamp"`
}

// SubmitResponse is returned for an accepted task.
type SubmitResponse struct {
	TaskID string `json:"task_id"`
}

// CompletionResponse represents a completed task.
type CompletionResponse struct {
	TaskID      string  `json:"task_id"`
	NodeID      string  `json:"node_id,omitempty"`
	Result      string  `json:"result"`
	NodeLost    bool    `json:"node_lost"`
	Error       string  `json:"error,omitempty"`
	CompletedAt string  `json:"completed_at"`
	LatencyMs   float64 `json:"latency_ms"`
}

// NodeListResponse represents the registered nodes.
type NodeListResponse struct {
	Nodes []master.NodeSnapshot `json:"nodes"`
	Total int                   `json:"total"`
}

func toCompletionResponse(c *master.Completion) *CompletionResponse {
	return &CompletionResponse{
		TaskID:      c.TaskID,
		NodeID:      c.NodeID,
		Result:      string(c.Result),
		NodeLost:    c.NodeLost,
		Error:       c.Error,
		CompletedAt: formatTime(c.CompletedAt),
		LatencyMs:   float64(c.Latency) / float64(time.Millisecond),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}
