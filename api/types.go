// Package api holds the JSON types exchanged over the resvd HTTP API.
package api

import "encoding/json"

// ErrorResponse is returned by every failing endpoint.
type ErrorResponse struct {
	// ErrorCode is the stable resvd error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// RetryAfterSeconds is the server-provided retry hint in seconds.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}

// TaskStatus describes one tracked task.
type TaskStatus struct {
	TaskID     string          `json:"task_id"`
	Task       string          `json:"task,omitempty"`
	Queue      string          `json:"queue"`
	Tags       []string        `json:"tags,omitempty"`
	State      string          `json:"state"`
	StartTime  int64           `json:"start_time,omitempty"`
	FinishTime int64           `json:"finish_time,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Progress   json.RawMessage `json:"progress,omitempty"`
	Traceback  string          `json:"traceback,omitempty"`
	CreatedAt  int64           `json:"created_at"`
	UpdatedAt  int64           `json:"updated_at"`
}

// TaskListResponse is returned by GET /v1/tasks.
type TaskListResponse struct {
	Tasks []TaskStatus `json:"tasks"`
}

// DispatchRequest is the body of POST /v1/tasks. When ResourceType and
// ResourceID are set the task runs under a reservation of that resource.
type DispatchRequest struct {
	Task         string          `json:"task"`
	Args         json.RawMessage `json:"args,omitempty"`
	ResourceType string          `json:"resource_type,omitempty"`
	ResourceID   string          `json:"resource_id,omitempty"`
	Queue        string          `json:"queue,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
}

// DispatchResponse reports where a task was queued.
type DispatchResponse struct {
	TaskID   string `json:"task_id"`
	Task     string `json:"task"`
	Queue    string `json:"queue"`
	Resource string `json:"resource,omitempty"`
}

// CancelResponse is returned by DELETE /v1/tasks/{id}.
type CancelResponse struct {
	TaskID   string `json:"task_id"`
	Canceled bool   `json:"canceled"`
}

// QueueLoad describes one dedicated queue.
type QueueLoad struct {
	Queue        string `json:"queue"`
	Count        int64  `json:"count"`
	Pending      int    `json:"pending"`
	MissingSince int64  `json:"missing_since,omitempty"`
	UpdatedAt    int64  `json:"updated_at"`
}

// QueueListResponse is returned by GET /v1/queues.
type QueueListResponse struct {
	Queues []QueueLoad `json:"queues"`
}

// Reservation describes one reserved resource.
type Reservation struct {
	Resource  string `json:"resource"`
	Queue     string `json:"queue"`
	Count     int64  `json:"count"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// ReservationListResponse is returned by GET /v1/reservations.
type ReservationListResponse struct {
	Reservations []Reservation `json:"reservations"`
}

// ReconcileResponse summarises a reconcile pass.
type ReconcileResponse struct {
	Observed       []string `json:"observed"`
	Created        []string `json:"created,omitempty"`
	Restored       []string `json:"restored,omitempty"`
	MarkedMissing  []string `json:"marked_missing,omitempty"`
	Deleted        []string `json:"deleted,omitempty"`
	ConsumersAdded []string `json:"consumers_added,omitempty"`
}
