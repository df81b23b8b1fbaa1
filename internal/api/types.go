package api

import (
	"github.com/synthgen/dispatcher/internal/event"
	"github.com/synthgen/dispatcher/internal/eventstore"
)

// UploadBatchResponse is the body of a successful POST /api/v1/batches.
type UploadBatchResponse struct {
	BatchID    string `json:"batch_id"`
	TotalTasks int    `json:"total_tasks"`
}

// TaskResponse is the body of GET /api/v1/tasks/{message_id}: the event
// itself plus its informational place in the pending queue.
type TaskResponse struct {
	event.Event
	QueuePosition int `json:"queue_position,omitempty"`
}

// ListBatchesResponse is the body of GET /api/v1/batches.
type ListBatchesResponse struct {
	Total   int                     `json:"total"`
	Batches []eventstore.BatchStats `json:"batches"`
}

// TokenResponse is the body of GET /token.
type TokenResponse struct {
	IsValid bool `json:"isValid"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// ErrorResponse is the shared error envelope for every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
