// Package event defines the document stored per inference task (Event),
// its status lifecycle, and the canonical content hash used for caching.
package event

import "time"

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Event is the document indexed per message_id, aggregated by batch_id.
type Event struct {
	MessageID string `json:"message_id"`
	BatchID   string `json:"batch_id"`
	CustomID  string `json:"custom_id"`
	Dataset   string `json:"dataset,omitempty"`

	Method string         `json:"method"`
	URL    string         `json:"url"`
	Body   map[string]any `json:"body"`

	// BodyHash is sha256(canonicalJSON(Body)), base64 standard encoding.
	// It is the sole key used to find a reusable cached completion.
	BodyHash string `json:"body_hash"`

	Status  Status `json:"status"`
	Cached  bool   `json:"cached"`
	Attempt int    `json:"attempt"`

	Result      map[string]any `json:"result,omitempty"`
	Completions map[string]any `json:"completions,omitempty"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	Source map[string]any `json:"source,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  *int64     `json:"duration_ms,omitempty"`
}

// NewPending builds an Event in PENDING state from a validated JSONL line.
func NewPending(messageID, batchID string, line Line, now time.Time) (Event, error) {
	hash, err := BodyHash(line.Body)
	if err != nil {
		return Event{}, err
	}
	return Event{
		MessageID: messageID,
		BatchID:   batchID,
		CustomID:  line.CustomID,
		Method:    line.Method,
		URL:       line.URL,
		Body:      line.Body,
		BodyHash:  hash,
		Status:    StatusPending,
		Attempt:   0,
		CreatedAt: now,
	}, nil
}

// MarkProcessing bumps Attempt and stamps StartedAt for a retry re-entry.
func (e *Event) MarkProcessing(now time.Time) {
	e.Status = StatusProcessing
	e.Attempt++
	e.StartedAt = &now
}

// Duration returns CompletedAt - StartedAt, or nil if either is unset.
func (e *Event) Duration() *int64 {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return nil
	}
	ms := e.CompletedAt.Sub(*e.StartedAt).Milliseconds()
	return &ms
}

// BatchStatus derives the aggregate status of a batch from its per-status
// counts, in priority order PROCESSING > PENDING > FAILED > COMPLETED.
func BatchStatus(counts map[Status]int) Status {
	if counts[StatusProcessing] > 0 {
		return StatusProcessing
	}
	if counts[StatusPending] > 0 {
		return StatusPending
	}
	if counts[StatusFailed] > 0 {
		return StatusFailed
	}
	return StatusCompleted
}
