package event

import (
	"encoding/json"

	derrors "github.com/synthgen/dispatcher/internal/errors"
)

// Line is one row of an uploaded JSONL batch file.
type Line struct {
	CustomID string         `json:"custom_id"`
	Method   string         `json:"method"`
	URL      string         `json:"url"`
	Body     map[string]any `json:"body"`
}

// ParseLine unmarshals and validates a single JSONL row. Invalid rows are
// skipped by the ingestion worker, never abort the whole batch.
func ParseLine(raw []byte) (Line, error) {
	var l Line
	if err := json.Unmarshal(raw, &l); err != nil {
		return Line{}, derrors.NewValidation("malformed json line: %v", err)
	}
	if l.CustomID == "" {
		return Line{}, derrors.NewValidation("missing custom_id")
	}
	if l.Method == "" {
		return Line{}, derrors.NewValidation("missing method")
	}
	if l.URL == "" {
		return Line{}, derrors.NewValidation("missing url")
	}
	if l.Body == nil {
		return Line{}, derrors.NewValidation("missing body")
	}
	return l, nil
}
