package api

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditEntry records one destructive or otherwise notable API call.
type AuditEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource,omitempty"`
	Result    string                 `json:"result"`
	IP        string                 `json:"ip"`
	UserAgent string                 `json:"user_agent"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// AuditLogger writes AuditEntry records to a size/backup-rotated file via
// lumberjack, the same rotation strategy the teacher's rbac-and-tokens
// package uses for its own audit trail.
type AuditLogger struct {
	mu     sync.Mutex
	writer io.WriteCloser
}

// NewAuditLogger opens (creating if necessary) the rotating audit log at path.
func NewAuditLogger(path string, maxSizeMB, maxBackups int) *AuditLogger {
	return &AuditLogger{
		writer: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			Compress:   true,
		},
	}
}

// Log appends one entry, newline-delimited JSON.
func (l *AuditLogger) Log(entry AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.writer.Write(data)
	return err
}

// Close closes the underlying lumberjack logger.
func (l *AuditLogger) Close() error {
	return l.writer.Close()
}
