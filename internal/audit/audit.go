// Package audit records every privileged action twice: an append-only JSONL
// file under <home>/logs, and a row in the audit_logs table. Both writes are
// best effort; auditing never fails the action it describes.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/clawd/internal/shared"
)

// RowWriter is the slice of the store the recorder needs.
type RowWriter interface {
	InsertAuditRow(ctx context.Context, userID *int64, action string, detailJSON, errorText *string) error
}

type entry struct {
	Timestamp string `json:"timestamp"`
	UserID    *int64 `json:"user_id,omitempty"`
	Action    string `json:"action"`
	Detail    string `json:"detail,omitempty"`
	ErrorText string `json:"error_text,omitempty"`
}

var (
	mu         sync.Mutex
	file       *os.File
	store      RowWriter
	errorCount atomic.Int64
)

// Init opens the JSONL audit log under homeDir. Safe to call twice.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetStore wires the database side of the recorder.
func SetStore(s RowWriter) {
	mu.Lock()
	defer mu.Unlock()
	store = s
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// ErrorCount returns the number of recorded failures since startup.
func ErrorCount() int64 {
	return errorCount.Load()
}

// Record writes one audit event. userID may be nil for system events,
// detailJSON and errorText may be empty.
func Record(userID *int64, action, detailJSON, errorText string) {
	if errorText != "" {
		errorCount.Add(1)
	}

	// Secrets never reach the audit trail.
	detailJSON = shared.Redact(detailJSON)
	errorText = shared.Redact(errorText)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			UserID:    userID,
			Action:    action,
			Detail:    detailJSON,
			ErrorText: errorText,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if store != nil {
		var detail, errText *string
		if detailJSON != "" {
			detail = &detailJSON
		}
		if errorText != "" {
			errText = &errorText
		}
		_ = store.InsertAuditRow(context.Background(), userID, action, detail, errText)
	}
}
