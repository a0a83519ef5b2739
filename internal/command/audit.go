package command

import (
	"time"

	"github.com/cornmankl/whatsapp-qr-optimizer/internal/fsstore"
)

// AuditEntry is one line of the command audit trail. Message text is not
// recorded.
type AuditEntry struct {
	Time       time.Time `json:"time"`
	SessionID  string    `json:"session_id"`
	Sender     string    `json:"sender"`
	Type       string    `json:"type"`
	Action     string    `json:"action,omitempty"`
	Outcome    string    `json:"outcome"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

type Auditor interface {
	Record(e AuditEntry) error
}

// JSONLAuditor appends entries to a size-rotated JSONL file.
type JSONLAuditor struct {
	w *fsstore.JSONLWriter
}

func OpenJSONLAuditor(path string, maxBytes int64) (*JSONLAuditor, error) {
	w, err := fsstore.NewJSONLWriter(path, fsstore.JSONLOptions{RotateMaxBytes: maxBytes})
	if err != nil {
		return nil, err
	}
	return &JSONLAuditor{w: w}, nil
}

func (a *JSONLAuditor) Record(e AuditEntry) error {
	return a.w.Append(e)
}

func (a *JSONLAuditor) Path() string {
	return a.w.Path()
}

func (a *JSONLAuditor) Close() error {
	return a.w.Close()
}
