package proxy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// AuditLog appends payment lifecycle events to a JSONL file under the
// state dir. Writes are best-effort; failures never affect requests.
type AuditLog struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewAuditLog returns a logger writing to path; an empty path disables it.
func NewAuditLog(path string) *AuditLog {
	return &AuditLog{path: path, now: time.Now}
}

// PaymentLogPath is the conventional audit log location under a state dir.
func PaymentLogPath(stateDir string) string {
	return filepath.Join(stateDir, "payments", "settlement.log")
}

func (l *AuditLog) Append(event string, data map[string]any) {
	if l == nil || strings.TrimSpace(l.path) == "" {
		return
	}
	entry := map[string]any{
		"ts":    l.now().UTC().Format(time.RFC3339Nano),
		"event": event,
		"data":  data,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer func() {
		_ = f.Close()
	}()
	_, _ = fmt.Fprintf(f, "%s\n", raw)
}
