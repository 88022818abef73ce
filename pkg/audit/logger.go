// Package audit records pipeline decisions as structured events, both
// to a writer for log scraping and to the audit_events table for
// operator queries.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Pipeline actions worth an audit trail.
const (
	ActionIngested    = "lead.ingested"
	ActionReplayed    = "lead.replayed"
	ActionValidated   = "lead.validated"
	ActionRejected    = "lead.rejected"
	ActionDuplicate   = "lead.duplicate"
	ActionRouted      = "lead.routed"
	ActionNoRoute     = "lead.no_route"
	ActionDelivered   = "lead.delivered"
	ActionDeliveryErr = "lead.delivery_failed"
)

// Event is one structured audit record.
type Event struct {
	ID        string         `json:"id"`
	LeadID    int64          `json:"lead_id,omitempty"`
	Action    string         `json:"action"`
	Outcome   string         `json:"outcome"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Logger records audit events.
type Logger interface {
	Record(ctx context.Context, action string, leadID int64, outcome string, detail map[string]any) error
}

// writerLogger writes one JSON event per line, prefixed for easy
// filtering.
type writerLogger struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &writerLogger{w: w}
}

func (l *writerLogger) Record(_ context.Context, action string, leadID int64, outcome string, detail map[string]any) error {
	event := Event{
		ID:        uuid.New().String(),
		LeadID:    leadID,
		Action:    action,
		Outcome:   outcome,
		Timestamp: time.Now().UTC(),
		Detail:    detail,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = l.w.Write(append([]byte("AUDIT: "), append(raw, '\n')...))
	return err
}
