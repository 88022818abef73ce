package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// StoreLogger persists audit events to the audit_events table.
type StoreLogger struct {
	db *sql.DB
}

func NewStoreLogger(db *sql.DB) *StoreLogger {
	return &StoreLogger{db: db}
}

func (l *StoreLogger) Record(ctx context.Context, action string, leadID int64, outcome string, detail map[string]any) error {
	if l.db == nil {
		return fmt.Errorf("fail-closed: audit store not configured")
	}
	if detail == nil {
		detail = map[string]any{}
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return err
	}

	var lid sql.NullInt64
	if leadID != 0 {
		lid = sql.NullInt64{Int64: leadID, Valid: true}
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_id, lead_id, action, outcome, detail)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.New().String(), lid, action, outcome, raw)
	if err != nil {
		return fmt.Errorf("record audit event %s: %w", action, err)
	}
	return nil
}

// Tee records to several loggers, failing on the first error.
func Tee(loggers ...Logger) Logger {
	return teeLogger(loggers)
}

type teeLogger []Logger

func (t teeLogger) Record(ctx context.Context, action string, leadID int64, outcome string, detail map[string]any) error {
	for _, l := range t {
		if err := l.Record(ctx, action, leadID, outcome, detail); err != nil {
			return err
		}
	}
	return nil
}
