package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

// EventRepo appends delivery events. The table is append-only: this
// subsystem never updates or deletes rows.
type EventRepo struct{ db *sql.DB }

// NewEventRepo creates a Postgres-backed delivery event repository.
func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db} }

// Append records one dispatch-level outcome for a send.
func (r *EventRepo) Append(ctx context.Context, sendID string, eventType domain.EventType, payload map[string]interface{}) error {
	var data []byte
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_events (id, send_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, uuid.New().String(), sendID, eventType, data)
	if err != nil {
		return fmt.Errorf("append delivery event: %w", err)
	}
	return nil
}
