package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// EventLogStore appends decision records to the event_logs table. Writes are
// observability only; callers treat failures as log-and-continue.
type EventLogStore struct {
	db *sql.DB
}

// NewEventLogStore creates an EventLogStore over the given connection pool.
func NewEventLogStore(db *sql.DB) *EventLogStore {
	return &EventLogStore{db: db}
}

// Append writes one event-log row. payload must be a JSON object; an empty
// payload is stored as {}.
func (s *EventLogStore) Append(ctx context.Context, source, decision string, payload json.RawMessage) error {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO event_logs (id, source, decision, payload) VALUES ($1, $2, $3, $4)",
		uuid.NewString(), source, decision, []byte(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to append event log: %w", err)
	}
	return nil
}
