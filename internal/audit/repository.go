// Package audit records media ingest, rollback, and delete events in the
// audit_log table. Events are written asynchronously so that logging never
// blocks or fails an upload.
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/GyroZepelix/mithril-media/internal/database"
)

// Repository writes audit events to PostgreSQL.
type Repository struct {
	db *database.DB
}

// NewRepository creates a new audit Repository.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// Insert writes a single audit event. Empty RequestID, Resource, and
// ResourceID values are stored as NULL.
func (r *Repository) Insert(ctx context.Context, event Event) error {
	var payloadJSON []byte
	if event.Payload != nil {
		var err error
		payloadJSON, err = json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("marshaling audit payload: %w", err)
		}
	}

	_, err := r.db.Pool().Exec(ctx,
		`INSERT INTO audit_log (action, request_id, resource, resource_id, payload)
		 VALUES ($1, $2, $3, $4, $5)`,
		event.Action,
		nullIfEmpty(event.RequestID),
		nullIfEmpty(event.Resource),
		nullIfEmpty(event.ResourceID),
		nullableJSON(payloadJSON),
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// nullIfEmpty maps an empty string to SQL NULL.
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullableJSON maps an absent payload to SQL NULL.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
