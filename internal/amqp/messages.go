package amqp

import (
	"encoding/json"
	"time"

	"budget/internal/migration"
)

// SchemaMigratedType is the message type of a SchemaEvent.
const SchemaMigratedType = "schema.migrated"

// SchemaEvent tells background consumers which schema the database is on
// after a startup migration. It carries the summary only, not the full report.
type SchemaEvent struct {
	Type          string    `json:"type"`
	RunID         string    `json:"run_id"`
	State         string    `json:"state"`
	Fresh         bool      `json:"fresh"`
	FailedSteps   []string  `json:"failed_steps,omitempty"`
	SchemaVersion uint      `json:"schema_version"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewSchemaEvent builds the event for a finished migration run.
func NewSchemaEvent(report migration.Report, schemaVersion uint) *SchemaEvent {
	return &SchemaEvent{
		Type:          SchemaMigratedType,
		RunID:         report.RunID,
		State:         string(report.State),
		Fresh:         report.Fresh,
		FailedSteps:   report.Failed(),
		SchemaVersion: schemaVersion,
		Timestamp:     time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *SchemaEvent) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// SchemaEventFromJSON creates a message from JSON bytes
func SchemaEventFromJSON(data []byte) (*SchemaEvent, error) {
	var msg SchemaEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
