package sqlite

import (
	"context"
	"fmt"

	"github.com/quoteforge/quoteforge/internal/storage"
)

// AppendTelemetryEvent records one operational event.
func (s *Store) AppendTelemetryEvent(ctx context.Context, evt storage.TelemetryEvent) error {
	fields, err := encodeJSON(evt.Fields, "{}")
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx, `
		INSERT INTO telemetry_events (timestamp, severity, component, message, fields_json)
		VALUES (?, ?, ?, ?, ?)`,
		toMillis(evt.Timestamp), evt.Severity, evt.Component, evt.Message, fields)
	if err != nil {
		return fmt.Errorf("append telemetry event: %w", err)
	}
	return nil
}
