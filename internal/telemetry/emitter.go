// Package telemetry records operational events through the storage contract.
package telemetry

import (
	"context"
	"time"

	"github.com/quoteforge/quoteforge/internal/storage"
)

// Severity describes the telemetry severity level.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// Emitter records operational telemetry events.
type Emitter struct {
	store storage.TelemetryStore
	clock func() time.Time
}

// NewEmitter creates a new telemetry emitter.
func NewEmitter(store storage.TelemetryStore) *Emitter {
	return &Emitter{store: store, clock: time.Now}
}

// Emit records a telemetry event. It is a no-op when the store is nil.
func (e *Emitter) Emit(ctx context.Context, evt storage.TelemetryEvent) error {
	if e == nil || e.store == nil {
		return nil
	}
	if evt.Timestamp.IsZero() {
		if e.clock == nil {
			evt.Timestamp = time.Now().UTC()
		} else {
			evt.Timestamp = e.clock().UTC()
		}
	}
	return e.store.AppendTelemetryEvent(ctx, evt)
}

// Infof emits an INFO event for a component with structured fields.
func (e *Emitter) Infof(ctx context.Context, component, message string, fields map[string]string) {
	_ = e.Emit(ctx, storage.TelemetryEvent{
		Severity:  string(SeverityInfo),
		Component: component,
		Message:   message,
		Fields:    fields,
	})
}

// Errorf emits an ERROR event for a component with structured fields.
func (e *Emitter) Errorf(ctx context.Context, component, message string, fields map[string]string) {
	_ = e.Emit(ctx, storage.TelemetryEvent{
		Severity:  string(SeverityError),
		Component: component,
		Message:   message,
		Fields:    fields,
	})
}

// Warnf emits a WARN event for a component with structured fields.
func (e *Emitter) Warnf(ctx context.Context, component, message string, fields map[string]string) {
	_ = e.Emit(ctx, storage.TelemetryEvent{
		Severity:  string(SeverityWarn),
		Component: component,
		Message:   message,
		Fields:    fields,
	})
}
