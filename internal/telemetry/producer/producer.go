// Package producer publishes telemetry events to a broker (Kafka) for the worker to ship to Loki.
package producer

import (
	"context"

	"push-auth-control-plane/backend/internal/telemetry"
)

// Producer emits telemetry events. It satisfies telemetry.EventEmitter so it can join a telemetry.Multi.
type Producer interface {
	// Emit sends a single event. Implementations may block briefly; wrap with telemetry.EmitAsync from handlers.
	Emit(ctx context.Context, event *telemetry.Event) error
	// Close releases resources (e.g. Kafka writer). Safe to call if already closed.
	Close() error
}
