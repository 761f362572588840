package events

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// Emission is the payload handed to a Sink's Emit method: one row in the
// append-only event log.
type Emission struct {
	EventName     string
	Data          any
	RunID         *uuid.UUID
	StepID        *uuid.UUID
	CorrelationID uuid.UUID
	Actor         string
	ResourceRef   string
}

// Sink persists one event row and returns its generated id. Implementations
// never block on downstream consumers; the event row itself is the durable
// record (transactional outbox), any external publication is optional and
// downstream of this call.
type Sink interface {
	Emit(ctx context.Context, e Emission) (uuid.UUID, error)
}

// MarshalData is a convenience used by callers building an Emission.Data
// field from a plain map or struct.
func MarshalData(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
