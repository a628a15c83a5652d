package events

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies a domain event
type Type string

// Standard event types
const (
	OrderFilled          Type = "order_filled"
	OrderPartiallyFilled Type = "order_partially_filled"
	OrderRejected        Type = "order_rejected"
	OrderExpired         Type = "order_expired"
	OrderCancelled       Type = "order_cancelled"
	PositionOpened       Type = "position_opened"
	PositionClosed       Type = "position_closed"
	PositionLiquidated   Type = "position_liquidated"
	MarginWarning        Type = "margin_warning"
	MarginCall           Type = "margin_call"
	LiquidationConfirmed Type = "liquidation_confirmed"
	LiquidationRejected  Type = "liquidation_rejected"
	CompetitionEnded     Type = "competition_ended"
)

// Event is published after the state change it describes has committed.
type Event struct {
	ID            uuid.UUID              `json:"id"`
	Type          Type                   `json:"type"`
	OccurredAt    time.Time              `json:"occurred_at"`
	CompetitionID uuid.UUID              `json:"competition_id,omitempty"`
	ParticipantID uuid.UUID              `json:"participant_id,omitempty"`
	EntityID      uuid.UUID              `json:"entity_id,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}

// New stamps an event with an id and the current time.
func New(typ Type, participantID, entityID uuid.UUID, payload map[string]interface{}) Event {
	return Event{
		ID:            uuid.New(),
		Type:          typ,
		OccurredAt:    time.Now().UTC(),
		ParticipantID: participantID,
		EntityID:      entityID,
		Payload:       payload,
	}
}
