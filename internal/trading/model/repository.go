package model

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderUpdate is the set of fields written by an order transition.
type OrderUpdate struct {
	Status            OrderStatus
	FilledQuantity    decimal.Decimal
	RemainingQuantity decimal.Decimal
	ExecutedPrice     decimal.NullDecimal
	MarginRequired    decimal.Decimal
	Reason            string
	ExecutedAt        *time.Time
	UpdatedAt         time.Time
}

// PositionClose is the set of fields written by a terminal position transition.
type PositionClose struct {
	Status      PositionStatus
	CloseReason CloseReason
	ExitPrice   decimal.Decimal
	RealizedPnL decimal.Decimal
	ClosedAt    time.Time
}

// PositionMark is the mark-to-market written on every evaluation cycle.
type PositionMark struct {
	CurrentPrice      decimal.Decimal
	UnrealizedPnL     decimal.Decimal
	UnrealizedPnLPct  decimal.Decimal
	TrailingStopPrice decimal.NullDecimal
	UpdatedAt         time.Time
}

// ParticipantDelta is applied atomically to the participant ledger.
type ParticipantDelta struct {
	Capital     decimal.Decimal
	UsedMargin  decimal.Decimal
	RealizedPnL decimal.Decimal
	Trades      int
	Wins        int
	Losses      int
}

// Reader exposes point lookups shared by the repository and its transactions.
type Reader interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	GetPosition(ctx context.Context, id uuid.UUID) (*Position, error)
	GetParticipant(ctx context.Context, id uuid.UUID) (*Participant, error)
}

// Repository defines the persistence operations consumed by the engine
type Repository interface {
	Reader

	CreateOrder(ctx context.Context, order *Order) error
	CreateParticipant(ctx context.Context, participant *Participant) error

	ListPendingOrders(ctx context.Context) ([]*Order, error)
	ListPendingOrdersByCompetition(ctx context.Context, competitionID uuid.UUID) ([]*Order, error)
	ListTriggerPositions(ctx context.Context) ([]*Position, error)
	ListOpenPositions(ctx context.Context, participantID uuid.UUID) ([]*Position, error)
	ListOpenPositionsByCompetition(ctx context.Context, competitionID uuid.UUID) ([]*Position, error)
	ListParticipantsWithOpenPositions(ctx context.Context) ([]uuid.UUID, error)

	// MarkPosition updates price fields only while the position is still open.
	MarkPosition(ctx context.Context, id uuid.UUID, mark PositionMark) (bool, error)

	InTransaction(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the unit of atomic work for state transitions. Transition methods are
// compare-and-set: they report false without error when the entity is no
// longer in the expected state.
type Tx interface {
	Reader

	GetParticipantForUpdate(ctx context.Context, id uuid.UUID) (*Participant, error)
	TransitionOrder(ctx context.Context, id uuid.UUID, from []OrderStatus, update OrderUpdate) (bool, error)
	CreatePosition(ctx context.Context, position *Position) error
	ClosePosition(ctx context.Context, id uuid.UUID, update PositionClose) (bool, error)
	AdjustParticipant(ctx context.Context, id uuid.UUID, delta ParticipantDelta) (*Participant, error)
	RecordTransition(ctx context.Context, transition *StateTransition) error
}
