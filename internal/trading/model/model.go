package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "github.com/Aidin1998/fxarena/pkg/errors"
)

// Symbol is a normalised currency pair, e.g. "EURUSD"
type Symbol string

// NormalizeSymbol upper-cases a feed symbol and strips separators ("eur/usd" -> "EURUSD").
func NormalizeSymbol(raw string) Symbol {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.NewReplacer("/", "", "_", "", "-", "", " ", "").Replace(s)
	return Symbol(s)
}

func (s Symbol) String() string { return string(s) }

type (
	OrderSide      string
	OrderType      string
	OrderStatus    string
	PositionSide   string
	PositionStatus string
	CloseReason    string
)

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"

	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"

	OrderStatusPending         OrderStatus = "pending"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"

	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"

	PositionStatusOpen       PositionStatus = "open"
	PositionStatusClosed     PositionStatus = "closed"
	PositionStatusLiquidated PositionStatus = "liquidated"

	CloseReasonUser           CloseReason = "user"
	CloseReasonStopLoss       CloseReason = "stop_loss"
	CloseReasonTakeProfit     CloseReason = "take_profit"
	CloseReasonMarginCall     CloseReason = "margin_call"
	CloseReasonCompetitionEnd CloseReason = "competition_end"
	CloseReasonChallengeEnd   CloseReason = "challenge_end"
)

// Order size and leverage bounds
var (
	MinQuantity = decimal.RequireFromString("0.01")
)

const (
	MinLeverage = 1
	MaxLeverage = 500
)

func (s OrderSide) Valid() bool { return s == OrderSideBuy || s == OrderSideSell }

// PositionSide is the side of the position opened when an order on this side fills.
func (s OrderSide) PositionSide() PositionSide {
	if s == OrderSideSell {
		return PositionSideShort
	}
	return PositionSideLong
}

func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit || t == OrderTypeStop
}

// IsTerminal reports whether no further transition may leave this status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

func (s PositionSide) Valid() bool { return s == PositionSideLong || s == PositionSideShort }

func (s PositionStatus) IsTerminal() bool {
	return s == PositionStatusClosed || s == PositionStatusLiquidated
}

func (r CloseReason) Valid() bool {
	switch r {
	case CloseReasonUser, CloseReasonStopLoss, CloseReasonTakeProfit,
		CloseReasonMarginCall, CloseReasonCompetitionEnd, CloseReasonChallengeEnd:
		return true
	}
	return false
}

// TerminalStatus is the position status a close with this reason ends in.
func (r CloseReason) TerminalStatus() PositionStatus {
	if r == CloseReasonMarginCall {
		return PositionStatusLiquidated
	}
	return PositionStatusClosed
}

// Order is a trader order as stored by the platform.
type Order struct {
	ID                uuid.UUID           `gorm:"type:uuid;primaryKey" json:"id"`
	CompetitionID     uuid.UUID           `gorm:"type:uuid;index" json:"competition_id"`
	ParticipantID     uuid.UUID           `gorm:"type:uuid;index" json:"participant_id"`
	Symbol            Symbol              `gorm:"type:varchar(16);index" json:"symbol"`
	Side              OrderSide           `gorm:"type:varchar(8)" json:"side"`
	Type              OrderType           `gorm:"type:varchar(8)" json:"type"`
	Quantity          decimal.Decimal     `gorm:"type:decimal(24,8)" json:"quantity"`
	RequestedPrice    decimal.Decimal     `gorm:"type:decimal(24,8)" json:"requested_price"`
	ExecutedPrice     decimal.NullDecimal `gorm:"type:decimal(24,8)" json:"executed_price"`
	Leverage          int                 `json:"leverage"`
	MarginRequired    decimal.Decimal     `gorm:"type:decimal(24,8)" json:"margin_required"`
	Status            OrderStatus         `gorm:"type:varchar(20);index" json:"status"`
	FilledQuantity    decimal.Decimal     `gorm:"type:decimal(24,8)" json:"filled_quantity"`
	RemainingQuantity decimal.Decimal     `gorm:"type:decimal(24,8)" json:"remaining_quantity"`
	StopLoss          decimal.NullDecimal `gorm:"type:decimal(24,8)" json:"stop_loss"`
	TakeProfit        decimal.NullDecimal `gorm:"type:decimal(24,8)" json:"take_profit"`
	TrailingDistance  decimal.NullDecimal `gorm:"type:decimal(24,8)" json:"trailing_distance"`
	Reason            string              `gorm:"type:text" json:"reason,omitempty"`
	PlacedAt          time.Time           `json:"placed_at"`
	ExecutedAt        *time.Time          `json:"executed_at,omitempty"`
	ExpiresAt         *time.Time          `gorm:"index" json:"expires_at,omitempty"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

func (Order) TableName() string { return "orders" }

// CheckInvariants verifies the quantity bookkeeping of an order.
func (o *Order) CheckInvariants() error {
	if !o.FilledQuantity.Add(o.RemainingQuantity).Equal(o.Quantity) {
		return apperrors.StateConflict.Explain("order %s: filled %s + remaining %s != quantity %s",
			o.ID, o.FilledQuantity, o.RemainingQuantity, o.Quantity)
	}
	if o.Status == OrderStatusFilled && !o.RemainingQuantity.IsZero() {
		return apperrors.StateConflict.Explain("order %s filled with remaining %s", o.ID, o.RemainingQuantity)
	}
	return nil
}

// Expired reports whether the order carries an expiry at or before now.
func (o *Order) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

// Position is an open or terminated leveraged exposure.
type Position struct {
	ID                uuid.UUID           `gorm:"type:uuid;primaryKey" json:"id"`
	CompetitionID     uuid.UUID           `gorm:"type:uuid;index" json:"competition_id"`
	ParticipantID     uuid.UUID           `gorm:"type:uuid;index" json:"participant_id"`
	OrderID           uuid.UUID           `gorm:"type:uuid;index" json:"order_id"`
	Symbol            Symbol              `gorm:"type:varchar(16);index" json:"symbol"`
	Side              PositionSide        `gorm:"type:varchar(8)" json:"side"`
	Quantity          decimal.Decimal     `gorm:"type:decimal(24,8)" json:"quantity"`
	EntryPrice        decimal.Decimal     `gorm:"type:decimal(24,8)" json:"entry_price"`
	CurrentPrice      decimal.Decimal     `gorm:"type:decimal(24,8)" json:"current_price"`
	UnrealizedPnL     decimal.Decimal     `gorm:"column:unrealized_pnl;type:decimal(24,8)" json:"unrealized_pnl"`
	UnrealizedPnLPct  decimal.Decimal     `gorm:"column:unrealized_pnl_pct;type:decimal(24,8)" json:"unrealized_pnl_pct"`
	StopLoss          decimal.NullDecimal `gorm:"type:decimal(24,8)" json:"stop_loss"`
	TakeProfit        decimal.NullDecimal `gorm:"type:decimal(24,8)" json:"take_profit"`
	TrailingDistance  decimal.NullDecimal `gorm:"type:decimal(24,8)" json:"trailing_distance"`
	TrailingStopPrice decimal.NullDecimal `gorm:"type:decimal(24,8)" json:"trailing_stop_price"`
	Leverage          int                 `json:"leverage"`
	MarginUsed        decimal.Decimal     `gorm:"type:decimal(24,8)" json:"margin_used"`
	MaintenanceMargin decimal.Decimal     `gorm:"type:decimal(24,8)" json:"maintenance_margin"`
	RealizedPnL       decimal.Decimal     `gorm:"column:realized_pnl;type:decimal(24,8)" json:"realized_pnl"`
	ExitPrice         decimal.NullDecimal `gorm:"type:decimal(24,8)" json:"exit_price"`
	Status            PositionStatus      `gorm:"type:varchar(12);index" json:"status"`
	CloseReason       CloseReason         `gorm:"type:varchar(20)" json:"close_reason,omitempty"`
	OpenedAt          time.Time           `json:"opened_at"`
	ClosedAt          *time.Time          `json:"closed_at,omitempty"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

func (Position) TableName() string { return "positions" }

// HasTriggers reports whether the position carries any automatic exit level.
func (p *Position) HasTriggers() bool {
	return p.TakeProfit.Valid || p.StopLoss.Valid || p.TrailingDistance.Valid
}

// Participant is the competition balance ledger of a trader.
type Participant struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	CompetitionID uuid.UUID       `gorm:"type:uuid;index" json:"competition_id"`
	Capital       decimal.Decimal `gorm:"type:decimal(24,8)" json:"capital"`
	UsedMargin    decimal.Decimal `gorm:"type:decimal(24,8)" json:"used_margin"`
	RealizedPnL   decimal.Decimal `gorm:"column:realized_pnl;type:decimal(24,8)" json:"realized_pnl"`
	TotalTrades   int             `json:"total_trades"`
	WinningTrades int             `json:"winning_trades"`
	LosingTrades  int             `json:"losing_trades"`
	Version       int64           `json:"version"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (Participant) TableName() string { return "participants" }

// FreeMargin is capital not reserved against open positions.
func (p *Participant) FreeMargin() decimal.Decimal {
	return p.Capital.Sub(p.UsedMargin)
}

// StateTransition is the audit record of an applied order or position transition.
type StateTransition struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	EntityType string    `gorm:"type:varchar(16);index" json:"entity_type"`
	EntityID   uuid.UUID `gorm:"type:uuid;index" json:"entity_id"`
	FromState  string    `gorm:"type:varchar(20)" json:"from_state"`
	ToState    string    `gorm:"type:varchar(20)" json:"to_state"`
	Reason     string    `gorm:"type:text" json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

func (StateTransition) TableName() string { return "state_transitions" }

const (
	EntityOrder    = "order"
	EntityPosition = "position"
)

// Quote is a bid/ask pair observed for a symbol. Quotes are never persisted.
type Quote struct {
	Symbol     Symbol          `json:"symbol"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Valid reports a positive bid and an ask not below the bid.
func (q Quote) Valid() bool {
	return q.Bid.IsPositive() && q.Ask.IsPositive() && q.Ask.GreaterThanOrEqual(q.Bid)
}

func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// EntryPrice is the side-appropriate price for an order: buy at ask, sell at bid.
func (q Quote) EntryPrice(side OrderSide) decimal.Decimal {
	if side == OrderSideBuy {
		return q.Ask
	}
	return q.Bid
}

// ExitPrice values a position at its closing side: long at bid, short at ask.
func (q Quote) ExitPrice(side PositionSide) decimal.Decimal {
	if side == PositionSideLong {
		return q.Bid
	}
	return q.Ask
}
