// Package risk computes participant margin levels and classifies them against
// the configured thresholds.
package risk

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/fxarena/internal/trading/model"
	"github.com/Aidin1998/fxarena/internal/trading/pnl"
)

// Status is the margin classification of a participant.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusWarning     Status = "warning"
	StatusMarginCall  Status = "margin_call"
	StatusLiquidation Status = "liquidation"
)

var hundred = decimal.NewFromInt(100)

// Level is a margin level percentage. Unbounded means no margin is in use.
type Level struct {
	Percent   decimal.Decimal
	Unbounded bool
}

// AtOrBelow reports whether the level is at or under threshold. An unbounded
// level is never at risk.
func (l Level) AtOrBelow(threshold decimal.Decimal) bool {
	return !l.Unbounded && l.Percent.LessThanOrEqual(threshold)
}

func (l Level) String() string {
	if l.Unbounded {
		return "+Inf"
	}
	return l.Percent.StringFixed(2)
}

// MarshalJSON renders an unbounded level as null.
func (l Level) MarshalJSON() ([]byte, error) {
	if l.Unbounded {
		return []byte("null"), nil
	}
	return json.Marshal(l.Percent)
}

// MarginLevel is (capital + unrealized) / usedMargin * 100, unbounded when usedMargin <= 0.
func MarginLevel(capital, unrealized, usedMargin decimal.Decimal) Level {
	if !usedMargin.IsPositive() {
		return Level{Unbounded: true}
	}
	return Level{Percent: capital.Add(unrealized).Div(usedMargin).Mul(hundred)}
}

// Classify maps a level onto a status. Thresholds are assumed validated.
func Classify(level Level, t Thresholds) Status {
	switch {
	case level.AtOrBelow(t.Liquidation):
		return StatusLiquidation
	case level.AtOrBelow(t.MarginCall):
		return StatusMarginCall
	case level.AtOrBelow(t.Warning):
		return StatusWarning
	default:
		return StatusHealthy
	}
}

// Assessment is the full margin picture of a participant at one instant.
type Assessment struct {
	Capital       decimal.Decimal `json:"capital"`
	UsedMargin    decimal.Decimal `json:"used_margin"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Equity        decimal.Decimal `json:"equity"`
	FreeMargin    decimal.Decimal `json:"free_margin"`
	Level         Level           `json:"margin_level"`
	Status        Status          `json:"status"`
}

// Evaluate validates thresholds and classifies the participant.
func Evaluate(capital, unrealized, usedMargin decimal.Decimal, t Thresholds) (Assessment, error) {
	if err := t.Validate(); err != nil {
		return Assessment{}, err
	}
	equity := capital.Add(unrealized)
	level := MarginLevel(capital, unrealized, usedMargin)
	return Assessment{
		Capital:       capital,
		UsedMargin:    usedMargin,
		UnrealizedPnL: unrealized,
		Equity:        equity,
		FreeMargin:    equity.Sub(usedMargin),
		Level:         level,
		Status:        Classify(level, t),
	}, nil
}

// PositionMark is the valuation of a single open position.
type PositionMark struct {
	PositionID uuid.UUID
	Price      decimal.Decimal
	Result     pnl.Result
}

// ExposureResult aggregates unrealized P&L over a set of positions.
type ExposureResult struct {
	UnrealizedPnL decimal.Decimal
	Marks         []PositionMark
	Missing       []model.Symbol
}

// Exposure values every open position against quotes. Positions whose symbol
// has no quote are reported in Missing and contribute nothing.
func Exposure(calc *pnl.Calculator, positions []*model.Position, quotes map[model.Symbol]model.Quote) (ExposureResult, error) {
	res := ExposureResult{UnrealizedPnL: decimal.Zero}
	seen := make(map[model.Symbol]bool)
	for _, p := range positions {
		if p.Status != model.PositionStatusOpen {
			continue
		}
		q, ok := quotes[p.Symbol]
		if !ok {
			if !seen[p.Symbol] {
				seen[p.Symbol] = true
				res.Missing = append(res.Missing, p.Symbol)
			}
			continue
		}
		r, price, err := calc.Mark(p, q)
		if err != nil {
			return ExposureResult{}, err
		}
		res.UnrealizedPnL = res.UnrealizedPnL.Add(r.PnL)
		res.Marks = append(res.Marks, PositionMark{PositionID: p.ID, Price: price, Result: r})
	}
	return res, nil
}
