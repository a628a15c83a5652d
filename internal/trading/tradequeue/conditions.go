package tradequeue

import (
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/fxarena/internal/trading/model"
)

// FillCondition reports whether a working order triggers against q and the
// side price it fills at. Buy orders look at the ask, sell orders at the bid.
//
//	buy limit:  ask <= limit    sell limit: bid >= limit
//	buy stop:   ask >= stop     sell stop:  bid <= stop
func FillCondition(o *model.Order, q model.Quote) (bool, decimal.Decimal) {
	price := q.EntryPrice(o.Side)
	target := o.RequestedPrice
	if !price.IsPositive() || !target.IsPositive() {
		return false, decimal.Zero
	}
	var hit bool
	switch {
	case o.Type == model.OrderTypeLimit && o.Side == model.OrderSideBuy:
		hit = price.LessThanOrEqual(target)
	case o.Type == model.OrderTypeLimit && o.Side == model.OrderSideSell:
		hit = price.GreaterThanOrEqual(target)
	case o.Type == model.OrderTypeStop && o.Side == model.OrderSideBuy:
		hit = price.GreaterThanOrEqual(target)
	case o.Type == model.OrderTypeStop && o.Side == model.OrderSideSell:
		hit = price.LessThanOrEqual(target)
	}
	return hit, price
}

// ExitDecision is the outcome of evaluating a position's exit levels.
type ExitDecision struct {
	Triggered    bool
	Reason       model.CloseReason
	Trailing     bool
	TrailingStop decimal.NullDecimal
}

// EvaluateExit checks take-profit first, then stop-loss, then the trailing
// stop, at the position's closing-side price. When nothing triggers the
// trailing stop is ratcheted toward the market and returned for persistence.
func EvaluateExit(p *model.Position, price decimal.Decimal) ExitDecision {
	long := p.Side == model.PositionSideLong
	out := ExitDecision{TrailingStop: p.TrailingStopPrice}

	if p.TakeProfit.Valid {
		tp := p.TakeProfit.Decimal
		if (long && price.GreaterThanOrEqual(tp)) || (!long && price.LessThanOrEqual(tp)) {
			out.Triggered, out.Reason = true, model.CloseReasonTakeProfit
			return out
		}
	}
	if p.StopLoss.Valid {
		sl := p.StopLoss.Decimal
		if (long && price.LessThanOrEqual(sl)) || (!long && price.GreaterThanOrEqual(sl)) {
			out.Triggered, out.Reason = true, model.CloseReasonStopLoss
			return out
		}
	}
	if !p.TrailingDistance.Valid || !p.TrailingDistance.Decimal.IsPositive() {
		return out
	}

	if p.TrailingStopPrice.Valid {
		ts := p.TrailingStopPrice.Decimal
		if (long && price.LessThanOrEqual(ts)) || (!long && price.GreaterThanOrEqual(ts)) {
			out.Triggered, out.Reason, out.Trailing = true, model.CloseReasonStopLoss, true
			return out
		}
	}

	dist := p.TrailingDistance.Decimal
	var candidate decimal.Decimal
	if long {
		candidate = price.Sub(dist)
	} else {
		candidate = price.Add(dist)
	}
	switch {
	case !p.TrailingStopPrice.Valid:
		out.TrailingStop = decimal.NewNullDecimal(candidate)
	case long && candidate.GreaterThan(p.TrailingStopPrice.Decimal):
		out.TrailingStop = decimal.NewNullDecimal(candidate)
	case !long && candidate.LessThan(p.TrailingStopPrice.Decimal):
		out.TrailingStop = decimal.NewNullDecimal(candidate)
	}
	return out
}
