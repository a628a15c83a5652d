// Package validation gates limit and stop order placement on direction and
// minimum distance from the market.
package validation

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/fxarena/internal/trading/model"
	"github.com/Aidin1998/fxarena/internal/trading/pnl"
	apperrors "github.com/Aidin1998/fxarena/pkg/errors"
)

// Rejection codes
const (
	CodeLimitAboveAsk        = "limit_above_ask"
	CodeLimitBelowBid        = "limit_below_bid"
	CodeStopBelowAsk         = "stop_below_ask"
	CodeStopAboveBid         = "stop_above_bid"
	CodeTooCloseToMarket     = "too_close_to_market"
	CodeInvalidPrice         = "invalid_price"
	CodeQuoteUnavailable     = "quote_unavailable"
	CodeUnsupportedOrderType = "unsupported_order_type"
)

// DefaultMinDistancePips applies to majors and JPY pairs alike.
const DefaultMinDistancePips = 10

// Result is the outcome of an order price check. On rejection Error holds the
// code and Explanation the values involved.
type Result struct {
	Valid       bool            `json:"valid"`
	Error       string          `json:"error,omitempty"`
	Explanation string          `json:"explanation,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Market      decimal.Decimal `json:"market_price"`
	MinDistance decimal.Decimal `json:"min_distance"`
}

// Err converts a rejection into a Validation error carrying the code.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	kind := apperrors.Validation
	if r.Error == CodeQuoteUnavailable {
		kind = apperrors.QuoteUnavailable
	}
	return kind.WithCode(r.Error).Explain("%s", r.Explanation)
}

// Validator has no side effects and is safe for concurrent use.
type Validator struct {
	symbols         *model.SymbolRegistry
	minDistancePips int
}

func New(symbols *model.SymbolRegistry, minDistancePips int) *Validator {
	if minDistancePips < 0 {
		minDistancePips = DefaultMinDistancePips
	}
	return &Validator{symbols: symbols, minDistancePips: minDistancePips}
}

// MinDistance is the required price gap for a symbol.
func (v *Validator) MinDistance(sym model.Symbol) decimal.Decimal {
	return v.symbols.Spec(sym).PipSize.Mul(decimal.NewFromInt(int64(v.minDistancePips)))
}

// ValidateLimitOrder requires a buy limit strictly below ask and a sell limit
// strictly above bid, at least the minimum distance away.
func (v *Validator) ValidateLimitOrder(side model.OrderSide, limitPrice decimal.Decimal, quote model.Quote, sym model.Symbol) Result {
	return v.Validate(model.OrderTypeLimit, side, limitPrice, quote, sym)
}

// ValidateStopOrder mirrors ValidateLimitOrder: a buy stop above ask, a sell stop below bid.
func (v *Validator) ValidateStopOrder(side model.OrderSide, stopPrice decimal.Decimal, quote model.Quote, sym model.Symbol) Result {
	return v.Validate(model.OrderTypeStop, side, stopPrice, quote, sym)
}

// Validate dispatches on order type. Market orders always pass.
func (v *Validator) Validate(typ model.OrderType, side model.OrderSide, price decimal.Decimal, quote model.Quote, sym model.Symbol) Result {
	if typ == model.OrderTypeMarket {
		return Result{Valid: true}
	}
	if typ != model.OrderTypeLimit && typ != model.OrderTypeStop {
		return reject(CodeUnsupportedOrderType, fmt.Sprintf("order type %q cannot be validated", typ))
	}
	if !side.Valid() {
		return reject(CodeInvalidPrice, fmt.Sprintf("unknown order side %q", side))
	}
	if !price.IsPositive() {
		return reject(CodeInvalidPrice, fmt.Sprintf("%s price must be positive, got %s", typ, price))
	}
	if !quote.Valid() {
		return reject(CodeQuoteUnavailable, fmt.Sprintf("no valid quote for %s", sym))
	}

	market := quote.EntryPrice(side)
	marketName := "ask"
	if side == model.OrderSideSell {
		marketName = "bid"
	}
	min := v.MinDistance(sym)
	res := Result{Price: price, Market: market, MinDistance: min}

	// distance is positive when the price sits on the correct side of the market
	var distance decimal.Decimal
	switch {
	case typ == model.OrderTypeLimit && side == model.OrderSideBuy:
		distance = market.Sub(price)
		if !distance.IsPositive() {
			return res.rejected(CodeLimitAboveAsk, fmt.Sprintf(
				"buy limit price %s must be below the current ask %s; use a market order to buy now", price, market))
		}
	case typ == model.OrderTypeLimit:
		distance = price.Sub(market)
		if !distance.IsPositive() {
			return res.rejected(CodeLimitBelowBid, fmt.Sprintf(
				"sell limit price %s must be above the current bid %s; use a market order to sell now", price, market))
		}
	case side == model.OrderSideBuy:
		distance = price.Sub(market)
		if !distance.IsPositive() {
			return res.rejected(CodeStopBelowAsk, fmt.Sprintf(
				"buy stop price %s must be above the current ask %s", price, market))
		}
	default:
		distance = market.Sub(price)
		if !distance.IsPositive() {
			return res.rejected(CodeStopAboveBid, fmt.Sprintf(
				"sell stop price %s must be below the current bid %s", price, market))
		}
	}

	if distance.LessThan(min) {
		spec := v.symbols.Spec(sym)
		return res.rejected(CodeTooCloseToMarket, fmt.Sprintf(
			"%s %s price %s is %s pips from the current %s %s; minimum distance is %d pips (%s)",
			side, typ, price, pnl.Pips(distance, spec).StringFixed(1), marketName, market, v.minDistancePips, min))
	}

	res.Valid = true
	return res
}

func reject(code, explanation string) Result {
	return Result{Error: code, Explanation: explanation}
}

func (r Result) rejected(code, explanation string) Result {
	r.Valid = false
	r.Error = code
	r.Explanation = explanation
	return r
}

// OrderParams are the placement inputs checked before any price rule.
type OrderParams struct {
	Side     model.OrderSide
	Type     model.OrderType
	Quantity decimal.Decimal
	Leverage int
	Price    decimal.Decimal
}

// ValidateOrderParams checks quantity, leverage, side and type.
func ValidateOrderParams(p OrderParams) error {
	err := apperrors.Validation
	var failed bool
	if !p.Side.Valid() {
		err, failed = err.WithField("invalid", "side", fmt.Sprintf("unknown side %q", p.Side)), true
	}
	if !p.Type.Valid() {
		err, failed = err.WithField("invalid", "type", fmt.Sprintf("unknown order type %q", p.Type)), true
	}
	if p.Quantity.LessThan(model.MinQuantity) {
		err, failed = err.WithField("min", "quantity", fmt.Sprintf("must be at least %s lots", model.MinQuantity)), true
	}
	if p.Leverage < model.MinLeverage || p.Leverage > model.MaxLeverage {
		err, failed = err.WithField("range", "leverage",
			fmt.Sprintf("must be between %d and %d", model.MinLeverage, model.MaxLeverage)), true
	}
	if p.Type != model.OrderTypeMarket && p.Type.Valid() && !p.Price.IsPositive() {
		err, failed = err.WithField("required", "price", "limit and stop orders need a positive price"), true
	}
	if failed {
		return err.Explain("invalid order parameters")
	}
	return nil
}
