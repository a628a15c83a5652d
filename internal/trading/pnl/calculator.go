package pnl

import (
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/fxarena/internal/trading/model"
	apperrors "github.com/Aidin1998/fxarena/pkg/errors"
)

// Calculator resolves symbol specs from a registry and applies the pure
// functions of this package to stored orders and positions.
type Calculator struct {
	symbols          *model.SymbolRegistry
	maintenanceRatio decimal.Decimal
}

func NewCalculator(symbols *model.SymbolRegistry, maintenanceRatio decimal.Decimal) *Calculator {
	return &Calculator{symbols: symbols, maintenanceRatio: maintenanceRatio}
}

func (c *Calculator) Spec(sym model.Symbol) model.SymbolSpec {
	return c.symbols.Spec(sym)
}

// Mark values a position at the closing side of quote and returns the price used.
func (c *Calculator) Mark(p *model.Position, q model.Quote) (Result, decimal.Decimal, error) {
	if !q.Valid() {
		return Result{}, decimal.Zero, apperrors.QuoteUnavailable.Explain("invalid quote for %s: bid %s ask %s", q.Symbol, q.Bid, q.Ask)
	}
	price := q.ExitPrice(p.Side)
	r, err := Evaluate(p.Side, p.EntryPrice, price, p.Quantity, p.MarginUsed, c.Spec(p.Symbol))
	return r, price, err
}

// Realized is the P&L a position locks in when closed at exitPrice.
func (c *Calculator) Realized(p *model.Position, exitPrice decimal.Decimal) (decimal.Decimal, error) {
	return Unrealized(p.Side, p.EntryPrice, exitPrice, p.Quantity, c.Spec(p.Symbol))
}

// OrderMargin is the margin needed to fill quantity of an order at price.
func (c *Calculator) OrderMargin(o *model.Order, quantity, price decimal.Decimal) (decimal.Decimal, error) {
	return Margin(quantity, price, o.Leverage, c.Spec(o.Symbol))
}

func (c *Calculator) Maintenance(marginUsed decimal.Decimal) decimal.Decimal {
	return MaintenanceMargin(marginUsed, c.maintenanceRatio)
}
