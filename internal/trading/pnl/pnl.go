// Package pnl converts prices, sides and sizes into profit/loss and margin
// figures. Every function is pure and safe for concurrent use.
package pnl

import (
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/fxarena/internal/trading/model"
	apperrors "github.com/Aidin1998/fxarena/pkg/errors"
)

var hundred = decimal.NewFromInt(100)

// Result is the unrealized P&L of a position and its percentage of margin used.
type Result struct {
	PnL     decimal.Decimal `json:"pnl"`
	Percent decimal.Decimal `json:"percent"`
}

// Unrealized returns the signed P&L in account currency.
// Long: (current - entry) * qty * contractSize. Short: (entry - current) * qty * contractSize.
func Unrealized(side model.PositionSide, entry, current, quantity decimal.Decimal, spec model.SymbolSpec) (decimal.Decimal, error) {
	if err := checkPrices(entry, current); err != nil {
		return decimal.Zero, err
	}
	if err := checkQuantity(quantity); err != nil {
		return decimal.Zero, err
	}
	if !spec.ContractSize.IsPositive() {
		return decimal.Zero, apperrors.Validation.Explain("contract size must be positive, got %s", spec.ContractSize)
	}

	diff := current.Sub(entry)
	switch side {
	case model.PositionSideLong:
	case model.PositionSideShort:
		diff = diff.Neg()
	default:
		return decimal.Zero, apperrors.Validation.Explain("unknown position side %q", side)
	}
	return diff.Mul(quantity).Mul(spec.ContractSize), nil
}

// Percent expresses pnl relative to margin used. Zero margin yields zero.
func Percent(pnl, marginUsed decimal.Decimal) decimal.Decimal {
	if !marginUsed.IsPositive() {
		return decimal.Zero
	}
	return pnl.Div(marginUsed).Mul(hundred)
}

// Evaluate computes Unrealized and Percent together.
func Evaluate(side model.PositionSide, entry, current, quantity, marginUsed decimal.Decimal, spec model.SymbolSpec) (Result, error) {
	v, err := Unrealized(side, entry, current, quantity, spec)
	if err != nil {
		return Result{}, err
	}
	return Result{PnL: v, Percent: Percent(v, marginUsed)}, nil
}

// Notional is quantity * contractSize * price.
func Notional(quantity, price decimal.Decimal, spec model.SymbolSpec) (decimal.Decimal, error) {
	if err := checkQuantity(quantity); err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, apperrors.Validation.Explain("price must be positive, got %s", price)
	}
	return quantity.Mul(spec.ContractSize).Mul(price), nil
}

// Margin is the capital reserved for a position: notional / leverage.
func Margin(quantity, price decimal.Decimal, leverage int, spec model.SymbolSpec) (decimal.Decimal, error) {
	if leverage < model.MinLeverage || leverage > model.MaxLeverage {
		return decimal.Zero, apperrors.Validation.Explain("leverage must be between %d and %d, got %d",
			model.MinLeverage, model.MaxLeverage, leverage)
	}
	notional, err := Notional(quantity, price, spec)
	if err != nil {
		return decimal.Zero, err
	}
	return notional.Div(decimal.NewFromInt(int64(leverage))), nil
}

// MaintenanceMargin is the display-only maintenance requirement for a position.
func MaintenanceMargin(marginUsed, ratio decimal.Decimal) decimal.Decimal {
	return marginUsed.Mul(ratio)
}

// Pips converts a raw price distance into pips for the symbol.
func Pips(distance decimal.Decimal, spec model.SymbolSpec) decimal.Decimal {
	if !spec.PipSize.IsPositive() {
		return decimal.Zero
	}
	return distance.Div(spec.PipSize)
}

func checkPrices(prices ...decimal.Decimal) error {
	for _, p := range prices {
		if !p.IsPositive() {
			return apperrors.Validation.Explain("price must be positive, got %s", p)
		}
	}
	return nil
}

func checkQuantity(q decimal.Decimal) error {
	if q.LessThan(model.MinQuantity) {
		return apperrors.Validation.Explain("quantity must be at least %s lots, got %s", model.MinQuantity, q)
	}
	return nil
}
