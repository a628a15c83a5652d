package model

import (
	"strings"

	"github.com/shopspring/decimal"
)

// SymbolSpec carries the contract metadata needed for P&L and distance math.
type SymbolSpec struct {
	ContractSize decimal.Decimal
	PipSize      decimal.Decimal
}

var (
	StandardLot  = decimal.NewFromInt(100000)
	majorPipSize = decimal.RequireFromString("0.0001")
	jpyPipSize   = decimal.RequireFromString("0.01")
)

// DefaultSpec returns the standard forex spec: 100k units per lot, pip 0.01 for
// JPY-quoted pairs and 0.0001 otherwise.
func DefaultSpec(sym Symbol) SymbolSpec {
	pip := majorPipSize
	if strings.HasSuffix(string(sym), "JPY") {
		pip = jpyPipSize
	}
	return SymbolSpec{ContractSize: StandardLot, PipSize: pip}
}

// SymbolRegistry resolves specs, falling back to DefaultSpec. It is read-only
// after construction.
type SymbolRegistry struct {
	overrides map[Symbol]SymbolSpec
}

func NewSymbolRegistry(overrides map[Symbol]SymbolSpec) *SymbolRegistry {
	r := &SymbolRegistry{overrides: make(map[Symbol]SymbolSpec, len(overrides))}
	for sym, spec := range overrides {
		r.overrides[NormalizeSymbol(string(sym))] = spec
	}
	return r
}

func (r *SymbolRegistry) Spec(sym Symbol) SymbolSpec {
	if r != nil {
		if spec, ok := r.overrides[sym]; ok {
			def := DefaultSpec(sym)
			if spec.ContractSize.IsZero() {
				spec.ContractSize = def.ContractSize
			}
			if spec.PipSize.IsZero() {
				spec.PipSize = def.PipSize
			}
			return spec
		}
	}
	return DefaultSpec(sym)
}
