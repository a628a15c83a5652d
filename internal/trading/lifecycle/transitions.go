// Package lifecycle owns the order and position state machines and applies
// every transition together with its ledger side effects in one transaction.
package lifecycle

import (
	"github.com/Aidin1998/fxarena/internal/trading/model"
)

// Valid state transitions
var orderTransitions = map[model.OrderStatus][]model.OrderStatus{
	model.OrderStatusPending: {
		model.OrderStatusFilled,
		model.OrderStatusPartiallyFilled,
		model.OrderStatusCancelled,
		model.OrderStatusExpired,
		model.OrderStatusRejected,
	},
	model.OrderStatusPartiallyFilled: {
		model.OrderStatusPartiallyFilled,
		model.OrderStatusFilled,
		model.OrderStatusCancelled,
		model.OrderStatusExpired,
	},
}

var positionTransitions = map[model.PositionStatus][]model.PositionStatus{
	model.PositionStatusOpen: {model.PositionStatusClosed, model.PositionStatusLiquidated},
}

// CanTransitionOrder reports whether from -> to is a legal order transition.
func CanTransitionOrder(from, to model.OrderStatus) bool {
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionPosition reports whether from -> to is a legal position transition.
func CanTransitionPosition(from, to model.PositionStatus) bool {
	for _, s := range positionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sourcesOf lists the statuses from which to is reachable.
func sourcesOf(to model.OrderStatus) []model.OrderStatus {
	var out []model.OrderStatus
	for from, targets := range orderTransitions {
		for _, s := range targets {
			if s == to {
				out = append(out, from)
			}
		}
	}
	return out
}
