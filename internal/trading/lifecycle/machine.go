package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/fxarena/internal/trading/events"
	"github.com/Aidin1998/fxarena/internal/trading/model"
	"github.com/Aidin1998/fxarena/internal/trading/pnl"
	apperrors "github.com/Aidin1998/fxarena/pkg/errors"
	"github.com/Aidin1998/fxarena/pkg/metrics"
)

// Machine applies order and position transitions. A transition that finds
// its entity already moved on is a logged no-op reported as Applied=false.
type Machine struct {
	repo   model.Repository
	calc   *pnl.Calculator
	events events.Publisher
	logger *zap.Logger
	now    func() time.Time
}

func NewMachine(repo model.Repository, calc *pnl.Calculator, publisher events.Publisher, logger *zap.Logger) *Machine {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Machine{repo: repo, calc: calc, events: publisher, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// FillResult describes the outcome of FillOrder.
type FillResult struct {
	Applied  bool
	Rejected bool
	Order    *model.Order
	Position *model.Position
	Margin   decimal.Decimal
}

// FillOrder fills quantity of an order at price, or the whole remainder when
// quantity is zero. The order CAS, position creation and the participant's
// used margin increase commit together. An order the participant cannot
// afford is rejected instead.
func (m *Machine) FillOrder(ctx context.Context, orderID uuid.UUID, price, quantity decimal.Decimal) (FillResult, error) {
	if !price.IsPositive() {
		return FillResult{}, apperrors.Validation.Explain("fill price must be positive, got %s", price)
	}

	var (
		res     FillResult
		from    model.OrderStatus
		pending []events.Event
	)
	err := m.repo.InTransaction(ctx, func(tx model.Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		res.Order = order
		from = order.Status
		if order.Status.IsTerminal() {
			return nil
		}

		qty := quantity
		if !qty.IsPositive() || qty.GreaterThan(order.RemainingQuantity) {
			qty = order.RemainingQuantity
		}
		margin, err := m.calc.OrderMargin(order, qty, price)
		if err != nil {
			return err
		}
		res.Margin = margin

		participant, err := tx.GetParticipantForUpdate(ctx, order.ParticipantID)
		if err != nil {
			return err
		}
		now := m.now()

		if participant.FreeMargin().LessThan(margin) {
			to := model.OrderStatusRejected
			if order.Status == model.OrderStatusPartiallyFilled {
				to = model.OrderStatusCancelled
			}
			reason := fmt.Sprintf("insufficient free margin: required %s, available %s",
				margin.StringFixed(2), participant.FreeMargin().StringFixed(2))
			applied, err := m.terminateInTx(ctx, tx, order, to, reason, now)
			if err != nil || !applied {
				return err
			}
			res.Applied, res.Rejected = true, true
			pending = append(pending, orderEvent(order, eventForOrderStatus(to), map[string]interface{}{"reason": reason}))
			return nil
		}

		filled := order.FilledQuantity.Add(qty)
		remaining := order.Quantity.Sub(filled)
		to := model.OrderStatusFilled
		if remaining.IsPositive() {
			to = model.OrderStatusPartiallyFilled
		}
		avg := price
		if order.ExecutedPrice.Valid && order.FilledQuantity.IsPositive() {
			avg = order.ExecutedPrice.Decimal.Mul(order.FilledQuantity).Add(price.Mul(qty)).Div(filled)
		}

		applied, err := tx.TransitionOrder(ctx, order.ID, []model.OrderStatus{order.Status}, model.OrderUpdate{
			Status:            to,
			FilledQuantity:    filled,
			RemainingQuantity: remaining,
			ExecutedPrice:     decimal.NewNullDecimal(avg),
			MarginRequired:    order.MarginRequired.Add(margin),
			ExecutedAt:        &now,
			UpdatedAt:         now,
		})
		if err != nil || !applied {
			return err
		}

		position := &model.Position{
			ID:                uuid.New(),
			CompetitionID:     order.CompetitionID,
			ParticipantID:     order.ParticipantID,
			OrderID:           order.ID,
			Symbol:            order.Symbol,
			Side:              order.Side.PositionSide(),
			Quantity:          qty,
			EntryPrice:        price,
			CurrentPrice:      price,
			StopLoss:          order.StopLoss,
			TakeProfit:        order.TakeProfit,
			TrailingDistance:  order.TrailingDistance,
			Leverage:          order.Leverage,
			MarginUsed:        margin,
			MaintenanceMargin: m.calc.Maintenance(margin),
			Status:            model.PositionStatusOpen,
			OpenedAt:          now,
			UpdatedAt:         now,
		}
		if err := tx.CreatePosition(ctx, position); err != nil {
			return err
		}
		if _, err := tx.AdjustParticipant(ctx, order.ParticipantID, model.ParticipantDelta{UsedMargin: margin}); err != nil {
			return err
		}
		if err := record(ctx, tx, model.EntityOrder, order.ID, string(order.Status), string(to),
			fmt.Sprintf("filled %s at %s", qty, price), now); err != nil {
			return err
		}
		if err := record(ctx, tx, model.EntityPosition, position.ID, "", string(model.PositionStatusOpen),
			fmt.Sprintf("opened from order %s", order.ID), now); err != nil {
			return err
		}

		order.Status, order.FilledQuantity, order.RemainingQuantity = to, filled, remaining
		order.ExecutedPrice = decimal.NewNullDecimal(avg)
		order.MarginRequired = order.MarginRequired.Add(margin)
		order.ExecutedAt, order.UpdatedAt = &now, now
		res.Applied, res.Position = true, position

		pending = append(pending,
			orderEvent(order, eventForOrderStatus(to), map[string]interface{}{
				"price": price.String(), "quantity": qty.String(), "margin": margin.String(),
			}),
			positionEvent(position, events.PositionOpened, map[string]interface{}{
				"entry_price": price.String(), "side": string(position.Side),
			}),
		)
		return nil
	})
	if err != nil {
		return FillResult{}, err
	}

	if !res.Applied {
		m.logger.Info("Fill skipped, order no longer working",
			zap.String("order_id", orderID.String()), zap.String("status", string(from)))
		return res, nil
	}
	if res.Rejected {
		metrics.OrdersTerminated.WithLabelValues(string(res.Order.Status)).Inc()
		m.logger.Info("Order rejected at fill time",
			zap.String("order_id", orderID.String()), zap.String("margin_required", res.Margin.String()))
	} else {
		metrics.OrdersExecuted.WithLabelValues(string(res.Order.Side), string(res.Order.Type)).Inc()
		m.logger.Info("Order filled",
			zap.String("order_id", orderID.String()),
			zap.String("position_id", res.Position.ID.String()),
			zap.String("price", price.String()),
			zap.String("status", string(res.Order.Status)))
	}
	m.publish(ctx, pending)
	return res, nil
}

// TerminateOrder moves a working order to cancelled, expired or rejected.
func (m *Machine) TerminateOrder(ctx context.Context, orderID uuid.UUID, to model.OrderStatus, reason string) (bool, error) {
	if !to.IsTerminal() || to == model.OrderStatusFilled {
		return false, apperrors.Validation.Explain("%s is not a termination status", to)
	}

	var (
		applied bool
		order   *model.Order
	)
	err := m.repo.InTransaction(ctx, func(tx model.Tx) error {
		var err error
		order, err = tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status.IsTerminal() {
			return nil
		}
		applied, err = m.terminateInTx(ctx, tx, order, to, reason, m.now())
		return err
	})
	if err != nil {
		return false, err
	}
	if !applied {
		m.logger.Info("Order termination skipped",
			zap.String("order_id", orderID.String()), zap.String("status", string(order.Status)), zap.String("target", string(to)))
		return false, nil
	}
	metrics.OrdersTerminated.WithLabelValues(string(to)).Inc()
	m.publish(ctx, []events.Event{orderEvent(order, eventForOrderStatus(to), map[string]interface{}{"reason": reason})})
	return true, nil
}

func (m *Machine) terminateInTx(ctx context.Context, tx model.Tx, order *model.Order, to model.OrderStatus, reason string, now time.Time) (bool, error) {
	if !CanTransitionOrder(order.Status, to) {
		m.logger.Warn("Illegal order transition ignored",
			zap.String("order_id", order.ID.String()), zap.String("from", string(order.Status)), zap.String("to", string(to)))
		return false, nil
	}
	applied, err := tx.TransitionOrder(ctx, order.ID, sourcesOf(to), model.OrderUpdate{
		Status:            to,
		FilledQuantity:    order.FilledQuantity,
		RemainingQuantity: order.RemainingQuantity,
		ExecutedPrice:     order.ExecutedPrice,
		MarginRequired:    order.MarginRequired,
		Reason:            reason,
		ExecutedAt:        order.ExecutedAt,
		UpdatedAt:         now,
	})
	if err != nil || !applied {
		return applied, err
	}
	if err := record(ctx, tx, model.EntityOrder, order.ID, string(order.Status), string(to), reason, now); err != nil {
		return false, err
	}
	order.Status, order.Reason, order.UpdatedAt = to, reason, now
	return true, nil
}

// CloseResult describes the outcome of ClosePosition.
type CloseResult struct {
	Applied     bool
	Position    *model.Position
	RealizedPnL decimal.Decimal
}

// ClosePosition terminates an open position at exitPrice. Realized P&L is
// added to capital, the margin released and the counters updated in the same
// transaction as the status CAS. Closing a terminal position changes nothing.
func (m *Machine) ClosePosition(ctx context.Context, positionID uuid.UUID, exitPrice decimal.Decimal, reason model.CloseReason) (CloseResult, error) {
	if !reason.Valid() {
		return CloseResult{}, apperrors.Validation.Explain("unknown close reason %q", reason)
	}
	if !exitPrice.IsPositive() {
		return CloseResult{}, apperrors.Validation.Explain("exit price must be positive, got %s", exitPrice)
	}

	var res CloseResult
	err := m.repo.InTransaction(ctx, func(tx model.Tx) error {
		p, err := tx.GetPosition(ctx, positionID)
		if err != nil {
			return err
		}
		res.Position = p
		to := reason.TerminalStatus()
		if !CanTransitionPosition(p.Status, to) {
			return nil
		}

		realized, err := m.calc.Realized(p, exitPrice)
		if err != nil {
			return err
		}
		now := m.now()
		applied, err := tx.ClosePosition(ctx, p.ID, model.PositionClose{
			Status:      to,
			CloseReason: reason,
			ExitPrice:   exitPrice,
			RealizedPnL: realized,
			ClosedAt:    now,
		})
		if err != nil || !applied {
			return err
		}

		delta := model.ParticipantDelta{
			Capital:     realized,
			UsedMargin:  p.MarginUsed.Neg(),
			RealizedPnL: realized,
			Trades:      1,
		}
		switch {
		case realized.IsPositive():
			delta.Wins = 1
		case realized.IsNegative():
			delta.Losses = 1
		}
		if _, err := tx.AdjustParticipant(ctx, p.ParticipantID, delta); err != nil {
			return err
		}
		if err := record(ctx, tx, model.EntityPosition, p.ID, string(p.Status), string(to),
			fmt.Sprintf("%s at %s", reason, exitPrice), now); err != nil {
			return err
		}

		p.Status, p.CloseReason, p.RealizedPnL = to, reason, realized
		p.ExitPrice = decimal.NewNullDecimal(exitPrice)
		p.CurrentPrice = exitPrice
		p.ClosedAt, p.UpdatedAt = &now, now
		res.Applied, res.RealizedPnL = true, realized
		return nil
	})
	if err != nil {
		return CloseResult{}, err
	}

	if !res.Applied {
		m.logger.Info("Close skipped, position already terminal",
			zap.String("position_id", positionID.String()),
			zap.String("status", string(res.Position.Status)),
			zap.String("requested_reason", string(reason)))
		return res, nil
	}

	metrics.PositionsClosed.WithLabelValues(string(reason)).Inc()
	m.logger.Info("Position closed",
		zap.String("position_id", positionID.String()),
		zap.String("reason", string(reason)),
		zap.String("exit_price", exitPrice.String()),
		zap.String("realized_pnl", res.RealizedPnL.String()))

	typ := events.PositionClosed
	if res.Position.Status == model.PositionStatusLiquidated {
		typ = events.PositionLiquidated
	}
	m.publish(ctx, []events.Event{positionEvent(res.Position, typ, map[string]interface{}{
		"reason":       string(reason),
		"exit_price":   exitPrice.String(),
		"realized_pnl": res.RealizedPnL.String(),
	})})
	return res, nil
}

func (m *Machine) publish(ctx context.Context, evs []events.Event) {
	for _, e := range evs {
		m.events.Publish(ctx, e)
	}
}

func record(ctx context.Context, tx model.Tx, entity string, id uuid.UUID, from, to, reason string, at time.Time) error {
	return tx.RecordTransition(ctx, &model.StateTransition{
		ID:         uuid.New(),
		EntityType: entity,
		EntityID:   id,
		FromState:  from,
		ToState:    to,
		Reason:     reason,
		CreatedAt:  at,
	})
}

func eventForOrderStatus(s model.OrderStatus) events.Type {
	switch s {
	case model.OrderStatusFilled:
		return events.OrderFilled
	case model.OrderStatusPartiallyFilled:
		return events.OrderPartiallyFilled
	case model.OrderStatusRejected:
		return events.OrderRejected
	case model.OrderStatusExpired:
		return events.OrderExpired
	default:
		return events.OrderCancelled
	}
}

func orderEvent(o *model.Order, typ events.Type, payload map[string]interface{}) events.Event {
	e := events.New(typ, o.ParticipantID, o.ID, payload)
	e.CompetitionID = o.CompetitionID
	if e.Payload == nil {
		e.Payload = map[string]interface{}{}
	}
	e.Payload["symbol"] = string(o.Symbol)
	e.Payload["status"] = string(o.Status)
	return e
}

func positionEvent(p *model.Position, typ events.Type, payload map[string]interface{}) events.Event {
	e := events.New(typ, p.ParticipantID, p.ID, payload)
	e.CompetitionID = p.CompetitionID
	if e.Payload == nil {
		e.Payload = map[string]interface{}{}
	}
	e.Payload["symbol"] = string(p.Symbol)
	return e
}
