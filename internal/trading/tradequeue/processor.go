// Package tradequeue is the periodic evaluator that fills pending orders and
// closes positions whose exit levels were crossed.
package tradequeue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Aidin1998/fxarena/internal/trading/events"
	"github.com/Aidin1998/fxarena/internal/trading/lifecycle"
	"github.com/Aidin1998/fxarena/internal/trading/model"
	"github.com/Aidin1998/fxarena/internal/trading/pnl"
	"github.com/Aidin1998/fxarena/internal/trading/risk"
	apperrors "github.com/Aidin1998/fxarena/pkg/errors"
	"github.com/Aidin1998/fxarena/pkg/metrics"
)

// QuoteSource is the batched, best-effort price lookup.
type QuoteSource interface {
	GetQuotes(ctx context.Context, symbols []model.Symbol) (map[model.Symbol]model.Quote, error)
}

// Liquidator confirms and executes a liquidation suggested by the risk pass.
type Liquidator interface {
	Liquidate(ctx context.Context, participantID uuid.UUID, suggested *risk.Level) (LiquidationOutcome, error)
}

// LiquidatorFunc adapts a function to Liquidator.
type LiquidatorFunc func(ctx context.Context, participantID uuid.UUID, suggested *risk.Level) (LiquidationOutcome, error)

func (f LiquidatorFunc) Liquidate(ctx context.Context, participantID uuid.UUID, suggested *risk.Level) (LiquidationOutcome, error) {
	return f(ctx, participantID, suggested)
}

// LiquidationOutcome is the part of a liquidation result the processor reports.
type LiquidationOutcome struct {
	Liquidated      bool
	PositionsClosed int
}

// Error kinds recorded in a cycle summary
const (
	ErrKindListOrders    = "list_orders"
	ErrKindListPositions = "list_positions"
	ErrKindQuoteFetch    = "quote_fetch"
	ErrKindOrder         = "order"
	ErrKindPosition      = "position"
	ErrKindRisk          = "risk"
)

// ItemError is a per-item failure. It never aborts the rest of the cycle.
type ItemError struct {
	Kind     string       `json:"kind"`
	EntityID string       `json:"entity_id,omitempty"`
	Symbol   model.Symbol `json:"symbol,omitempty"`
	Message  string       `json:"message"`
}

// Triggers breaks down automatic position closes.
type Triggers struct {
	Total        int `json:"total"`
	TakeProfit   int `json:"take_profit"`
	StopLoss     int `json:"stop_loss"`
	TrailingStop int `json:"trailing_stop"`
}

// Summary is the result of one cycle.
type Summary struct {
	StartedAt             time.Time   `json:"started_at"`
	Duration              string      `json:"duration"`
	Skipped               bool        `json:"skipped,omitempty"`
	PendingOrdersChecked  int         `json:"pending_orders_checked"`
	OrdersExecuted        int         `json:"orders_executed"`
	OrdersExpired         int         `json:"orders_expired"`
	OrdersRejected        int         `json:"orders_rejected"`
	PositionsChecked      int         `json:"positions_checked"`
	TPSLTriggered         Triggers    `json:"tp_sl_triggered"`
	ParticipantsChecked   int         `json:"participants_checked"`
	MarginWarnings        int         `json:"margin_warnings"`
	MarginCalls           int         `json:"margin_calls"`
	LiquidationsConfirmed int         `json:"liquidations_confirmed"`
	PositionsLiquidated   int         `json:"positions_liquidated"`
	Errors                []ItemError `json:"errors"`
}

func (s *Summary) addError(kind, entityID string, sym model.Symbol, err error) {
	s.Errors = append(s.Errors, ItemError{Kind: kind, EntityID: entityID, Symbol: sym, Message: err.Error()})
}

// Config tunes the processor
type Config struct {
	Cadence  time.Duration `mapstructure:"cadence" json:"cadence"`
	RiskPass bool          `mapstructure:"risk_pass" json:"risk_pass"`
}

// Processor is stateless between cycles. Concurrent RunCycle calls never
// overlap: a call made while a cycle is running returns a skipped summary.
type Processor struct {
	repo       model.Repository
	quotes     QuoteSource
	machine    *lifecycle.Machine
	calc       *pnl.Calculator
	settings   risk.SettingsProvider
	liquidator Liquidator
	events     events.Publisher
	config     Config
	logger     *zap.SugaredLogger
	running    atomic.Bool
	now        func() time.Time
}

func NewProcessor(
	repo model.Repository,
	quotes QuoteSource,
	machine *lifecycle.Machine,
	calc *pnl.Calculator,
	settings risk.SettingsProvider,
	publisher events.Publisher,
	config Config,
	logger *zap.Logger,
) *Processor {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Processor{
		repo:     repo,
		quotes:   quotes,
		machine:  machine,
		calc:     calc,
		settings: settings,
		events:   publisher,
		config:   config,
		logger:   logger.Sugar(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetLiquidator wires the risk pass to the liquidation validator.
func (p *Processor) SetLiquidator(l Liquidator) { p.liquidator = l }

// Run evaluates once per cadence until ctx is cancelled. An explicit
// Config.Cadence wins over the cadence in settings.
func (p *Processor) Run(ctx context.Context) error {
	cadence := p.config.Cadence
	if cadence <= 0 {
		if s, err := p.settings.LoadSettings(ctx); err == nil {
			cadence = s.Cadence
		}
	}
	if cadence <= 0 {
		cadence = time.Minute
	}
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	p.logger.Infow("Trade queue processor started", "cadence", cadence.String(), "risk_pass", p.config.RiskPass)
	for {
		select {
		case <-ctx.Done():
			p.logger.Infow("Trade queue processor stopped")
			return nil
		case <-ticker.C:
			s, err := p.RunCycle(ctx)
			if err != nil {
				p.logger.Errorw("Trade queue cycle failed", "error", err)
				continue
			}
			if s.Skipped {
				continue
			}
			p.logger.Infow("Trade queue cycle finished",
				"pending_checked", s.PendingOrdersChecked,
				"executed", s.OrdersExecuted,
				"expired", s.OrdersExpired,
				"positions_checked", s.PositionsChecked,
				"triggered", s.TPSLTriggered.Total,
				"errors", len(s.Errors),
				"duration", s.Duration)
		}
	}
}

// RunCycle runs the pending order pass, the open position pass and, when
// enabled, the risk pass.
func (p *Processor) RunCycle(ctx context.Context) (Summary, error) {
	if !p.running.CompareAndSwap(false, true) {
		p.logger.Warnw("Trade queue cycle already running, skipping")
		return Summary{Skipped: true, Errors: []ItemError{}}, nil
	}
	defer p.running.Store(false)

	ctx, span := otel.Tracer("fxarena/tradequeue").Start(ctx, "tradequeue.cycle")
	defer span.End()

	start := time.Now()
	s := Summary{StartedAt: p.now(), Errors: []ItemError{}}

	p.pendingOrderPass(ctx, &s)
	p.openPositionPass(ctx, &s)
	if p.config.RiskPass {
		p.riskPass(ctx, &s)
	}

	elapsed := time.Since(start)
	s.Duration = elapsed.String()
	metrics.CycleDuration.Observe(elapsed.Seconds())
	outcome := "ok"
	if len(s.Errors) > 0 {
		outcome = "with_errors"
	}
	metrics.CyclesTotal.WithLabelValues(outcome).Inc()
	span.SetAttributes(
		attribute.Int("orders.checked", s.PendingOrdersChecked),
		attribute.Int("orders.executed", s.OrdersExecuted),
		attribute.Int("positions.checked", s.PositionsChecked),
		attribute.Int("triggers", s.TPSLTriggered.Total),
		attribute.Int("errors", len(s.Errors)),
	)
	return s, nil
}

func (p *Processor) pendingOrderPass(ctx context.Context, s *Summary) {
	orders, err := p.repo.ListPendingOrders(ctx)
	if err != nil {
		s.addError(ErrKindListOrders, "", "", err)
		return
	}
	now := p.now()

	working := make([]*model.Order, 0, len(orders))
	symbols := make([]model.Symbol, 0, len(orders))
	for _, o := range orders {
		s.PendingOrdersChecked++
		if o.Expired(now) {
			err := p.guard(func() error {
				applied, err := p.machine.TerminateOrder(ctx, o.ID, model.OrderStatusExpired,
					fmt.Sprintf("expired at %s", o.ExpiresAt.UTC().Format(time.RFC3339)))
				if applied {
					s.OrdersExpired++
				}
				return err
			})
			if err != nil {
				s.addError(ErrKindOrder, o.ID.String(), o.Symbol, err)
			}
			continue
		}
		working = append(working, o)
		symbols = append(symbols, o.Symbol)
	}
	if len(working) == 0 {
		return
	}

	quotes := p.fetchQuotes(ctx, symbols, s)
	for _, o := range working {
		q, ok := quotes[o.Symbol]
		if !ok {
			continue
		}
		hit, price := FillCondition(o, q)
		if !hit {
			continue
		}
		err := p.guard(func() error {
			res, err := p.machine.FillOrder(ctx, o.ID, price, decimal.Zero)
			if err != nil {
				return err
			}
			switch {
			case res.Applied && res.Rejected:
				s.OrdersRejected++
			case res.Applied:
				s.OrdersExecuted++
			}
			return nil
		})
		if err != nil {
			p.logger.Warnw("Order fill failed", "order_id", o.ID.String(), "error", err)
			s.addError(ErrKindOrder, o.ID.String(), o.Symbol, err)
		}
	}
}

func (p *Processor) openPositionPass(ctx context.Context, s *Summary) {
	positions, err := p.repo.ListTriggerPositions(ctx)
	if err != nil {
		s.addError(ErrKindListPositions, "", "", err)
		return
	}
	if len(positions) == 0 {
		return
	}
	symbols := make([]model.Symbol, 0, len(positions))
	for _, pos := range positions {
		symbols = append(symbols, pos.Symbol)
	}
	quotes := p.fetchQuotes(ctx, symbols, s)

	for _, pos := range positions {
		s.PositionsChecked++
		q, ok := quotes[pos.Symbol]
		if !ok {
			continue
		}
		err := p.guard(func() error { return p.evaluatePosition(ctx, pos, q, s) })
		if err != nil {
			p.logger.Warnw("Position evaluation failed", "position_id", pos.ID.String(), "error", err)
			s.addError(ErrKindPosition, pos.ID.String(), pos.Symbol, err)
		}
	}
}

func (p *Processor) evaluatePosition(ctx context.Context, pos *model.Position, q model.Quote, s *Summary) error {
	mark, price, err := p.calc.Mark(pos, q)
	if err != nil {
		return err
	}

	decision := EvaluateExit(pos, price)
	if decision.Triggered {
		res, err := p.machine.ClosePosition(ctx, pos.ID, price, decision.Reason)
		if err != nil {
			return err
		}
		if res.Applied {
			s.TPSLTriggered.Total++
			switch {
			case decision.Trailing:
				s.TPSLTriggered.TrailingStop++
			case decision.Reason == model.CloseReasonTakeProfit:
				s.TPSLTriggered.TakeProfit++
			default:
				s.TPSLTriggered.StopLoss++
			}
		}
		return nil
	}

	_, err = p.repo.MarkPosition(ctx, pos.ID, model.PositionMark{
		CurrentPrice:      price,
		UnrealizedPnL:     mark.PnL,
		UnrealizedPnLPct:  mark.Percent,
		TrailingStopPrice: decision.TrailingStop,
		UpdatedAt:         p.now(),
	})
	return err
}

// riskPass classifies every participant with open exposure and hands
// liquidation candidates to the liquidator for fresh-quote confirmation.
func (p *Processor) riskPass(ctx context.Context, s *Summary) {
	settings, err := p.settings.LoadSettings(ctx)
	if err != nil {
		s.addError(ErrKindRisk, "", "", err)
		return
	}
	ids, err := p.repo.ListParticipantsWithOpenPositions(ctx)
	if err != nil {
		s.addError(ErrKindListPositions, "", "", err)
		return
	}

	open := make(map[uuid.UUID][]*model.Position, len(ids))
	var symbols []model.Symbol
	for _, id := range ids {
		positions, err := p.repo.ListOpenPositions(ctx, id)
		if err != nil {
			s.addError(ErrKindRisk, id.String(), "", err)
			continue
		}
		open[id] = positions
		for _, pos := range positions {
			symbols = append(symbols, pos.Symbol)
		}
	}
	if len(symbols) == 0 {
		return
	}
	quotes := p.fetchQuotes(ctx, symbols, s)

	for _, id := range ids {
		positions, ok := open[id]
		if !ok {
			continue
		}
		err := p.guard(func() error { return p.assessParticipant(ctx, id, positions, quotes, settings.Thresholds, s) })
		if err != nil {
			s.addError(ErrKindRisk, id.String(), "", err)
		}
	}
}

func (p *Processor) assessParticipant(ctx context.Context, id uuid.UUID, positions []*model.Position,
	quotes map[model.Symbol]model.Quote, t risk.Thresholds, s *Summary) error {
	participant, err := p.repo.GetParticipant(ctx, id)
	if err != nil {
		return err
	}
	exposure, err := risk.Exposure(p.calc, positions, quotes)
	if err != nil {
		return err
	}
	if len(exposure.Missing) > 0 {
		// an incomplete valuation cannot be classified; retry next cycle
		return nil
	}
	s.ParticipantsChecked++

	a, err := risk.Evaluate(participant.Capital, exposure.UnrealizedPnL, participant.UsedMargin, t)
	if err != nil {
		return err
	}
	payload := map[string]interface{}{
		"margin_level": a.Level.String(),
		"equity":       a.Equity.String(),
		"used_margin":  a.UsedMargin.String(),
	}

	switch a.Status {
	case risk.StatusWarning:
		s.MarginWarnings++
		p.publishRisk(ctx, events.MarginWarning, participant, payload)
	case risk.StatusMarginCall:
		s.MarginCalls++
		p.publishRisk(ctx, events.MarginCall, participant, payload)
	case risk.StatusLiquidation:
		if p.liquidator == nil {
			s.MarginCalls++
			p.publishRisk(ctx, events.MarginCall, participant, payload)
			return nil
		}
		level := a.Level
		out, err := p.liquidator.Liquidate(ctx, id, &level)
		if err != nil {
			if apperrors.Is(err, apperrors.Validation) {
				return nil
			}
			return err
		}
		if out.Liquidated {
			s.LiquidationsConfirmed++
			s.PositionsLiquidated += out.PositionsClosed
		}
	}
	return nil
}

func (p *Processor) publishRisk(ctx context.Context, typ events.Type, part *model.Participant, payload map[string]interface{}) {
	e := events.New(typ, part.ID, part.ID, payload)
	e.CompetitionID = part.CompetitionID
	p.events.Publish(ctx, e)
}

// fetchQuotes does one batched lookup. A failed fetch is recorded and the
// cycle continues with whatever quotes came back.
func (p *Processor) fetchQuotes(ctx context.Context, symbols []model.Symbol, s *Summary) map[model.Symbol]model.Quote {
	quotes, err := p.quotes.GetQuotes(ctx, symbols)
	if err != nil {
		p.logger.Warnw("Quote batch incomplete", "symbols", len(symbols), "served", len(quotes), "error", err)
		s.addError(ErrKindQuoteFetch, "", "", err)
	}
	if quotes == nil {
		quotes = map[model.Symbol]model.Quote{}
	}
	return quotes
}

// guard runs fn and converts a panic into an error.
func (p *Processor) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorw("Recovered panic in trade queue item", "panic", r)
			err = apperrors.New(fmt.Sprintf("panic: %v", r))
		}
	}()
	return fn()
}
