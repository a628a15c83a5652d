package trading

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/fxarena/internal/trading/events"
	"github.com/Aidin1998/fxarena/internal/trading/lifecycle"
	"github.com/Aidin1998/fxarena/internal/trading/liquidation"
	"github.com/Aidin1998/fxarena/internal/trading/model"
	"github.com/Aidin1998/fxarena/internal/trading/pnl"
	"github.com/Aidin1998/fxarena/internal/trading/risk"
	"github.com/Aidin1998/fxarena/internal/trading/tradequeue"
	"github.com/Aidin1998/fxarena/internal/trading/validation"
	apperrors "github.com/Aidin1998/fxarena/pkg/errors"
)

// TradingService defines the engine operations exposed to the HTTP layer
type TradingService interface {
	Start(ctx context.Context) error
	Stop() error
	Run(ctx context.Context) error

	RunTradeQueueCycle(ctx context.Context) (tradequeue.Summary, error)
	RequestLiquidation(ctx context.Context, participantID uuid.UUID, clientEstimate *risk.Level) (liquidation.Result, error)
	ValidateLimitOrder(ctx context.Context, side model.OrderSide, limitPrice decimal.Decimal, sym model.Symbol) (validation.Result, error)
	ValidateOrder(ctx context.Context, typ model.OrderType, side model.OrderSide, price decimal.Decimal, sym model.Symbol) (validation.Result, error)

	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*model.Order, error)
	ExecuteMarketOrder(ctx context.Context, orderID uuid.UUID) (lifecycle.FillResult, error)
	CancelOrder(ctx context.Context, orderID uuid.UUID, reason string) error
	ClosePosition(ctx context.Context, positionID uuid.UUID) (lifecycle.CloseResult, error)
	EndCompetition(ctx context.Context, competitionID uuid.UUID, reason model.CloseReason) (CompetitionResult, error)

	GetOrder(ctx context.Context, orderID uuid.UUID) (*model.Order, error)
	GetPosition(ctx context.Context, positionID uuid.UUID) (*model.Position, error)
	OpenPositions(ctx context.Context, participantID uuid.UUID) ([]*model.Position, error)
	AssessParticipant(ctx context.Context, participantID uuid.UUID) (risk.Assessment, error)

	Settings(ctx context.Context) (risk.Settings, error)
	UpdateSettings(ctx context.Context, settings risk.Settings) (risk.Settings, error)
}

// QuoteService is the pricing adapter as seen by the engine.
type QuoteService interface {
	GetQuotes(ctx context.Context, symbols []model.Symbol) (map[model.Symbol]model.Quote, error)
	GetFreshQuotes(ctx context.Context, symbols []model.Symbol) (map[model.Symbol]model.Quote, error)
}

// Options carries the collaborators of a Service.
type Options struct {
	Repository model.Repository
	Quotes     QuoteService
	Settings   risk.SettingsProvider
	Symbols    *model.SymbolRegistry
	Events     events.Publisher
	Queue      tradequeue.Config
}

// PlaceOrderRequest is a new order as submitted by a participant.
type PlaceOrderRequest struct {
	CompetitionID    uuid.UUID
	ParticipantID    uuid.UUID
	Symbol           model.Symbol
	Side             model.OrderSide
	Type             model.OrderType
	Quantity         decimal.Decimal
	Price            decimal.Decimal
	Leverage         int
	StopLoss         decimal.NullDecimal
	TakeProfit       decimal.NullDecimal
	TrailingDistance decimal.NullDecimal
	ExpiresAt        *time.Time
}

// CompetitionResult summarises an end-of-competition sweep.
type CompetitionResult struct {
	PositionsClosed int `json:"positions_closed"`
	PositionsFailed int `json:"positions_failed"`
	OrdersCancelled int `json:"orders_cancelled"`
}

// Service implements TradingService
type Service struct {
	logger     *zap.Logger
	repo       model.Repository
	quotes     QuoteService
	settings   risk.SettingsProvider
	symbols    *model.SymbolRegistry
	events     events.Publisher
	calc       *pnl.Calculator
	machine    *lifecycle.Machine
	processor  *tradequeue.Processor
	liquidator *liquidation.Validator

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

// NewService creates a new trading service
func NewService(ctx context.Context, opts Options, logger *zap.Logger) (*Service, error) {
	if opts.Repository == nil || opts.Quotes == nil || opts.Settings == nil {
		return nil, apperrors.Configuration.Explain("trading service needs a repository, a quote source and settings")
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	settings, err := opts.Settings.LoadSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load engine settings: %w", err)
	}

	calc := pnl.NewCalculator(opts.Symbols, settings.MaintenanceRatio)
	machine := lifecycle.NewMachine(opts.Repository, calc, opts.Events, logger)
	processor := tradequeue.NewProcessor(opts.Repository, opts.Quotes, machine, calc, opts.Settings, opts.Events, opts.Queue, logger)
	liquidator := liquidation.NewValidator(opts.Repository, opts.Quotes, machine, calc, opts.Settings, opts.Events, logger)
	processor.SetLiquidator(tradequeue.LiquidatorFunc(
		func(ctx context.Context, participantID uuid.UUID, suggested *risk.Level) (tradequeue.LiquidationOutcome, error) {
			res, err := liquidator.Request(ctx, participantID, suggested)
			return tradequeue.LiquidationOutcome{Liquidated: res.Liquidated, PositionsClosed: res.PositionsClosed}, err
		}))

	return &Service{
		logger:     logger,
		repo:       opts.Repository,
		quotes:     opts.Quotes,
		settings:   opts.Settings,
		symbols:    opts.Symbols,
		events:     opts.Events,
		calc:       calc,
		machine:    machine,
		processor:  processor,
		liquidator: liquidator,
	}, nil
}

// Run blocks running the trade queue until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	return s.processor.Run(ctx)
}

// Start starts the trade queue in the background
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return apperrors.StateConflict.Explain("trading service already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	done := make(chan error, 1)
	s.done = done
	go func() { done <- s.processor.Run(ctx) }()

	s.logger.Info("Trading service started")
	return nil
}

// Stop stops the trade queue and waits for the running cycle to finish
func (s *Service) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	err := <-done

	s.logger.Info("Trading service stopped")
	return err
}

// RunTradeQueueCycle runs one cycle on demand. It never overlaps a scheduled one.
func (s *Service) RunTradeQueueCycle(ctx context.Context) (tradequeue.Summary, error) {
	return s.processor.RunCycle(ctx)
}

func (s *Service) RequestLiquidation(ctx context.Context, participantID uuid.UUID, clientEstimate *risk.Level) (liquidation.Result, error) {
	return s.liquidator.Request(ctx, participantID, clientEstimate)
}

// ValidateLimitOrder checks a limit price against the current quote.
func (s *Service) ValidateLimitOrder(ctx context.Context, side model.OrderSide, limitPrice decimal.Decimal, sym model.Symbol) (validation.Result, error) {
	return s.ValidateOrder(ctx, model.OrderTypeLimit, side, limitPrice, sym)
}

// ValidateOrder checks a limit or stop price against the current quote with
// the configured minimum distance. A missing quote yields a quote_unavailable
// result rather than an error.
func (s *Service) ValidateOrder(ctx context.Context, typ model.OrderType, side model.OrderSide, price decimal.Decimal, sym model.Symbol) (validation.Result, error) {
	settings, err := s.settings.LoadSettings(ctx)
	if err != nil {
		return validation.Result{}, err
	}
	sym = model.NormalizeSymbol(string(sym))
	var quote model.Quote
	if typ != model.OrderTypeMarket {
		quotes, err := s.quotes.GetQuotes(ctx, []model.Symbol{sym})
		if err != nil {
			s.logger.Warn("Quote lookup for order validation failed", zap.String("symbol", string(sym)), zap.Error(err))
		}
		quote = quotes[sym]
	}
	return validation.New(s.symbols, settings.MinOrderDistancePips).Validate(typ, side, price, quote, sym), nil
}

// PlaceOrder validates and stores a new order. Market orders are executed
// immediately against a fresh quote; limit and stop orders wait for the queue.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*model.Order, error) {
	err := validation.ValidateOrderParams(validation.OrderParams{
		Side:     req.Side,
		Type:     req.Type,
		Quantity: req.Quantity,
		Leverage: req.Leverage,
		Price:    req.Price,
	})
	if err != nil {
		return nil, err
	}
	sym := model.NormalizeSymbol(string(req.Symbol))
	if sym == "" {
		return nil, apperrors.Validation.Explain("symbol is required")
	}
	participant, err := s.repo.GetParticipant(ctx, req.ParticipantID)
	if err != nil {
		return nil, err
	}
	if req.CompetitionID != uuid.Nil && req.CompetitionID != participant.CompetitionID {
		return nil, apperrors.Validation.Explain("participant %s is not in competition %s", participant.ID, req.CompetitionID)
	}

	if req.Type != model.OrderTypeMarket {
		res, err := s.ValidateOrder(ctx, req.Type, req.Side, req.Price, sym)
		if err != nil {
			return nil, err
		}
		if err := res.Err(); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	order := &model.Order{
		ID:                uuid.New(),
		CompetitionID:     participant.CompetitionID,
		ParticipantID:     participant.ID,
		Symbol:            sym,
		Side:              req.Side,
		Type:              req.Type,
		Quantity:          req.Quantity,
		RequestedPrice:    req.Price,
		Leverage:          req.Leverage,
		Status:            model.OrderStatusPending,
		RemainingQuantity: req.Quantity,
		StopLoss:          req.StopLoss,
		TakeProfit:        req.TakeProfit,
		TrailingDistance:  req.TrailingDistance,
		PlacedAt:          now,
		ExpiresAt:         req.ExpiresAt,
		UpdatedAt:         now,
	}
	if err := s.repo.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	s.logger.Info("Order placed",
		zap.String("order_id", order.ID.String()),
		zap.String("participant_id", order.ParticipantID.String()),
		zap.String("symbol", string(sym)),
		zap.String("side", string(order.Side)),
		zap.String("type", string(order.Type)))

	if order.Type != model.OrderTypeMarket {
		return order, nil
	}
	res, err := s.ExecuteMarketOrder(ctx, order.ID)
	if err != nil {
		return order, err
	}
	return res.Order, nil
}

// ExecuteMarketOrder fills a pending order at the fresh side price.
func (s *Service) ExecuteMarketOrder(ctx context.Context, orderID uuid.UUID) (lifecycle.FillResult, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return lifecycle.FillResult{}, err
	}
	if order.Status.IsTerminal() {
		return lifecycle.FillResult{}, apperrors.StateConflict.Explain("order %s is already %s", order.ID, order.Status)
	}
	q, err := s.freshQuote(ctx, order.Symbol)
	if err != nil {
		return lifecycle.FillResult{}, err
	}
	return s.machine.FillOrder(ctx, order.ID, q.EntryPrice(order.Side), decimal.Zero)
}

func (s *Service) CancelOrder(ctx context.Context, orderID uuid.UUID, reason string) error {
	if reason == "" {
		reason = "cancelled by participant"
	}
	applied, err := s.machine.TerminateOrder(ctx, orderID, model.OrderStatusCancelled, reason)
	if err != nil {
		return err
	}
	if !applied {
		return apperrors.StateConflict.Explain("order %s is no longer working", orderID)
	}
	return nil
}

// ClosePosition closes a position on the participant's request at the fresh
// closing-side price.
func (s *Service) ClosePosition(ctx context.Context, positionID uuid.UUID) (lifecycle.CloseResult, error) {
	p, err := s.repo.GetPosition(ctx, positionID)
	if err != nil {
		return lifecycle.CloseResult{}, err
	}
	if p.Status.IsTerminal() {
		s.logger.Info("Close ignored, position already terminal",
			zap.String("position_id", p.ID.String()), zap.String("status", string(p.Status)))
		return lifecycle.CloseResult{Position: p}, nil
	}
	q, err := s.freshQuote(ctx, p.Symbol)
	if err != nil {
		return lifecycle.CloseResult{}, err
	}
	res, err := s.machine.ClosePosition(ctx, p.ID, q.ExitPrice(p.Side), model.CloseReasonUser)
	if err != nil {
		return res, err
	}
	if !res.Applied {
		s.logger.Info("Close ignored, position closed concurrently", zap.String("position_id", p.ID.String()))
		if res.Position == nil {
			res.Position = p
		}
	}
	return res, nil
}

// EndCompetition closes every open position of the competition and cancels
// its working orders. Positions without any price are left open and counted
// as failed so the sweep can be repeated.
func (s *Service) EndCompetition(ctx context.Context, competitionID uuid.UUID, reason model.CloseReason) (CompetitionResult, error) {
	if reason == "" {
		reason = model.CloseReasonCompetitionEnd
	}
	if reason != model.CloseReasonCompetitionEnd && reason != model.CloseReasonChallengeEnd {
		return CompetitionResult{}, apperrors.Validation.Explain("close reason %q cannot end a competition", reason)
	}

	var res CompetitionResult
	orders, err := s.repo.ListPendingOrdersByCompetition(ctx, competitionID)
	if err != nil {
		return res, err
	}
	for _, o := range orders {
		applied, err := s.machine.TerminateOrder(ctx, o.ID, model.OrderStatusCancelled, string(reason))
		if err != nil {
			s.logger.Error("Failed to cancel order at competition end", zap.String("order_id", o.ID.String()), zap.Error(err))
			continue
		}
		if applied {
			res.OrdersCancelled++
		}
	}

	positions, err := s.repo.ListOpenPositionsByCompetition(ctx, competitionID)
	if err != nil {
		return res, err
	}
	symbols := make([]model.Symbol, 0, len(positions))
	for _, p := range positions {
		symbols = append(symbols, p.Symbol)
	}
	quotes, err := s.quotes.GetFreshQuotes(ctx, symbols)
	if err != nil {
		// best effort: the cache may still hold a usable price
		s.logger.Warn("Fresh quotes unavailable at competition end, using cached prices", zap.Error(err))
		quotes, _ = s.quotes.GetQuotes(ctx, symbols)
	}

	for _, p := range positions {
		q, ok := quotes[p.Symbol]
		if !ok {
			res.PositionsFailed++
			continue
		}
		closed, err := s.machine.ClosePosition(ctx, p.ID, q.ExitPrice(p.Side), reason)
		if err != nil {
			res.PositionsFailed++
			s.logger.Error("Failed to close position at competition end", zap.String("position_id", p.ID.String()), zap.Error(err))
			continue
		}
		if closed.Applied {
			res.PositionsClosed++
		}
	}

	e := events.New(events.CompetitionEnded, uuid.Nil, competitionID, map[string]interface{}{
		"reason":           string(reason),
		"positions_closed": res.PositionsClosed,
		"positions_failed": res.PositionsFailed,
		"orders_cancelled": res.OrdersCancelled,
	})
	e.CompetitionID = competitionID
	s.events.Publish(ctx, e)

	s.logger.Info("Competition ended",
		zap.String("competition_id", competitionID.String()),
		zap.String("reason", string(reason)),
		zap.Int("positions_closed", res.PositionsClosed),
		zap.Int("positions_failed", res.PositionsFailed),
		zap.Int("orders_cancelled", res.OrdersCancelled))
	return res, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	return s.repo.GetOrder(ctx, orderID)
}

func (s *Service) GetPosition(ctx context.Context, positionID uuid.UUID) (*model.Position, error) {
	return s.repo.GetPosition(ctx, positionID)
}

func (s *Service) OpenPositions(ctx context.Context, participantID uuid.UUID) ([]*model.Position, error) {
	return s.repo.ListOpenPositions(ctx, participantID)
}

func (s *Service) Settings(ctx context.Context) (risk.Settings, error) {
	return s.settings.LoadSettings(ctx)
}

// UpdateSettings stores new engine settings; the next cycle picks them up.
// Only a writable settings source accepts updates, config-file settings
// change through the file.
func (s *Service) UpdateSettings(ctx context.Context, settings risk.Settings) (risk.Settings, error) {
	writer, ok := s.settings.(risk.SettingsWriter)
	if !ok {
		return risk.Settings{}, apperrors.StateConflict.Explain("engine settings are read-only, edit the config file")
	}
	if err := settings.Validate(); err != nil {
		var appErr *apperrors.Error
		msg := err.Error()
		if apperrors.As(err, &appErr) {
			msg = appErr.Message
		}
		return risk.Settings{}, apperrors.Validation.Explain("%s", msg).Wrap(err)
	}
	if err := writer.SaveSettings(ctx, settings); err != nil {
		return risk.Settings{}, err
	}
	s.logger.Info("Engine settings updated",
		zap.String("warning", settings.Thresholds.Warning.String()),
		zap.String("margin_call", settings.Thresholds.MarginCall.String()),
		zap.String("liquidation", settings.Thresholds.Liquidation.String()),
		zap.Int("min_order_distance_pips", settings.MinOrderDistancePips),
		zap.Duration("cadence", settings.Cadence))
	return writer.LoadSettings(ctx)
}

// AssessParticipant reports the participant's margin state on current quotes.
func (s *Service) AssessParticipant(ctx context.Context, participantID uuid.UUID) (risk.Assessment, error) {
	settings, err := s.settings.LoadSettings(ctx)
	if err != nil {
		return risk.Assessment{}, err
	}
	participant, err := s.repo.GetParticipant(ctx, participantID)
	if err != nil {
		return risk.Assessment{}, err
	}
	positions, err := s.repo.ListOpenPositions(ctx, participantID)
	if err != nil {
		return risk.Assessment{}, err
	}
	symbols := make([]model.Symbol, 0, len(positions))
	for _, p := range positions {
		symbols = append(symbols, p.Symbol)
	}
	var quotes map[model.Symbol]model.Quote
	if len(symbols) > 0 {
		quotes, err = s.quotes.GetQuotes(ctx, symbols)
		if err != nil {
			s.logger.Warn("Quote batch incomplete for assessment", zap.String("participant_id", participantID.String()), zap.Error(err))
		}
	}
	exposure, err := risk.Exposure(s.calc, positions, quotes)
	if err != nil {
		return risk.Assessment{}, err
	}
	if len(exposure.Missing) > 0 {
		return risk.Assessment{}, apperrors.QuoteUnavailable.Explain("no quote for %v", exposure.Missing)
	}
	return risk.Evaluate(participant.Capital, exposure.UnrealizedPnL, participant.UsedMargin, settings.Thresholds)
}

func (s *Service) freshQuote(ctx context.Context, sym model.Symbol) (model.Quote, error) {
	quotes, err := s.quotes.GetFreshQuotes(ctx, []model.Symbol{sym})
	if err != nil {
		return model.Quote{}, err
	}
	q, ok := quotes[sym]
	if !ok {
		return model.Quote{}, apperrors.QuoteUnavailable.Explain("no fresh quote for %s", sym)
	}
	return q, nil
}
