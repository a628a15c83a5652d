// Package liquidation re-confirms liquidation requests against fresh prices
// before closing a participant's book.
package liquidation

import (
	"context"
	"sync"

	"github.com/google/uuid"
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

// FreshQuoteSource returns quotes fetched for this call only. A missing symbol
// in the result means no price is known for it.
type FreshQuoteSource interface {
	GetFreshQuotes(ctx context.Context, symbols []model.Symbol) (map[model.Symbol]model.Quote, error)
}

// Result is returned for both confirmed and rejected requests.
type Result struct {
	Liquidated        bool        `json:"liquidated"`
	PositionsClosed   int         `json:"positions_closed"`
	PositionsFailed   int         `json:"positions_failed,omitempty"`
	ServerMarginLevel risk.Level  `json:"server_margin_level"`
	Status            risk.Status `json:"status,omitempty"`
	Message           string      `json:"message"`
}

// Validator serialises requests per participant in process. Requests racing
// across processes are resolved by the close CAS in the state machine.
type Validator struct {
	repo     model.Repository
	quotes   FreshQuoteSource
	machine  *lifecycle.Machine
	calc     *pnl.Calculator
	settings risk.SettingsProvider
	events   events.Publisher
	logger   *zap.Logger

	muMap     map[uuid.UUID]*participantLock
	muMapLock sync.Mutex
}

// participantLock is dropped from muMap once no request holds or waits on it.
type participantLock struct {
	mu   sync.Mutex
	refs int
}

func NewValidator(
	repo model.Repository,
	quotes FreshQuoteSource,
	machine *lifecycle.Machine,
	calc *pnl.Calculator,
	settings risk.SettingsProvider,
	publisher events.Publisher,
	logger *zap.Logger,
) *Validator {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Validator{
		repo:     repo,
		quotes:   quotes,
		machine:  machine,
		calc:     calc,
		settings: settings,
		events:   publisher,
		logger:   logger,
		muMap:    make(map[uuid.UUID]*participantLock),
	}
}

func (v *Validator) lock(participantID uuid.UUID) (unlock func()) {
	v.muMapLock.Lock()
	l, ok := v.muMap[participantID]
	if !ok {
		l = &participantLock{}
		v.muMap[participantID] = l
	}
	l.refs++
	v.muMapLock.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		v.muMapLock.Lock()
		l.refs--
		if l.refs == 0 {
			delete(v.muMap, participantID)
		}
		v.muMapLock.Unlock()
	}
}

// Request re-evaluates the participant's margin level on fresh quotes and
// liquidates every open position when the level is at or below the
// liquidation threshold. clientEstimate is logged only.
func (v *Validator) Request(ctx context.Context, participantID uuid.UUID, clientEstimate *risk.Level) (Result, error) {
	ctx, span := otel.Tracer("fxarena/liquidation").Start(ctx, "liquidation.request")
	defer span.End()
	span.SetAttributes(attribute.String("participant.id", participantID.String()))

	unlock := v.lock(participantID)
	defer unlock()

	res, err := v.request(ctx, participantID, clientEstimate)
	outcome := "rejected"
	switch {
	case err != nil:
		outcome = "error"
		span.RecordError(err)
	case res.Liquidated:
		outcome = "confirmed"
	}
	metrics.LiquidationRequests.WithLabelValues(outcome).Inc()
	span.SetAttributes(attribute.String("outcome", outcome), attribute.Int("positions.closed", res.PositionsClosed))
	return res, err
}

func (v *Validator) request(ctx context.Context, participantID uuid.UUID, clientEstimate *risk.Level) (Result, error) {
	settings, err := v.settings.LoadSettings(ctx)
	if err != nil {
		return Result{}, err
	}
	participant, err := v.repo.GetParticipant(ctx, participantID)
	if err != nil {
		return Result{}, err
	}
	positions, err := v.repo.ListOpenPositions(ctx, participantID)
	if err != nil {
		return Result{}, err
	}

	symbols := make([]model.Symbol, 0, len(positions))
	for _, p := range positions {
		symbols = append(symbols, p.Symbol)
	}
	var quotes map[model.Symbol]model.Quote
	if len(symbols) > 0 {
		quotes, err = v.quotes.GetFreshQuotes(ctx, symbols)
		if err != nil {
			v.reject(ctx, participant, Result{}, "fresh quotes unavailable")
			return Result{Message: "liquidation rejected: fresh prices unavailable"},
				apperrors.ExternalService.Explain("fetch fresh quotes for liquidation of %s", participantID).Wrap(err)
		}
	}

	exposure, err := risk.Exposure(v.calc, positions, quotes)
	if err != nil {
		return Result{}, err
	}
	if len(exposure.Missing) > 0 {
		v.reject(ctx, participant, Result{}, "quote missing")
		return Result{Message: "liquidation rejected: no fresh price for every open position"},
			apperrors.QuoteUnavailable.Explain("no fresh quote for %v", exposure.Missing)
	}

	a, err := risk.Evaluate(participant.Capital, exposure.UnrealizedPnL, participant.UsedMargin, settings.Thresholds)
	if err != nil {
		return Result{}, err
	}
	res := Result{ServerMarginLevel: a.Level, Status: a.Status}

	fields := []zap.Field{
		zap.String("participant_id", participantID.String()),
		zap.String("server_margin_level", a.Level.String()),
		zap.String("status", string(a.Status)),
	}
	if clientEstimate != nil {
		fields = append(fields, zap.String("client_margin_level", clientEstimate.String()))
		if !clientEstimate.Unbounded && !a.Level.Unbounded {
			fields = append(fields, zap.String("skew", clientEstimate.Percent.Sub(a.Level.Percent).String()))
		}
	}
	v.logger.Info("Liquidation request evaluated", fields...)

	if a.Status != risk.StatusLiquidation {
		res.Message = "margin level above liquidation threshold"
		v.reject(ctx, participant, res, res.Message)
		return res, nil
	}

	for _, p := range positions {
		price := quotes[p.Symbol].ExitPrice(p.Side)
		closed, err := v.machine.ClosePosition(ctx, p.ID, price, model.CloseReasonMarginCall)
		if err != nil {
			res.PositionsFailed++
			v.logger.Error("Liquidation close failed",
				zap.String("participant_id", participantID.String()),
				zap.String("position_id", p.ID.String()),
				zap.Error(err))
			continue
		}
		if closed.Applied {
			res.PositionsClosed++
		}
	}
	res.Liquidated = true
	res.Message = "liquidation confirmed"
	if res.PositionsFailed > 0 {
		res.Message = "liquidation confirmed, some positions could not be closed"
	}

	e := events.New(events.LiquidationConfirmed, participant.ID, participant.ID, map[string]interface{}{
		"margin_level":     a.Level.String(),
		"positions_closed": res.PositionsClosed,
		"positions_failed": res.PositionsFailed,
	})
	e.CompetitionID = participant.CompetitionID
	v.events.Publish(ctx, e)

	v.logger.Warn("Participant liquidated",
		zap.String("participant_id", participantID.String()),
		zap.Int("positions_closed", res.PositionsClosed),
		zap.Int("positions_failed", res.PositionsFailed))
	return res, nil
}

func (v *Validator) reject(ctx context.Context, participant *model.Participant, res Result, reason string) {
	payload := map[string]interface{}{"reason": reason}
	if res.Status != "" {
		payload["margin_level"] = res.ServerMarginLevel.String()
	}
	e := events.New(events.LiquidationRejected, participant.ID, participant.ID, payload)
	e.CompetitionID = participant.CompetitionID
	v.events.Publish(ctx, e)
}
