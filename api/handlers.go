package api

import (
	"errors"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/fxarena/api/responses"
	"github.com/Aidin1998/fxarena/internal/trading"
	"github.com/Aidin1998/fxarena/internal/trading/lifecycle"
	"github.com/Aidin1998/fxarena/internal/trading/model"
	"github.com/Aidin1998/fxarena/internal/trading/risk"
	apperrors "github.com/Aidin1998/fxarena/pkg/errors"
)

type validateOrderRequest struct {
	Symbol string          `json:"symbol" validate:"required"`
	Side   string          `json:"side" validate:"required,oneof=buy sell"`
	Type   string          `json:"type" validate:"omitempty,oneof=limit stop"`
	Price  decimal.Decimal `json:"price"`
}

type placeOrderRequest struct {
	CompetitionID    uuid.UUID           `json:"competition_id" validate:"required"`
	ParticipantID    uuid.UUID           `json:"participant_id" validate:"required"`
	Symbol           string              `json:"symbol" validate:"required"`
	Side             string              `json:"side" validate:"required,oneof=buy sell"`
	Type             string              `json:"type" validate:"required,oneof=market limit stop"`
	Quantity         decimal.Decimal     `json:"quantity"`
	Price            decimal.Decimal     `json:"price"`
	Leverage         int                 `json:"leverage" validate:"gte=1"`
	StopLoss         decimal.NullDecimal `json:"stop_loss"`
	TakeProfit       decimal.NullDecimal `json:"take_profit"`
	TrailingDistance decimal.NullDecimal `json:"trailing_distance"`
	ExpiresAt        *time.Time          `json:"expires_at"`
}

type liquidationRequest struct {
	ClientMarginLevel decimal.NullDecimal `json:"client_margin_level"`
}

type endCompetitionRequest struct {
	Reason string `json:"reason" validate:"omitempty,oneof=competition_end challenge_end"`
}

type closeResponse struct {
	Applied     bool            `json:"applied"`
	Position    *model.Position `json:"position,omitempty"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

func newCloseResponse(r lifecycle.CloseResult) closeResponse {
	return closeResponse{Applied: r.Applied, Position: r.Position, RealizedPnL: r.RealizedPnL}
}

func (s *Server) runTradeQueue(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()
	summary, err := s.engine.RunTradeQueueCycle(ctx)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, summary)
}

func (s *Server) validateOrder(c *gin.Context) {
	var req validateOrderRequest
	if !s.bind(c, &req, false) {
		return
	}
	typ := model.OrderType(req.Type)
	if typ == "" {
		typ = model.OrderTypeLimit
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	res, err := s.engine.ValidateOrder(ctx, typ, model.OrderSide(req.Side), req.Price, model.NormalizeSymbol(req.Symbol))
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, res)
}

func (s *Server) placeOrder(c *gin.Context) {
	var req placeOrderRequest
	if !s.bind(c, &req, false) {
		return
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	order, err := s.engine.PlaceOrder(ctx, trading.PlaceOrderRequest{
		CompetitionID:    req.CompetitionID,
		ParticipantID:    req.ParticipantID,
		Symbol:           model.NormalizeSymbol(req.Symbol),
		Side:             model.OrderSide(req.Side),
		Type:             model.OrderType(req.Type),
		Quantity:         req.Quantity,
		Price:            req.Price,
		Leverage:         req.Leverage,
		StopLoss:         req.StopLoss,
		TakeProfit:       req.TakeProfit,
		TrailingDistance: req.TrailingDistance,
		ExpiresAt:        req.ExpiresAt,
	})
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Created(c, order, "Order placed")
}

func (s *Server) getOrder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	order, err := s.engine.GetOrder(c.Request.Context(), id)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, order)
}

func (s *Server) cancelOrder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.engine.CancelOrder(c.Request.Context(), id, c.Query("reason")); err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, gin.H{"order_id": id, "status": model.OrderStatusCancelled}, "Order cancelled")
}

func (s *Server) getPosition(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	p, err := s.engine.GetPosition(c.Request.Context(), id)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, p)
}

func (s *Server) closePosition(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	res, err := s.engine.ClosePosition(ctx, id)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, newCloseResponse(res), "Position closed")
}

func (s *Server) openPositions(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	positions, err := s.engine.OpenPositions(c.Request.Context(), id)
	if err != nil {
		responses.Error(c, err)
		return
	}
	if positions == nil {
		positions = []*model.Position{}
	}
	responses.Success(c, positions)
}

func (s *Server) assessParticipant(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	a, err := s.engine.AssessParticipant(ctx, id)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, a)
}

func (s *Server) requestLiquidation(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req liquidationRequest
	if !s.bind(c, &req, true) {
		return
	}
	var estimate *risk.Level
	if req.ClientMarginLevel.Valid {
		estimate = &risk.Level{Percent: req.ClientMarginLevel.Decimal}
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	res, err := s.engine.RequestLiquidation(ctx, id, estimate)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, res, res.Message)
}

func (s *Server) endCompetition(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req endCompetitionRequest
	if !s.bind(c, &req, true) {
		return
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	res, err := s.engine.EndCompetition(ctx, id, model.CloseReason(req.Reason))
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, res, "Competition ended")
}

// bind decodes and validates the JSON body. An empty body is accepted when optional.
func (s *Server) bind(c *gin.Context, dst interface{}, optional bool) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		responses.BadRequest(c, "malformed request body: "+err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			responses.Error(c, err)
			return false
		}
		fields := make([]apperrors.FieldError, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, apperrors.NewFieldError(fe.Tag(), fe.Field(), fe.Error()))
		}
		responses.BadRequest(c, "request failed validation", fields...)
		return false
	}
	return true
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		responses.BadRequest(c, "invalid id "+c.Param("id"), apperrors.NewFieldError("uuid", "id", err.Error()))
		return uuid.Nil, false
	}
	return id, true
}

// jsonFieldName reports json tag names in validation errors.
func jsonFieldName(f reflect.StructField) string {
	name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	return name
}
