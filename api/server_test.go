package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/fxarena/api"
	"github.com/Aidin1998/fxarena/internal/trading"
	"github.com/Aidin1998/fxarena/internal/trading/events"
	"github.com/Aidin1998/fxarena/internal/trading/liquidation"
	"github.com/Aidin1998/fxarena/internal/trading/model"
	"github.com/Aidin1998/fxarena/internal/trading/risk"
	"github.com/Aidin1998/fxarena/internal/trading/validation"
	apperrors "github.com/Aidin1998/fxarena/pkg/errors"
)

// stubEngine overrides the calls a test needs. Anything else panics through
// the nil embedded interface.
type stubEngine struct {
	trading.TradingService

	validate    func(model.OrderType, model.OrderSide, decimal.Decimal, model.Symbol) (validation.Result, error)
	place       func(trading.PlaceOrderRequest) (*model.Order, error)
	getOrder    func(uuid.UUID) (*model.Order, error)
	liquidate   func(uuid.UUID, *risk.Level) (liquidation.Result, error)
	endComp     func(uuid.UUID, model.CloseReason) (trading.CompetitionResult, error)
	positionsOf func(uuid.UUID) ([]*model.Position, error)
	settings    risk.Settings
	saveErr     error
}

func (s *stubEngine) Settings(context.Context) (risk.Settings, error) {
	return s.settings, nil
}

func (s *stubEngine) UpdateSettings(_ context.Context, next risk.Settings) (risk.Settings, error) {
	if s.saveErr != nil {
		return risk.Settings{}, s.saveErr
	}
	s.settings = next
	return next, nil
}

func (s *stubEngine) ValidateOrder(_ context.Context, typ model.OrderType, side model.OrderSide, price decimal.Decimal, sym model.Symbol) (validation.Result, error) {
	return s.validate(typ, side, price, sym)
}

func (s *stubEngine) PlaceOrder(_ context.Context, req trading.PlaceOrderRequest) (*model.Order, error) {
	return s.place(req)
}

func (s *stubEngine) GetOrder(_ context.Context, id uuid.UUID) (*model.Order, error) {
	return s.getOrder(id)
}

func (s *stubEngine) RequestLiquidation(_ context.Context, id uuid.UUID, est *risk.Level) (liquidation.Result, error) {
	return s.liquidate(id, est)
}

func (s *stubEngine) EndCompetition(_ context.Context, id uuid.UUID, reason model.CloseReason) (trading.CompetitionResult, error) {
	return s.endComp(id, reason)
}

func (s *stubEngine) OpenPositions(_ context.Context, id uuid.UUID) ([]*model.Position, error) {
	return s.positionsOf(id)
}

type stubStream struct {
	ch         chan events.Event
	subscribed chan struct{}
}

func newStubStream() *stubStream {
	return &stubStream{ch: make(chan events.Event, 4), subscribed: make(chan struct{}, 1)}
}

func (s *stubStream) SubscribeChan(int) (<-chan events.Event, func()) {
	s.subscribed <- struct{}{}
	return s.ch, func() {}
}

func setupRouter(engine trading.TradingService, stream api.EventStream) *gin.Engine {
	gin.SetMode(gin.TestMode)
	srv := api.NewServer(zap.NewNop(), engine, stream, api.Options{})
	return srv.Router()
}

func do(t *testing.T, r *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var resp map[string]interface{}
	if w.Body.Len() > 0 && strings.Contains(w.Header().Get("Content-Type"), "json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestHealthCheck(t *testing.T) {
	r := setupRouter(&stubEngine{}, nil)
	w, resp := do(t, r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", resp["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	r := setupRouter(&stubEngine{}, nil)
	w, _ := do(t, r, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestValidateOrderReturnsVerdict(t *testing.T) {
	var gotSym model.Symbol
	var gotType model.OrderType
	engine := &stubEngine{validate: func(typ model.OrderType, side model.OrderSide, price decimal.Decimal, sym model.Symbol) (validation.Result, error) {
		gotSym, gotType = sym, typ
		return validation.Result{Valid: false, Error: validation.CodeLimitAboveAsk, Price: price}, nil
	}}
	r := setupRouter(engine, nil)

	w, resp := do(t, r, http.MethodPost, "/api/v1/orders/validate", `{"symbol":"eur/usd","side":"buy","price":"1.1005"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.Symbol("EURUSD"), gotSym)
	assert.Equal(t, model.OrderTypeLimit, gotType)
	data := resp["data"].(map[string]interface{})
	assert.Equal(t, false, data["valid"])
	assert.Equal(t, validation.CodeLimitAboveAsk, data["error"])
}

func TestPlaceOrderRejectsInvalidBody(t *testing.T) {
	r := setupRouter(&stubEngine{}, nil)
	body := `{"competition_id":"` + uuid.NewString() + `","participant_id":"` + uuid.NewString() + `","symbol":"EURUSD","side":"hold","type":"limit","leverage":10}`

	w, resp := do(t, r, http.MethodPost, "/api/v1/orders", body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.Equal(t, apperrors.TypeValidationError, resp["type"])
	fields := resp["errors"].([]interface{})
	require.Len(t, fields, 1)
	assert.Equal(t, "side", fields[0].(map[string]interface{})["field"])
}

func TestPlaceOrderCreated(t *testing.T) {
	var got trading.PlaceOrderRequest
	engine := &stubEngine{place: func(req trading.PlaceOrderRequest) (*model.Order, error) {
		got = req
		return &model.Order{ID: uuid.New(), Symbol: req.Symbol, Status: model.OrderStatusPending}, nil
	}}
	r := setupRouter(engine, nil)
	comp, part := uuid.New(), uuid.New()
	body := `{"competition_id":"` + comp.String() + `","participant_id":"` + part.String() +
		`","symbol":"gbpusd","side":"sell","type":"limit","quantity":"0.5","price":"1.2650","leverage":20,"stop_loss":"1.2700"}`

	w, resp := do(t, r, http.MethodPost, "/api/v1/orders", body)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, comp, got.CompetitionID)
	assert.Equal(t, part, got.ParticipantID)
	assert.Equal(t, model.Symbol("GBPUSD"), got.Symbol)
	assert.True(t, got.Quantity.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, got.StopLoss.Valid)
	assert.False(t, got.TakeProfit.Valid)
	assert.Equal(t, 20, got.Leverage)
}

func TestEngineErrorsBecomeProblems(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{"not found", apperrors.NotFound.Explain("order missing"), http.StatusNotFound, apperrors.TypeNotFound},
		{"conflict", apperrors.StateConflict.Explain("order is filled"), http.StatusConflict, apperrors.TypeConflict},
		{"quote", apperrors.QuoteUnavailable.Explain("no EURUSD quote"), http.StatusServiceUnavailable, apperrors.TypeQuoteUnavailable},
		{"feed", apperrors.ExternalService.Explain("feed down"), http.StatusBadGateway, apperrors.TypeBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &stubEngine{getOrder: func(uuid.UUID) (*model.Order, error) { return nil, tt.err }}
			r := setupRouter(engine, nil)
			w, resp := do(t, r, http.MethodGet, "/api/v1/orders/"+uuid.NewString(), "")
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.typ, resp["type"])
			assert.Contains(t, resp["instance"], "/api/v1/orders/")
		})
	}
}

func TestInvalidPathID(t *testing.T) {
	r := setupRouter(&stubEngine{}, nil)
	w, resp := do(t, r, http.MethodGet, "/api/v1/orders/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apperrors.TypeValidationError, resp["type"])
}

func TestLiquidationPassesClientEstimate(t *testing.T) {
	var estimates []*risk.Level
	engine := &stubEngine{liquidate: func(_ uuid.UUID, est *risk.Level) (liquidation.Result, error) {
		estimates = append(estimates, est)
		return liquidation.Result{Message: "margin level above liquidation threshold"}, nil
	}}
	r := setupRouter(engine, nil)
	path := "/api/v1/participants/" + uuid.NewString() + "/liquidation"

	w, resp := do(t, r, http.MethodPost, path, `{"client_margin_level":"42.5"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "margin level above liquidation threshold", resp["message"])

	w, _ = do(t, r, http.MethodPost, path, "")
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, estimates, 2)
	require.NotNil(t, estimates[0])
	assert.True(t, estimates[0].Percent.Equal(decimal.RequireFromString("42.5")))
	assert.Nil(t, estimates[1])
}

func TestEndCompetitionReason(t *testing.T) {
	var reasons []model.CloseReason
	engine := &stubEngine{endComp: func(_ uuid.UUID, reason model.CloseReason) (trading.CompetitionResult, error) {
		reasons = append(reasons, reason)
		return trading.CompetitionResult{PositionsClosed: 3}, nil
	}}
	r := setupRouter(engine, nil)
	path := "/api/v1/competitions/" + uuid.NewString() + "/end"

	w, resp := do(t, r, http.MethodPost, path, `{"reason":"challenge_end"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), resp["data"].(map[string]interface{})["positions_closed"])

	w, _ = do(t, r, http.MethodPost, path, `{"reason":"user"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, []model.CloseReason{model.CloseReasonChallengeEnd}, reasons)
}

func TestOpenPositionsEmptyList(t *testing.T) {
	engine := &stubEngine{positionsOf: func(uuid.UUID) ([]*model.Position, error) { return nil, nil }}
	r := setupRouter(engine, nil)
	w, resp := do(t, r, http.MethodGet, "/api/v1/participants/"+uuid.NewString()+"/positions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{}, resp["data"])
}

func TestEventStreamFiltersByParticipant(t *testing.T) {
	stream := newStubStream()
	srv := httptest.NewServer(setupRouter(&stubEngine{}, stream))
	defer srv.Close()

	participant := uuid.New()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events/ws?participant_id=" + participant.String()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-stream.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never subscribed")
	}
	stream.ch <- events.New(events.OrderFilled, uuid.New(), uuid.New(), nil)
	want := events.New(events.PositionClosed, participant, uuid.New(), map[string]interface{}{"reason": "user"})
	stream.ch <- want

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got events.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, events.PositionClosed, got.Type)
	assert.Equal(t, "user", got.Payload["reason"])
}

func TestEventStreamNotMountedWithoutBus(t *testing.T) {
	r := setupRouter(&stubEngine{}, nil)
	w, _ := do(t, r, http.MethodGet, "/api/v1/events/ws", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSettingsRoundTrip(t *testing.T) {
	engine := &stubEngine{settings: risk.DefaultSettings()}
	r := setupRouter(engine, nil)

	w, resp := do(t, r, http.MethodGet, "/api/v1/settings", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := resp["data"].(map[string]interface{})
	assert.Equal(t, "1m0s", data["cadence"])
	assert.Equal(t, "50", data["liquidation_level"])

	w, resp = do(t, r, http.MethodPut, "/api/v1/settings", `{"warning_level":"120","cadence":"30s"}`)
	require.Equal(t, http.StatusOK, w.Code)
	data = resp["data"].(map[string]interface{})
	assert.Equal(t, "120", data["warning_level"])
	assert.Equal(t, "80", data["margin_call_level"], "absent fields are kept")
	assert.Equal(t, 30*time.Second, engine.settings.Cadence)

	w, resp = do(t, r, http.MethodPut, "/api/v1/settings", `{"cadence":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apperrors.TypeValidationError, resp["type"])
}

func TestSettingsUpdateRejected(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"misordered", apperrors.Validation.Explain("margin call threshold 130 must be below warning threshold 100"), http.StatusBadRequest},
		{"read only", apperrors.StateConflict.Explain("engine settings are read-only"), http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &stubEngine{settings: risk.DefaultSettings(), saveErr: tt.err}
			r := setupRouter(engine, nil)
			w, _ := do(t, r, http.MethodPut, "/api/v1/settings", `{"margin_call_level":"130"}`)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}
