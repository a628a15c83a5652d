package tradequeue

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/Aidin1998/fxarena/internal/trading/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func nd(s string) decimal.NullDecimal { return decimal.NewNullDecimal(d(s)) }

func TestFillCondition(t *testing.T) {
	q := model.Quote{Symbol: "EURUSD", Bid: d("1.0997"), Ask: d("1.0999")}
	cases := []struct {
		side  model.OrderSide
		typ   model.OrderType
		price string
		hit   bool
		at    string
	}{
		{model.OrderSideBuy, model.OrderTypeLimit, "1.1000", true, "1.0999"},
		{model.OrderSideBuy, model.OrderTypeLimit, "1.0990", false, "1.0999"},
		{model.OrderSideSell, model.OrderTypeLimit, "1.0997", true, "1.0997"},
		{model.OrderSideSell, model.OrderTypeLimit, "1.1000", false, "1.0997"},
		{model.OrderSideBuy, model.OrderTypeStop, "1.0995", true, "1.0999"},
		{model.OrderSideBuy, model.OrderTypeStop, "1.1010", false, "1.0999"},
		{model.OrderSideSell, model.OrderTypeStop, "1.1000", true, "1.0997"},
		{model.OrderSideSell, model.OrderTypeStop, "1.0990", false, "1.0997"},
	}
	for _, tc := range cases {
		o := &model.Order{Side: tc.side, Type: tc.typ, RequestedPrice: d(tc.price)}
		hit, at := FillCondition(o, q)
		assert.Equal(t, tc.hit, hit, "%s %s @%s", tc.side, tc.typ, tc.price)
		assert.True(t, at.Equal(d(tc.at)))
	}
}

func TestEvaluateExitTakeProfitBeforeStopLoss(t *testing.T) {
	// both levels crossed at once: take-profit wins
	p := &model.Position{Side: model.PositionSideLong, EntryPrice: d("1.1000"),
		TakeProfit: nd("1.1050"), StopLoss: nd("1.1070")}
	dec := EvaluateExit(p, d("1.1060"))
	assert.True(t, dec.Triggered)
	assert.Equal(t, model.CloseReasonTakeProfit, dec.Reason)

	p = &model.Position{Side: model.PositionSideLong, EntryPrice: d("1.1000"),
		TakeProfit: nd("1.1050"), StopLoss: nd("1.0950")}
	assert.Equal(t, model.CloseReasonTakeProfit, EvaluateExit(p, d("1.1060")).Reason)
	assert.Equal(t, model.CloseReasonStopLoss, EvaluateExit(p, d("1.0950")).Reason)
	assert.False(t, EvaluateExit(p, d("1.1000")).Triggered)
}

func TestEvaluateExitShort(t *testing.T) {
	p := &model.Position{Side: model.PositionSideShort, EntryPrice: d("1.1000"),
		TakeProfit: nd("1.0950"), StopLoss: nd("1.1050")}
	assert.Equal(t, model.CloseReasonTakeProfit, EvaluateExit(p, d("1.0940")).Reason)
	assert.Equal(t, model.CloseReasonStopLoss, EvaluateExit(p, d("1.1051")).Reason)
	assert.False(t, EvaluateExit(p, d("1.1000")).Triggered)
}

func TestEvaluateExitTrailingRatchet(t *testing.T) {
	p := &model.Position{Side: model.PositionSideLong, EntryPrice: d("1.1000"), TrailingDistance: nd("0.0020")}

	dec := EvaluateExit(p, d("1.1010"))
	assert.False(t, dec.Triggered)
	assert.True(t, dec.TrailingStop.Decimal.Equal(d("1.0990")))

	p.TrailingStopPrice = dec.TrailingStop
	dec = EvaluateExit(p, d("1.1005"))
	assert.False(t, dec.Triggered)
	assert.True(t, dec.TrailingStop.Decimal.Equal(d("1.0990")), "never loosens")

	dec = EvaluateExit(p, d("1.1030"))
	assert.True(t, dec.TrailingStop.Decimal.Equal(d("1.1010")))

	p.TrailingStopPrice = dec.TrailingStop
	dec = EvaluateExit(p, d("1.1009"))
	assert.True(t, dec.Triggered)
	assert.True(t, dec.Trailing)
	assert.Equal(t, model.CloseReasonStopLoss, dec.Reason)
}

func TestEvaluateExitTrailingShort(t *testing.T) {
	p := &model.Position{Side: model.PositionSideShort, EntryPrice: d("1.1000"), TrailingDistance: nd("0.0020")}
	dec := EvaluateExit(p, d("1.0990"))
	assert.True(t, dec.TrailingStop.Decimal.Equal(d("1.1010")))
	p.TrailingStopPrice = dec.TrailingStop
	assert.True(t, EvaluateExit(p, d("1.1010")).Triggered)
}
