package validation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/fxarena/internal/trading/model"
	apperrors "github.com/Aidin1998/fxarena/pkg/errors"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newValidator() *Validator {
	return New(model.NewSymbolRegistry(nil), DefaultMinDistancePips)
}

var eurusd = model.Quote{Symbol: "EURUSD", Bid: d("1.0998"), Ask: d("1.1000")}

func TestBuyLimitDirectionAndDistance(t *testing.T) {
	v := newValidator()

	res := v.ValidateLimitOrder(model.OrderSideBuy, d("1.1005"), eurusd, "EURUSD")
	assert.False(t, res.Valid)
	assert.Equal(t, CodeLimitAboveAsk, res.Error)
	assert.Contains(t, res.Explanation, "1.1005")
	assert.Contains(t, res.Explanation, "1.1")

	res = v.ValidateLimitOrder(model.OrderSideBuy, d("1.0985"), eurusd, "EURUSD")
	assert.True(t, res.Valid, res.Explanation)

	res = v.ValidateLimitOrder(model.OrderSideBuy, d("1.0995"), eurusd, "EURUSD")
	assert.False(t, res.Valid)
	assert.Equal(t, CodeTooCloseToMarket, res.Error)
	assert.Contains(t, res.Explanation, "5.0 pips")
	assert.Contains(t, res.Explanation, "10 pips")
	assert.True(t, res.MinDistance.Equal(d("0.0010")))
}

func TestBuyLimitAtAskRejected(t *testing.T) {
	res := newValidator().ValidateLimitOrder(model.OrderSideBuy, d("1.1000"), eurusd, "EURUSD")
	assert.Equal(t, CodeLimitAboveAsk, res.Error)
}

func TestBuyLimitExactlyMinDistance(t *testing.T) {
	res := newValidator().ValidateLimitOrder(model.OrderSideBuy, d("1.0990"), eurusd, "EURUSD")
	assert.True(t, res.Valid, res.Explanation)
}

func TestSellLimit(t *testing.T) {
	v := newValidator()
	assert.Equal(t, CodeLimitBelowBid, v.ValidateLimitOrder(model.OrderSideSell, d("1.0990"), eurusd, "EURUSD").Error)
	assert.Equal(t, CodeTooCloseToMarket, v.ValidateLimitOrder(model.OrderSideSell, d("1.1003"), eurusd, "EURUSD").Error)
	assert.True(t, v.ValidateLimitOrder(model.OrderSideSell, d("1.1010"), eurusd, "EURUSD").Valid)
}

func TestStopOrders(t *testing.T) {
	v := newValidator()
	assert.Equal(t, CodeStopBelowAsk, v.ValidateStopOrder(model.OrderSideBuy, d("1.0990"), eurusd, "EURUSD").Error)
	assert.True(t, v.ValidateStopOrder(model.OrderSideBuy, d("1.1015"), eurusd, "EURUSD").Valid)
	assert.Equal(t, CodeStopAboveBid, v.ValidateStopOrder(model.OrderSideSell, d("1.1000"), eurusd, "EURUSD").Error)
	assert.Equal(t, CodeTooCloseToMarket, v.ValidateStopOrder(model.OrderSideSell, d("1.0995"), eurusd, "EURUSD").Error)
	assert.True(t, v.ValidateStopOrder(model.OrderSideSell, d("1.0980"), eurusd, "EURUSD").Valid)
}

func TestJPYPipDistance(t *testing.T) {
	q := model.Quote{Symbol: "USDJPY", Bid: d("149.98"), Ask: d("150.00")}
	v := newValidator()
	assert.Equal(t, CodeTooCloseToMarket, v.ValidateLimitOrder(model.OrderSideBuy, d("149.95"), q, "USDJPY").Error)
	assert.True(t, v.ValidateLimitOrder(model.OrderSideBuy, d("149.85"), q, "USDJPY").Valid)
}

func TestInvalidInputs(t *testing.T) {
	v := newValidator()
	assert.Equal(t, CodeInvalidPrice, v.ValidateLimitOrder(model.OrderSideBuy, decimal.Zero, eurusd, "EURUSD").Error)
	assert.Equal(t, CodeQuoteUnavailable, v.ValidateLimitOrder(model.OrderSideBuy, d("1.09"), model.Quote{}, "EURUSD").Error)
	assert.Equal(t, CodeUnsupportedOrderType, v.Validate("iceberg", model.OrderSideBuy, d("1.09"), eurusd, "EURUSD").Error)
	assert.True(t, v.Validate(model.OrderTypeMarket, model.OrderSideBuy, decimal.Zero, eurusd, "EURUSD").Valid)
}

func TestResultErr(t *testing.T) {
	res := newValidator().ValidateLimitOrder(model.OrderSideBuy, d("1.1005"), eurusd, "EURUSD")
	err := res.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.Validation)

	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, CodeLimitAboveAsk, appErr.Code)

	assert.NoError(t, Result{Valid: true}.Err())
}

func TestValidateOrderParams(t *testing.T) {
	ok := OrderParams{Side: model.OrderSideBuy, Type: model.OrderTypeLimit, Quantity: d("0.01"), Leverage: 500, Price: d("1.09")}
	require.NoError(t, ValidateOrderParams(ok))

	bad := OrderParams{Side: "hold", Type: model.OrderTypeLimit, Quantity: d("0.001"), Leverage: 0}
	err := ValidateOrderParams(bad)
	require.Error(t, err)
	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Len(t, appErr.Fields, 4)
}
