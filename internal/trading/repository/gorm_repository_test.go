package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Aidin1998/fxarena/internal/trading/model"
	"github.com/Aidin1998/fxarena/internal/trading/risk"
	apperrors "github.com/Aidin1998/fxarena/pkg/errors"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, Migrate(db))
	return db
}

func seed(t *testing.T, r *GormRepository) (*model.Participant, *model.Order, *model.Position) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	comp := uuid.New()
	part := &model.Participant{ID: uuid.New(), CompetitionID: comp, Capital: d("10000"), UsedMargin: d("1100")}
	require.NoError(t, r.CreateParticipant(ctx, part))

	order := &model.Order{ID: uuid.New(), CompetitionID: comp, ParticipantID: part.ID, Symbol: "EURUSD",
		Side: model.OrderSideBuy, Type: model.OrderTypeLimit, Quantity: d("1"), RequestedPrice: d("1.1000"),
		Leverage: 10, Status: model.OrderStatusPending, RemainingQuantity: d("1"), PlacedAt: now}
	require.NoError(t, r.CreateOrder(ctx, order))

	pos := &model.Position{ID: uuid.New(), CompetitionID: comp, ParticipantID: part.ID, Symbol: "EURUSD",
		Side: model.PositionSideLong, Quantity: d("1"), EntryPrice: d("1.1000"), MarginUsed: d("1100"),
		TakeProfit: decimal.NewNullDecimal(d("1.1050")), Leverage: 100, Status: model.PositionStatusOpen, OpenedAt: now}
	require.NoError(t, r.CreatePosition(ctx, pos))
	return part, order, pos
}

func TestGetNotFound(t *testing.T) {
	r := NewGormRepository(setupTestDB(t), zap.NewNop())
	_, err := r.GetOrder(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperrors.NotFound)
	_, err = r.GetParticipant(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperrors.NotFound)
}

func TestListQueries(t *testing.T) {
	r := NewGormRepository(setupTestDB(t), zap.NewNop())
	ctx := context.Background()
	part, order, pos := seed(t, r)

	market := &model.Order{ID: uuid.New(), CompetitionID: order.CompetitionID, ParticipantID: part.ID, Symbol: "EURUSD",
		Side: model.OrderSideSell, Type: model.OrderTypeMarket, Quantity: d("1"), Leverage: 10,
		Status: model.OrderStatusPending, RemainingQuantity: d("1"), PlacedAt: time.Now().UTC()}
	require.NoError(t, r.CreateOrder(ctx, market))

	pending, err := r.ListPendingOrders(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, order.ID, pending[0].ID)

	byComp, err := r.ListPendingOrdersByCompetition(ctx, order.CompetitionID)
	require.NoError(t, err)
	assert.Len(t, byComp, 2)

	noTrigger := &model.Position{ID: uuid.New(), CompetitionID: pos.CompetitionID, ParticipantID: part.ID, Symbol: "GBPUSD",
		Side: model.PositionSideShort, Quantity: d("1"), EntryPrice: d("1.25"), Status: model.PositionStatusOpen,
		OpenedAt: time.Now().UTC()}
	require.NoError(t, r.CreatePosition(ctx, noTrigger))

	triggers, err := r.ListTriggerPositions(ctx)
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.Equal(t, pos.ID, triggers[0].ID)
	assert.True(t, triggers[0].TakeProfit.Decimal.Equal(d("1.105")))
	assert.False(t, triggers[0].StopLoss.Valid)

	open, err := r.ListOpenPositions(ctx, part.ID)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	ids, err := r.ListParticipantsWithOpenPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{part.ID}, ids)
}

func TestTransitionOrderCAS(t *testing.T) {
	r := NewGormRepository(setupTestDB(t), zap.NewNop())
	ctx := context.Background()
	_, order, _ := seed(t, r)
	now := time.Now().UTC()

	update := model.OrderUpdate{Status: model.OrderStatusFilled, FilledQuantity: d("1"), RemainingQuantity: decimal.Zero,
		ExecutedPrice: decimal.NewNullDecimal(d("1.0999")), MarginRequired: d("10999"), ExecutedAt: &now, UpdatedAt: now}
	applied, err := r.TransitionOrder(ctx, order.ID, []model.OrderStatus{model.OrderStatusPending}, update)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = r.TransitionOrder(ctx, order.ID, []model.OrderStatus{model.OrderStatusPending}, update)
	require.NoError(t, err)
	assert.False(t, applied, "second transition from pending is a no-op")

	got, err := r.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, got.Status)
	assert.True(t, got.ExecutedPrice.Decimal.Equal(d("1.0999")))
	require.NoError(t, got.CheckInvariants())

	_, err = r.TransitionOrder(ctx, uuid.New(), []model.OrderStatus{model.OrderStatusPending}, update)
	assert.ErrorIs(t, err, apperrors.NotFound)
}

func TestClosePositionOnce(t *testing.T) {
	r := NewGormRepository(setupTestDB(t), zap.NewNop())
	ctx := context.Background()
	_, _, pos := seed(t, r)

	close1 := model.PositionClose{Status: model.PositionStatusClosed, CloseReason: model.CloseReasonTakeProfit,
		ExitPrice: d("1.1060"), RealizedPnL: d("600"), ClosedAt: time.Now().UTC()}
	applied, err := r.ClosePosition(ctx, pos.ID, close1)
	require.NoError(t, err)
	assert.True(t, applied)

	close2 := close1
	close2.CloseReason = model.CloseReasonStopLoss
	close2.RealizedPnL = d("-500")
	applied, err = r.ClosePosition(ctx, pos.ID, close2)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := r.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CloseReasonTakeProfit, got.CloseReason)
	assert.True(t, got.RealizedPnL.Equal(d("600")))

	applied, err = r.MarkPosition(ctx, pos.ID, model.PositionMark{CurrentPrice: d("1.2"), UpdatedAt: time.Now()})
	require.NoError(t, err)
	assert.False(t, applied, "closed positions are not re-marked")
}

func TestAdjustParticipantInTransaction(t *testing.T) {
	r := NewGormRepository(setupTestDB(t), zap.NewNop())
	ctx := context.Background()
	part, _, _ := seed(t, r)

	err := r.InTransaction(ctx, func(tx model.Tx) error {
		_, err := tx.AdjustParticipant(ctx, part.ID, model.ParticipantDelta{
			Capital: d("600"), UsedMargin: d("-1100"), RealizedPnL: d("600"), Trades: 1, Wins: 1})
		return err
	})
	require.NoError(t, err)

	got, err := r.GetParticipant(ctx, part.ID)
	require.NoError(t, err)
	assert.True(t, got.Capital.Equal(d("10600")))
	assert.True(t, got.UsedMargin.IsZero())
	assert.Equal(t, 1, got.WinningTrades)
	assert.Equal(t, int64(1), got.Version)
}

func TestTransactionRollback(t *testing.T) {
	r := NewGormRepository(setupTestDB(t), zap.NewNop())
	ctx := context.Background()
	part, _, pos := seed(t, r)

	err := r.InTransaction(ctx, func(tx model.Tx) error {
		if _, err := tx.ClosePosition(ctx, pos.ID, model.PositionClose{Status: model.PositionStatusClosed,
			CloseReason: model.CloseReasonUser, ExitPrice: d("1.1"), ClosedAt: time.Now()}); err != nil {
			return err
		}
		if _, err := tx.AdjustParticipant(ctx, part.ID, model.ParticipantDelta{UsedMargin: d("-1100")}); err != nil {
			return err
		}
		return apperrors.ExternalService.Explain("boom")
	})
	require.Error(t, err)

	gotPos, err := r.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PositionStatusOpen, gotPos.Status)
	gotPart, err := r.GetParticipant(ctx, part.ID)
	require.NoError(t, err)
	assert.True(t, gotPart.UsedMargin.Equal(d("1100")))
}

func TestConcurrentAdjustmentsDoNotInterleave(t *testing.T) {
	r := NewGormRepository(setupTestDB(t), zap.NewNop())
	ctx := context.Background()
	part, _, _ := seed(t, r)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.InTransaction(ctx, func(tx model.Tx) error {
				_, err := tx.AdjustParticipant(ctx, part.ID, model.ParticipantDelta{Capital: d("10"), Trades: 1})
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := r.GetParticipant(ctx, part.ID)
	require.NoError(t, err)
	assert.True(t, got.Capital.Equal(d("10100")), got.Capital.String())
	assert.Equal(t, 10, got.TotalTrades)
	assert.Equal(t, int64(10), got.Version)
}

func TestRecordTransition(t *testing.T) {
	r := NewGormRepository(setupTestDB(t), zap.NewNop())
	ctx := context.Background()
	id := uuid.New()
	require.NoError(t, r.RecordTransition(ctx, &model.StateTransition{EntityType: model.EntityOrder, EntityID: id,
		FromState: "pending", ToState: "filled", Reason: "limit reached"}))
	trail, err := r.ListTransitions(ctx, id)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "filled", trail[0].ToState)
}

func TestSettingsStore(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := NewSettingsStore(db, risk.DefaultSettings(), zap.NewNop())

	got, err := store.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, risk.DefaultSettings().Cadence, got.Cadence)

	custom := risk.DefaultSettings()
	custom.Thresholds = risk.Thresholds{Warning: d("120"), MarginCall: d("90"), Liquidation: d("30")}
	custom.MinOrderDistancePips = 5
	custom.Cadence = 30 * time.Second
	require.NoError(t, store.SaveSettings(ctx, custom))
	require.NoError(t, store.SaveSettings(ctx, custom), "upsert")

	got, err = store.LoadSettings(ctx)
	require.NoError(t, err)
	assert.True(t, got.Thresholds.Liquidation.Equal(d("30")))
	assert.Equal(t, 5, got.MinOrderDistancePips)
	assert.Equal(t, 30*time.Second, got.Cadence)

	bad := custom
	bad.Thresholds.MarginCall = d("10")
	assert.ErrorIs(t, store.SaveSettings(ctx, bad), apperrors.Configuration)

	require.NoError(t, db.Model(&EngineSetting{}).Where("key = ?", "engine").
		Update("value", `{"thresholds":{"warning":"50","margin_call":"80","liquidation":"20"}}`).Error)
	_, err = store.LoadSettings(ctx)
	assert.ErrorIs(t, err, apperrors.Configuration)
}
