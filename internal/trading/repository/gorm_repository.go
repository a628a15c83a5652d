package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Aidin1998/fxarena/internal/trading/model"
	apperrors "github.com/Aidin1998/fxarena/pkg/errors"
)

// GormRepository implements model.Repository. Inside InTransaction the same
// type wraps the transaction handle and serves as model.Tx.
type GormRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

var (
	_ model.Repository = (*GormRepository)(nil)
	_ model.Tx         = (*GormRepository)(nil)
)

// NewGormRepository creates a new GORM-based repository
func NewGormRepository(db *gorm.DB, logger *zap.Logger) *GormRepository {
	return &GormRepository{db: db, logger: logger}
}

// Migrate creates or updates the engine tables
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Order{},
		&model.Position{},
		&model.Participant{},
		&model.StateTransition{},
		&EngineSetting{},
	)
}

func (r *GormRepository) InTransaction(ctx context.Context, fn func(tx model.Tx) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormRepository{db: tx, logger: r.logger})
	})
}

func (r *GormRepository) CreateOrder(ctx context.Context, order *model.Order) error {
	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		r.logger.Error("Failed to create order", zap.Error(err), zap.String("order_id", order.ID.String()))
		return dbError(err, "create order %s", order.ID)
	}
	return nil
}

func (r *GormRepository) CreateParticipant(ctx context.Context, participant *model.Participant) error {
	if err := r.db.WithContext(ctx).Create(participant).Error; err != nil {
		return dbError(err, "create participant %s", participant.ID)
	}
	return nil
}

func (r *GormRepository) CreatePosition(ctx context.Context, position *model.Position) error {
	if err := r.db.WithContext(ctx).Create(position).Error; err != nil {
		r.logger.Error("Failed to create position", zap.Error(err), zap.String("position_id", position.ID.String()))
		return dbError(err, "create position %s", position.ID)
	}
	return nil
}

func (r *GormRepository) GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	var o model.Order
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&o).Error; err != nil {
		return nil, dbError(err, "order %s", id)
	}
	return &o, nil
}

func (r *GormRepository) GetPosition(ctx context.Context, id uuid.UUID) (*model.Position, error) {
	var p model.Position
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, dbError(err, "position %s", id)
	}
	return &p, nil
}

func (r *GormRepository) GetParticipant(ctx context.Context, id uuid.UUID) (*model.Participant, error) {
	var p model.Participant
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, dbError(err, "participant %s", id)
	}
	return &p, nil
}

// GetParticipantForUpdate reads the ledger row under SELECT ... FOR UPDATE.
func (r *GormRepository) GetParticipantForUpdate(ctx context.Context, id uuid.UUID) (*model.Participant, error) {
	var p model.Participant
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&p).Error; err != nil {
		return nil, dbError(err, "participant %s", id)
	}
	return &p, nil
}

var pendingStatuses = []model.OrderStatus{model.OrderStatusPending, model.OrderStatusPartiallyFilled}

// ListPendingOrders returns working limit and stop orders, oldest first.
func (r *GormRepository) ListPendingOrders(ctx context.Context) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Where("status IN ? AND type IN ?", pendingStatuses, []model.OrderType{model.OrderTypeLimit, model.OrderTypeStop}).
		Order("placed_at ASC").
		Find(&orders).Error
	if err != nil {
		return nil, dbError(err, "list pending orders")
	}
	return orders, nil
}

// ListPendingOrdersByCompetition includes market orders that never filled.
func (r *GormRepository) ListPendingOrdersByCompetition(ctx context.Context, competitionID uuid.UUID) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Where("competition_id = ? AND status IN ?", competitionID, pendingStatuses).
		Order("placed_at ASC").
		Find(&orders).Error
	if err != nil {
		return nil, dbError(err, "list pending orders of competition %s", competitionID)
	}
	return orders, nil
}

// ListTriggerPositions returns open positions carrying take-profit, stop-loss or a trailing distance.
func (r *GormRepository) ListTriggerPositions(ctx context.Context) ([]*model.Position, error) {
	var positions []*model.Position
	err := r.db.WithContext(ctx).
		Where("status = ?", model.PositionStatusOpen).
		Where("take_profit IS NOT NULL OR stop_loss IS NOT NULL OR trailing_distance IS NOT NULL").
		Order("opened_at ASC").
		Find(&positions).Error
	if err != nil {
		return nil, dbError(err, "list trigger positions")
	}
	return positions, nil
}

func (r *GormRepository) ListOpenPositions(ctx context.Context, participantID uuid.UUID) ([]*model.Position, error) {
	var positions []*model.Position
	err := r.db.WithContext(ctx).
		Where("participant_id = ? AND status = ?", participantID, model.PositionStatusOpen).
		Order("opened_at ASC").
		Find(&positions).Error
	if err != nil {
		return nil, dbError(err, "list open positions of participant %s", participantID)
	}
	return positions, nil
}

func (r *GormRepository) ListOpenPositionsByCompetition(ctx context.Context, competitionID uuid.UUID) ([]*model.Position, error) {
	var positions []*model.Position
	err := r.db.WithContext(ctx).
		Where("competition_id = ? AND status = ?", competitionID, model.PositionStatusOpen).
		Order("opened_at ASC").
		Find(&positions).Error
	if err != nil {
		return nil, dbError(err, "list open positions of competition %s", competitionID)
	}
	return positions, nil
}

func (r *GormRepository) ListParticipantsWithOpenPositions(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&model.Position{}).
		Where("status = ?", model.PositionStatusOpen).
		Distinct("participant_id").
		Pluck("participant_id", &ids).Error
	if err != nil {
		return nil, dbError(err, "list participants with open positions")
	}
	return ids, nil
}

// MarkPosition writes the latest valuation while the position is open.
func (r *GormRepository) MarkPosition(ctx context.Context, id uuid.UUID, mark model.PositionMark) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Position{}).
		Where("id = ? AND status = ?", id, model.PositionStatusOpen).
		Updates(map[string]interface{}{
			"current_price":       mark.CurrentPrice,
			"unrealized_pnl":      mark.UnrealizedPnL,
			"unrealized_pnl_pct":  mark.UnrealizedPnLPct,
			"trailing_stop_price": mark.TrailingStopPrice,
			"updated_at":          mark.UpdatedAt,
		})
	if res.Error != nil {
		return false, dbError(res.Error, "mark position %s", id)
	}
	return res.RowsAffected == 1, nil
}

// TransitionOrder applies update only if the order is in one of from.
func (r *GormRepository) TransitionOrder(ctx context.Context, id uuid.UUID, from []model.OrderStatus, update model.OrderUpdate) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Order{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]interface{}{
			"status":             update.Status,
			"filled_quantity":    update.FilledQuantity,
			"remaining_quantity": update.RemainingQuantity,
			"executed_price":     update.ExecutedPrice,
			"margin_required":    update.MarginRequired,
			"reason":             update.Reason,
			"executed_at":        update.ExecutedAt,
			"updated_at":         update.UpdatedAt,
		})
	if res.Error != nil {
		return false, dbError(res.Error, "transition order %s", id)
	}
	if res.RowsAffected == 0 {
		return false, r.ensureExists(ctx, &model.Order{}, id)
	}
	return true, nil
}

// ClosePosition applies the terminal transition only while the position is open.
func (r *GormRepository) ClosePosition(ctx context.Context, id uuid.UUID, update model.PositionClose) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Position{}).
		Where("id = ? AND status = ?", id, model.PositionStatusOpen).
		Updates(map[string]interface{}{
			"status":        update.Status,
			"close_reason":  update.CloseReason,
			"exit_price":    update.ExitPrice,
			"current_price": update.ExitPrice,
			"realized_pnl":  update.RealizedPnL,
			"closed_at":     update.ClosedAt,
			"updated_at":    update.ClosedAt,
		})
	if res.Error != nil {
		return false, dbError(res.Error, "close position %s", id)
	}
	if res.RowsAffected == 0 {
		return false, r.ensureExists(ctx, &model.Position{}, id)
	}
	return true, nil
}

// AdjustParticipant applies delta under a row lock and bumps the version.
// The version guard rejects a concurrent writer that bypassed the lock.
func (r *GormRepository) AdjustParticipant(ctx context.Context, id uuid.UUID, delta model.ParticipantDelta) (*model.Participant, error) {
	p, err := r.GetParticipantForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}

	p.Capital = p.Capital.Add(delta.Capital)
	p.UsedMargin = p.UsedMargin.Add(delta.UsedMargin)
	if p.UsedMargin.IsNegative() {
		r.logger.Warn("Used margin would drop below zero, clamping",
			zap.String("participant_id", id.String()), zap.String("used_margin", p.UsedMargin.String()))
		p.UsedMargin = decimal.Zero
	}
	p.RealizedPnL = p.RealizedPnL.Add(delta.RealizedPnL)
	p.TotalTrades += delta.Trades
	p.WinningTrades += delta.Wins
	p.LosingTrades += delta.Losses
	p.UpdatedAt = time.Now().UTC()

	res := r.db.WithContext(ctx).
		Model(&model.Participant{}).
		Where("id = ? AND version = ?", id, p.Version).
		Updates(map[string]interface{}{
			"capital":        p.Capital,
			"used_margin":    p.UsedMargin,
			"realized_pnl":   p.RealizedPnL,
			"total_trades":   p.TotalTrades,
			"winning_trades": p.WinningTrades,
			"losing_trades":  p.LosingTrades,
			"version":        p.Version + 1,
			"updated_at":     p.UpdatedAt,
		})
	if res.Error != nil {
		return nil, dbError(res.Error, "adjust participant %s", id)
	}
	if res.RowsAffected == 0 {
		return nil, apperrors.StateConflict.Explain("participant %s changed concurrently at version %d", id, p.Version)
	}
	p.Version++
	return p, nil
}

func (r *GormRepository) RecordTransition(ctx context.Context, t *model.StateTransition) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(t).Error; err != nil {
		return dbError(err, "record %s transition for %s", t.EntityType, t.EntityID)
	}
	return nil
}

// ListTransitions returns the audit trail of an entity, oldest first.
func (r *GormRepository) ListTransitions(ctx context.Context, entityID uuid.UUID) ([]model.StateTransition, error) {
	var out []model.StateTransition
	if err := r.db.WithContext(ctx).Where("entity_id = ?", entityID).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, dbError(err, "list transitions of %s", entityID)
	}
	return out, nil
}

func (r *GormRepository) ensureExists(ctx context.Context, m interface{}, id uuid.UUID) error {
	var n int64
	if err := r.db.WithContext(ctx).Model(m).Where("id = ?", id).Count(&n).Error; err != nil {
		return dbError(err, "lookup %s", id)
	}
	if n == 0 {
		return apperrors.NotFound.Explain("%s not found", id)
	}
	return nil
}

func dbError(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.NotFound.Explain(format, args...).Wrap(err)
	}
	return apperrors.ExternalService.Explain(format, args...).Wrap(err)
}
