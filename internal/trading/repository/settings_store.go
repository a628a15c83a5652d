package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Aidin1998/fxarena/internal/trading/risk"
	apperrors "github.com/Aidin1998/fxarena/pkg/errors"
)

const engineSettingsKey = "engine"

// EngineSetting is an admin-managed settings document.
type EngineSetting struct {
	Key       string    `gorm:"type:varchar(64);primaryKey"`
	Value     string    `gorm:"type:text"`
	UpdatedAt time.Time
}

func (EngineSetting) TableName() string { return "engine_settings" }

// SettingsStore serves risk settings from the engine_settings table. Missing
// settings fall back to the configured defaults.
type SettingsStore struct {
	db       *gorm.DB
	defaults risk.Settings
	logger   *zap.Logger
}

var _ risk.SettingsWriter = (*SettingsStore)(nil)

func NewSettingsStore(db *gorm.DB, defaults risk.Settings, logger *zap.Logger) *SettingsStore {
	return &SettingsStore{db: db, defaults: defaults, logger: logger}
}

// storedSettings is the persisted document. Thresholds and ratio are decimal
// strings, cadence a Go duration string.
type storedSettings struct {
	Thresholds           *risk.Thresholds `json:"thresholds,omitempty"`
	MinOrderDistancePips *int             `json:"min_order_distance_pips,omitempty"`
	Cadence              string           `json:"cadence,omitempty"`
	MaintenanceRatio     string           `json:"maintenance_ratio,omitempty"`
}

func (s *SettingsStore) LoadSettings(ctx context.Context) (risk.Settings, error) {
	var row EngineSetting
	err := s.db.WithContext(ctx).Where("key = ?", engineSettingsKey).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.defaults, s.defaults.Validate()
	}
	if err != nil {
		return risk.Settings{}, dbError(err, "load engine settings")
	}

	var doc storedSettings
	if err := json.Unmarshal([]byte(row.Value), &doc); err != nil {
		return risk.Settings{}, apperrors.Configuration.Explain("engine settings are not valid JSON").Wrap(err)
	}

	out := s.defaults
	if doc.Thresholds != nil {
		out.Thresholds = *doc.Thresholds
	}
	if doc.MinOrderDistancePips != nil {
		out.MinOrderDistancePips = *doc.MinOrderDistancePips
	}
	if doc.Cadence != "" {
		cadence, err := time.ParseDuration(doc.Cadence)
		if err != nil {
			return risk.Settings{}, apperrors.Configuration.Explain("bad cadence %q", doc.Cadence).Wrap(err)
		}
		out.Cadence = cadence
	}
	if doc.MaintenanceRatio != "" {
		if err := out.MaintenanceRatio.UnmarshalText([]byte(doc.MaintenanceRatio)); err != nil {
			return risk.Settings{}, apperrors.Configuration.Explain("bad maintenance ratio %q", doc.MaintenanceRatio).Wrap(err)
		}
	}

	if err := out.Validate(); err != nil {
		s.logger.Error("Rejected engine settings", zap.Error(err))
		return risk.Settings{}, err
	}
	return out, nil
}

// SaveSettings validates and upserts the settings document.
func (s *SettingsStore) SaveSettings(ctx context.Context, settings risk.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	pips := settings.MinOrderDistancePips
	doc := storedSettings{
		Thresholds:           &settings.Thresholds,
		MinOrderDistancePips: &pips,
		Cadence:              settings.Cadence.String(),
		MaintenanceRatio:     settings.MaintenanceRatio.String(),
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return apperrors.Configuration.Explain("encode engine settings").Wrap(err)
	}

	row := EngineSetting{Key: engineSettingsKey, Value: string(raw), UpdatedAt: time.Now().UTC()}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return dbError(err, "save engine settings")
	}
	return nil
}
