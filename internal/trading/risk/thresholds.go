package risk

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/Aidin1998/fxarena/pkg/errors"
)

// Thresholds are margin level percentages. Liquidation < MarginCall < Warning.
type Thresholds struct {
	Warning     decimal.Decimal `json:"warning"`
	MarginCall  decimal.Decimal `json:"margin_call"`
	Liquidation decimal.Decimal `json:"liquidation"`
}

// DefaultThresholds returns the stock competition thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:     decimal.NewFromInt(100),
		MarginCall:  decimal.NewFromInt(80),
		Liquidation: decimal.NewFromInt(50),
	}
}

// Validate enforces the threshold ordering. Misordered thresholds would
// silently misclassify risk, so they fail the evaluation instead.
func (t Thresholds) Validate() error {
	if t.Liquidation.IsNegative() {
		return apperrors.Configuration.Explain("liquidation threshold %s must not be negative", t.Liquidation)
	}
	if !t.Liquidation.LessThan(t.MarginCall) {
		return apperrors.Configuration.Explain("liquidation threshold %s must be below margin call threshold %s",
			t.Liquidation, t.MarginCall)
	}
	if !t.MarginCall.LessThan(t.Warning) {
		return apperrors.Configuration.Explain("margin call threshold %s must be below warning threshold %s",
			t.MarginCall, t.Warning)
	}
	return nil
}

// Settings is the engine configuration read once per cycle.
type Settings struct {
	Thresholds           Thresholds      `json:"thresholds"`
	MinOrderDistancePips int             `json:"min_order_distance_pips"`
	Cadence              time.Duration   `json:"cadence"`
	MaintenanceRatio     decimal.Decimal `json:"maintenance_ratio"`
}

// DefaultSettings returns thresholds 100/80/50, 10 pip distance and a one minute cadence
func DefaultSettings() Settings {
	return Settings{
		Thresholds:           DefaultThresholds(),
		MinOrderDistancePips: 10,
		Cadence:              time.Minute,
		MaintenanceRatio:     decimal.RequireFromString("0.5"),
	}
}

func (s Settings) Validate() error {
	if err := s.Thresholds.Validate(); err != nil {
		return err
	}
	if s.MinOrderDistancePips < 0 {
		return apperrors.Configuration.Explain("minimum order distance must not be negative, got %d", s.MinOrderDistancePips)
	}
	if s.Cadence <= 0 {
		return apperrors.Configuration.Explain("processor cadence must be positive, got %s", s.Cadence)
	}
	if s.MaintenanceRatio.IsNegative() || s.MaintenanceRatio.GreaterThan(decimal.NewFromInt(1)) {
		return apperrors.Configuration.Explain("maintenance ratio must be within [0,1], got %s", s.MaintenanceRatio)
	}
	return nil
}

// SettingsProvider supplies validated settings. Implementations must return a
// Configuration error rather than settings that fail Validate.
type SettingsProvider interface {
	LoadSettings(ctx context.Context) (Settings, error)
}

// SettingsWriter is a SettingsProvider that operators may update at runtime.
type SettingsWriter interface {
	SettingsProvider
	SaveSettings(ctx context.Context, s Settings) error
}
