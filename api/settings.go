package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/fxarena/api/responses"
	"github.com/Aidin1998/fxarena/internal/trading/risk"
	apperrors "github.com/Aidin1998/fxarena/pkg/errors"
)

// settingsView renders durations as Go duration strings.
type settingsView struct {
	WarningLevel         decimal.Decimal `json:"warning_level"`
	MarginCallLevel      decimal.Decimal `json:"margin_call_level"`
	LiquidationLevel     decimal.Decimal `json:"liquidation_level"`
	MinOrderDistancePips int             `json:"min_order_distance_pips"`
	Cadence              string          `json:"cadence"`
	MaintenanceRatio     decimal.Decimal `json:"maintenance_ratio"`
}

func newSettingsView(s risk.Settings) settingsView {
	return settingsView{
		WarningLevel:         s.Thresholds.Warning,
		MarginCallLevel:      s.Thresholds.MarginCall,
		LiquidationLevel:     s.Thresholds.Liquidation,
		MinOrderDistancePips: s.MinOrderDistancePips,
		Cadence:              s.Cadence.String(),
		MaintenanceRatio:     s.MaintenanceRatio,
	}
}

// updateSettingsRequest overlays the current settings. Absent fields are kept.
type updateSettingsRequest struct {
	WarningLevel         decimal.NullDecimal `json:"warning_level"`
	MarginCallLevel      decimal.NullDecimal `json:"margin_call_level"`
	LiquidationLevel     decimal.NullDecimal `json:"liquidation_level"`
	MinOrderDistancePips *int                `json:"min_order_distance_pips" validate:"omitempty,gte=0"`
	Cadence              string              `json:"cadence"`
	MaintenanceRatio     decimal.NullDecimal `json:"maintenance_ratio"`
}

func (r updateSettingsRequest) apply(s risk.Settings) (risk.Settings, error) {
	if r.WarningLevel.Valid {
		s.Thresholds.Warning = r.WarningLevel.Decimal
	}
	if r.MarginCallLevel.Valid {
		s.Thresholds.MarginCall = r.MarginCallLevel.Decimal
	}
	if r.LiquidationLevel.Valid {
		s.Thresholds.Liquidation = r.LiquidationLevel.Decimal
	}
	if r.MinOrderDistancePips != nil {
		s.MinOrderDistancePips = *r.MinOrderDistancePips
	}
	if r.Cadence != "" {
		cadence, err := time.ParseDuration(r.Cadence)
		if err != nil {
			return s, apperrors.Validation.Explain("cadence %q is not a duration", r.Cadence).
				WithField("duration", "cadence", err.Error())
		}
		s.Cadence = cadence
	}
	if r.MaintenanceRatio.Valid {
		s.MaintenanceRatio = r.MaintenanceRatio.Decimal
	}
	return s, nil
}

func (s *Server) getSettings(c *gin.Context) {
	settings, err := s.engine.Settings(c.Request.Context())
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, newSettingsView(settings))
}

func (s *Server) updateSettings(c *gin.Context) {
	var req updateSettingsRequest
	if !s.bind(c, &req, false) {
		return
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	current, err := s.engine.Settings(ctx)
	if err != nil {
		responses.Error(c, err)
		return
	}
	next, err := req.apply(current)
	if err != nil {
		responses.Error(c, err)
		return
	}
	saved, err := s.engine.UpdateSettings(ctx, next)
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, newSettingsView(saved), "Settings updated")
}
