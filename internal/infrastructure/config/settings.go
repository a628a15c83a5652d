package config

import (
	"context"
	"sync/atomic"

	"github.com/Aidin1998/fxarena/internal/trading/risk"
)

// StaticSettings serves risk settings from the config file. Update swaps
// them atomically on reload.
type StaticSettings struct {
	current atomic.Pointer[risk.Settings]
}

func NewStaticSettings(s risk.Settings) (*StaticSettings, error) {
	p := &StaticSettings{}
	if err := p.Update(s); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *StaticSettings) LoadSettings(context.Context) (risk.Settings, error) {
	return *p.current.Load(), nil
}

// Update replaces the settings when they validate and keeps the old ones otherwise.
func (p *StaticSettings) Update(s risk.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	p.current.Store(&s)
	return nil
}
