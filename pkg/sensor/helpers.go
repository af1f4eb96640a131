package sensor

import (
	"context"
	"fmt"

	"github.com/ericogr/multigas-to-mqtt/pkg/config"
)

// ParseAcquireMode maps a config mode name to its wire value.
func ParseAcquireMode(s string) (AcquireMode, error) {
	switch s {
	case config.ModePassive, "":
		return Passive, nil
	case config.ModeInitiative:
		return Initiative, nil
	}
	return 0, fmt.Errorf("unknown acquire mode %q", s)
}

// ParseAlarmMethod maps a config alarm method name to its wire value.
func ParseAlarmMethod(s string) (AlarmMethod, error) {
	switch s {
	case config.AlarmHigh, "":
		return AlarmHigh, nil
	case config.AlarmLow:
		return AlarmLow, nil
	}
	return 0, fmt.Errorf("unknown alarm method %q", s)
}

// Setup applies the acquire mode, compensation and alarm settings from
// cfg to a freshly opened session.
func Setup(ctx context.Context, s *Session, cfg config.SensorConfig) error {
	mode, err := ParseAcquireMode(cfg.AcquireMode)
	if err != nil {
		return err
	}
	ok, err := s.SetAcquireMode(ctx, mode)
	if err != nil {
		return fmt.Errorf("set acquire mode: %w", err)
	}
	if !ok {
		return fmt.Errorf("set acquire mode: module refused %s", mode)
	}
	if cfg.TempCompensation {
		if err := s.SetTempCompensation(ctx, true); err != nil {
			s.log.WithError(err).Warn("initial temperature read failed")
		}
	}
	if a := cfg.Alarm; a != nil {
		method, err := ParseAlarmMethod(a.Method)
		if err != nil {
			return err
		}
		ok, err := s.SetThresholdAlarm(ctx, a.Enabled, a.Threshold, method)
		if err != nil {
			return fmt.Errorf("set threshold alarm: %w", err)
		}
		if !ok {
			return fmt.Errorf("set threshold alarm: module refused")
		}
	}
	return nil
}
