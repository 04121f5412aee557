package client

import (
	"time"
)

// CadenceConfig bounds the adaptive heartbeat/poll timing.
type CadenceConfig struct {
	BaseInterval    time.Duration
	MinInterval     time.Duration
	MaxInterval     time.Duration
	TimeoutMultiple float64
}

// DefaultCadenceConfig returns the standard cadence envelope.
func DefaultCadenceConfig() CadenceConfig {
	return CadenceConfig{
		BaseInterval:    10 * time.Second,
		MinInterval:     2 * time.Second,
		MaxInterval:     30 * time.Second,
		TimeoutMultiple: 2.0,
	}
}

// AdaptiveCadence derives the next heartbeat/poll interval and timeout from
// the quality score. Every tick result feeds back through the monitor, so
// cadence self-tunes, but never outside the [min, max] envelope.
type AdaptiveCadence struct {
	config  CadenceConfig
	quality *QualityMonitor
}

// NewAdaptiveCadence builds a cadence over a quality monitor.
func NewAdaptiveCadence(config CadenceConfig, quality *QualityMonitor) *AdaptiveCadence {
	def := DefaultCadenceConfig()
	if config.BaseInterval <= 0 {
		config.BaseInterval = def.BaseInterval
	}
	if config.MinInterval <= 0 {
		config.MinInterval = def.MinInterval
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = def.MaxInterval
	}
	if config.TimeoutMultiple < 1 {
		config.TimeoutMultiple = def.TimeoutMultiple
	}
	return &AdaptiveCadence{config: config, quality: quality}
}

// Interval is clamp(base / max(0.5, score), min, max). The 0.5 floor caps
// how far a degraded link can stretch the interval before the clamp takes
// over.
func (a *AdaptiveCadence) Interval() time.Duration {
	score := a.quality.Score()
	divisor := score
	if divisor < 0.5 {
		divisor = 0.5
	}
	interval := time.Duration(float64(a.config.BaseInterval) / divisor)
	if interval < a.config.MinInterval {
		return a.config.MinInterval
	}
	if interval > a.config.MaxInterval {
		return a.config.MaxInterval
	}
	return interval
}

// Timeout is the per-tick deadline: interval times the timeout multiple.
func (a *AdaptiveCadence) Timeout() time.Duration {
	return time.Duration(float64(a.Interval()) * a.config.TimeoutMultiple)
}
