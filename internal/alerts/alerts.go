// Package alerts evaluates telemetry against environmental thresholds.
package alerts

import (
	"fmt"
	"sync"
	"time"
)

// Config holds the alert thresholds.
type Config struct {
	TempHigh     float64
	TempCritical float64
	TempLow      float64
	HumidityHigh float64
	HumidityLow  float64
	Cooldown     time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		TempHigh:     30.0,
		TempCritical: 40.0,
		TempLow:      18.0,
		HumidityHigh: 75.0,
		HumidityLow:  30.0,
		Cooldown:     15 * time.Minute,
	}
}

// Alert is one threshold violation.
type Alert struct {
	Category  string // temperature_high, temperature_low, humidity_high, humidity_low
	Severity  string // warning or critical
	Message   string
	Value     float64
	Threshold float64
}

// Evaluator applies thresholds with a per-device cooldown so a value
// hovering at a threshold does not re-alert every sample.
type Evaluator struct {
	config Config

	mu        sync.Mutex
	lastFired map[string]time.Time // device_id + category

	now func() time.Time
}

// New creates an evaluator.
func New(config Config) *Evaluator {
	return &Evaluator{
		config:    config,
		lastFired: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Evaluate checks one telemetry sample. Nil fields are skipped.
func (e *Evaluator) Evaluate(deviceID string, temperature, humidity *float64) []Alert {
	var out []Alert
	if temperature != nil {
		if a := e.checkTemperature(*temperature); a != nil && e.shouldFire(deviceID, a.Category) {
			out = append(out, *a)
		}
	}
	if humidity != nil {
		if a := e.checkHumidity(*humidity); a != nil && e.shouldFire(deviceID, a.Category) {
			out = append(out, *a)
		}
	}
	return out
}

func (e *Evaluator) checkTemperature(v float64) *Alert {
	switch {
	case v >= e.config.TempCritical:
		return &Alert{
			Category:  "temperature_high",
			Severity:  "critical",
			Message:   fmt.Sprintf("temperature %.1f exceeds critical threshold %.1f", v, e.config.TempCritical),
			Value:     v,
			Threshold: e.config.TempCritical,
		}
	case v >= e.config.TempHigh:
		return &Alert{
			Category:  "temperature_high",
			Severity:  "warning",
			Message:   fmt.Sprintf("temperature %.1f exceeds threshold %.1f", v, e.config.TempHigh),
			Value:     v,
			Threshold: e.config.TempHigh,
		}
	case v <= e.config.TempLow:
		return &Alert{
			Category:  "temperature_low",
			Severity:  "warning",
			Message:   fmt.Sprintf("temperature %.1f below threshold %.1f", v, e.config.TempLow),
			Value:     v,
			Threshold: e.config.TempLow,
		}
	}
	return nil
}

func (e *Evaluator) checkHumidity(v float64) *Alert {
	switch {
	case v >= e.config.HumidityHigh:
		return &Alert{
			Category:  "humidity_high",
			Severity:  "warning",
			Message:   fmt.Sprintf("humidity %.1f exceeds threshold %.1f", v, e.config.HumidityHigh),
			Value:     v,
			Threshold: e.config.HumidityHigh,
		}
	case v <= e.config.HumidityLow:
		return &Alert{
			Category:  "humidity_low",
			Severity:  "warning",
			Message:   fmt.Sprintf("humidity %.1f below threshold %.1f", v, e.config.HumidityLow),
			Value:     v,
			Threshold: e.config.HumidityLow,
		}
	}
	return nil
}

func (e *Evaluator) shouldFire(deviceID, category string) bool {
	key := deviceID + ":" + category
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.lastFired[key]; ok && now.Sub(last) < e.config.Cooldown {
		return false
	}
	e.lastFired[key] = now
	return true
}
