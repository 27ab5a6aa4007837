package alerts

import (
	"testing"
	"time"
)

func f(v float64) *float64 { return &v }

func TestThresholds(t *testing.T) {
	tests := []struct {
		name        string
		temperature *float64
		humidity    *float64
		category    string
		severity    string
	}{
		{"temp critical", f(41.0), nil, "temperature_high", "critical"},
		{"temp critical boundary", f(40.0), nil, "temperature_high", "critical"},
		{"temp high", f(31.0), nil, "temperature_high", "warning"},
		{"temp high boundary", f(30.0), nil, "temperature_high", "warning"},
		{"temp low", f(17.0), nil, "temperature_low", "warning"},
		{"temp low boundary", f(18.0), nil, "temperature_low", "warning"},
		{"humidity high", nil, f(80.0), "humidity_high", "warning"},
		{"humidity low", nil, f(25.0), "humidity_low", "warning"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(DefaultConfig())
			alerts := e.Evaluate("dev-1", tt.temperature, tt.humidity)
			if len(alerts) != 1 {
				t.Fatalf("alerts: %+v", alerts)
			}
			if alerts[0].Category != tt.category || alerts[0].Severity != tt.severity {
				t.Errorf("got %s/%s, want %s/%s",
					alerts[0].Category, alerts[0].Severity, tt.category, tt.severity)
			}
		})
	}
}

func TestNormalRangeNoAlert(t *testing.T) {
	e := New(DefaultConfig())
	if alerts := e.Evaluate("dev-1", f(22.0), f(50.0)); len(alerts) != 0 {
		t.Errorf("alerts in normal range: %+v", alerts)
	}
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	e := New(DefaultConfig())
	base := time.Now()
	e.now = func() time.Time { return base }

	if got := len(e.Evaluate("dev-1", f(35.0), nil)); got != 1 {
		t.Fatalf("first evaluation: %d alerts", got)
	}
	if got := len(e.Evaluate("dev-1", f(36.0), nil)); got != 0 {
		t.Errorf("within cooldown: %d alerts", got)
	}

	// A different device and a different category are independent.
	if got := len(e.Evaluate("dev-2", f(35.0), nil)); got != 1 {
		t.Errorf("other device suppressed: %d alerts", got)
	}
	if got := len(e.Evaluate("dev-1", nil, f(80.0))); got != 1 {
		t.Errorf("other category suppressed: %d alerts", got)
	}

	base = base.Add(16 * time.Minute)
	if got := len(e.Evaluate("dev-1", f(35.0), nil)); got != 1 {
		t.Errorf("after cooldown: %d alerts", got)
	}
}
