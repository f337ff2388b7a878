package optimizer

import (
	"strings"
	"testing"
	"time"

	"traffic-control/internal/config"
	"traffic-control/internal/domain/traffic"
)

func testConfig() config.ControlConfig {
	return config.ControlConfig{
		AggregationWindow: 30 * time.Second,
		BaseSpeedLimit:    60,
		MinSpeedLimit:     20,
		MaxSpeedLimit:     120,
		DensityThreshold:  30,
		HysteresisKmh:     5,
		MinSamples:        2,
	}
}

func TestOptimizeKeepsBaseLimitUnderCalmConditions(t *testing.T) {
	now := time.Now()
	r := NewRuleBased(testConfig())

	tests := []struct {
		name       string
		congestion float64
		count      int
	}{
		{"empty road", 0.0, 0},
		{"light traffic", 0.2, 12},
		{"borderline congestion", 0.4, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := r.Optimize(Input{
				SegmentID:    "seg-1",
				CurrentLimit: 60,
				Snapshot: traffic.TrafficSnapshot{
					SegmentID:       "seg-1",
					CongestionLevel: tt.congestion,
					VehicleCount:    tt.count,
					SampleCount:     3,
					Timestamp:       now,
				},
				Weather: traffic.WeatherClear,
				Now:     now,
			})
			if d.NewLimit != 60 {
				t.Errorf("NewLimit = %d, want base limit 60", d.NewLimit)
			}
			if d.Applied {
				t.Errorf("unchanged decision marked applied")
			}
			if len(d.Factors) != 0 {
				t.Errorf("Factors = %v, want none", d.Factors)
			}
		})
	}
}

func TestOptimizeHysteresis(t *testing.T) {
	now := time.Now()
	cfg := testConfig()
	r := NewRuleBased(cfg)

	// Base limit stays 60; a current limit 62 differs by less than the
	// hysteresis margin, so the decision must not be applied.
	d := r.Optimize(Input{
		SegmentID:    "seg-1",
		CurrentLimit: 62,
		Snapshot:     traffic.TrafficSnapshot{SegmentID: "seg-1", SampleCount: 3, Timestamp: now},
		Weather:      traffic.WeatherClear,
		Now:          now,
	})
	if d.NewLimit != 60 {
		t.Fatalf("NewLimit = %d, want 60", d.NewLimit)
	}
	if d.Applied {
		t.Error("decision within hysteresis margin was applied")
	}

	// A 20 km/h swing clears the margin.
	d = r.Optimize(Input{
		SegmentID:    "seg-1",
		CurrentLimit: 60,
		Snapshot: traffic.TrafficSnapshot{
			SegmentID:       "seg-1",
			CongestionLevel: 0.8,
			SampleCount:     3,
			Timestamp:       now,
		},
		Weather: traffic.WeatherClear,
		Now:     now,
	})
	if !d.Applied {
		t.Error("decision beyond hysteresis margin was not applied")
	}
}

func TestOptimizeHeavyCongestionExample(t *testing.T) {
	now := time.Now()
	r := NewRuleBased(testConfig())

	d := r.Optimize(Input{
		SegmentID:    "seg-1",
		CurrentLimit: 60,
		Snapshot: traffic.TrafficSnapshot{
			SegmentID:       "seg-1",
			VehicleCount:    45,
			AverageSpeedKmh: 30,
			CongestionLevel: 0.85,
			SampleCount:     3,
			Timestamp:       now,
		},
		Weather: traffic.WeatherClear,
		Now:     now,
	})

	if d.NewLimit > 30 {
		t.Errorf("NewLimit = %d, want <= 30 under heavy congestion", d.NewLimit)
	}
	if d.Confidence >= 1.0 {
		t.Errorf("Confidence = %v, want < 1.0", d.Confidence)
	}
	dom := d.DominantFactor()
	if dom == nil || !strings.Contains(dom.Name, "congestion") {
		t.Errorf("dominant factor = %+v, want congestion", dom)
	}
	if !strings.Contains(d.Explanation, "congestion") {
		t.Errorf("explanation %q does not mention congestion", d.Explanation)
	}
}

func TestOptimizeEventFactors(t *testing.T) {
	now := time.Now()
	r := NewRuleBased(testConfig())

	d := r.Optimize(Input{
		SegmentID:    "seg-1",
		CurrentLimit: 60,
		Snapshot:     traffic.TrafficSnapshot{SegmentID: "seg-1", SampleCount: 3, Timestamp: now},
		Events: []traffic.TrafficEvent{
			{Type: traffic.EventAccident, Severity: traffic.SeverityHigh, Confidence: 0.8},
			{Type: traffic.EventDebris, Severity: traffic.SeverityLow, Confidence: 0.6},
		},
		Weather: traffic.WeatherClear,
		Now:     now,
	})

	// Only the high severity event contributes a factor.
	if len(d.Factors) != 1 {
		t.Fatalf("Factors = %d, want 1", len(d.Factors))
	}
	if d.NewLimit != 40 {
		t.Errorf("NewLimit = %d, want 40", d.NewLimit)
	}
}

func TestOptimizeWeatherLookup(t *testing.T) {
	now := time.Now()
	r := NewRuleBased(testConfig())

	tests := []struct {
		weather   traffic.WeatherCondition
		wantLimit int
	}{
		{traffic.WeatherRain, 45},
		{traffic.WeatherFog, 40},
		{traffic.WeatherHeavyRain, 35},
		{traffic.WeatherSnow, 30},
		{traffic.WeatherIce, 20},
		{traffic.WeatherClear, 60},
	}

	for _, tt := range tests {
		t.Run(string(tt.weather), func(t *testing.T) {
			d := r.Optimize(Input{
				SegmentID:    "seg-1",
				CurrentLimit: 60,
				Snapshot:     traffic.TrafficSnapshot{SegmentID: "seg-1", SampleCount: 3, Timestamp: now},
				Weather:      tt.weather,
				Now:          now,
			})
			if d.NewLimit != tt.wantLimit {
				t.Errorf("NewLimit = %d, want %d", d.NewLimit, tt.wantLimit)
			}
		})
	}
}

func TestOptimizeClampsToMinimum(t *testing.T) {
	now := time.Now()
	r := NewRuleBased(testConfig())

	d := r.Optimize(Input{
		SegmentID:    "seg-1",
		CurrentLimit: 60,
		Snapshot: traffic.TrafficSnapshot{
			SegmentID:       "seg-1",
			VehicleCount:    80,
			CongestionLevel: 0.95,
			SampleCount:     3,
			Timestamp:       now,
		},
		Events: []traffic.TrafficEvent{
			{Type: traffic.EventAccident, Severity: traffic.SeverityCritical, Confidence: 0.9},
		},
		Weather: traffic.WeatherIce,
		Now:     now,
	})

	if d.NewLimit != 20 {
		t.Errorf("NewLimit = %d, want clamp at min 20", d.NewLimit)
	}
}

func TestOptimizeConfidencePenalties(t *testing.T) {
	now := time.Now()
	r := NewRuleBased(testConfig())

	fresh := r.Optimize(Input{
		SegmentID:    "seg-1",
		CurrentLimit: 60,
		Snapshot: traffic.TrafficSnapshot{
			SegmentID:       "seg-1",
			CongestionLevel: 0.8,
			SampleCount:     3,
			Timestamp:       now,
		},
		Weather: traffic.WeatherClear,
		Now:     now,
	})

	stale := r.Optimize(Input{
		SegmentID:    "seg-1",
		CurrentLimit: 60,
		Snapshot: traffic.TrafficSnapshot{
			SegmentID:       "seg-1",
			CongestionLevel: 0.8,
			SampleCount:     1,
			Timestamp:       now.Add(-5 * time.Minute),
		},
		Weather: traffic.WeatherClear,
		Now:     now,
	})

	if stale.Confidence >= fresh.Confidence {
		t.Errorf("stale confidence %v not below fresh %v", stale.Confidence, fresh.Confidence)
	}
}
