package optimizer

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"traffic-control/internal/config"
	"traffic-control/internal/domain/traffic"
)

// Input carries everything a speed decision may depend on. Now is
// passed explicitly so decisions replay deterministically.
type Input struct {
	SegmentID    string
	CurrentLimit int
	Snapshot     traffic.TrafficSnapshot
	Events       []traffic.TrafficEvent
	Weather      traffic.WeatherCondition
	Now          time.Time
}

// Strategy computes a speed decision from fused segment state. The
// rule-based implementation below is the default; a learned model can
// replace it without touching the scheduler or the simulator.
type Strategy interface {
	Optimize(in Input) traffic.SpeedDecision
}

// weather deltas, km/h. Fixed lookup, applied last.
var weatherDeltas = map[traffic.WeatherCondition]float64{
	traffic.WeatherRain:      -15,
	traffic.WeatherHeavyRain: -25,
	traffic.WeatherFog:       -20,
	traffic.WeatherSnow:      -30,
	traffic.WeatherIce:       -40,
}

type RuleBased struct {
	cfg config.ControlConfig
}

func NewRuleBased(cfg config.ControlConfig) *RuleBased {
	return &RuleBased{cfg: cfg}
}

// Optimize applies the factor chain in a fixed order (congestion,
// density, events, weather) so the explanation is reproducible, clamps
// the result to the system-wide bounds and rounds it to a displayable
// multiple of 5. The hysteresis margin decides whether the decision is
// actually applied.
func (r *RuleBased) Optimize(in Input) traffic.SpeedDecision {
	speed := float64(r.cfg.BaseSpeedLimit)
	var factors []traffic.Factor

	apply := func(name string, delta float64, value string) {
		speed += delta
		factors = append(factors, traffic.Factor{Name: name, Contribution: delta, Value: value})
	}

	snap := in.Snapshot

	// 1. Congestion.
	switch {
	case snap.CongestionLevel > 0.7:
		apply("high congestion", -20, fmt.Sprintf("congestion at %.0f%%", snap.CongestionLevel*100))
	case snap.CongestionLevel > 0.4:
		apply("moderate congestion", -10, fmt.Sprintf("congestion at %.0f%%", snap.CongestionLevel*100))
	}

	// 2. Density above threshold, proportional to the excess.
	if excess := snap.VehicleCount - r.cfg.DensityThreshold; excess > 0 {
		delta := -math.Min(25, float64(excess))
		apply("heavy traffic density", delta, fmt.Sprintf("%d vehicles detected", snap.VehicleCount))
	}

	// 3. High and critical severity events, each its own factor.
	for _, ev := range in.Events {
		switch ev.Severity {
		case traffic.SeverityHigh:
			apply(fmt.Sprintf("%s on segment", ev.Type), -20, fmt.Sprintf("severity %s", ev.Severity))
		case traffic.SeverityCritical:
			apply(fmt.Sprintf("%s on segment", ev.Type), -30, fmt.Sprintf("severity %s", ev.Severity))
		}
	}

	// 4. Weather.
	if delta, ok := weatherDeltas[in.Weather]; ok {
		apply(fmt.Sprintf("weather: %s", in.Weather), delta, "reduced visibility or traction")
	}

	speed = math.Max(float64(r.cfg.MinSpeedLimit), math.Min(float64(r.cfg.MaxSpeedLimit), speed))
	newLimit := int(math.Round(speed/5) * 5)

	decision := traffic.SpeedDecision{
		SegmentID:  in.SegmentID,
		OldLimit:   in.CurrentLimit,
		NewLimit:   newLimit,
		Factors:    factors,
		Confidence: r.confidence(in, factors),
		Applied:    absInt(newLimit-in.CurrentLimit) >= r.cfg.HysteresisKmh,
		Timestamp:  in.Now,
	}
	decision.Explanation = explain(decision)
	return decision
}

// confidence combines a factor-count base with the mean detection
// confidence of contributing events, discounted for stale snapshots
// and thin sample coverage.
func (r *RuleBased) confidence(in Input, factors []traffic.Factor) float64 {
	conf := 0.7 + math.Min(0.2, float64(len(factors))*0.04)

	if n := len(in.Events); n > 0 {
		sum := 0.0
		for _, ev := range in.Events {
			sum += ev.Confidence
		}
		conf *= sum / float64(n)
	}

	if !in.Snapshot.Timestamp.IsZero() && in.Now.Sub(in.Snapshot.Timestamp) > 2*r.cfg.AggregationWindow {
		conf *= 0.7
	}
	if in.Snapshot.SampleCount < r.cfg.MinSamples {
		conf *= 0.9
	}

	return math.Round(conf*100) / 100
}

// explain renders the factors in descending magnitude, leading with
// the dominant cause.
func explain(d traffic.SpeedDecision) string {
	if len(d.Factors) == 0 || d.NewLimit == d.OldLimit {
		return fmt.Sprintf("Speed limit maintained at %d km/h - conditions are stable.", d.OldLimit)
	}

	ordered := make([]traffic.Factor, len(d.Factors))
	copy(ordered, d.Factors)
	sort.SliceStable(ordered, func(i, j int) bool {
		return math.Abs(ordered[i].Contribution) > math.Abs(ordered[j].Contribution)
	})

	direction := "reduced"
	if d.NewLimit > d.OldLimit {
		direction = "increased"
	}

	top := ordered
	if len(top) > 2 {
		top = top[:2]
	}
	parts := make([]string, 0, len(top))
	for _, f := range top {
		parts = append(parts, fmt.Sprintf("%s (%s)", f.Name, f.Value))
	}

	text := fmt.Sprintf("Speed limit %s to %d km/h due to: %s", direction, d.NewLimit, strings.Join(parts, ", "))
	if rest := len(ordered) - len(top); rest > 0 {
		text += fmt.Sprintf(" and %d other factor(s)", rest)
	}
	return text + "."
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
