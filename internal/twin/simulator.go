package twin

import (
	"fmt"
	"math"
	"sort"

	"traffic-control/internal/config"
	"traffic-control/internal/domain/traffic"
)

type Recommendation string

const (
	RecommendApprove Recommendation = "approve"
	RecommendCaution Recommendation = "caution"
	RecommendReject  Recommendation = "reject"
)

// SegmentState is one segment's observed state going into a projection.
type SegmentState struct {
	Snapshot   traffic.TrafficSnapshot
	SpeedLimit int
}

// LightState ties a light to the segments that approach it.
type LightState struct {
	LightID          string
	State            traffic.LightState
	ApproachSegments []string
}

// InputState is a self-contained snapshot of the world. The simulator
// reads it and nothing else, so identical inputs replay identically.
type InputState struct {
	Segments   []SegmentState
	Events     []traffic.TrafficEvent
	Lights     []LightState
	Confidence float64
}

type SpeedChange struct {
	SegmentID string
	NewLimit  int
}

type LightChange struct {
	LightID     string
	TargetState traffic.LightState
	HoldSeconds int
}

// ProposedChanges describes what the caller wants to do: a manual
// override, or one step of a green-wave plan with its cleared route
// and capped cross-traffic segments.
type ProposedChanges struct {
	SpeedChanges         []SpeedChange
	LightChanges         []LightChange
	RouteSegments        []string
	CrossTrafficSegments []string
}

type Warning struct {
	Severity  string `json:"severity"`
	Message   string `json:"message"`
	Metric    string `json:"metric"`
	SegmentID string `json:"segment_id,omitempty"`
}

// SegmentPrediction is the projected end state of one segment.
type SegmentPrediction struct {
	SegmentID           string  `json:"segment_id"`
	BaselineCongestion  float64 `json:"baseline_congestion"`
	PredictedCongestion float64 `json:"predicted_congestion"`
	CongestionDelta     float64 `json:"congestion_delta"`
	PredictedQueueLen   float64 `json:"predicted_queue_len"`
}

type Result struct {
	DurationS      int                 `json:"duration_s"`
	Steps          int                 `json:"steps"`
	Segments       []SegmentPrediction `json:"predicted_metrics"`
	Warnings       []Warning           `json:"warnings"`
	Recommendation Recommendation      `json:"recommendation"`
	Explanation    string              `json:"explanation"`
	TimeSavedS     float64             `json:"time_saved_s,omitempty"`
}

// Per-step congestion rates. Derived from the same factor weights the
// optimizer uses, applied in reverse: what lowers a limit when observed
// is what raises congestion when imposed.
const (
	redHoldInflow     = 0.04
	yellowHoldInflow  = 0.02
	greenClearOutflow = 0.02
	crossCapInflow    = 0.015
	limitDeltaScale   = 0.10
)

type Simulator struct {
	cfg config.TwinConfig
}

func NewSimulator(cfg config.TwinConfig) *Simulator {
	return &Simulator{cfg: cfg}
}

// Simulate projects the proposed changes over durationS seconds of
// fixed steps and scores the outcome. It is a pure function of its
// arguments: no clock, no randomness, no shared state.
func (s *Simulator) Simulate(input InputState, changes ProposedChanges, durationS int) Result {
	if durationS <= 0 {
		durationS = int(s.cfg.Duration.Seconds())
	}
	steps := durationS / s.cfg.StepSeconds
	if steps < 1 {
		steps = 1
	}

	rates := s.inflowRates(input, changes, durationS)

	predictions := make([]SegmentPrediction, 0, len(input.Segments))
	for _, seg := range input.Segments {
		rate, affected := rates[seg.Snapshot.SegmentID]
		if !affected {
			continue
		}

		cong := seg.Snapshot.CongestionLevel
		queue := 0.0
		outflow := s.outflowRate(seg.SpeedLimit)

		for i := 0; i < steps; i++ {
			cong = clamp01(cong + rate - outflow)
			if cong > s.cfg.QueueOnset {
				queue += (cong - s.cfg.QueueOnset) * float64(seg.Snapshot.VehicleCount) * 0.1
			}
		}

		predictions = append(predictions, SegmentPrediction{
			SegmentID:           seg.Snapshot.SegmentID,
			BaselineCongestion:  seg.Snapshot.CongestionLevel,
			PredictedCongestion: round3(cong),
			CongestionDelta:     round3(cong - seg.Snapshot.CongestionLevel),
			PredictedQueueLen:   round3(queue),
		})
	}
	sort.Slice(predictions, func(i, j int) bool { return predictions[i].SegmentID < predictions[j].SegmentID })

	warnings := s.evaluate(predictions)
	rec := s.recommend(warnings, input.Confidence)

	res := Result{
		DurationS:      durationS,
		Steps:          steps,
		Segments:       predictions,
		Warnings:       warnings,
		Recommendation: rec,
		Explanation:    explain(predictions, warnings, rec),
	}
	if len(changes.RouteSegments) > 0 {
		res.TimeSavedS = s.estimateTimeSaved(input, changes)
	}
	return res
}

// inflowRates resolves the proposed changes into a per-step congestion
// rate per affected segment. A light hold shorter than the projection
// only contributes for its share of the window.
func (s *Simulator) inflowRates(input InputState, changes ProposedChanges, durationS int) map[string]float64 {
	limits := make(map[string]int, len(input.Segments))
	for _, seg := range input.Segments {
		limits[seg.Snapshot.SegmentID] = seg.SpeedLimit
	}
	approaches := make(map[string][]string, len(input.Lights))
	for _, l := range input.Lights {
		approaches[l.LightID] = l.ApproachSegments
	}

	rates := make(map[string]float64)

	for _, ch := range changes.SpeedChanges {
		cur, ok := limits[ch.SegmentID]
		if !ok || cur <= 0 {
			continue
		}
		// Lowering a limit slows outflow and builds congestion;
		// raising it drains congestion at half the rate.
		frac := float64(cur-ch.NewLimit) / float64(cur)
		if frac > 0 {
			rates[ch.SegmentID] += frac * limitDeltaScale
		} else {
			rates[ch.SegmentID] += frac * limitDeltaScale * 0.5
		}
	}

	for _, ch := range changes.LightChanges {
		scale := 1.0
		if ch.HoldSeconds > 0 && durationS > 0 && ch.HoldSeconds < durationS {
			scale = float64(ch.HoldSeconds) / float64(durationS)
		}
		for _, seg := range approaches[ch.LightID] {
			switch ch.TargetState {
			case traffic.LightRed:
				rates[seg] += redHoldInflow * scale
			case traffic.LightYellow:
				rates[seg] += yellowHoldInflow * scale
			case traffic.LightGreen:
				rates[seg] -= greenClearOutflow * scale
			}
		}
	}

	for _, seg := range changes.RouteSegments {
		rates[seg] -= greenClearOutflow
	}
	for _, seg := range changes.CrossTrafficSegments {
		rates[seg] += crossCapInflow
	}

	return rates
}

func (s *Simulator) outflowRate(limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(limit) / 120.0 * 0.005
}

func (s *Simulator) evaluate(predictions []SegmentPrediction) []Warning {
	var warnings []Warning
	for _, p := range predictions {
		switch {
		case p.CongestionDelta > s.cfg.HighThreshold:
			warnings = append(warnings, Warning{
				Severity:  "high",
				Message:   fmt.Sprintf("congestion may increase by %.0f%%", p.CongestionDelta*100),
				Metric:    "congestion",
				SegmentID: p.SegmentID,
			})
		case p.CongestionDelta > s.cfg.ModerateThreshold:
			warnings = append(warnings, Warning{
				Severity:  "moderate",
				Message:   fmt.Sprintf("congestion may increase by %.0f%%", p.CongestionDelta*100),
				Metric:    "congestion",
				SegmentID: p.SegmentID,
			})
		}
		if p.PredictedQueueLen > float64(s.cfg.SegmentCapacity) {
			warnings = append(warnings, Warning{
				Severity:  "high",
				Message:   fmt.Sprintf("predicted queue of %.0f vehicles exceeds segment capacity", p.PredictedQueueLen),
				Metric:    "queue_length",
				SegmentID: p.SegmentID,
			})
		}
	}
	return warnings
}

// recommend applies the decision ladder in order: any high warning
// rejects, any moderate warning or shaky input state cautions.
func (s *Simulator) recommend(warnings []Warning, stateConfidence float64) Recommendation {
	for _, w := range warnings {
		if w.Severity == "high" {
			return RecommendReject
		}
	}
	if len(warnings) > 0 {
		return RecommendCaution
	}
	if stateConfidence > 0 && stateConfidence < s.cfg.ConfidenceFloor {
		return RecommendCaution
	}
	return RecommendApprove
}

// estimateTimeSaved compares the route travel time with and without
// the corridor cleared: red lights cost their dwell, a cleared light
// costs about two seconds.
func (s *Simulator) estimateTimeSaved(input InputState, changes ProposedChanges) float64 {
	redDelay := 0.0
	cleared := 0
	for _, ch := range changes.LightChanges {
		if ch.TargetState != traffic.LightGreen {
			continue
		}
		cleared++
		for _, l := range input.Lights {
			if l.LightID == ch.LightID && l.State == traffic.LightRed {
				redDelay += 30
			}
		}
	}
	saved := redDelay - float64(cleared)*2
	if saved < 0 {
		return 0
	}
	return saved
}

func explain(predictions []SegmentPrediction, warnings []Warning, rec Recommendation) string {
	worst := 0.0
	for _, p := range predictions {
		if math.Abs(p.CongestionDelta) > math.Abs(worst) {
			worst = p.CongestionDelta
		}
	}

	var impact string
	switch {
	case worst > 0.1:
		impact = fmt.Sprintf("may increase congestion by up to %.0f%%", worst*100)
	case worst < -0.1:
		impact = fmt.Sprintf("may reduce congestion by up to %.0f%%", -worst*100)
	default:
		impact = "has minimal projected impact on congestion"
	}

	text := fmt.Sprintf("Proposed change %s.", impact)
	if len(warnings) > 0 {
		text += fmt.Sprintf(" %d warning(s) raised.", len(warnings))
	}
	text += fmt.Sprintf(" Recommendation: %s.", rec)
	return text
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
