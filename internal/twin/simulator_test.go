package twin

import (
	"reflect"
	"testing"
	"time"

	"traffic-control/internal/config"
	"traffic-control/internal/domain/traffic"
)

func testConfig() config.TwinConfig {
	return config.TwinConfig{
		Duration:          5 * time.Second,
		StepSeconds:       1,
		HighThreshold:     0.3,
		ModerateThreshold: 0.15,
		QueueOnset:        0.5,
		SegmentCapacity:   50,
		ConfidenceFloor:   0.6,
	}
}

func segmentState(id string, congestion float64, count, limit int) SegmentState {
	return SegmentState{
		Snapshot: traffic.TrafficSnapshot{
			SegmentID:       id,
			CongestionLevel: congestion,
			VehicleCount:    count,
		},
		SpeedLimit: limit,
	}
}

func TestSimulateDeterminism(t *testing.T) {
	sim := NewSimulator(testConfig())

	input := InputState{
		Segments: []SegmentState{
			segmentState("seg-1", 0.4, 25, 60),
			segmentState("seg-2", 0.6, 40, 50),
		},
		Lights: []LightState{
			{LightID: "tl-1", State: traffic.LightRed, ApproachSegments: []string{"seg-1", "seg-2"}},
		},
		Confidence: 0.9,
	}
	changes := ProposedChanges{
		SpeedChanges: []SpeedChange{{SegmentID: "seg-1", NewLimit: 40}},
		LightChanges: []LightChange{{LightID: "tl-1", TargetState: traffic.LightRed, HoldSeconds: 5}},
	}

	a := sim.Simulate(input, changes, 5)
	b := sim.Simulate(input, changes, 5)

	if !reflect.DeepEqual(a, b) {
		t.Fatalf("identical inputs produced different results:\n%+v\n%+v", a, b)
	}
}

func TestSimulateMonotonicity(t *testing.T) {
	sim := NewSimulator(testConfig())

	input := InputState{
		Segments:   []SegmentState{segmentState("seg-1", 0.3, 30, 60)},
		Confidence: 0.9,
	}

	mild := sim.Simulate(input, ProposedChanges{
		SpeedChanges: []SpeedChange{{SegmentID: "seg-1", NewLimit: 50}},
	}, 5)
	harsh := sim.Simulate(input, ProposedChanges{
		SpeedChanges:         []SpeedChange{{SegmentID: "seg-1", NewLimit: 30}},
		CrossTrafficSegments: []string{"seg-1"},
	}, 5)

	if len(mild.Segments) != 1 || len(harsh.Segments) != 1 {
		t.Fatal("expected one predicted segment each")
	}
	if harsh.Segments[0].PredictedCongestion < mild.Segments[0].PredictedCongestion {
		t.Errorf("stronger inflow predicted less congestion: %v < %v",
			harsh.Segments[0].PredictedCongestion, mild.Segments[0].PredictedCongestion)
	}
}

func TestSimulateForcedRedLight(t *testing.T) {
	sim := NewSimulator(testConfig())

	input := InputState{
		Segments: []SegmentState{segmentState("seg-1", 0.3, 30, 60)},
		Lights: []LightState{
			{LightID: "tl-1", State: traffic.LightGreen, ApproachSegments: []string{"seg-1"}},
		},
		Confidence: 0.9,
	}
	changes := ProposedChanges{
		LightChanges: []LightChange{{LightID: "tl-1", TargetState: traffic.LightRed, HoldSeconds: 5}},
	}

	short := sim.Simulate(input, changes, 5)
	if len(short.Segments) != 1 {
		t.Fatal("expected one predicted segment")
	}
	if short.Segments[0].CongestionDelta <= 0 {
		t.Errorf("forced red did not increase congestion: delta = %v", short.Segments[0].CongestionDelta)
	}
	if short.Recommendation != RecommendCaution {
		t.Errorf("Recommendation = %s, want caution for moderate increase", short.Recommendation)
	}

	longHold := ProposedChanges{
		LightChanges: []LightChange{{LightID: "tl-1", TargetState: traffic.LightRed, HoldSeconds: 10}},
	}
	long := sim.Simulate(input, longHold, 10)
	if long.Recommendation != RecommendReject {
		t.Errorf("Recommendation = %s, want reject once increase crosses the high threshold", long.Recommendation)
	}
}

func TestSimulateHoldDurationBoundsImpact(t *testing.T) {
	sim := NewSimulator(testConfig())

	input := InputState{
		Segments: []SegmentState{segmentState("seg-1", 0.3, 30, 60)},
		Lights: []LightState{
			{LightID: "tl-1", State: traffic.LightGreen, ApproachSegments: []string{"seg-1"}},
		},
		Confidence: 0.9,
	}
	hold := func(seconds int) ProposedChanges {
		return ProposedChanges{
			LightChanges: []LightChange{{LightID: "tl-1", TargetState: traffic.LightRed, HoldSeconds: seconds}},
		}
	}

	brief := sim.Simulate(input, hold(2), 10)
	full := sim.Simulate(input, hold(10), 10)

	if brief.Segments[0].CongestionDelta >= full.Segments[0].CongestionDelta {
		t.Errorf("brief hold projected at least as much congestion as the full hold: %v >= %v",
			brief.Segments[0].CongestionDelta, full.Segments[0].CongestionDelta)
	}
	if full.Recommendation != RecommendReject {
		t.Errorf("full-window red hold Recommendation = %s, want reject", full.Recommendation)
	}
	if brief.Recommendation == RecommendReject {
		t.Error("brief red hold should not be rejected outright")
	}
}

func TestSimulateApproveWhenClean(t *testing.T) {
	sim := NewSimulator(testConfig())

	input := InputState{
		Segments:   []SegmentState{segmentState("seg-1", 0.2, 10, 60)},
		Confidence: 0.9,
	}
	res := sim.Simulate(input, ProposedChanges{
		SpeedChanges: []SpeedChange{{SegmentID: "seg-1", NewLimit: 70}},
	}, 5)

	if res.Recommendation != RecommendApprove {
		t.Errorf("Recommendation = %s, want approve", res.Recommendation)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("Warnings = %v, want none", res.Warnings)
	}
}

func TestSimulateLowStateConfidenceCautions(t *testing.T) {
	sim := NewSimulator(testConfig())

	input := InputState{
		Segments:   []SegmentState{segmentState("seg-1", 0.2, 10, 60)},
		Confidence: 0.4,
	}
	res := sim.Simulate(input, ProposedChanges{
		SpeedChanges: []SpeedChange{{SegmentID: "seg-1", NewLimit: 70}},
	}, 5)

	if res.Recommendation != RecommendCaution {
		t.Errorf("Recommendation = %s, want caution below the confidence floor", res.Recommendation)
	}
}

func TestSimulateGreenWaveTimeSaved(t *testing.T) {
	sim := NewSimulator(testConfig())

	input := InputState{
		Segments: []SegmentState{
			segmentState("seg-route", 0.5, 30, 60),
			segmentState("seg-cross", 0.3, 15, 50),
		},
		Lights: []LightState{
			{LightID: "tl-1", State: traffic.LightRed, ApproachSegments: []string{"seg-route"}},
			{LightID: "tl-2", State: traffic.LightRed, ApproachSegments: nil},
		},
		Confidence: 0.9,
	}
	changes := ProposedChanges{
		LightChanges: []LightChange{
			{LightID: "tl-1", TargetState: traffic.LightGreen, HoldSeconds: 55},
			{LightID: "tl-2", TargetState: traffic.LightGreen, HoldSeconds: 55},
		},
		RouteSegments:        []string{"seg-route"},
		CrossTrafficSegments: []string{"seg-cross"},
	}

	res := sim.Simulate(input, changes, 5)

	if res.TimeSavedS <= 0 {
		t.Errorf("TimeSavedS = %v, want positive for two red lights cleared", res.TimeSavedS)
	}

	for _, p := range res.Segments {
		switch p.SegmentID {
		case "seg-route":
			if p.CongestionDelta >= 0 {
				t.Errorf("route segment congestion did not decrease: %v", p.CongestionDelta)
			}
		case "seg-cross":
			if p.CongestionDelta <= 0 {
				t.Errorf("capped cross segment congestion did not increase: %v", p.CongestionDelta)
			}
		}
	}
}
