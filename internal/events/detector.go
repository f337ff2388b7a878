package events

import (
	"fmt"

	"traffic-control/internal/domain/traffic"
)

// DetectCongestion derives a congestion event from a fused snapshot.
// Thresholds follow the upstream rule set: heavy standstill traffic is
// high severity, merely dense or slow traffic is medium.
func DetectCongestion(snap traffic.TrafficSnapshot) (traffic.TrafficEvent, bool) {
	var severity traffic.Severity
	var confidence float64

	switch {
	case snap.VehicleCount > 40 && snap.AverageSpeedKmh < 20:
		severity = traffic.SeverityHigh
		confidence = 0.9
	case snap.VehicleCount > 25 && snap.AverageSpeedKmh < 30:
		severity = traffic.SeverityMedium
		confidence = 0.75
	default:
		return traffic.TrafficEvent{}, false
	}

	return traffic.TrafficEvent{
		Type:       traffic.EventCongestion,
		Severity:   severity,
		SegmentID:  snap.SegmentID,
		Confidence: confidence,
		Description: fmt.Sprintf("congestion detected: %d vehicles, avg speed %.1f km/h",
			snap.VehicleCount, snap.AverageSpeedKmh),
		DetectedAt: snap.Timestamp,
	}, true
}
