package traffic

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventAccident         EventType = "accident"
	EventCongestion       EventType = "congestion"
	EventDebris           EventType = "debris"
	EventRoadWork         EventType = "road_work"
	EventWeatherHazard    EventType = "weather_hazard"
	EventEmergencyVehicle EventType = "emergency_vehicle"
	EventSuspectVehicle   EventType = "suspect_vehicle"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type EventStatus string

const (
	StatusActive        EventStatus = "active"
	StatusAcknowledged  EventStatus = "acknowledged"
	StatusResolved      EventStatus = "resolved"
	StatusFalsePositive EventStatus = "false_positive"
)

type WeatherCondition string

const (
	WeatherClear     WeatherCondition = "clear"
	WeatherRain      WeatherCondition = "rain"
	WeatherHeavyRain WeatherCondition = "heavy_rain"
	WeatherFog       WeatherCondition = "fog"
	WeatherSnow      WeatherCondition = "snow"
	WeatherIce       WeatherCondition = "ice"
)

type LightState string

const (
	LightRed    LightState = "red"
	LightYellow LightState = "yellow"
	LightGreen  LightState = "green"
)

// CameraSample is one camera's view of a segment during an aggregation
// window, as delivered by the detection layer.
type CameraSample struct {
	CameraID        string         `json:"camera_id"`
	SegmentID       string         `json:"segment_id"`
	VehicleCount    int            `json:"vehicle_count"`
	AvgSpeedKmh     float64        `json:"avg_speed"`
	CongestionLevel float64        `json:"congestion_level"`
	Timestamp       time.Time      `json:"timestamp"`
	DetectedEvents  []TrafficEvent `json:"detected_events,omitempty"`
}

// TrafficSnapshot is the fused per-segment state for one aggregation
// window. Immutable once produced; the next window supersedes it.
type TrafficSnapshot struct {
	SegmentID       string    `json:"segment_id"`
	VehicleCount    int       `json:"vehicle_count"`
	AverageSpeedKmh float64   `json:"average_speed_kmh"`
	CongestionLevel float64   `json:"congestion_level"`
	Density         float64   `json:"density"`
	SampleCount     int       `json:"sample_count"`
	Timestamp       time.Time `json:"timestamp"`
}

type TrafficEvent struct {
	ID          uuid.UUID   `json:"id"`
	Type        EventType   `json:"type"`
	Severity    Severity    `json:"severity"`
	SegmentID   string      `json:"segment_id"`
	Confidence  float64     `json:"confidence"`
	Status      EventStatus `json:"status"`
	Description string      `json:"description,omitempty"`
	DetectedAt  time.Time   `json:"detected_at"`
}

// Factor is one named contribution to a speed decision, kept in the
// order it was evaluated so explanations replay identically.
type Factor struct {
	Name         string  `json:"name"`
	Contribution float64 `json:"contribution"`
	Value        string  `json:"value"`
}

type SpeedDecision struct {
	SegmentID   string    `json:"segment_id"`
	OldLimit    int       `json:"old_limit"`
	NewLimit    int       `json:"new_limit"`
	Factors     []Factor  `json:"factors"`
	Confidence  float64   `json:"confidence"`
	Explanation string    `json:"explanation_text"`
	Applied     bool      `json:"applied"`
	Timestamp   time.Time `json:"timestamp"`
}

// DominantFactor returns the factor with the largest absolute
// contribution, or nil when the decision had none.
func (d SpeedDecision) DominantFactor() *Factor {
	var dom *Factor
	for i := range d.Factors {
		if dom == nil || abs(d.Factors[i].Contribution) > abs(dom.Contribution) {
			dom = &d.Factors[i]
		}
	}
	return dom
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Location is carried opaquely for collaborators; the core never does
// map matching.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// VehiclePosition is an emergency vehicle position update. ProgressM is
// the distance travelled along the supplied route since activation.
type VehiclePosition struct {
	VehicleID string    `json:"vehicle_id"`
	Location  Location  `json:"location"`
	ProgressM float64   `json:"progress_m"`
	SpeedKmh  float64   `json:"speed_kmh"`
	Timestamp time.Time `json:"timestamp"`
}

type OverrideType string

const (
	OverrideSpeedLimit   OverrideType = "speed_limit"
	OverrideTrafficLight OverrideType = "traffic_light"
)

type OverrideRequest struct {
	Type          OverrideType `json:"override_type"`
	EntityID      string       `json:"entity_id"`
	ProposedValue string       `json:"proposed_value"`
	RequestedBy   string       `json:"requested_by"`
	Force         bool         `json:"force,omitempty"`
}
