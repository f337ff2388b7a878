package greenwave

import (
	"time"
)

type SessionState string

const (
	StatePlanned   SessionState = "PLANNED"
	StateActive    SessionState = "ACTIVE"
	StateCompleted SessionState = "COMPLETED"
	StateAborted   SessionState = "ABORTED"
)

// RouteLight is one waypoint of a supplied emergency route: a light
// and its distance from the vehicle at activation time.
type RouteLight struct {
	LightID   string  `json:"light_id"`
	DistanceM float64 `json:"distance_from_vehicle_m"`
}

// ScheduledLight is the plan for one route light. A blocked entry was
// vetoed by the simulator and needs authority attention; one awaiting
// confirmation hit the simulation timeout.
type ScheduledLight struct {
	LightID           string        `json:"light_id"`
	DistanceM         float64       `json:"distance_m"`
	GreenAt           time.Time     `json:"scheduled_green_at"`
	Duration          time.Duration `json:"scheduled_duration"`
	Deferred          bool          `json:"deferred,omitempty"`
	Blocked           bool          `json:"blocked,omitempty"`
	NeedsConfirmation bool          `json:"needs_confirmation,omitempty"`
	Applied           bool          `json:"applied,omitempty"`
	Released          bool          `json:"released,omitempty"`
	Passed            bool          `json:"passed,omitempty"`
}

// Session tracks one emergency vehicle's green wave. State moves one
// way: PLANNED -> ACTIVE -> COMPLETED or ABORTED.
type Session struct {
	VehicleID string            `json:"vehicle_id"`
	Route     []RouteLight      `json:"route"`
	State     SessionState      `json:"state"`
	Schedule  []*ScheduledLight `json:"schedule"`
	Caps      map[string]int    `json:"cross_traffic_zones"`
	ETA       time.Time         `json:"eta"`
	Warnings  []string          `json:"warnings,omitempty"`
	SpeedKmh  float64           `json:"speed_kmh"`
	ProgressM float64           `json:"progress_m"`

	// epoch increments on deactivation so results of in-flight
	// recomputes are discarded instead of resurrecting the session.
	epoch uint64
	// finishedAt is set on completion or abort; the scheduler evicts
	// the session after the retention window.
	finishedAt time.Time
}

// SessionView is a copy handed to callers and collaborators.
type SessionView struct {
	VehicleID string           `json:"vehicle_id"`
	State     SessionState     `json:"state"`
	Schedule  []ScheduledLight `json:"schedule"`
	Caps      map[string]int   `json:"cross_traffic_zones"`
	ETA       time.Time        `json:"eta"`
	Warnings  []string         `json:"warnings,omitempty"`
	ProgressM float64          `json:"progress_m"`
}

func (s *Session) view() SessionView {
	sched := make([]ScheduledLight, len(s.Schedule))
	for i, e := range s.Schedule {
		sched[i] = *e
	}
	caps := make(map[string]int, len(s.Caps))
	for k, v := range s.Caps {
		caps[k] = v
	}
	warnings := append([]string(nil), s.Warnings...)
	return SessionView{
		VehicleID: s.VehicleID,
		State:     s.State,
		Schedule:  sched,
		Caps:      caps,
		ETA:       s.ETA,
		Warnings:  warnings,
		ProgressM: s.ProgressM,
	}
}
