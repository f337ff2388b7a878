package greenwave

import (
	"sort"
	"sync"
	"time"

	"traffic-control/internal/domain/traffic"
)

const (
	controlAuto      = "auto"
	controlEmergency = "emergency"
)

// Light is one controllable traffic light. ApproachSegments feed the
// junction in the direction the light governs; CrossSegments feed it
// from the other directions and get speed caps while the light is held
// green for an emergency vehicle.
type Light struct {
	LightID          string             `json:"light_id"`
	State            traffic.LightState `json:"state"`
	ControlMode      string             `json:"control_mode"`
	LastChanged      time.Time          `json:"last_changed"`
	ApproachSegments []string           `json:"approach_segments,omitempty"`
	CrossSegments    []string           `json:"cross_segments,omitempty"`
}

// Directory is the in-memory registry of lights the scheduler may
// command. Reads take copies.
type Directory struct {
	mu     sync.RWMutex
	lights map[string]*Light
}

func NewDirectory() *Directory {
	return &Directory{lights: make(map[string]*Light)}
}

func (d *Directory) Register(l Light) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l.State == "" {
		l.State = traffic.LightRed
	}
	if l.ControlMode == "" {
		l.ControlMode = controlAuto
	}
	cp := l
	d.lights[l.LightID] = &cp
}

func (d *Directory) Get(id string) (Light, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	l, ok := d.lights[id]
	if !ok {
		return Light{}, false
	}
	return *l, true
}

// SetState flips a light and stamps the change time, which is what the
// minimum dwell check reads.
func (d *Directory) SetState(id string, state traffic.LightState, mode string, at time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.lights[id]
	if !ok {
		return false
	}
	l.State = state
	l.ControlMode = mode
	l.LastChanged = at
	return true
}

func (d *Directory) Snapshot() []Light {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Light, 0, len(d.lights))
	for _, l := range d.lights {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LightID < out[j].LightID })
	return out
}
