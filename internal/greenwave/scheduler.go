package greenwave

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"traffic-control/internal/config"
	"traffic-control/internal/decisionlog"
	"traffic-control/internal/domain/traffic"
	"traffic-control/internal/twin"
)

var (
	// ErrInvalidRoute means the route references an unknown light or
	// its distances are not strictly increasing. Activation fails and
	// no session is created.
	ErrInvalidRoute = errors.New("invalid emergency route")
	// ErrSessionActive guards the one-active-session-per-vehicle
	// invariant.
	ErrSessionActive = errors.New("vehicle already has an active session")
	ErrSessionNotFound = errors.New("no session for vehicle")
	// ErrSimulationTimeout is returned by the vetter when the twin did
	// not answer in time; the light change then waits for explicit
	// authority confirmation.
	ErrSimulationTimeout = errors.New("simulation timed out")
)

// Vetter submits one proposed light change to the digital twin and
// reports its recommendation.
type Vetter interface {
	VetLightChange(ctx context.Context, change twin.LightChange, crossTraffic []string) (twin.Recommendation, error)
}

// Scheduler drives green-wave sessions: it turns an emergency route
// into a timed light plan, vets every light change against the twin
// before committing it, and owns the cross-traffic speed caps.
type Scheduler struct {
	cfg     config.GreenWaveConfig
	lights  *Directory
	vetter  Vetter
	logbook *decisionlog.Log
	log     zerolog.Logger
	now     func() time.Time

	mu        sync.Mutex
	sessions  map[string]*Session
	recompute map[string]*sync.Mutex
}

func NewScheduler(cfg config.GreenWaveConfig, lights *Directory, vetter Vetter, logbook *decisionlog.Log, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		lights:    lights,
		vetter:    vetter,
		logbook:   logbook,
		log:       log,
		now:       time.Now,
		sessions:  make(map[string]*Session),
		recompute: make(map[string]*sync.Mutex),
	}
}

// Activate validates the route, plans the corridor and brings the
// session to ACTIVE. Individual light changes vetoed by the twin are
// blocked and flagged, the rest of the corridor proceeds.
func (s *Scheduler) Activate(ctx context.Context, vehicleID string, speedKmh float64, route []RouteLight) (SessionView, error) {
	if err := s.validateRoute(route, speedKmh); err != nil {
		return SessionView{}, err
	}

	now := s.now()

	s.mu.Lock()
	if existing, ok := s.sessions[vehicleID]; ok && existing.State == StateActive {
		s.mu.Unlock()
		return SessionView{}, fmt.Errorf("%w: %s", ErrSessionActive, vehicleID)
	}
	sess := &Session{
		VehicleID: vehicleID,
		Route:     append([]RouteLight(nil), route...),
		State:     StatePlanned,
		Caps:      make(map[string]int),
		SpeedKmh:  speedKmh,
		ETA:       now.Add(travelTime(route[len(route)-1].DistanceM, speedKmh)),
	}
	sess.Schedule = s.buildSchedule(sess, now)
	s.sessions[vehicleID] = sess
	s.recompute[vehicleID] = &sync.Mutex{}
	epoch := sess.epoch
	plan := snapshotSchedule(sess.Schedule)
	s.mu.Unlock()

	s.vetSchedule(ctx, sess, epoch, plan)

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.epoch != epoch {
		return SessionView{}, fmt.Errorf("%w: %s", ErrSessionNotFound, vehicleID)
	}
	sess.State = StateActive

	view := sess.view()
	s.logbook.Append(ctx, vehicleID, decisionlog.KindGreenWaveStep,
		fmt.Sprintf("Green wave activated for %s: %d lights scheduled, ETA %s",
			vehicleID, len(view.Schedule), view.ETA.Format(time.RFC3339)),
		0.95, view)

	s.log.Info().
		Str("vehicle_id", vehicleID).
		Int("lights", len(view.Schedule)).
		Float64("speed_kmh", speedKmh).
		Time("eta", view.ETA).
		Msg("green wave session activated")

	return view, nil
}

func (s *Scheduler) validateRoute(route []RouteLight, speedKmh float64) error {
	if len(route) == 0 {
		return fmt.Errorf("%w: empty route", ErrInvalidRoute)
	}
	if speedKmh <= 0 {
		return fmt.Errorf("%w: non-positive vehicle speed", ErrInvalidRoute)
	}
	prev := -1.0
	for _, rl := range route {
		if _, ok := s.lights.Get(rl.LightID); !ok {
			return fmt.Errorf("%w: unknown light %s", ErrInvalidRoute, rl.LightID)
		}
		if rl.DistanceM <= prev {
			return fmt.Errorf("%w: distances not strictly increasing at %s", ErrInvalidRoute, rl.LightID)
		}
		prev = rl.DistanceM
	}
	return nil
}

// buildSchedule computes green-at times for the lights still ahead of
// the vehicle. The advance time makes a light turn green before
// arrival, never at it; the minimum dwell defers changes that would
// flip a light too soon after its last change.
func (s *Scheduler) buildSchedule(sess *Session, now time.Time) []*ScheduledLight {
	var schedule []*ScheduledLight
	var prevGreenAt time.Time

	for _, rl := range sess.Route {
		if rl.DistanceM <= sess.ProgressM {
			continue
		}
		eta := travelTime(rl.DistanceM-sess.ProgressM, sess.SpeedKmh)
		greenAt := now.Add(eta - s.cfg.AdvanceTime)
		if greenAt.Before(now) {
			greenAt = now
		}

		entry := &ScheduledLight{
			LightID:   rl.LightID,
			DistanceM: rl.DistanceM,
			Duration:  s.cfg.GreenHold,
		}

		if light, ok := s.lights.Get(rl.LightID); ok {
			if earliest := light.LastChanged.Add(s.cfg.MinDwell); greenAt.Before(earliest) {
				greenAt = earliest
				entry.Deferred = true
				warn := fmt.Sprintf("light %s deferred to %s to respect minimum dwell", rl.LightID, greenAt.Format(time.RFC3339))
				sess.Warnings = append(sess.Warnings, warn)
			}
		}

		// Keep green-at times strictly ordered along the route even
		// when clamping collapses them.
		if !prevGreenAt.IsZero() && !greenAt.After(prevGreenAt) {
			greenAt = prevGreenAt.Add(time.Second)
		}
		entry.GreenAt = greenAt
		prevGreenAt = greenAt
		schedule = append(schedule, entry)
	}
	return schedule
}

// vetSchedule submits every pending light change to the twin. Rejects
// block that one change; timeouts park it until confirmed.
func (s *Scheduler) vetSchedule(ctx context.Context, sess *Session, epoch uint64, plan []ScheduledLight) {
	for _, entry := range plan {
		light, ok := s.lights.Get(entry.LightID)
		if !ok {
			continue
		}

		rec, err := s.vetter.VetLightChange(ctx, twin.LightChange{
			LightID:     entry.LightID,
			TargetState: traffic.LightGreen,
			HoldSeconds: int(entry.Duration.Seconds()),
		}, light.CrossSegments)

		s.mu.Lock()
		if sess.epoch != epoch {
			// Session was deactivated while the simulation ran;
			// discard the result.
			s.mu.Unlock()
			return
		}
		target := findEntry(sess.Schedule, entry.LightID)
		if target == nil {
			s.mu.Unlock()
			continue
		}
		switch {
		case err != nil && errors.Is(err, ErrSimulationTimeout):
			target.NeedsConfirmation = true
			warn := fmt.Sprintf("simulation timed out for light %s, authority confirmation required", entry.LightID)
			sess.Warnings = append(sess.Warnings, warn)
			s.logbook.Append(ctx, sess.VehicleID, decisionlog.KindSimulation, warn, 0, nil)
		case err != nil:
			target.NeedsConfirmation = true
			sess.Warnings = append(sess.Warnings, fmt.Sprintf("simulation failed for light %s: %v", entry.LightID, err))
		case rec == twin.RecommendReject:
			target.Blocked = true
			warn := fmt.Sprintf("twin rejected green hold for light %s, change blocked pending authority review", entry.LightID)
			sess.Warnings = append(sess.Warnings, warn)
			s.logbook.Append(ctx, sess.VehicleID, decisionlog.KindSimulation, warn, 0, nil)
		}
		s.mu.Unlock()
	}
}

// UpdatePosition recomputes the remaining schedule from a fresh
// position report. Recomputes are serialized per session; independent
// vehicles proceed in parallel.
func (s *Scheduler) UpdatePosition(ctx context.Context, pos traffic.VehiclePosition) (SessionView, error) {
	s.mu.Lock()
	sess, ok := s.sessions[pos.VehicleID]
	rmu := s.recompute[pos.VehicleID]
	if !ok || sess.State != StateActive {
		s.mu.Unlock()
		return SessionView{}, fmt.Errorf("%w: %s", ErrSessionNotFound, pos.VehicleID)
	}
	s.mu.Unlock()

	rmu.Lock()
	defer rmu.Unlock()

	now := s.now()

	s.mu.Lock()
	if sess.State != StateActive {
		s.mu.Unlock()
		return SessionView{}, fmt.Errorf("%w: %s", ErrSessionNotFound, pos.VehicleID)
	}
	epoch := sess.epoch
	if pos.ProgressM > sess.ProgressM {
		sess.ProgressM = pos.ProgressM
	}
	if pos.SpeedKmh > 0 {
		sess.SpeedKmh = pos.SpeedKmh
	}

	s.markPassedLocked(ctx, sess, now)

	if sess.ProgressM >= sess.Route[len(sess.Route)-1].DistanceM {
		s.completeLocked(ctx, sess, now)
		view := sess.view()
		s.mu.Unlock()
		return view, nil
	}

	preserved := preserveApplied(sess.Schedule)
	fresh := s.buildSchedule(sess, now)
	sess.Schedule = mergeSchedules(preserved, fresh)
	remaining := sess.Route[len(sess.Route)-1].DistanceM - sess.ProgressM
	sess.ETA = now.Add(travelTime(remaining, sess.SpeedKmh))
	plan := snapshotSchedule(pendingEntries(sess.Schedule))
	s.mu.Unlock()

	s.vetSchedule(ctx, sess, epoch, plan)

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.epoch != epoch {
		return SessionView{}, fmt.Errorf("%w: %s", ErrSessionNotFound, pos.VehicleID)
	}
	view := sess.view()
	s.logbook.Append(ctx, sess.VehicleID, decisionlog.KindGreenWaveStep,
		fmt.Sprintf("Green wave rescheduled for %s at %.0fm, %d lights remaining",
			sess.VehicleID, sess.ProgressM, len(pendingEntries(sess.Schedule))),
		0.9, view)
	return view, nil
}

// sessionRetention is how long finished sessions stay queryable before
// Tick evicts them. The decision log keeps their full history.
const sessionRetention = 10 * time.Minute

// Tick actuates the plan: due lights turn green and take their
// cross-traffic caps, expired holds revert and release them, finished
// sessions past retention get evicted. The service drives it from its
// clock loop.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for vehicleID, sess := range s.sessions {
		switch sess.State {
		case StateCompleted, StateAborted:
			if !sess.finishedAt.IsZero() && now.Sub(sess.finishedAt) > sessionRetention {
				delete(s.sessions, vehicleID)
				delete(s.recompute, vehicleID)
			}
			continue
		case StateActive:
		default:
			continue
		}
		for _, entry := range sess.Schedule {
			switch {
			case !entry.Applied && !entry.Blocked && !entry.NeedsConfirmation && !entry.Passed && !now.Before(entry.GreenAt):
				s.applyLocked(ctx, sess, entry, now)
			case entry.Applied && !entry.Released && now.After(entry.GreenAt.Add(entry.Duration)):
				s.releaseLocked(ctx, sess, entry, now)
			}
		}
	}
}

// ConfirmLight is the explicit authority confirmation for a change
// that hit the simulation timeout.
func (s *Scheduler) ConfirmLight(ctx context.Context, vehicleID, lightID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[vehicleID]
	if !ok || sess.State != StateActive {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, vehicleID)
	}
	entry := findEntry(sess.Schedule, lightID)
	if entry == nil {
		return fmt.Errorf("%w: light %s not in schedule", ErrInvalidRoute, lightID)
	}
	entry.NeedsConfirmation = false
	s.logbook.Append(ctx, vehicleID, decisionlog.KindLightControl,
		fmt.Sprintf("Light %s confirmed by authority for green wave %s", lightID, vehicleID), 1.0, nil)
	return nil
}

// Deactivate aborts the session, reverting held lights and releasing
// all cross-traffic caps before returning. In-flight simulations for
// the session finish on their own and are discarded.
func (s *Scheduler) Deactivate(ctx context.Context, vehicleID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[vehicleID]
	if !ok || (sess.State != StateActive && sess.State != StatePlanned) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, vehicleID)
	}

	now := s.now()
	for _, entry := range sess.Schedule {
		if entry.Applied && !entry.Released {
			s.releaseLocked(ctx, sess, entry, now)
		}
	}
	sess.Caps = make(map[string]int)
	sess.State = StateAborted
	sess.epoch++
	sess.finishedAt = now

	s.logbook.Append(ctx, vehicleID, decisionlog.KindGreenWaveStep,
		fmt.Sprintf("Green wave deactivated for %s: %s", vehicleID, reason), 1.0, sess.view())
	s.log.Info().Str("vehicle_id", vehicleID).Str("reason", reason).Msg("green wave session aborted")
	return nil
}

// Arrived completes the session on an explicit arrival signal.
func (s *Scheduler) Arrived(ctx context.Context, vehicleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[vehicleID]
	if !ok || sess.State != StateActive {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, vehicleID)
	}
	s.completeLocked(ctx, sess, s.now())
	return nil
}

// Session returns a copy of the vehicle's session, live or finished.
func (s *Scheduler) Session(vehicleID string) (SessionView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[vehicleID]
	if !ok {
		return SessionView{}, false
	}
	return sess.view(), true
}

// ActiveCaps merges the cross-traffic caps of every active session,
// keeping the strictest cap per segment.
func (s *Scheduler) ActiveCaps() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int)
	for _, sess := range s.sessions {
		if sess.State != StateActive {
			continue
		}
		for seg, limit := range sess.Caps {
			if cur, ok := out[seg]; !ok || limit < cur {
				out[seg] = limit
			}
		}
	}
	return out
}

func (s *Scheduler) applyLocked(ctx context.Context, sess *Session, entry *ScheduledLight, now time.Time) {
	light, ok := s.lights.Get(entry.LightID)
	if !ok {
		return
	}
	s.lights.SetState(entry.LightID, traffic.LightGreen, controlEmergency, now)
	entry.Applied = true

	for _, seg := range light.CrossSegments {
		sess.Caps[seg] = s.cfg.CrossTrafficCap
	}

	s.logbook.Append(ctx, sess.VehicleID, decisionlog.KindLightControl,
		fmt.Sprintf("Light %s turned green for emergency vehicle %s, %d cross-traffic segment(s) capped at %d km/h",
			entry.LightID, sess.VehicleID, len(light.CrossSegments), s.cfg.CrossTrafficCap),
		0.95, *entry)
}

func (s *Scheduler) releaseLocked(ctx context.Context, sess *Session, entry *ScheduledLight, now time.Time) {
	light, ok := s.lights.Get(entry.LightID)
	if ok {
		s.lights.SetState(entry.LightID, traffic.LightRed, controlAuto, now)
		for _, seg := range light.CrossSegments {
			delete(sess.Caps, seg)
		}
	}
	entry.Released = true

	s.logbook.Append(ctx, sess.VehicleID, decisionlog.KindLightControl,
		fmt.Sprintf("Light %s reverted to normal cycle, cross-traffic caps released", entry.LightID),
		0.95, *entry)
}

func (s *Scheduler) markPassedLocked(ctx context.Context, sess *Session, now time.Time) {
	for _, entry := range sess.Schedule {
		if !entry.Passed && entry.DistanceM <= sess.ProgressM {
			entry.Passed = true
			if entry.Applied && !entry.Released {
				s.releaseLocked(ctx, sess, entry, now)
			}
		}
	}
}

func (s *Scheduler) completeLocked(ctx context.Context, sess *Session, now time.Time) {
	for _, entry := range sess.Schedule {
		if entry.Applied && !entry.Released {
			s.releaseLocked(ctx, sess, entry, now)
		}
	}
	sess.Caps = make(map[string]int)
	sess.State = StateCompleted
	sess.epoch++
	sess.finishedAt = now

	s.logbook.Append(ctx, sess.VehicleID, decisionlog.KindGreenWaveStep,
		fmt.Sprintf("Green wave completed for %s", sess.VehicleID), 1.0, sess.view())
	s.log.Info().Str("vehicle_id", sess.VehicleID).Msg("green wave session completed")
}

func travelTime(distanceM, speedKmh float64) time.Duration {
	if speedKmh <= 0 {
		return 0
	}
	seconds := distanceM / (speedKmh / 3.6)
	return time.Duration(seconds * float64(time.Second))
}

func findEntry(schedule []*ScheduledLight, lightID string) *ScheduledLight {
	for _, e := range schedule {
		if e.LightID == lightID {
			return e
		}
	}
	return nil
}

func pendingEntries(schedule []*ScheduledLight) []*ScheduledLight {
	var out []*ScheduledLight
	for _, e := range schedule {
		if !e.Applied && !e.Passed {
			out = append(out, e)
		}
	}
	return out
}

func snapshotSchedule(schedule []*ScheduledLight) []ScheduledLight {
	out := make([]ScheduledLight, len(schedule))
	for i, e := range schedule {
		out[i] = *e
	}
	return out
}

func preserveApplied(schedule []*ScheduledLight) []*ScheduledLight {
	var out []*ScheduledLight
	for _, e := range schedule {
		if e.Applied || e.Passed {
			out = append(out, e)
		}
	}
	return out
}

func mergeSchedules(preserved, fresh []*ScheduledLight) []*ScheduledLight {
	merged := append([]*ScheduledLight(nil), preserved...)
	for _, f := range fresh {
		if findEntry(merged, f.LightID) == nil {
			merged = append(merged, f)
		}
	}
	return merged
}
