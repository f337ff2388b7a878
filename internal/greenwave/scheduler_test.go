package greenwave

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"traffic-control/internal/config"
	"traffic-control/internal/decisionlog"
	"traffic-control/internal/domain/traffic"
	"traffic-control/internal/twin"
)

type fakeVetter struct {
	reject  map[string]bool
	timeout map[string]bool
}

func (f *fakeVetter) VetLightChange(ctx context.Context, change twin.LightChange, crossTraffic []string) (twin.Recommendation, error) {
	if f.timeout[change.LightID] {
		return "", ErrSimulationTimeout
	}
	if f.reject[change.LightID] {
		return twin.RecommendReject, nil
	}
	return twin.RecommendApprove, nil
}

func testScheduler(t *testing.T, vetter Vetter) (*Scheduler, *Directory, time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)
	lights := NewDirectory()
	for _, l := range []Light{
		{LightID: "tl-1", CrossSegments: []string{"seg-c1"}, LastChanged: now.Add(-time.Minute)},
		{LightID: "tl-2", CrossSegments: []string{"seg-c2"}, LastChanged: now.Add(-time.Minute)},
		{LightID: "tl-3", CrossSegments: nil, LastChanged: now.Add(-time.Minute)},
	} {
		lights.Register(l)
	}

	cfg := config.GreenWaveConfig{
		AdvanceTime:     45 * time.Second,
		MinDwell:        10 * time.Second,
		GreenHold:       55 * time.Second,
		CrossTrafficCap: 30,
	}
	if vetter == nil {
		vetter = &fakeVetter{}
	}
	s := NewScheduler(cfg, lights, vetter, decisionlog.New(zerolog.Nop()), zerolog.Nop())
	s.now = func() time.Time { return now }
	return s, lights, now
}

func route() []RouteLight {
	return []RouteLight{
		{LightID: "tl-1", DistanceM: 500},
		{LightID: "tl-2", DistanceM: 1500},
		{LightID: "tl-3", DistanceM: 3000},
	}
}

func TestActivateSchedulesStrictlyIncreasingGreenTimes(t *testing.T) {
	s, _, _ := testScheduler(t, nil)

	view, err := s.Activate(context.Background(), "amb-1", 80, route())
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if view.State != StateActive {
		t.Fatalf("State = %s, want ACTIVE", view.State)
	}
	if len(view.Schedule) != 3 {
		t.Fatalf("Schedule = %d entries, want 3", len(view.Schedule))
	}
	for i := 1; i < len(view.Schedule); i++ {
		if !view.Schedule[i].GreenAt.After(view.Schedule[i-1].GreenAt) {
			t.Errorf("green-at times not strictly increasing: %v then %v",
				view.Schedule[i-1].GreenAt, view.Schedule[i].GreenAt)
		}
	}
}

func TestActivateAdvanceTimeExample(t *testing.T) {
	s, _, now := testScheduler(t, nil)

	// 1000m at 80 km/h is 45s of travel; with a 45s advance the light
	// is due immediately, clamped to now rather than the past.
	view, err := s.Activate(context.Background(), "amb-1", 80, []RouteLight{{LightID: "tl-1", DistanceM: 1000}})
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if got := view.Schedule[0].GreenAt; !got.Equal(now) {
		t.Errorf("GreenAt = %v, want clamped to now %v", got, now)
	}
}

func TestActivateSingleActiveSessionPerVehicle(t *testing.T) {
	s, _, _ := testScheduler(t, nil)
	ctx := context.Background()

	if _, err := s.Activate(ctx, "amb-1", 80, route()); err != nil {
		t.Fatalf("first Activate() error = %v", err)
	}
	if _, err := s.Activate(ctx, "amb-1", 80, route()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second Activate() error = %v, want ErrSessionActive", err)
	}

	// A second vehicle is independent.
	if _, err := s.Activate(ctx, "fire-1", 70, route()); err != nil {
		t.Fatalf("Activate() for second vehicle error = %v", err)
	}

	// After deactivation the vehicle may start a fresh session.
	if err := s.Deactivate(ctx, "amb-1", "test"); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}
	if _, err := s.Activate(ctx, "amb-1", 80, route()); err != nil {
		t.Fatalf("Activate() after deactivation error = %v", err)
	}
}

func TestActivateInvalidRoute(t *testing.T) {
	s, _, _ := testScheduler(t, nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		speed float64
		route []RouteLight
	}{
		{"empty route", 80, nil},
		{"unknown light", 80, []RouteLight{{LightID: "tl-404", DistanceM: 100}}},
		{"non-monotonic distances", 80, []RouteLight{
			{LightID: "tl-1", DistanceM: 900},
			{LightID: "tl-2", DistanceM: 400},
		}},
		{"zero speed", 0, []RouteLight{{LightID: "tl-1", DistanceM: 100}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Activate(ctx, "amb-x", tt.speed, tt.route); !errors.Is(err, ErrInvalidRoute) {
				t.Errorf("Activate() error = %v, want ErrInvalidRoute", err)
			}
			if _, ok := s.Session("amb-x"); ok {
				t.Error("session created despite invalid route")
			}
		})
	}
}

func TestMinDwellDeferral(t *testing.T) {
	s, lights, now := testScheduler(t, nil)

	// tl-1 just changed; its ideal green-at (immediately, 500m at
	// 80 km/h is 22.5s minus 45s advance) violates the 10s dwell.
	lights.SetState("tl-1", traffic.LightRed, controlAuto, now.Add(-2*time.Second))

	view, err := s.Activate(context.Background(), "amb-1", 80, route())
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	first := view.Schedule[0]
	if !first.Deferred {
		t.Fatal("schedule entry not marked deferred")
	}
	if want := now.Add(8 * time.Second); !first.GreenAt.Equal(want) {
		t.Errorf("GreenAt = %v, want earliest feasible %v", first.GreenAt, want)
	}
	if len(view.Warnings) == 0 {
		t.Error("deferral did not record a session warning")
	}
}

func TestRejectedLightBlockedSessionContinues(t *testing.T) {
	s, _, _ := testScheduler(t, &fakeVetter{reject: map[string]bool{"tl-2": true}})

	view, err := s.Activate(context.Background(), "amb-1", 80, route())
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if view.State != StateActive {
		t.Fatalf("State = %s, want ACTIVE despite one rejected light", view.State)
	}

	var blocked int
	for _, e := range view.Schedule {
		if e.Blocked {
			blocked++
			if e.LightID != "tl-2" {
				t.Errorf("wrong light blocked: %s", e.LightID)
			}
		}
	}
	if blocked != 1 {
		t.Errorf("blocked = %d entries, want 1", blocked)
	}
	if len(view.Warnings) == 0 {
		t.Error("rejection did not record a warning")
	}
}

func TestSimulationTimeoutRequiresConfirmation(t *testing.T) {
	s, _, now := testScheduler(t, &fakeVetter{timeout: map[string]bool{"tl-1": true}})
	ctx := context.Background()

	view, err := s.Activate(ctx, "amb-1", 80, route())
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if !view.Schedule[0].NeedsConfirmation {
		t.Fatal("timed-out light change not awaiting confirmation")
	}

	// The unconfirmed change is not actuated by the clock.
	s.Tick(ctx, now.Add(time.Hour))
	sv, _ := s.Session("amb-1")
	if sv.Schedule[0].Applied {
		t.Fatal("unconfirmed light change was applied")
	}

	if err := s.ConfirmLight(ctx, "amb-1", "tl-1"); err != nil {
		t.Fatalf("ConfirmLight() error = %v", err)
	}
	s.Tick(ctx, now.Add(time.Hour))
	sv, _ = s.Session("amb-1")
	if !sv.Schedule[0].Applied {
		t.Error("confirmed light change still not applied")
	}
}

func TestTickAppliesCapsAndReleases(t *testing.T) {
	s, lights, now := testScheduler(t, nil)
	ctx := context.Background()

	if _, err := s.Activate(ctx, "amb-1", 80, route()); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	// All lights due well within an hour.
	s.Tick(ctx, now.Add(5*time.Minute))

	caps := s.ActiveCaps()
	if caps["seg-c1"] != 30 || caps["seg-c2"] != 30 {
		t.Fatalf("ActiveCaps() = %v, want 30 km/h caps on seg-c1 and seg-c2", caps)
	}
	if l, _ := lights.Get("tl-1"); l.State != traffic.LightGreen {
		t.Errorf("tl-1 state = %s, want green", l.State)
	}

	// After the hold expires the lights revert and caps are released.
	s.Tick(ctx, now.Add(time.Hour))
	if caps := s.ActiveCaps(); len(caps) != 0 {
		t.Errorf("ActiveCaps() after hold = %v, want empty", caps)
	}
	if l, _ := lights.Get("tl-1"); l.State != traffic.LightRed {
		t.Errorf("tl-1 state = %s, want reverted to red", l.State)
	}
}

func TestDeactivateReleasesCapsSynchronously(t *testing.T) {
	s, lights, now := testScheduler(t, nil)
	ctx := context.Background()

	if _, err := s.Activate(ctx, "amb-1", 80, route()); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	s.Tick(ctx, now.Add(5*time.Minute))
	if caps := s.ActiveCaps(); len(caps) == 0 {
		t.Fatal("expected caps before deactivation")
	}

	if err := s.Deactivate(ctx, "amb-1", "operator request"); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}
	if caps := s.ActiveCaps(); len(caps) != 0 {
		t.Fatalf("ActiveCaps() after deactivation = %v, want empty", caps)
	}
	if l, _ := lights.Get("tl-1"); l.ControlMode != controlAuto {
		t.Errorf("tl-1 control mode = %s, want auto restored", l.ControlMode)
	}

	sv, ok := s.Session("amb-1")
	if !ok || sv.State != StateAborted {
		t.Errorf("session state = %v, want ABORTED", sv.State)
	}
}

func TestUpdatePositionShrinksRouteAndCompletes(t *testing.T) {
	s, _, _ := testScheduler(t, nil)
	ctx := context.Background()

	if _, err := s.Activate(ctx, "amb-1", 80, route()); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	view, err := s.UpdatePosition(ctx, traffic.VehiclePosition{
		VehicleID: "amb-1",
		ProgressM: 1600,
		SpeedKmh:  75,
	})
	if err != nil {
		t.Fatalf("UpdatePosition() error = %v", err)
	}

	passed := 0
	for _, e := range view.Schedule {
		if e.Passed {
			passed++
		}
	}
	if passed != 2 {
		t.Errorf("passed = %d lights, want 2 behind 1600m", passed)
	}

	view, err = s.UpdatePosition(ctx, traffic.VehiclePosition{
		VehicleID: "amb-1",
		ProgressM: 3000,
		SpeedKmh:  75,
	})
	if err != nil {
		t.Fatalf("UpdatePosition() to route end error = %v", err)
	}
	if view.State != StateCompleted {
		t.Errorf("State = %s, want COMPLETED at final light", view.State)
	}
	if len(view.Caps) != 0 {
		t.Errorf("Caps = %v, want released on completion", view.Caps)
	}
}

func TestTickEvictsFinishedSessions(t *testing.T) {
	s, _, now := testScheduler(t, nil)
	ctx := context.Background()

	if _, err := s.Activate(ctx, "amb-1", 80, route()); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if err := s.Arrived(ctx, "amb-1"); err != nil {
		t.Fatalf("Arrived() error = %v", err)
	}

	s.Tick(ctx, now.Add(5*time.Minute))
	if _, ok := s.Session("amb-1"); !ok {
		t.Fatal("finished session evicted before the retention window elapsed")
	}

	s.Tick(ctx, now.Add(11*time.Minute))
	if _, ok := s.Session("amb-1"); ok {
		t.Fatal("finished session still present after the retention window")
	}

	// The vehicle can start a fresh corridor afterwards.
	if _, err := s.Activate(ctx, "amb-1", 80, route()); err != nil {
		t.Fatalf("Activate() after eviction error = %v", err)
	}
}
