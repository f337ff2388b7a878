package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"traffic-control/internal/aggregator"
	"traffic-control/internal/config"
	"traffic-control/internal/decisionlog"
	"traffic-control/internal/domain/traffic"
	"traffic-control/internal/events"
	"traffic-control/internal/greenwave"
	"traffic-control/internal/optimizer"
	"traffic-control/internal/twin"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

const archiveInterval = 15 * time.Minute

// EventStore persists event lifecycle transitions. The control loop
// works without one; persistence failures never stall decisions.
type EventStore interface {
	UpsertEvent(ctx context.Context, ev traffic.TrafficEvent) error
}

// Archiver ships decision log batches to long-term storage.
type Archiver interface {
	ArchiveBatch(ctx context.Context, entries []decisionlog.Entry) (string, error)
}

// OverrideOutcome is the result of a manual override request: the
// simulator's verdict plus whether the change was actually applied.
type OverrideOutcome struct {
	Request        traffic.OverrideRequest `json:"request"`
	Simulation     twin.Result             `json:"simulation"`
	Applied        bool                    `json:"applied"`
	RequiresForce  bool                    `json:"requires_force,omitempty"`
	RejectedReason string                  `json:"rejected_reason,omitempty"`
}

// ControlService runs the decision pipeline: it collects camera
// samples, aggregates them per window, correlates events, computes
// speed decisions and vets every proposed change through the digital
// twin. It is also the scheduler's Vetter.
type ControlService struct {
	cfg       *config.Config
	log       zerolog.Logger
	collector *aggregator.Collector
	agg       *aggregator.Aggregator
	events    *events.Correlator
	strategy  optimizer.Strategy
	sim       *twin.Simulator
	lights    *greenwave.Directory
	logbook   *decisionlog.Log
	store     EventStore
	archiver  Archiver

	scheduler *greenwave.Scheduler

	mu        sync.RWMutex
	limits    map[string]int
	snapshots map[string]traffic.TrafficSnapshot
	known     map[string]struct{}
	weather   traffic.WeatherCondition

	segMu    sync.Mutex
	segLocks map[string]*sync.Mutex

	archived int
}

func NewControlService(
	cfg *config.Config,
	agg *aggregator.Aggregator,
	correlator *events.Correlator,
	strategy optimizer.Strategy,
	sim *twin.Simulator,
	lights *greenwave.Directory,
	logbook *decisionlog.Log,
	store EventStore,
	archiver Archiver,
	log zerolog.Logger,
) *ControlService {
	return &ControlService{
		cfg:       cfg,
		log:       log,
		collector: aggregator.NewCollector(),
		agg:       agg,
		events:    correlator,
		strategy:  strategy,
		sim:       sim,
		lights:    lights,
		logbook:   logbook,
		store:     store,
		archiver:  archiver,
		limits:    make(map[string]int),
		snapshots: make(map[string]traffic.TrafficSnapshot),
		known:     make(map[string]struct{}),
		weather:   traffic.WeatherClear,
		segLocks:  make(map[string]*sync.Mutex),
	}
}

// AttachScheduler wires the green wave scheduler in after construction;
// the scheduler needs this service as its vetter first.
func (s *ControlService) AttachScheduler(sched *greenwave.Scheduler) {
	s.scheduler = sched
}

// IngestSample accepts one camera sample into the current aggregation
// window. Events the camera detected alongside go straight to the
// correlator.
func (s *ControlService) IngestSample(ctx context.Context, sample traffic.CameraSample) error {
	if sample.CameraID == "" {
		return fmt.Errorf("%w: camera_id is required", ErrInvalidInput)
	}
	if sample.SegmentID == "" {
		return fmt.Errorf("%w: segment_id is required", ErrInvalidInput)
	}
	if sample.VehicleCount < 0 || sample.AvgSpeedKmh < 0 {
		return fmt.Errorf("%w: counts and speeds cannot be negative", ErrInvalidInput)
	}
	if sample.CongestionLevel < 0 || sample.CongestionLevel > 1 {
		return fmt.Errorf("%w: congestion_level must be within [0,1]", ErrInvalidInput)
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}

	s.collector.Add(sample)

	s.mu.Lock()
	s.known[sample.SegmentID] = struct{}{}
	s.mu.Unlock()

	for _, ev := range sample.DetectedEvents {
		if ev.SegmentID == "" {
			ev.SegmentID = sample.SegmentID
		}
		s.ReportEvent(ctx, ev)
	}
	return nil
}

// ReportEvent registers or re-confirms a traffic event.
func (s *ControlService) ReportEvent(ctx context.Context, ev traffic.TrafficEvent) traffic.TrafficEvent {
	out := s.events.Ingest(ev, time.Now().UTC())
	s.persistEvent(ctx, out)
	return out
}

func (s *ControlService) persistEvent(ctx context.Context, ev traffic.TrafficEvent) {
	if s.store == nil {
		return
	}
	if err := s.store.UpsertEvent(ctx, ev); err != nil {
		s.log.Error().Err(err).Str("event_id", ev.ID.String()).Msg("failed to persist traffic event")
	}
}

// SetWeather updates the weather condition fed into every subsequent
// speed decision.
func (s *ControlService) SetWeather(w traffic.WeatherCondition) error {
	switch w {
	case traffic.WeatherClear, traffic.WeatherRain, traffic.WeatherHeavyRain,
		traffic.WeatherFog, traffic.WeatherSnow, traffic.WeatherIce:
	default:
		return fmt.Errorf("%w: unknown weather condition %q", ErrInvalidInput, w)
	}
	s.mu.Lock()
	s.weather = w
	s.mu.Unlock()
	s.log.Info().Str("weather", string(w)).Msg("weather condition updated")
	return nil
}

// Run drives the periodic work: window aggregation, light actuation,
// event sweeps and log archival. Blocks until the context is done.
func (s *ControlService) Run(ctx context.Context) {
	window := time.NewTicker(s.cfg.Control.AggregationWindow)
	defer window.Stop()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	archive := time.NewTicker(archiveInterval)
	defer archive.Stop()

	s.log.Info().
		Dur("aggregation_window", s.cfg.Control.AggregationWindow).
		Int("workers", s.cfg.Control.Workers).
		Msg("control loop started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("control loop stopped")
			return
		case now := <-window.C:
			s.runWindow(ctx, now.UTC())
			s.events.Sweep(now.UTC())
		case now := <-tick.C:
			if s.scheduler != nil {
				s.scheduler.Tick(ctx, now.UTC())
			}
		case <-archive.C:
			s.archiveDecisions(ctx)
		}
	}
}

// runWindow drains the collector and decides every known segment with
// a bounded worker pool. Decisions for the same segment never run
// concurrently.
func (s *ControlService) runWindow(ctx context.Context, at time.Time) {
	buckets := s.collector.Flush()

	s.mu.RLock()
	segments := make([]string, 0, len(s.known))
	for seg := range s.known {
		segments = append(segments, seg)
	}
	s.mu.RUnlock()

	sem := make(chan struct{}, s.cfg.Control.Workers)
	var wg sync.WaitGroup
	for _, seg := range segments {
		wg.Add(1)
		sem <- struct{}{}
		go func(segmentID string, samples []traffic.CameraSample) {
			defer wg.Done()
			defer func() { <-sem }()
			s.decideSegment(ctx, segmentID, samples, at)
		}(seg, buckets[seg])
	}
	wg.Wait()
}

func (s *ControlService) decideSegment(ctx context.Context, segmentID string, samples []traffic.CameraSample, at time.Time) {
	lock := s.segLock(segmentID)
	lock.Lock()
	defer lock.Unlock()

	snap, err := s.agg.Aggregate(segmentID, samples, at)
	if err != nil {
		// Data gap: the previous limit stands, no decision is made.
		return
	}

	if ev, ok := events.DetectCongestion(snap); ok {
		// Re-confirm an already tracked congestion event rather than
		// opening a new one every window the condition persists.
		if existing, live := s.events.ActiveByType(segmentID, traffic.EventCongestion, at); live {
			ev.ID = existing.ID
		}
		s.ReportEvent(ctx, ev)
	}

	s.mu.Lock()
	s.snapshots[segmentID] = snap
	current, ok := s.limits[segmentID]
	if !ok {
		current = s.cfg.Control.BaseSpeedLimit
		s.limits[segmentID] = current
	}
	weather := s.weather
	s.mu.Unlock()

	decision := s.strategy.Optimize(optimizer.Input{
		SegmentID:    segmentID,
		CurrentLimit: current,
		Snapshot:     snap,
		Events:       s.events.ActiveForSegment(segmentID, at),
		Weather:      weather,
		Now:          at,
	})

	if ceiling, capped := s.activeCap(segmentID); capped && decision.NewLimit > ceiling {
		decision.NewLimit = ceiling
		decision.Applied = decision.NewLimit != current
		decision.Explanation = fmt.Sprintf(
			"Speed limit capped at %d km/h while an emergency corridor crosses this segment.", ceiling)
	}

	// A change within the hysteresis margin is neither applied nor
	// logged; the previous limit simply stands.
	if !decision.Applied {
		return
	}

	s.mu.Lock()
	s.limits[segmentID] = decision.NewLimit
	s.mu.Unlock()

	s.logbook.Append(ctx, segmentID, decisionlog.KindSpeedDecision,
		decision.Explanation, decision.Confidence, decision)
}

func (s *ControlService) activeCap(segmentID string) (int, bool) {
	if s.scheduler == nil {
		return 0, false
	}
	limit, ok := s.scheduler.ActiveCaps()[segmentID]
	return limit, ok
}

func (s *ControlService) segLock(segmentID string) *sync.Mutex {
	s.segMu.Lock()
	defer s.segMu.Unlock()
	lock, ok := s.segLocks[segmentID]
	if !ok {
		lock = &sync.Mutex{}
		s.segLocks[segmentID] = lock
	}
	return lock
}

// CurrentLimit returns the active limit for a segment, falling back to
// the base limit for segments never decided.
func (s *ControlService) CurrentLimit(segmentID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit, ok := s.limits[segmentID]; ok {
		return limit
	}
	return s.cfg.Control.BaseSpeedLimit
}

// LatestSnapshot returns the last fused snapshot for a segment.
func (s *ControlService) LatestSnapshot(segmentID string) (traffic.TrafficSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[segmentID]
	return snap, ok
}

// RequestOverride vets a manual change against the digital twin and
// applies it only when the verdict allows. A caution verdict needs the
// request to carry force; a reject verdict is never applied.
func (s *ControlService) RequestOverride(ctx context.Context, req traffic.OverrideRequest) (OverrideOutcome, error) {
	if req.EntityID == "" {
		return OverrideOutcome{}, fmt.Errorf("%w: entity_id is required", ErrInvalidInput)
	}
	if req.RequestedBy == "" {
		return OverrideOutcome{}, fmt.Errorf("%w: requested_by is required", ErrInvalidInput)
	}

	changes, err := s.overrideChanges(req)
	if err != nil {
		return OverrideOutcome{}, err
	}

	result, err := s.simulate(ctx, changes)
	if err != nil {
		return OverrideOutcome{}, err
	}

	outcome := OverrideOutcome{Request: req, Simulation: result}
	switch result.Recommendation {
	case twin.RecommendApprove:
		s.applyOverride(ctx, req, result)
		outcome.Applied = true
	case twin.RecommendCaution:
		if req.Force {
			s.applyOverride(ctx, req, result)
			outcome.Applied = true
		} else {
			outcome.RequiresForce = true
		}
	case twin.RecommendReject:
		outcome.RejectedReason = result.Explanation
		s.logbook.Append(ctx, req.EntityID, decisionlog.KindOverride,
			fmt.Sprintf("Override by %s rejected: %s", req.RequestedBy, result.Explanation),
			0, outcome)
	}

	if !outcome.Applied && outcome.RequiresForce {
		s.logbook.Append(ctx, req.EntityID, decisionlog.KindOverride,
			fmt.Sprintf("Override by %s held for confirmation: %s", req.RequestedBy, result.Explanation),
			0, outcome)
	}
	return outcome, nil
}

func (s *ControlService) overrideChanges(req traffic.OverrideRequest) (twin.ProposedChanges, error) {
	switch req.Type {
	case traffic.OverrideSpeedLimit:
		limit, err := strconv.Atoi(req.ProposedValue)
		if err != nil {
			return twin.ProposedChanges{}, fmt.Errorf("%w: proposed speed limit %q is not a number", ErrInvalidInput, req.ProposedValue)
		}
		if limit < s.cfg.Control.MinSpeedLimit || limit > s.cfg.Control.MaxSpeedLimit {
			return twin.ProposedChanges{}, fmt.Errorf("%w: speed limit %d outside [%d,%d]",
				ErrInvalidInput, limit, s.cfg.Control.MinSpeedLimit, s.cfg.Control.MaxSpeedLimit)
		}
		return twin.ProposedChanges{
			SpeedChanges: []twin.SpeedChange{{SegmentID: req.EntityID, NewLimit: limit}},
		}, nil
	case traffic.OverrideTrafficLight:
		state := traffic.LightState(req.ProposedValue)
		switch state {
		case traffic.LightRed, traffic.LightYellow, traffic.LightGreen:
		default:
			return twin.ProposedChanges{}, fmt.Errorf("%w: unknown light state %q", ErrInvalidInput, req.ProposedValue)
		}
		if _, ok := s.lights.Get(req.EntityID); !ok {
			return twin.ProposedChanges{}, fmt.Errorf("%w: light %s", ErrNotFound, req.EntityID)
		}
		return twin.ProposedChanges{
			LightChanges: []twin.LightChange{{
				LightID:     req.EntityID,
				TargetState: state,
				HoldSeconds: int(s.cfg.Twin.Duration.Seconds()),
			}},
		}, nil
	default:
		return twin.ProposedChanges{}, fmt.Errorf("%w: unknown override type %q", ErrInvalidInput, req.Type)
	}
}

func (s *ControlService) applyOverride(ctx context.Context, req traffic.OverrideRequest, result twin.Result) {
	switch req.Type {
	case traffic.OverrideSpeedLimit:
		limit, _ := strconv.Atoi(req.ProposedValue)
		s.mu.Lock()
		s.limits[req.EntityID] = limit
		s.mu.Unlock()
		s.logbook.Append(ctx, req.EntityID, decisionlog.KindOverride,
			fmt.Sprintf("Speed limit overridden to %d km/h by %s (twin: %s)", limit, req.RequestedBy, result.Recommendation),
			0.9, req)
	case traffic.OverrideTrafficLight:
		s.lights.SetState(req.EntityID, traffic.LightState(req.ProposedValue), "manual", time.Now().UTC())
		s.logbook.Append(ctx, req.EntityID, decisionlog.KindOverride,
			fmt.Sprintf("Light %s overridden to %s by %s (twin: %s)", req.EntityID, req.ProposedValue, req.RequestedBy, result.Recommendation),
			0.9, req)
	}
}

// VetLightChange implements greenwave.Vetter: it projects a single
// light change with the twin within the configured deadline.
func (s *ControlService) VetLightChange(ctx context.Context, change twin.LightChange, crossTraffic []string) (twin.Recommendation, error) {
	light, ok := s.lights.Get(change.LightID)
	if !ok {
		return "", fmt.Errorf("%w: light %s", ErrNotFound, change.LightID)
	}

	changes := twin.ProposedChanges{
		LightChanges:         []twin.LightChange{change},
		CrossTrafficSegments: crossTraffic,
	}
	if change.TargetState == traffic.LightGreen {
		changes.RouteSegments = light.ApproachSegments
	}

	result, err := s.simulate(ctx, changes)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", greenwave.ErrSimulationTimeout
		}
		return "", err
	}
	return result.Recommendation, nil
}

// simulate runs the twin against the current fused state under the
// configured deadline. The simulator itself is pure; the deadline
// bounds how long a caller may wait for a verdict.
func (s *ControlService) simulate(ctx context.Context, changes twin.ProposedChanges) (twin.Result, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.GreenWave.SimulationTimeout)
		defer cancel()
	}

	if err := ctx.Err(); err != nil {
		return twin.Result{}, err
	}

	input := s.twinState()

	done := make(chan twin.Result, 1)
	go func() {
		done <- s.sim.Simulate(input, changes, int(s.cfg.Twin.Duration.Seconds()))
	}()

	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		return twin.Result{}, ctx.Err()
	}
}

// twinState assembles a self-contained snapshot of the world for the
// simulator: fused segment states, live events and the light registry.
func (s *ControlService) twinState() twin.InputState {
	now := time.Now().UTC()

	s.mu.RLock()
	segments := make([]twin.SegmentState, 0, len(s.snapshots))
	fresh := 0
	for seg, snap := range s.snapshots {
		limit, ok := s.limits[seg]
		if !ok {
			limit = s.cfg.Control.BaseSpeedLimit
		}
		segments = append(segments, twin.SegmentState{Snapshot: snap, SpeedLimit: limit})
		if now.Sub(snap.Timestamp) <= 2*s.cfg.Control.AggregationWindow {
			fresh++
		}
	}
	s.mu.RUnlock()

	var evs []traffic.TrafficEvent
	for _, seg := range segments {
		evs = append(evs, s.events.ActiveForSegment(seg.Snapshot.SegmentID, now)...)
	}

	var lights []twin.LightState
	for _, l := range s.lights.Snapshot() {
		lights = append(lights, twin.LightState{
			LightID:          l.LightID,
			State:            l.State,
			ApproachSegments: l.ApproachSegments,
		})
	}

	confidence := 0.5
	if len(segments) > 0 {
		confidence = 0.6 + 0.4*float64(fresh)/float64(len(segments))
	}

	return twin.InputState{
		Segments:   segments,
		Events:     evs,
		Lights:     lights,
		Confidence: confidence,
	}
}

// archiveDecisions ships the log entries appended since the previous
// batch to object storage.
func (s *ControlService) archiveDecisions(ctx context.Context) {
	if s.archiver == nil {
		return
	}
	entries := s.logbook.Snapshot()
	if len(entries) <= s.archived {
		return
	}
	batch := entries[s.archived:]
	url, err := s.archiver.ArchiveBatch(ctx, batch)
	if err != nil {
		s.log.Error().Err(err).Int("batch_size", len(batch)).Msg("failed to archive decision batch")
		return
	}
	s.archived = len(entries)
	s.log.Info().Int("batch_size", len(batch)).Str("object_url", url).Msg("archived decision batch")
}
