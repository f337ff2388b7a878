package events

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"traffic-control/internal/domain/traffic"
)

var ErrEventNotFound = errors.New("event not found")

type record struct {
	event    traffic.TrafficEvent
	lastSeen time.Time
}

// Correlator owns the lifecycle of detected traffic events and serves
// consistent per-segment snapshots of the active set. Reads never
// observe a partially applied transition.
type Correlator struct {
	mu  sync.RWMutex
	ttl time.Duration
	log zerolog.Logger

	byID      map[uuid.UUID]*record
	bySegment map[string][]uuid.UUID
}

func NewCorrelator(ttl time.Duration, log zerolog.Logger) *Correlator {
	return &Correlator{
		ttl:       ttl,
		log:       log,
		byID:      make(map[uuid.UUID]*record),
		bySegment: make(map[string][]uuid.UUID),
	}
}

// Ingest registers a new event or re-confirms an existing one, which
// resets its expiry clock. A zero ID gets a fresh one assigned.
func (c *Correlator) Ingest(ev traffic.TrafficEvent, at time.Time) traffic.TrafficEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.ID != uuid.Nil {
		if rec, ok := c.byID[ev.ID]; ok && (rec.event.Status == traffic.StatusActive || rec.event.Status == traffic.StatusAcknowledged) {
			rec.lastSeen = at
			if ev.Confidence > rec.event.Confidence {
				rec.event.Confidence = ev.Confidence
			}
			if ev.Severity != "" && ev.Severity != rec.event.Severity {
				rec.event.Severity = ev.Severity
				if ev.Description != "" {
					rec.event.Description = ev.Description
				}
			}
			return rec.event
		}
	}

	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	ev.Status = traffic.StatusActive
	if ev.DetectedAt.IsZero() {
		ev.DetectedAt = at
	}

	c.byID[ev.ID] = &record{event: ev, lastSeen: at}
	c.bySegment[ev.SegmentID] = append(c.bySegment[ev.SegmentID], ev.ID)

	c.log.Info().
		Str("event_id", ev.ID.String()).
		Str("type", string(ev.Type)).
		Str("severity", string(ev.Severity)).
		Str("segment_id", ev.SegmentID).
		Float64("confidence", ev.Confidence).
		Msg("traffic event registered")

	return ev
}

// Resolve transitions an event to resolved on an explicit signal.
func (c *Correlator) Resolve(id uuid.UUID) error {
	return c.transition(id, traffic.StatusResolved)
}

// MarkFalsePositive is only reachable from an explicit external signal.
func (c *Correlator) MarkFalsePositive(id uuid.UUID) error {
	return c.transition(id, traffic.StatusFalsePositive)
}

// Acknowledge marks an event seen by an operator without closing it.
func (c *Correlator) Acknowledge(id uuid.UUID) error {
	return c.transition(id, traffic.StatusAcknowledged)
}

func (c *Correlator) transition(id uuid.UUID, status traffic.EventStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	rec.event.Status = status

	c.log.Info().
		Str("event_id", id.String()).
		Str("status", string(status)).
		Msg("traffic event transitioned")
	return nil
}

// ActiveForSegment returns a copy of the events still considered live
// for a segment at the given instant. Events past their TTL without
// re-confirmation are treated as resolved, lazily.
func (c *Correlator) ActiveForSegment(segmentID string, at time.Time) []traffic.TrafficEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := c.bySegment[segmentID]
	out := make([]traffic.TrafficEvent, 0, len(ids))
	for _, id := range ids {
		rec, ok := c.byID[id]
		if !ok {
			continue
		}
		if !c.isLive(rec, at) {
			continue
		}
		out = append(out, rec.event)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out
}

// ActiveByType returns the live event of the given type on a segment,
// if one exists. Recurring detections re-confirm it by ID instead of
// minting a duplicate every window.
func (c *Correlator) ActiveByType(segmentID string, typ traffic.EventType, at time.Time) (traffic.TrafficEvent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, id := range c.bySegment[segmentID] {
		rec, ok := c.byID[id]
		if !ok || rec.event.Type != typ || !c.isLive(rec, at) {
			continue
		}
		return rec.event, true
	}
	return traffic.TrafficEvent{}, false
}

func (c *Correlator) isLive(rec *record, at time.Time) bool {
	switch rec.event.Status {
	case traffic.StatusActive, traffic.StatusAcknowledged:
	default:
		return false
	}
	if c.ttl > 0 && at.Sub(rec.lastSeen) > c.ttl {
		return false
	}
	return true
}

// Sweep flips timed-out events to resolved and drops closed ones from
// the segment index. Run periodically; the active-set queries do not
// depend on it for correctness.
func (c *Correlator) Sweep(at time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	expired := 0
	for seg, ids := range c.bySegment {
		kept := ids[:0]
		for _, id := range ids {
			rec, ok := c.byID[id]
			if !ok {
				continue
			}
			if rec.event.Status == traffic.StatusActive && c.ttl > 0 && at.Sub(rec.lastSeen) > c.ttl {
				rec.event.Status = traffic.StatusResolved
				expired++
			}
			if rec.event.Status == traffic.StatusActive || rec.event.Status == traffic.StatusAcknowledged {
				kept = append(kept, id)
			} else {
				delete(c.byID, id)
			}
		}
		if len(kept) == 0 {
			delete(c.bySegment, seg)
		} else {
			c.bySegment[seg] = kept
		}
	}

	if expired > 0 {
		c.log.Debug().Int("expired", expired).Msg("swept timed-out traffic events")
	}
	return expired
}
