package decisionlog

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Kind string

const (
	KindSpeedDecision Kind = "speed_decision"
	KindLightControl  Kind = "light_control"
	KindGreenWaveStep Kind = "green_wave_step"
	KindOverride      Kind = "override"
	KindSimulation    Kind = "simulation"
)

// Entry is one immutable audit record. Seq is strictly increasing per
// entity (segment or vehicle), which makes per-entity replay
// deterministic without coordinating writers across entities.
type Entry struct {
	Seq         uint64      `json:"seq"`
	EntityID    string      `json:"entity_id"`
	Kind        Kind        `json:"kind"`
	Explanation string      `json:"explanation"`
	Confidence  float64     `json:"confidence"`
	Payload     interface{} `json:"payload"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Sink receives every appended entry. Sink failures are logged and
// never fail the append: the in-memory log is the source of truth for
// readers, sinks are downstream copies.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

type Log struct {
	mu      sync.RWMutex
	seqs    map[string]uint64
	entries []Entry
	sinks   []Sink
	log     zerolog.Logger
}

func New(log zerolog.Logger, sinks ...Sink) *Log {
	return &Log{
		seqs:  make(map[string]uint64),
		sinks: sinks,
		log:   log,
	}
}

// Append records a decision and fans it out to the sinks. Safe for
// concurrent writers; entries for the same entity get consecutive
// sequence numbers.
func (l *Log) Append(ctx context.Context, entityID string, kind Kind, explanation string, confidence float64, payload interface{}) Entry {
	l.mu.Lock()
	l.seqs[entityID]++
	e := Entry{
		Seq:         l.seqs[entityID],
		EntityID:    entityID,
		Kind:        kind,
		Explanation: explanation,
		Confidence:  confidence,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
	l.entries = append(l.entries, e)
	sinks := l.sinks
	l.mu.Unlock()

	l.log.Info().
		Str("entity_id", entityID).
		Str("kind", string(kind)).
		Uint64("seq", e.Seq).
		Float64("confidence", confidence).
		Msg(explanation)

	for _, s := range sinks {
		if err := s.Write(ctx, e); err != nil {
			l.log.Error().Err(err).
				Str("entity_id", entityID).
				Uint64("seq", e.Seq).
				Msg("decision log sink write failed")
		}
	}
	return e
}

// Snapshot returns a copy of the whole log. Readers never block
// writers beyond the copy itself.
func (l *Log) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// ForEntity returns the entries for one entity with Seq greater than
// afterSeq, in order.
func (l *Log) ForEntity(entityID string, afterSeq uint64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Entry
	for _, e := range l.entries {
		if e.EntityID == entityID && e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
