package aggregator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"traffic-control/internal/domain/traffic"
)

// ErrDataGap means a segment had no contributing samples in a window.
// Callers must treat it as "state unknown", never as zero traffic.
var ErrDataGap = errors.New("no samples for segment in window")

type Aggregator struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Aggregator {
	return &Aggregator{log: log}
}

// Aggregate fuses the window's camera samples for one segment into a
// snapshot. Vehicle counts are summed, average speed is count-weighted,
// and congestion takes the max across cameras: one congested view is
// enough to mark the whole segment congested.
func (a *Aggregator) Aggregate(segmentID string, samples []traffic.CameraSample, at time.Time) (traffic.TrafficSnapshot, error) {
	if len(samples) == 0 {
		a.log.Warn().Str("segment_id", segmentID).Msg("aggregation window elapsed without samples")
		return traffic.TrafficSnapshot{}, fmt.Errorf("%w: %s", ErrDataGap, segmentID)
	}

	totalCount := 0
	weightedSpeed := 0.0
	maxCongestion := 0.0
	speedSum := 0.0

	for _, s := range samples {
		totalCount += s.VehicleCount
		weightedSpeed += float64(s.VehicleCount) * s.AvgSpeedKmh
		speedSum += s.AvgSpeedKmh
		if s.CongestionLevel > maxCongestion {
			maxCongestion = s.CongestionLevel
		}
	}

	avgSpeed := speedSum / float64(len(samples))
	if totalCount > 0 {
		avgSpeed = weightedSpeed / float64(totalCount)
	}

	snap := traffic.TrafficSnapshot{
		SegmentID:       segmentID,
		VehicleCount:    totalCount,
		AverageSpeedKmh: avgSpeed,
		CongestionLevel: maxCongestion,
		Density:         float64(totalCount) / float64(len(samples)),
		SampleCount:     len(samples),
		Timestamp:       at,
	}

	a.log.Debug().
		Str("segment_id", segmentID).
		Int("vehicle_count", snap.VehicleCount).
		Float64("avg_speed", snap.AverageSpeedKmh).
		Float64("congestion", snap.CongestionLevel).
		Int("samples", snap.SampleCount).
		Msg("aggregated segment snapshot")

	return snap, nil
}

// Collector buckets incoming camera samples per segment until the
// aggregation window ticks and Flush drains them.
type Collector struct {
	mu      sync.Mutex
	buckets map[string][]traffic.CameraSample
}

func NewCollector() *Collector {
	return &Collector{buckets: make(map[string][]traffic.CameraSample)}
}

func (c *Collector) Add(sample traffic.CameraSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets[sample.SegmentID] = append(c.buckets[sample.SegmentID], sample)
}

// Flush drains all buckets and returns them keyed by segment. Segments
// that saw no samples simply do not appear.
func (c *Collector) Flush() map[string][]traffic.CameraSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.buckets
	c.buckets = make(map[string][]traffic.CameraSample)
	return out
}
