// Package detector implements the context detector: a rolling buffer of
// usage readings per agent, zone classification, trend, and handoff-time
// projection. Shaped after a ticker-driven patrol loop with a
// mutex-guarded per-agent memory map, generalized from keyword
// classification to numeric zone thresholds.
package detector

import (
	"context"
	"math"
	"sync"
	"time"
)

// Zone values a reading may fall into.
const (
	ZoneGreen  = "green"
	ZoneYellow = "yellow"
	ZoneOrange = "orange"
	ZoneRed    = "red"
)

// Trend values derived from a linear fit over recent readings.
const (
	TrendRising  = "rising"
	TrendFalling = "falling"
	TrendStable  = "stable"
)

// Event types this package emits on zone-crossing.
const (
	EventContextUsageWarning  = "context_usage_warning"
	EventContextUsageCritical = "context_usage_critical"
)

const (
	defaultBufferSize = 5
	defaultEpsilon    = 0.001
	defaultPollSec    = 5
)

// Thresholds are the configurable usage-percent boundaries between
// zones. Yellow, Orange, and Red are each the lower bound (inclusive)
// of their zone.
type Thresholds struct {
	Yellow float64
	Orange float64
	Red    float64
}

// DefaultThresholds matches the values named in the zone classification.
func DefaultThresholds() Thresholds {
	return Thresholds{Yellow: 0.70, Orange: 0.80, Red: 0.90}
}

// ClassifyZone buckets usagePercent into a zone given t.
func ClassifyZone(usagePercent float64, t Thresholds) string {
	switch {
	case usagePercent >= t.Red:
		return ZoneRed
	case usagePercent >= t.Orange:
		return ZoneOrange
	case usagePercent >= t.Yellow:
		return ZoneYellow
	default:
		return ZoneGreen
	}
}

// Reading is one sampled usage-percent observation for an agent.
type Reading struct {
	Timestamp    time.Time
	UsagePercent float64
}

// ClassifyTrend fits a line over readings (oldest first) and classifies
// its slope as rising, falling, or stable within epsilon.
func ClassifyTrend(readings []Reading, epsilon float64) string {
	slope := linearSlope(readings)
	switch {
	case slope > epsilon:
		return TrendRising
	case slope < -epsilon:
		return TrendFalling
	default:
		return TrendStable
	}
}

// linearSlope fits usagePercent against elapsed seconds since the first
// reading using ordinary least squares. Fewer than two readings yields
// a slope of 0 (stable).
func linearSlope(readings []Reading) float64 {
	n := len(readings)
	if n < 2 {
		return 0
	}
	t0 := readings[0].Timestamp

	var sumX, sumY, sumXY, sumXX float64
	for _, r := range readings {
		x := r.Timestamp.Sub(t0).Seconds()
		y := r.UsagePercent
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	nf := float64(n)
	denom := nf*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (nf*sumXY - sumX*sumY) / denom
}

// PredictHandoffTime extrapolates linearly from (now, current) at the
// given slope (usage-percent per second) to targetThreshold. It returns
// nil when the slope is non-positive or the threshold has already been
// reached.
func PredictHandoffTime(now time.Time, current, slope, targetThreshold float64) *time.Time {
	if slope <= 0 || current >= targetThreshold {
		return nil
	}
	secondsUntil := (targetThreshold - current) / slope
	t := now.Add(time.Duration(math.Round(secondsUntil * float64(time.Second))))
	return &t
}

// EventPublisher receives zone-crossing notifications. statusapi.Hub
// implements it to broadcast crossings; cmd/command-post wraps it in an
// adapter that also records the event and opens a replacement flow on
// a crossing into red.
type EventPublisher interface {
	PublishContextEvent(eventType, agentID string, data map[string]any)
}

// Detector maintains a rolling buffer of readings per agent and derives
// zone, trend, and projection from them.
type Detector struct {
	mu         sync.Mutex
	buffers    map[string][]Reading
	lastZone   map[string]string
	thresholds Thresholds
	bufferSize int
	epsilon    float64
	publisher  EventPublisher
}

// New returns a Detector with the given thresholds, publishing
// zone-crossing events to publisher (may be nil to disable publishing).
func New(thresholds Thresholds, publisher EventPublisher) *Detector {
	return &Detector{
		buffers:    make(map[string][]Reading),
		lastZone:   make(map[string]string),
		thresholds: thresholds,
		bufferSize: defaultBufferSize,
		epsilon:    defaultEpsilon,
		publisher:  publisher,
	}
}

// Observation is the derived state Record returns for a single reading.
type Observation struct {
	Zone         string
	Trend        string
	UsagePercent float64
	PredictedAt  *time.Time
}

// Record appends a reading for agentID, trims the buffer to the
// configured window, and returns the current zone and trend. Crossing
// into orange emits EventContextUsageWarning; into red emits
// EventContextUsageCritical.
func (d *Detector) Record(agentID string, usagePercent float64, at time.Time) Observation {
	d.mu.Lock()
	defer d.mu.Unlock()

	readings := append(d.buffers[agentID], Reading{Timestamp: at, UsagePercent: usagePercent})
	if len(readings) > d.bufferSize {
		readings = readings[len(readings)-d.bufferSize:]
	}
	d.buffers[agentID] = readings

	zone := ClassifyZone(usagePercent, d.thresholds)
	trend := ClassifyTrend(readings, d.epsilon)

	prevZone := d.lastZone[agentID]
	d.lastZone[agentID] = zone
	d.publishCrossing(agentID, prevZone, zone, usagePercent)

	var predicted *time.Time
	if slope := linearSlope(readings); slope > 0 {
		predicted = PredictHandoffTime(at, usagePercent, slope, d.thresholds.Red)
	}

	return Observation{Zone: zone, Trend: trend, UsagePercent: usagePercent, PredictedAt: predicted}
}

func (d *Detector) publishCrossing(agentID, from, to string, usagePercent float64) {
	if d.publisher == nil || from == to {
		return
	}
	data := map[string]any{"usagePercent": usagePercent, "fromZone": from, "toZone": to}
	switch to {
	case ZoneOrange:
		if from != ZoneRed {
			d.publisher.PublishContextEvent(EventContextUsageWarning, agentID, data)
		}
	case ZoneRed:
		d.publisher.PublishContextEvent(EventContextUsageCritical, agentID, data)
	}
}

// Readings returns a copy of agentID's current rolling buffer.
func (d *Detector) Readings(agentID string) []Reading {
	d.mu.Lock()
	defer d.mu.Unlock()
	src := d.buffers[agentID]
	out := make([]Reading, len(src))
	copy(out, src)
	return out
}

// Source supplies the current usage-percent reading for an agent; the
// engine's context-usage poll loop implements this over whatever
// mechanism the runner exposes (transcript size, token accounting API).
type Source func(ctx context.Context, agentID string) (usagePercent float64, ok bool)

// Poll starts a goroutine that calls source for every agent in
// agentIDs() every defaultPollSec seconds and records the result, until
// ctx is canceled.
func (d *Detector) Poll(ctx context.Context, agentIDs func() []string, source Source) {
	go func() {
		ticker := time.NewTicker(defaultPollSec * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, id := range agentIDs() {
					if usage, ok := source(ctx, id); ok {
						d.Record(id, usage, time.Now())
					}
				}
			}
		}
	}()
}
