package history

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"
)

// Event is one compact recent-event entry. The short JSON keys match
// the payload format sent to the model: attributes are stripped and
// only the state value and timestamp survive.
type Event struct {
	State string    `json:"s"`
	When  time.Time `json:"t"`
}

// Fallback supplies recent events from a secondary source (the live
// state window) when recorder retrieval fails for an entity.
type Fallback interface {
	Events(entityID string, since time.Time) []Event
}

// Compactor extracts minimal (state, timestamp) sequences for a
// trailing window.
type Compactor struct {
	source   Source
	fallback Fallback // optional
	nowFunc  func() time.Time
	logger   *slog.Logger
}

// NewCompactor creates a compactor. fallback may be nil.
func NewCompactor(source Source, fallback Fallback, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		source:   source,
		fallback: fallback,
		nowFunc:  time.Now,
		logger:   logger,
	}
}

// Recent returns, per entity, an ordered-by-time event sequence for the
// trailing window. A zero window means latest-only: the current state
// is returned as a single event without touching the recorder. If
// retrieval fails for an entity, the live fallback window is consulted;
// failing that, the entity's sequence is empty. Failures are logged,
// never raised.
func (c *Compactor) Recent(ctx context.Context, entities []string, window time.Duration) map[string][]Event {
	now := c.nowFunc()
	out := make(map[string][]Event, len(entities))
	var rawBytes, compactBytes int

	for _, entityID := range entities {
		if window <= 0 {
			out[entityID] = c.latestOnly(ctx, entityID)
			continue
		}

		since := now.Add(-window)
		samples, err := c.source.History(ctx, entityID, since, now)
		if err != nil {
			c.logger.Error("recent events fetch failed",
				"entity_id", entityID, "error", err)
			out[entityID] = c.fromFallback(entityID, since)
			continue
		}

		events := make([]Event, 0, len(samples))
		for _, s := range samples {
			ts := s.LastChanged
			if ts.IsZero() {
				ts = s.LastUpdated
			}
			events = append(events, Event{State: s.State, When: ts})
		}
		sort.Slice(events, func(i, j int) bool { return events[i].When.Before(events[j].When) })
		out[entityID] = events

		rawBytes += jsonLen(samples)
		compactBytes += jsonLen(events)
	}

	if rawBytes > 0 {
		c.logger.Debug("recent events compacted",
			"entities", len(entities),
			"raw_bytes", rawBytes,
			"compact_bytes", compactBytes,
			"reduction_pct", reductionPct(rawBytes, compactBytes),
		)
	}

	return out
}

func jsonLen(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}

// reductionPct reports how much smaller the compact payload is,
// rounded to two decimals.
func reductionPct(raw, compact int) float64 {
	if raw <= 0 {
		return 0
	}
	pct := float64(raw-compact) / float64(raw) * 100
	return float64(int(pct*100)) / 100
}

// latestOnly returns the current state as a single event.
func (c *Compactor) latestOnly(ctx context.Context, entityID string) []Event {
	state, err := c.source.GetState(ctx, entityID)
	if err != nil {
		c.logger.Error("current state fetch failed",
			"entity_id", entityID, "error", err)
		return []Event{}
	}
	ts := state.LastChanged
	if ts.IsZero() {
		ts = c.nowFunc()
	}
	return []Event{{State: state.State, When: ts}}
}

// fromFallback pulls events from the live window, if configured.
func (c *Compactor) fromFallback(entityID string, since time.Time) []Event {
	if c.fallback == nil {
		return []Event{}
	}
	events := c.fallback.Events(entityID, since)
	if len(events) > 0 {
		c.logger.Info("using live state window as recent-events fallback",
			"entity_id", entityID, "events", len(events))
	}
	return events
}
