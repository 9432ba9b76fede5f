// Package history fetches and compacts Home Assistant recorder data for
// the analysis prompt. The aggregator folds a day of numeric samples
// into fixed 30-minute slot averages; the compactor extracts minimal
// (state, timestamp) pairs for a short trailing window.
package history

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/fernwake/insightd/internal/homeassistant"
)

// Source provides entity state data. Satisfied by homeassistant.Client.
type Source interface {
	GetState(ctx context.Context, entityID string) (*homeassistant.State, error)
	History(ctx context.Context, entityID string, start, end time.Time) ([]homeassistant.State, error)
}

// Slot layout for long-term aggregation: a 24-hour window at 30-minute
// granularity is always exactly 48 slots.
const (
	SlotWidth  = 30 * time.Minute
	SlotCount  = 48
	slotWindow = 24 * time.Hour
)

// SlotSeries holds, per entity, exactly SlotCount slot averages.
// A nil element means no numeric samples fell in that slot.
type SlotSeries map[string][]*float64

// Aggregator converts raw recorder samples into slot averages over the
// 24-hour window ending at the start of the current local calendar day.
type Aggregator struct {
	source  Source
	loc     *time.Location
	nowFunc func() time.Time
	logger  *slog.Logger
}

// NewAggregator creates an aggregator. The loc parameter controls the
// local-midnight window anchor; nil falls back to time.Local.
func NewAggregator(source Source, loc *time.Location, logger *slog.Logger) *Aggregator {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		source:  source,
		loc:     loc,
		nowFunc: time.Now,
		logger:  logger,
	}
}

// Window returns the [start, end) aggregation window: the 24 hours
// ending at local midnight of the current day.
func (a *Aggregator) Window() (start, end time.Time) {
	now := a.nowFunc().In(a.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, a.loc)
	return midnight.Add(-slotWindow), midnight
}

// Aggregate produces slot averages for each entity. Non-numeric
// entities (current state does not parse as a float) are skipped
// entirely. A history fetch failure for one entity yields all-null
// slots for that entity and is logged; aggregation continues for the
// rest.
func (a *Aggregator) Aggregate(ctx context.Context, entities []string) SlotSeries {
	start, end := a.Window()
	out := make(SlotSeries, len(entities))

	for _, entityID := range entities {
		current, err := a.source.GetState(ctx, entityID)
		if err != nil {
			a.logger.Error("failed to fetch current state, slots will be null",
				"entity_id", entityID, "error", err)
			out[entityID] = make([]*float64, SlotCount)
			continue
		}

		if _, err := strconv.ParseFloat(current.State, 64); err != nil {
			a.logger.Debug("skipping non-numeric entity",
				"entity_id", entityID, "state", current.State)
			continue
		}

		samples, err := a.source.History(ctx, entityID, start, end)
		if err != nil {
			a.logger.Error("history fetch failed, slots will be null",
				"entity_id", entityID, "error", err)
			out[entityID] = make([]*float64, SlotCount)
			continue
		}

		out[entityID] = foldSlots(samples, start, end)
	}

	return out
}

// foldSlots buckets samples by integer-dividing elapsed time since
// window start by the slot width and averages each bucket. Samples
// whose state does not parse as a float are excluded.
func foldSlots(samples []homeassistant.State, start, end time.Time) []*float64 {
	var sums, counts [SlotCount]float64

	for _, s := range samples {
		v, err := strconv.ParseFloat(s.State, 64)
		if err != nil {
			continue
		}

		ts := s.LastChanged
		if ts.IsZero() {
			ts = s.LastUpdated
		}
		if ts.Before(start) || !ts.Before(end) {
			continue
		}

		idx := int(ts.Sub(start) / SlotWidth)
		if idx < 0 || idx >= SlotCount {
			continue
		}
		sums[idx] += v
		counts[idx]++
	}

	slots := make([]*float64, SlotCount)
	for i := range slots {
		if counts[i] == 0 {
			continue
		}
		mean := math.Round(sums[i]/counts[i]*100) / 100
		slots[i] = &mean
	}
	return slots
}
