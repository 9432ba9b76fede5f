package insights

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fernwake/insightd/internal/actionschema"
	"github.com/fernwake/insightd/internal/gemini"
	"github.com/fernwake/insightd/internal/history"
)

// Gateway produces a structured analysis from an assembled prompt.
type Gateway interface {
	GenerateInsights(ctx context.Context, prompt string) (*gemini.Insight, error)
}

// ServiceCaller executes a Home Assistant service call.
type ServiceCaller interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) error
}

// Notifier delivers a notification through a named notify service.
type Notifier interface {
	Notify(ctx context.Context, service, message string) error
}

// Publisher pushes a cycle result to the result sensors.
type Publisher interface {
	PublishResult(ctx context.Context, r Result) error
}

// StatsProvider supplies the slot-aggregated statistics.
type StatsProvider interface {
	Aggregate(ctx context.Context, entities []string) history.SlotSeries
}

// EventsProvider supplies compacted recent events.
type EventsProvider interface {
	Recent(ctx context.Context, entities []string, window time.Duration) map[string][]history.Event
}

// SchemaProvider supplies the filtered action catalog.
type SchemaProvider interface {
	Build(ctx context.Context) ([]actionschema.Descriptor, error)
}

// PromptAssembler renders the final prompt text.
type PromptAssembler interface {
	Assemble(stats, recents, schema string) string
}

// Options configure cycle behavior.
type Options struct {
	Entities      []string
	HistoryWindow time.Duration // recent-events lookback; 0 means latest state only
	Interval      time.Duration // cycle cadence for Run
	AutoExecute   bool
	Threshold     float64 // minimum confidence for execution
	NotifyService string  // notify.<service> target; empty disables notifications
}

// Deps are the coordinator's collaborators. Notifier, Publisher, and
// Store may be nil; the corresponding step is skipped.
type Deps struct {
	Gateway   Gateway
	Stats     StatsProvider
	Events    EventsProvider
	Schema    SchemaProvider
	Assembler PromptAssembler
	Caller    ServiceCaller
	Notifier  Notifier
	Publisher Publisher
	Store     *Store
}

// Coordinator owns the analysis cycle. Cycles are serialized: a manual
// refresh that lands mid-cycle waits for the running cycle to finish.
type Coordinator struct {
	opts    Options
	deps    Deps
	logger  *slog.Logger
	nowFunc func() time.Time
	newID   func() string

	mu      sync.Mutex // serializes cycles
	refresh chan struct{}
}

// NewCoordinator wires a coordinator.
func NewCoordinator(opts Options, deps Deps, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		opts:    opts,
		deps:    deps,
		logger:  logger,
		nowFunc: time.Now,
		newID:   newCycleID,
		refresh: make(chan struct{}, 1),
	}
}

// newCycleID returns a time-ordered UUID so cycle rows sort by creation.
func newCycleID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Run executes cycles on the configured interval until ctx is canceled.
// The first cycle runs immediately; Refresh triggers an extra cycle
// between ticks.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	c.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.RunCycle(ctx)
		case <-c.refresh:
			c.logger.Info("manual refresh requested")
			c.RunCycle(ctx)
		}
	}
}

// SetPublisher wires the result publisher after construction. The MQTT
// publisher's refresh button needs the coordinator's Refresh, so the
// two are tied together in two steps. Must be called before Run.
func (c *Coordinator) SetPublisher(p Publisher) {
	c.deps.Publisher = p
}

// Refresh requests an extra cycle. Coalesces when one is already
// pending.
func (c *Coordinator) Refresh() {
	select {
	case c.refresh <- struct{}{}:
	default:
	}
}

// RunCycle executes one full analysis cycle and returns its result.
// Safe to call concurrently; calls serialize on an internal mutex.
func (c *Coordinator) RunCycle(ctx context.Context) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	cycleID := c.newID()
	started := c.nowFunc()
	logger := c.logger.With("cycle_id", cycleID)

	res := c.cycle(ctx, cycleID, started, logger)

	logger.Info("cycle finished",
		"status", res.Status,
		"duration", time.Since(started).Round(time.Millisecond),
		"actions", len(res.Outcomes),
	)

	c.finish(ctx, res, logger)
	return res
}

func (c *Coordinator) cycle(ctx context.Context, cycleID string, started time.Time, logger *slog.Logger) Result {
	if len(c.opts.Entities) == 0 {
		// No data to analyze. The model is never consulted.
		logger.Info("no entities configured, skipping analysis")
		return NoEntities(cycleID, started)
	}

	logger.Info("cycle starting", "entities", len(c.opts.Entities))

	stats := c.deps.Stats.Aggregate(ctx, c.opts.Entities)
	events := c.deps.Events.Recent(ctx, c.opts.Entities, c.opts.HistoryWindow)

	descriptors, err := c.deps.Schema.Build(ctx)
	if err != nil {
		return Failure(cycleID, started, fmt.Errorf("build action schema: %w", err))
	}

	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return Failure(cycleID, started, fmt.Errorf("marshal statistics: %w", err))
	}
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return Failure(cycleID, started, fmt.Errorf("marshal events: %w", err))
	}
	schemaJSON, err := actionschema.JSON(descriptors)
	if err != nil {
		return Failure(cycleID, started, err)
	}

	text := c.deps.Assembler.Assemble(string(statsJSON), string(eventsJSON), schemaJSON)

	eventCount := 0
	for _, evs := range events {
		eventCount += len(evs)
	}
	logger.Info("prompt assembled",
		"stats_bytes", len(statsJSON),
		"events_bytes", len(eventsJSON),
		"events", eventCount,
		"schema_bytes", len(schemaJSON),
		"prompt_bytes", len(text),
	)

	in, err := c.deps.Gateway.GenerateInsights(ctx, text)
	if err != nil {
		return Failure(cycleID, started, fmt.Errorf("generate insights: %w", err))
	}

	outcomes := c.execute(ctx, in.Proposed, logger)
	return Success(cycleID, started, in, outcomes)
}

// execute gates and dispatches proposed actions. Failures are recorded
// per action and never abort the cycle.
func (c *Coordinator) execute(ctx context.Context, proposed []gemini.ProposedAction, logger *slog.Logger) []ActionOutcome {
	outcomes := make([]ActionOutcome, 0, len(proposed))
	for _, p := range proposed {
		o := ActionOutcome{ProposedAction: p}

		switch {
		case p.Domain == "" || p.Service == "":
			o.Reason = "missing domain or service"
		case p.Confidence < 0 || p.Confidence > 1:
			o.Reason = fmt.Sprintf("confidence %.2f outside [0, 1]", p.Confidence)
		case !c.opts.AutoExecute:
			o.Reason = "auto-execute disabled"
		case p.Confidence < c.opts.Threshold:
			o.Reason = fmt.Sprintf("confidence %.2f below threshold %.2f", p.Confidence, c.opts.Threshold)
		default:
			data, err := parseServiceData(p.ServiceData)
			if err != nil {
				o.Reason = fmt.Sprintf("invalid service_data: %v", err)
			} else if err := c.deps.Caller.CallService(ctx, p.Domain, p.Service, data); err != nil {
				o.Reason = fmt.Sprintf("call failed: %v", err)
			} else {
				o.Executed = true
			}
		}

		if o.Executed {
			logger.Info("action executed",
				"domain", p.Domain, "service", p.Service, "confidence", p.Confidence)
		} else {
			logger.Info("action skipped",
				"domain", p.Domain, "service", p.Service, "confidence", p.Confidence,
				"reason", o.Reason)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes
}

// parseServiceData decodes the model's JSON-as-string service payload.
func parseServiceData(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(s), &data); err != nil {
		return nil, err
	}
	return data, nil
}

// finish runs the best-effort tail of a cycle: notification, sensor
// publication, persistence. Each step logs its own failure and never
// blocks the others.
func (c *Coordinator) finish(ctx context.Context, res Result, logger *slog.Logger) {
	if c.deps.Notifier != nil && c.opts.NotifyService != "" && res.Status == StatusSuccess {
		msg := res.Insights
		if res.Alerts != "" && res.Alerts != "No alerts." {
			msg += "\nAlerts: " + res.Alerts
		}
		if err := c.deps.Notifier.Notify(ctx, c.opts.NotifyService, msg); err != nil {
			logger.Warn("notification failed", "service", c.opts.NotifyService, "error", err)
		}
	}

	if c.deps.Publisher != nil {
		if err := c.deps.Publisher.PublishResult(ctx, res); err != nil {
			logger.Warn("publish failed", "error", err)
		}
	}

	if c.deps.Store != nil && res.CycleID != "" {
		if err := c.deps.Store.Save(res); err != nil {
			logger.Warn("persist failed", "error", err)
		}
	}
}
