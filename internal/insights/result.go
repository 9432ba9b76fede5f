// Package insights runs the periodic analysis cycle: gather entity
// data, assemble the prompt, query the model, gate and execute any
// proposed actions, then publish and persist the outcome.
package insights

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fernwake/insightd/internal/gemini"
)

// Sensor placeholder states. Published before the first cycle
// completes, or when a cycle cannot produce real content.
const (
	TextInitializing = "Initializing..."
	TextError        = "Error"
	TextNoEntities   = "No entities configured."
)

// Status classifies a cycle outcome.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusSuccess      Status = "success"
	StatusError        Status = "error"
	StatusNoEntities   Status = "no_entities"
)

// ActionOutcome records the disposition of one proposed service call.
type ActionOutcome struct {
	gemini.ProposedAction
	Executed bool
	Reason   string // why it was skipped or failed; empty when executed
}

// Result is one completed cycle's output, shaped for the four result
// sensors. All string fields are always populated so the sensors never
// publish an empty state.
type Result struct {
	CycleID  string
	When     time.Time
	Status   Status
	Insights string
	Alerts   string
	Actions  string
	Raw      string
	Err      string
	Outcomes []ActionOutcome
}

// Initial is the pre-first-cycle placeholder.
func Initial() Result {
	return Result{
		Status:   StatusInitializing,
		Insights: TextInitializing,
		Alerts:   TextInitializing,
		Actions:  TextInitializing,
		Raw:      TextInitializing,
	}
}

// NoEntities marks a cycle skipped because nothing is selected for
// analysis.
func NoEntities(cycleID string, when time.Time) Result {
	return Result{
		CycleID:  cycleID,
		When:     when,
		Status:   StatusNoEntities,
		Insights: TextNoEntities,
		Alerts:   TextNoEntities,
		Actions:  TextNoEntities,
		Raw:      TextNoEntities,
	}
}

// Failure maps a cycle error onto the sensors: the error text lands in
// the insights field, everything else reads "Error".
func Failure(cycleID string, when time.Time, err error) Result {
	return Result{
		CycleID:  cycleID,
		When:     when,
		Status:   StatusError,
		Insights: fmt.Sprintf("%s: %v", TextError, err),
		Alerts:   TextError,
		Actions:  TextError,
		Raw:      TextError,
		Err:      err.Error(),
	}
}

// Success builds a result from a parsed model response and the action
// dispositions decided by the executor.
func Success(cycleID string, when time.Time, in *gemini.Insight, outcomes []ActionOutcome) Result {
	return Result{
		CycleID:  cycleID,
		When:     when,
		Status:   StatusSuccess,
		Insights: orDefault(in.Insights, "No insights."),
		Alerts:   orDefault(in.Alerts, "No alerts."),
		Actions:  summarizeActions(outcomes),
		Raw:      in.Raw,
		Outcomes: outcomes,
	}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// summarizeActions renders action dispositions as a sensor-friendly
// line per action.
func summarizeActions(outcomes []ActionOutcome) string {
	if len(outcomes) == 0 {
		return "No actions proposed."
	}

	var sb strings.Builder
	for i, o := range outcomes {
		if i > 0 {
			sb.WriteString("; ")
		}
		fmt.Fprintf(&sb, "%s.%s (%.2f)", o.Domain, o.Service, o.Confidence)
		if o.Executed {
			sb.WriteString(" executed")
		} else {
			sb.WriteString(" skipped")
			if o.Reason != "" {
				fmt.Fprintf(&sb, ": %s", o.Reason)
			}
		}
	}
	return sb.String()
}

// Attributes returns the extra sensor attributes shared by all four
// result sensors.
func (r Result) Attributes() map[string]any {
	attrs := map[string]any{
		"last_update_status": string(r.Status),
	}
	if !r.When.IsZero() {
		attrs["last_update"] = r.When.UTC().Format(time.RFC3339)
	}
	if r.CycleID != "" {
		attrs["cycle_id"] = r.CycleID
	}
	if r.Err != "" {
		attrs["error"] = r.Err
	}
	return attrs
}

// OutcomesJSON serializes the action dispositions for attribute
// publication and persistence.
func (r Result) OutcomesJSON() string {
	if len(r.Outcomes) == 0 {
		return "[]"
	}
	data, err := json.Marshal(r.Outcomes)
	if err != nil {
		return "[]"
	}
	return string(data)
}
