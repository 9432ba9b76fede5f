// Package prompt assembles the analysis request sent to the model from
// the aggregated slot data, recent events, and the action catalog.
package prompt

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Placeholders recognized in the operator-configurable template.
const (
	PlaceholderStats   = "{long_term_stats}"
	PlaceholderRecent  = "{recent_events}"
	PlaceholderActions = "{action_schema}"
)

// DefaultTemplate is the built-in analysis prompt. Operators can
// replace it entirely; the three placeholders are substituted wherever
// they appear.
const DefaultTemplate = `Analyze the following Home Assistant data, provided as JSON.

Long-term statistics (30-minute slot averages over the last full day,
null means no samples in that slot):
{long_term_stats}

Recent events (state changes, oldest first):
{recent_events}

Based on the data, provide:
1. Concise insights about trends or patterns.
2. Alerts for any unusual or noteworthy activity.
3. Recommended Home Assistant service calls to execute, if applicable.

Here is the complete list of available Home Assistant services you can
call. Use only these. For each action, include your confidence as a
decimal number between 0.0 and 1.0.
Action schema:
{action_schema}

Respond in a brief JSON format with "insights", "alerts", and
"to_execute" keys.`

// Assembler substitutes data into the prompt template and enforces a
// soft size warning. Oversized prompts are logged and sent anyway:
// truncating mid-JSON would corrupt the payload, and rejecting the
// cycle would silently starve the sensors.
type Assembler struct {
	template  string
	warnBytes int
	dumpDir   string
	nowFunc   func() time.Time
	logger    *slog.Logger
}

// NewAssembler creates an assembler. An empty template selects
// DefaultTemplate. warnBytes <= 0 disables the size warning. dumpDir,
// when non-empty, receives a copy of every assembled prompt for
// diagnostics.
func NewAssembler(template string, warnBytes int, dumpDir string, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	if template == "" {
		template = DefaultTemplate
	}

	for _, ph := range []string{PlaceholderStats, PlaceholderRecent, PlaceholderActions} {
		if !strings.Contains(template, ph) {
			logger.Warn("prompt template is missing a placeholder; the model will not see that data",
				"placeholder", ph)
		}
	}

	return &Assembler{
		template:  template,
		warnBytes: warnBytes,
		dumpDir:   dumpDir,
		nowFunc:   time.Now,
		logger:    logger,
	}
}

// Assemble substitutes the three payload sections into the template and
// returns the final prompt text.
func (a *Assembler) Assemble(stats, recents, schema string) string {
	p := a.template
	p = strings.ReplaceAll(p, PlaceholderStats, stats)
	p = strings.ReplaceAll(p, PlaceholderRecent, recents)
	p = strings.ReplaceAll(p, PlaceholderActions, schema)

	if a.warnBytes > 0 && len(p) > a.warnBytes {
		a.logger.Warn("assembled prompt exceeds size threshold; sending anyway",
			"bytes", len(p),
			"threshold", a.warnBytes,
			"hint", "select fewer entities or a shorter history period")
	}

	a.dump(p)
	return p
}

// dump writes the prompt to dumpDir for diagnostics. Failures are
// logged and ignored; dumping is never load-bearing.
func (a *Assembler) dump(p string) {
	if a.dumpDir == "" {
		return
	}
	name := "prompt-" + a.nowFunc().Format("20060102-150405") + ".txt"
	path := filepath.Join(a.dumpDir, name)
	if err := os.WriteFile(path, []byte(p), 0o600); err != nil {
		a.logger.Warn("failed to dump prompt", "path", path, "error", err)
		return
	}
	a.logger.Debug("prompt dumped", "path", path, "bytes", len(p))
}
