// Insightd is a Home Assistant analysis daemon.
//
// It periodically samples configured entities, aggregates a day of
// recorder history into half-hour slots, compacts recent state changes,
// and asks Gemini for insights, alerts, and recommended service calls.
// High-confidence actions can be auto-executed; results surface in Home
// Assistant as MQTT discovery sensors. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	insightd serve           Run the analysis daemon
//	insightd once            Run a single analysis cycle and exit
//	insightd init [dir]      Write an example config file
//	insightd version         Print version and build information
//	insightd -o json version Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fernwake/insightd/internal/actionschema"
	"github.com/fernwake/insightd/internal/buildinfo"
	"github.com/fernwake/insightd/internal/config"
	"github.com/fernwake/insightd/internal/connwatch"
	"github.com/fernwake/insightd/internal/gemini"
	"github.com/fernwake/insightd/internal/history"
	"github.com/fernwake/insightd/internal/homeassistant"
	"github.com/fernwake/insightd/internal/insights"
	"github.com/fernwake/insightd/internal/mqtt"
	"github.com/fernwake/insightd/internal/prompt"
	"github.com/fernwake/insightd/internal/recent"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// resultRetention bounds how far back stored cycle results are kept.
// Pruned once at startup; cycles older than this serve no audit purpose.
const resultRetention = 30 * 24 * time.Hour

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], keeping
// os.Exit, os.Stdout, and os.Args out of the application logic so the
// full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which makes it impossible to
// call run() concurrently from tests, and the argument surface here is
// small enough that manual parsing is clearer than a CLI framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "once":
		return runOnce(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "insightd - Home Assistant analysis daemon")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: insightd [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the analysis daemon")
	fmt.Fprintln(w, "  once         Run a single analysis cycle and exit")
	fmt.Fprintln(w, "  init [dir]   Write an example config file (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runOnce executes a single analysis cycle without MQTT or the
// WebSocket event stream and prints the result. Useful for validating a
// config change or a prompt tweak before letting the daemon loose.
func runOnce(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Info("config loaded", "path", cfgPath)

	ha := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
	if err := ha.Ping(ctx); err != nil {
		return fmt.Errorf("home assistant unreachable: %w", err)
	}

	gw, err := gemini.NewClient(cfg.Gemini.APIKey, cfg.Gemini.Model, logger)
	if err != nil {
		return err
	}

	coord, err := buildCoordinator(cfg, ha, gw, nil, nil, logger)
	if err != nil {
		return err
	}

	res := coord.RunCycle(ctx)
	fmt.Fprintf(stdout, "Status:   %s\n", res.Status)
	fmt.Fprintf(stdout, "Insights: %s\n", res.Insights)
	fmt.Fprintf(stdout, "Alerts:   %s\n", res.Alerts)
	fmt.Fprintf(stdout, "Actions:  %s\n", res.Actions)
	if res.Err != "" {
		return errors.New(res.Err)
	}
	return nil
}

// runServe is the primary operating mode: load config, validate the
// model credential, open the result store, connect to Home Assistant
// and the MQTT broker, and run analysis cycles until a shutdown signal
// arrives. SIGHUP triggers an immediate extra cycle.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting insightd",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level and format are
	// known. Both are already validated by config.Validate.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"entities", len(cfg.Insights.Entities),
		"interval", cfg.Insights.UpdateInterval(),
		"history_period", cfg.Insights.HistoryPeriod,
		"model", cfg.Gemini.Model,
		"auto_execute", cfg.Insights.AutoExecuteActions,
	)
	if len(cfg.Insights.Entities) == 0 {
		logger.Warn("no entities configured; cycles will publish a placeholder and skip analysis")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Data directory and result store ---
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	dbPath := filepath.Join(cfg.DataDir, "insightd.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer db.Close()
	store, err := insights.NewStore(db)
	if err != nil {
		return err
	}
	logger.Info("result database opened", "path", dbPath)
	if n, err := store.Prune(resultRetention); err != nil {
		logger.Warn("result pruning failed", "error", err)
	} else if n > 0 {
		logger.Info("pruned old cycle results", "count", n)
	}

	// --- Gemini client ---
	// A rejected API key is a configuration error and fatal; anything
	// else (network, quota, outage) is transient and the daemon starts
	// anyway, surfacing errors through the result sensors.
	gw, err := gemini.NewClient(cfg.Gemini.APIKey, cfg.Gemini.Model, logger)
	if err != nil {
		return err
	}
	{
		vctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := gw.Validate(vctx)
		cancel()
		switch {
		case err == nil:
			logger.Info("gemini credential validated", "model", cfg.Gemini.Model)
		case errors.Is(err, gemini.ErrUnauthorized):
			return fmt.Errorf("gemini credential rejected: %w", err)
		default:
			logger.Warn("gemini validation inconclusive, continuing", "error", err)
		}
	}

	// --- Home Assistant ---
	ha := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)

	// --- Live state window ---
	// The WebSocket event stream feeds a rolling buffer of recent state
	// changes, used as a fallback when recorder history is unavailable.
	window := recent.NewWindow(0, cfg.Insights.HistoryWindow(), logger)
	ws := homeassistant.NewWSClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
	filter := homeassistant.NewEntityFilter(cfg.Insights.Entities, logger)
	watcher := homeassistant.NewStateWatcher(ws.Events(), filter, nil, window.HandleStateChange, logger)
	go watcher.Run(ctx)

	// --- Coordinator ---
	coord, err := buildCoordinator(cfg, ha, gw, window, store, logger)
	if err != nil {
		return err
	}

	// --- MQTT result sensors ---
	var publisher *mqtt.Publisher
	if cfg.MQTT.Broker != "" {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return err
		}
		publisher = mqtt.New(cfg.MQTT, instanceID, coord.Refresh, logger)
		coord.SetPublisher(publisher)

		go func() {
			if err := publisher.Start(ctx); err != nil {
				logger.Error("mqtt publisher stopped", "error", err)
			}
		}()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = publisher.Stop(stopCtx)
		}()
	} else {
		logger.Info("mqtt broker not configured; results will only be logged and stored")
	}

	// connwatch owns the HA connection lifecycle: it establishes the
	// WebSocket on first contact and re-establishes it after outages.
	// Only the first connect subscribes explicitly; Reconnect restores
	// tracked subscriptions itself, so repeating the Subscribe call
	// would duplicate them.
	var subscribeOnce sync.Once
	haWatch := connwatch.Start(ctx, connwatch.Config{
		Name:   "homeassistant",
		Probe:  ha.Ping,
		Logger: logger,
		OnReady: func() {
			wctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := ws.Reconnect(wctx); err != nil {
				logger.Warn("websocket connect failed", "error", err)
				return
			}
			subscribeOnce.Do(func() {
				if err := ws.Subscribe(wctx, "state_changed"); err != nil {
					logger.Warn("websocket subscribe failed", "error", err)
				}
			})
		},
		OnDown: func(err error) {
			logger.Warn("home assistant unreachable", "error", err)
		},
	})
	defer haWatch.Stop()

	// Republish the last stored result so the sensors pick up where the
	// previous run left off; fall back to "Initializing..." on a fresh
	// install.
	if publisher != nil {
		boot := insights.Initial()
		if last, err := store.Last(); err != nil {
			logger.Warn("loading last result failed", "error", err)
		} else if last != nil {
			boot = *last
		}
		_ = publisher.PublishResult(ctx, boot)
	}

	// SIGHUP requests an immediate extra cycle.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			logger.Info("SIGHUP received, requesting refresh")
			coord.Refresh()
		}
	}()

	err = coord.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("insightd stopped")
	return nil
}

// buildCoordinator wires the analysis pipeline around shared clients.
// fallback and store may be nil (the once subcommand runs without the
// event stream and without persistence). The MQTT publisher is attached
// afterwards via SetPublisher.
func buildCoordinator(cfg *config.Config, ha *homeassistant.Client, gw *gemini.Client, fallback history.Fallback, store *insights.Store, logger *slog.Logger) (*insights.Coordinator, error) {
	template := cfg.Insights.Prompt
	if cfg.Insights.PromptFile != "" {
		data, err := os.ReadFile(cfg.Insights.PromptFile)
		if err != nil {
			return nil, fmt.Errorf("read prompt file: %w", err)
		}
		template = string(data)
	}

	opts := insights.Options{
		Entities:      cfg.Insights.Entities,
		HistoryWindow: cfg.Insights.HistoryWindow(),
		Interval:      cfg.Insights.UpdateInterval(),
		AutoExecute:   cfg.Insights.AutoExecuteActions,
		Threshold:     cfg.Insights.Threshold(),
		NotifyService: cfg.Insights.NotifyService,
	}
	deps := insights.Deps{
		Gateway:   gw,
		Stats:     history.NewAggregator(ha, time.Local, logger),
		Events:    history.NewCompactor(ha, fallback, logger),
		Schema:    actionschema.NewBuilder(ha, logger),
		Assembler: prompt.NewAssembler(template, cfg.Insights.PromptWarnBytes, cfg.Insights.DumpDir, logger),
		Caller:    ha,
		Notifier:  ha,
		Store:     store,
	}
	return insights.NewCoordinator(opts, deps, logger), nil
}

// newLogger creates a structured logger writing to w at the given level
// and format. Format must be "text" or "json"; anything else falls back
// to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
