// Brunnen monitors the water level of a well.
//
// It samples a 4-20 mA level sensor through an ADC, converts the loop
// current to a depth, and publishes the result to an MQTT broker on a
// fixed interval. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	brunnen serve                      Run the monitor
//	brunnen measure                    Take one measurement and print it
//	brunnen provision <key> <value>    Store a credential
//	brunnen provision -list            List provisioned credential keys
//	brunnen provision -delete <key>    Remove a credential
//	brunnen version                    Print version and build information
//	brunnen -o json version            Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/brunnen/internal/buildinfo"
	"github.com/nugget/brunnen/internal/config"
	"github.com/nugget/brunnen/internal/credstore"
	"github.com/nugget/brunnen/internal/device"
	"github.com/nugget/brunnen/internal/telemetry"
)

// main constructs the OS-level environment and delegates to [run], so
// that the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; the caller
// prints the returned error to stderr. Arguments are parsed by hand to
// avoid the flag package's global state.
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
	case "measure":
		return runMeasure(ctx, stdout, stderr, configPath, outputFmt)
	case "provision":
		return runProvision(stdout, stderr, configPath, cmdArgs)
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
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Brunnen - well water level monitor")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: brunnen [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                    Run the monitor until interrupted")
	fmt.Fprintln(w, "  measure                  Take one measurement and print the published values")
	fmt.Fprintln(w, "  provision <key> <value>  Store a credential (keys: "+strings.Join(credstore.KnownKeys(), ", ")+")")
	fmt.Fprintln(w, "  provision -list          List provisioned credential keys")
	fmt.Fprintln(w, "  provision -delete <key>  Remove a credential; its default applies again")
	fmt.Fprintln(w, "  version                  Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/brunnen/config.yaml, /etc/brunnen/config.yaml")
	return nil
}

// runServe runs the monitor until SIGINT or SIGTERM. Only startup
// failures are returned; the loop itself does not fail unless a retry
// bound is configured and exhausted.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Brunnen", buildinfo.LogArgs()...)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate already accepted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"backend", cfg.Sensor.Backend,
		"pin", cfg.Sensor.Pin,
		"broker", cfg.MQTT.Broker,
		"topic_prefix", cfg.MQTT.TopicPrefix,
		"interval", cfg.Schedule.Interval().String(),
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	d, err := device.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = d.Run(ctx)
	logger.Info("shutdown complete", "uptime", buildinfo.Uptime().String())
	return err
}

// runMeasure performs one cycle without a broker. Published values are
// printed as "topic payload" lines, followed by a summary. Logs go to
// stderr so stdout stays machine-readable.
func runMeasure(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(stderr, level, cfg.LogFormat)

	var lines io.Writer = stdout
	if outputFmt == "json" {
		lines = io.Discard
	}

	d, err := device.OpenLocal(cfg, lines, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	m, err := d.Measure(ctx)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"raw":       m.Raw,
			"voltage":   m.Voltage,
			"current":   m.Current,
			"level":     m.PublishedLevel(),
			"status":    m.Status.String(),
			"published": telemetry.FormatFloat(m.PublishedLevel()),
		})
	}

	fmt.Fprintf(stdout, "status: %s\n", m.Status)
	return nil
}

// runProvision writes, removes or lists credential store entries.
func runProvision(stdout, stderr io.Writer, configPath string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, slog.LevelWarn, cfg.LogFormat)

	store, err := credstore.NewStore(cfg.Credentials.Path)
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	defer store.Close()
	creds := credstore.NewCredentials(store, logger)

	if len(args) == 1 && (args[0] == "-list" || args[0] == "--list") {
		keys, err := creds.Provisioned()
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Fprintln(stdout, k)
		}
		return nil
	}

	if len(args) == 2 && (args[0] == "-delete" || args[0] == "--delete") {
		if err := creds.Remove(args[1]); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "removed %s\n", args[1])
		return nil
	}

	if len(args) != 2 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("usage: brunnen provision <key> <value> | brunnen provision -list | brunnen provision -delete <key>")
	}
	if err := creds.Provision(args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "stored %s\n", args[0])
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
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

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist).
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
