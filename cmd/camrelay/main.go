// Camrelay is a camera agent that publishes periodic JPEG snapshots to
// an MQTT broker.
//
// Every capture period it grabs one frame, base64-encodes it, wraps it
// in a small JSON envelope and publishes it, as long as the network link
// and the broker session are both up. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	camrelay serve               Capture and publish frames
//	camrelay heartbeat [--once]  Publish device telemetry only
//	camrelay journal [-n N]      Show recent capture cycles
//	camrelay init [dir]          Write an example config
//	camrelay version             Print version and build information
//	camrelay -o json version     Output version information as JSON
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/nugget/camrelay/internal/buildinfo"
	"github.com/nugget/camrelay/internal/config"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run], keeping os.Exit and os.Args out of
// the application logic so the command surface can be driven from
// tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs and command output go to
// stdout; usage errors go to stderr. It returns nil on clean shutdown.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	app := newApp(stdout, stderr)
	return app.RunContext(ctx, append([]string{"camrelay"}, args...))
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:        "camrelay",
		Usage:       "publish camera snapshots over MQTT",
		Version:     buildinfo.Version,
		HideVersion: true,
		Writer:      stdout,
		ErrWriter:   stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to config file (default: auto-discover)",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Value:   "text",
				Usage:   "output format: text or json",
			},
		},
		Before: func(c *cli.Context) error {
			switch c.String("output") {
			case "text", "json":
				return nil
			default:
				return fmt.Errorf("unknown output format: %q (expected text or json)", c.String("output"))
			}
		},
		// Errors are returned to main, never turned into os.Exit here.
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			serveCommand(),
			heartbeatCommand(),
			journalCommand(),
			initCommand(),
			versionCommand(),
		},
	}
}

// newLogger creates a structured logger with the given level and format.
// Format is "json" for machine-readable output or anything else for
// human-readable text.
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

// configuredLogger builds the logger described by cfg. Level and format
// were validated by [config.Config.Validate].
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	format, _ := config.ParseLogFormat(cfg.LogFormat)
	return newLogger(w, level, format)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
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
