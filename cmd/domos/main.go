// Domos is a home-automation companion service.
//
// It holds one MQTT session to the home broker, keeps the latest
// temperature/humidity reading from the sensor topic, and turns device
// actions (lights, switches, air conditioners) into command messages.
// A small HTTP API and WebSocket stream expose both to the mobile
// client. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	domos serve                               Start the session and API server
//	domos watch                               Print live readings until interrupted
//	domos send <room> <device> <action> [v]   Send one device command
//	domos send reading <temp> [humidity]      Publish a simulated sensor reading
//	domos pair [url]                          Show a QR code for the mobile client
//	domos init [dir]                          Write an example config
//	domos version                             Print version and build information
//	domos -o json version                     Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fradomos/domos/internal/buildinfo"
	"github.com/fradomos/domos/internal/config"
)

func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "domos:", err)
		os.Exit(1)
	}
}

// invocation is a parsed command line.
type invocation struct {
	configPath string
	output     string // text or json
	command    string
	args       []string
	help       bool
}

// parseArgs splits global flags from the command and its arguments.
// Flags may appear before or after the command; anything after the
// command that is not a global flag belongs to the command. The flag
// package is avoided so tests can call run concurrently.
func parseArgs(args []string) (invocation, error) {
	inv := invocation{output: "text"}

	// value returns the flag value at args[i] as "-f v" or "-f=v".
	value := func(i *int, names ...string) (string, bool) {
		a := args[*i]
		for _, n := range names {
			if v, ok := strings.CutPrefix(a, n+"="); ok {
				return v, true
			}
			if a == n && *i+1 < len(args) {
				*i++
				return args[*i], true
			}
		}
		return "", false
	}

	for i := 0; i < len(args); i++ {
		a := args[i]
		if v, ok := value(&i, "-config", "--config"); ok {
			inv.configPath = v
			continue
		}
		if v, ok := value(&i, "-o", "--output"); ok {
			inv.output = v
			continue
		}
		switch {
		case a == "-h" || a == "-help" || a == "--help":
			inv.help = true
		case inv.command == "" && strings.HasPrefix(a, "-") && a != "-":
			return inv, fmt.Errorf("unknown flag: %s", a)
		case inv.command == "":
			inv.command = a
		default:
			inv.args = append(inv.args, a)
		}
	}

	if inv.output != "text" && inv.output != "json" {
		return inv, fmt.Errorf("unknown output format: %q (expected text or json)", inv.output)
	}
	return inv, nil
}

// run is the entry point behind main. ctx bounds the process, stdout
// takes logs and command output, args is os.Args[1:].
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	inv, err := parseArgs(args)
	if err != nil {
		return err
	}
	if inv.help {
		return printUsage(stdout)
	}

	switch inv.command {
	case "serve":
		return runServe(ctx, stdout, stderr, inv.configPath)
	case "watch":
		return runWatch(ctx, stdout, inv.configPath, inv.output)
	case "send":
		if len(inv.args) < 2 {
			return fmt.Errorf("usage: domos send <room> <device> <action> [value] | domos send reading <temperature> [humidity]")
		}
		return runSend(ctx, stdout, inv.configPath, inv.output, inv.args)
	case "pair":
		return runPair(stdout, inv.configPath, argOr(inv.args, 0, ""))
	case "init":
		return runInit(stdout, argOr(inv.args, 0, "."))
	case "version":
		return runVersion(stdout, inv.output)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", inv.command)
	}
}

func argOr(args []string, i int, def string) string {
	if i < len(args) {
		return args[i]
	}
	return def
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Get()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, f := range info.Fields() {
		fmt.Fprintf(w, "  %-12s %s\n", f[0]+":", f[1])
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Domos - home sensor and device companion")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: domos [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                              Start the session and API server")
	fmt.Fprintln(w, "  watch                              Print live readings until interrupted")
	fmt.Fprintln(w, "  send <room> <device> <action> [v]  Send one command (power, toggle, mode, setpoint, step)")
	fmt.Fprintln(w, "  send reading <temp> [humidity]     Publish a simulated reading (\"-\" skips a value)")
	fmt.Fprintln(w, "  pair [url]                         Show a QR code of the API URL for the mobile client")
	fmt.Fprintln(w, "  init [dir]                         Write an example config (default: .)")
	fmt.Fprintln(w, "  version                            Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Config search order (after -config and $%s):\n", config.EnvConfig)
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
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
