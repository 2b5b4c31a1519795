// Devkit discovers the tools offered by a Databricks MCP server and
// serves them, with the agent system prompt built from them, over HTTP.
//
// Usage:
//
//	devkit serve              Start the API server
//	devkit init [dir]         Write a starter config, .env example and skills
//	devkit tools              Discover and print the namespaced MCP tools
//	devkit prompt             Print the system prompt
//	devkit history [n]        Show recent discovery attempts
//	devkit version            Print version and build information
//	devkit -o json <command>  Machine-readable output
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nugget/devkit/internal/api"
	"github.com/nugget/devkit/internal/buildinfo"
	"github.com/nugget/devkit/internal/prompts"
)

// main only wires the OS to run, so the whole lifecycle can be driven
// from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the devkit entry point. Flags are parsed by hand so run holds
// no package-level state and tests can call it concurrently.
//
// serve logs to stdout. The one-shot commands print results to stdout
// and log to stderr.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
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
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "tools":
		return runTools(ctx, stdout, stderr, configPath, outputFmt)
	case "prompt":
		return runPrompt(ctx, stdout, stderr, configPath)
	case "history":
		limit := 20
		if len(cmdArgs) > 0 {
			n, err := strconv.Atoi(cmdArgs[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("usage: devkit history [count]")
			}
			limit = n
		}
		return runHistory(ctx, stdout, stderr, configPath, outputFmt, limit)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runServe starts the API server and blocks until SIGINT/SIGTERM or ctx
// cancellation.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, stdout, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	a.logger.Info("starting devkit",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	server := api.NewServer(a.cfg.Listen.Address, a.cfg.Listen.Port, a.cache, a.logger)
	server.SetSkills(a.skills)
	server.SetHistory(a.ledger)
	server.SetEventBus(a.bus)

	go func() {
		<-ctx.Done()
		a.logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("API server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	a.logger.Info("devkit stopped")
	return nil
}

// runTools performs (or reuses) discovery and prints the namespaced
// tool names.
func runTools(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	a, err := newApp(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	tools := a.cache.Tools(ctx)

	if outputFmt == "json" {
		return writeIndentedJSON(stdout, api.ToolsResponse{Tools: tools})
	}
	for _, t := range tools {
		fmt.Fprintln(stdout, t)
	}
	return nil
}

// runPrompt prints the system prompt built from the discovered tools
// and the configured skills.
func runPrompt(ctx context.Context, stdout, stderr io.Writer, configPath string) error {
	a, err := newApp(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	loaded, err := a.skills.Load()
	if err != nil {
		a.logger.Warn("failed to load skills, rendering prompt without them", "error", err)
	}

	_, err = io.WriteString(stdout, prompts.SystemPrompt(a.cache.Tools(ctx), loaded))
	return err
}

// runHistory prints recent discovery attempts from the ledger.
func runHistory(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, limit int) error {
	a, err := newApp(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	attempts, err := a.ledger.Recent(ctx, limit)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		if attempts == nil {
			return writeIndentedJSON(stdout, []any{})
		}
		return writeIndentedJSON(stdout, attempts)
	}

	if len(attempts) == 0 {
		fmt.Fprintln(stdout, "no discovery attempts recorded")
		return nil
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tSERVER\tOUTCOME\tTOOLS\tDURATION\tERROR")
	for _, at := range attempts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			at.StartedAt.Local().Format(time.DateTime),
			at.Server,
			at.Outcome,
			at.ToolCount,
			at.Duration().Round(time.Millisecond),
			at.ErrorKind,
		)
	}
	return tw.Flush()
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeIndentedJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func writeIndentedJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "devkit - Databricks MCP tool discovery and agent prompt service")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: devkit [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve          Start the API server")
	fmt.Fprintln(w, "  init [dir]     Write starter config, .env example and skills (default: .)")
	fmt.Fprintln(w, "  tools          Discover and print the namespaced MCP tools")
	fmt.Fprintln(w, "  prompt         Print the agent system prompt")
	fmt.Fprintln(w, "  history [n]    Show the n most recent discovery attempts (default: 20)")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/devkit/config.yaml, /etc/devkit/config.yaml")
	fmt.Fprintln(w, "  Built-in defaults are used when none exists.")
	return nil
}
