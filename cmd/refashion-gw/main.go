package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mattjoyce/refashion-gw/internal/config"
	"github.com/mattjoyce/refashion-gw/internal/inspect"
	"github.com/mattjoyce/refashion-gw/internal/storage"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	os.Exit(run(os.Args[1], os.Args[2:]))
}

func run(cmd string, args []string) int {
	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "job":
		return runJobNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "watch":
		return runJobWatch(args)
	case "inspect":
		return runJobInspect(args)
	case "version":
		fmt.Printf("refashion-gw version %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`refashion-gw - webhook-verified job completion service for Fal generations

Usage:
  refashion-gw <noun> <action> [flags]

Core Resources (Nouns):
  system    Service lifecycle
  config    Configuration validation
  job       Generation jobs

System Commands:
  system start            Run the API server, webhook listener and reconciler

Config Commands:
  config check            Validate configuration and print a summary

Job Commands:
  job watch <historyId>   Poll a job until it completes or fails
  job inspect <historyId> Show a job record and its webhook deliveries

General:
  version                 Show version information
  help                    Show this help message

Use 'refashion-gw <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runJobNoun(args []string) int {
	if len(args) < 1 {
		printJobNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printJobNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "watch":
		if hasHelpFlag(actionArgs) {
			printJobWatchHelp()
			return 0
		}
		return runJobWatch(actionArgs)
	case "inspect":
		if hasHelpFlag(actionArgs) {
			printJobInspectHelp()
			return 0
		}
		return runJobInspect(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown job action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: refashion-gw system <action>")
	fmt.Fprintln(w, "Actions: start")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: refashion-gw config <action> [flags]")
	fmt.Fprintln(w, "Actions: check")
}

func printJobNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: refashion-gw job <action>")
	fmt.Fprintln(w, "Actions: watch, inspect")
}

func printSystemStartHelp() {
	fmt.Println("Usage: refashion-gw system start [--config PATH]")
	fmt.Println("Run the service in the foreground until SIGINT or SIGTERM.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: refashion-gw config check [--config PATH] [--json]")
	fmt.Println("Load, interpolate and validate the configuration.")
}

func printJobWatchHelp() {
	fmt.Println("Usage: refashion-gw job watch <historyId> [--api URL] [--token T] [--plain] [--interval D] [--max-attempts N]")
	fmt.Println("Poll a job's status until it completes, fails or times out.")
	fmt.Println()
	fs, _ := newWatchFlagSet()
	fs.SetOutput(os.Stdout)
	fs.PrintDefaults()
}

func printJobInspectHelp() {
	fmt.Println("Usage: refashion-gw job inspect <historyId> [--config PATH] [--json]")
	fmt.Println("Read a job record and its webhook deliveries from the state database.")
}

// --- ACTION IMPLEMENTATIONS ---

func loadConfigForTool(configPath string) (*config.Config, string, error) {
	if configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, "", err
		}
		configPath = discovered
	}
	cfg, err := config.Load(configPath)
	return cfg, configPath, err
}

func runConfigCheck(args []string) int {
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file or directory")
	fs.BoolVar(&jsonOut, "json", false, "Output result as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, path, err := loadConfigForTool(configPath)
	if jsonOut {
		result := struct {
			Valid  bool   `json:"valid"`
			Config string `json:"config,omitempty"`
			Error  string `json:"error,omitempty"`
		}{Valid: err == nil, Config: path}
		if err != nil {
			result.Error = err.Error()
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
		if err != nil {
			return 1
		}
		return 0
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}
	fmt.Printf("Config: %s\n", path)
	fmt.Print(cfg.Summary())
	fmt.Println("Status: Configuration check PASSED.")
	return 0
}

func runJobInspect(args []string) int {
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output report in JSON")

	var historyID string
	var remainingArgs []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") && historyID == "" && !isFlagValue(remainingArgs) {
			historyID = arg
		} else {
			remainingArgs = append(remainingArgs, arg)
		}
	}

	if err := fs.Parse(remainingArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if historyID == "" {
		fmt.Fprintf(os.Stderr, "Usage: refashion-gw job inspect <historyId> [--config PATH] [--json]\n")
		return 1
	}

	cfg, _, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	var report string
	if jsonOut {
		report, err = inspect.BuildJSONReport(ctx, db, historyID)
	} else {
		report, err = inspect.BuildReport(ctx, db, historyID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}
	fmt.Print(report)
	if !strings.HasSuffix(report, "\n") {
		fmt.Println()
	}
	return 0
}

// isFlagValue reports whether the next arg is the value of a pending --config.
func isFlagValue(prev []string) bool {
	return len(prev) > 0 && (prev[len(prev)-1] == "--config" || prev[len(prev)-1] == "-config")
}
