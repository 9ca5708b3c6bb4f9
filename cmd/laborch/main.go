package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "orch":
		return runOrchNoun(args)
	case "queue":
		return runQueueNoun(args)
	case "config":
		return runConfigNoun(args)
	case "archive":
		return runArchiveNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "status":
		return runSystemStatus(args)
	case "watch":
		return runWatch(args)
	case "estop":
		return runOrchCommand("estop", args)
	case "inspect":
		return runInspect(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Built   string `json:"built"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	info := buildInfo()
	if *jsonOut {
		data, _ := json.MarshalIndent(info, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	fmt.Printf("laborch %s (commit %s, built %s)\n", info.Version, info.Commit, info.Built)
	return 0
}

// buildInfo prefers the -ldflags values and falls back to the VCS stamp the
// go tool embeds.
func buildInfo() versionInfo {
	info := versionInfo{Version: version, Commit: gitCommit, Built: buildDate}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch {
		case s.Key == "vcs.revision" && info.Commit == "unknown":
			info.Commit = s.Value
		case s.Key == "vcs.time" && info.Built == "unknown":
			info.Built = s.Value
		}
	}
	return info
}

func printUsage() {
	fmt.Print(`laborch - laboratory automation orchestrator

Usage:
  laborch <noun> <action> [flags]

Core Resources (Nouns):
  system    Orchestrator process lifecycle and health
  orch      Loop control on a running orchestrator
  queue     Sequence, experiment and action queues
  config    Configuration and integrity
  archive   Finished sequences and experiments

System Commands:
  system start        Run the orchestrator in the foreground
  system status       Check config, database and PID lock
  system watch        Real-time monitoring TUI

Orch Commands:
  orch start          Start the dispatch loop
  orch stop           Stop after in-flight actions finish
  orch estop          Emergency stop every server
  orch clear-estop    Clear the estop latch
  orch clear-error    Forget errored actions
  orch skip           Skip the rest of the active experiment
  orch cancel-wait    End a running wait early
  orch step-through   Set step-through flags
  orch export         Snapshot queues now
  orch import [FILE]  Replace queues from a snapshot
  orch status         Show global status

Queue Commands:
  queue list [sequences|experiments|actions]
  queue append-sequence FILE
  queue append-experiment FILE
  queue clear [experiments|actions|all]
  queue recipes       List registered recipes

Config Commands:
  config check        Validate configuration and warn about risky settings
  config lock         Write .checksums for every config file
  config hash         Print the config fingerprint shown in global_status
  config show         Show resolved configuration
  config get <path>   Read one value
  config set <path>=<value> [--dry-run | --apply]

Archive Commands:
  archive inspect <uuid>  Report a finished sequence or experiment

Aliases:
  start, status, watch, estop, inspect

General:
  --version         Show version information
  version           Show version information
  help              Show this help message

Use 'laborch <noun> help' for resource-specific flags.
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
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
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
	case "lock", "hash-update":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "hash":
		return runConfigHash(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "get":
		if hasHelpFlag(actionArgs) {
			printConfigGetHelp()
			return 0
		}
		return runConfigGet(actionArgs)
	case "set":
		if hasHelpFlag(actionArgs) {
			printConfigSetHelp()
			return 0
		}
		return runConfigSet(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runArchiveNoun(args []string) int {
	if len(args) < 1 {
		printArchiveNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printArchiveNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "inspect":
		if hasHelpFlag(args[1:]) {
			printArchiveInspectHelp()
			return 0
		}
		return runInspect(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown archive action: %s\n", args[0])
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
	fmt.Fprintln(w, "Usage: laborch system <action>")
	fmt.Fprintln(w, "Actions: start, status, watch")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: laborch config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock, hash, show, get, set")
}

func printArchiveNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: laborch archive <action>")
	fmt.Fprintln(w, "Actions: inspect")
}

func printSystemStartHelp() {
	fmt.Println("Usage: laborch system start [--config PATH] [--resume]")
	fmt.Println("Run the orchestrator in the foreground.")
	fmt.Println("  --resume   Restore the last exported queues even if orchestrator.resume_on_start is off")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: laborch system status [--config PATH] [--json]")
	fmt.Println("Check config, database readiness and PID lock state without contacting the API.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  All required checks passed")
	fmt.Println("  1  One or more checks failed")
}

func printSystemWatchHelp() {
	fmt.Println("Usage: laborch system watch [flags]")
	fmt.Println()
	fmt.Println("Real-time monitoring TUI: loop state, active actions, server health")
	fmt.Println("and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Printf("  --api-url URL    Orchestrator API URL (default: %s, or %s)\n", defaultAPIURL, envAPIURL)
	fmt.Printf("  --api-key KEY    API Bearer Token (or %s env var)\n", envAPIKey)
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  r                Refresh status")
	fmt.Println("  ↑/↓, k/j         Scroll actions")
}

func printConfigLockHelp() {
	fmt.Println("Usage: laborch config lock [--config PATH] [-v|--verbose] [--dry-run]")
	fmt.Println("Authorize the current configuration by writing BLAKE3 hashes to .checksums.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: laborch config check [--config PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate configuration and warn about risky settings.")
	fmt.Println("Exit code 2 with --strict means warnings only.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: laborch config show [path] [--config PATH] [--json]")
	fmt.Println("Show the full resolved configuration or one node of it.")
}

func printConfigGetHelp() {
	fmt.Println("Usage: laborch config get <path> [--config PATH] [--json]")
	fmt.Println("Read a single value from the resolved configuration.")
}

func printConfigSetHelp() {
	fmt.Println("Usage: laborch config set <path>=<value> [--config PATH] [--dry-run | --apply]")
	fmt.Println("Set a configuration value with either preview or apply mode.")
}

func printArchiveInspectHelp() {
	fmt.Println("Usage: laborch archive inspect <uuid> [--config PATH] [--json]")
	fmt.Println("Report a finished sequence or experiment and its actions.")
}
