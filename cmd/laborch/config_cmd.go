package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/laborch/internal/config"
	"github.com/mattjoyce/laborch/internal/doctor"
	"github.com/mattjoyce/laborch/internal/recipe"
)

func resolveConfigPath(configPath string) (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.DiscoverConfigPath()
}

func loadConfigForTool(configPath string) (*config.Config, error) {
	path, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

func runConfigCheck(args []string) int {
	var configPath, format string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jsonOut {
		format = "json"
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	registry := recipe.NewRegistry()
	if err := recipe.RegisterBuiltins(registry, cfg.OrchServer()); err != nil {
		fmt.Fprintf(os.Stderr, "Recipe registration error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg, registry).Validate()
	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, verboseShort, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Dry run")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	isVerbose := verbose || verboseShort

	path, err := resolveConfigPath(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	files, err := config.DiscoverAllConfigFiles(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve config files: %v\n", err)
		return 1
	}

	report, err := config.LockFiles(files, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	if isVerbose {
		for _, f := range report.Files {
			fmt.Printf("  HASH %s: %s\n", f.Path, f.Hash)
		}
		for _, m := range report.Manifests {
			if dryRun {
				fmt.Printf("  DRY-RUN %s: %s (not written)\n", config.ChecksumFile, m)
			} else {
				fmt.Printf("  WROTE %s: %s\n", config.ChecksumFile, m)
			}
		}
	}

	if dryRun {
		fmt.Printf("Dry run completed for %d file(s) (no files written)\n", len(report.Files))
	} else {
		fmt.Printf("Successfully locked %d file(s) in %d manifest(s)\n", len(report.Files), len(report.Manifests))
	}
	return 0
}

// runConfigHash prints the fingerprint a running orchestrator reports as
// config_hash, so an operator can tell whether it runs the file on disk.
func runConfigHash(args []string) int {
	fs := flag.NewFlagSet("hash", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	hash, err := config.Fingerprint(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fingerprint error: %v\n", err)
		return 1
	}
	fmt.Println(hash)
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	var result any = cfg
	if fs.NArg() > 0 {
		res, err := cfg.GetPath(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		result = res
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
	} else {
		data, _ := yaml.Marshal(result)
		fmt.Print(string(data))
	}
	return 0
}

func runConfigGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")

	path, rest := splitPositional(args, "config")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if path == "" {
		fmt.Fprintf(os.Stderr, "Usage: laborch config get <path> [--json]\n")
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	val, err := cfg.GetPath(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(val, "", "  ")
		fmt.Println(string(data))
	} else {
		fmt.Printf("%v\n", val)
	}
	return 0
}

func runConfigSet(args []string) int {
	var configPath string
	var dryRun, apply bool

	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&dryRun, "dry-run", false, "Preview changes")
	fs.BoolVar(&apply, "apply", false, "Apply changes")

	kvPair, rest := splitPositional(args, "config")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if kvPair == "" || !strings.Contains(kvPair, "=") {
		fmt.Fprintf(os.Stderr, "Usage: laborch config set <path>=<value> [--dry-run | --apply]\n")
		return 1
	}
	if dryRun == apply {
		fmt.Fprintln(os.Stderr, "Error: exactly one of --dry-run or --apply must be specified for 'config set'.")
		return 1
	}

	path, value, _ := strings.Cut(kvPair, "=")

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	if err := cfg.SetPath(path, value, apply); err != nil {
		if dryRun {
			fmt.Fprintf(os.Stderr, "Dry-run validation failed: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "Apply failed: %v\n", err)
		}
		return 1
	}

	if dryRun {
		fmt.Printf("Dry-run: would set %q to %q\n", path, value)
		fmt.Println("Status: Configuration check PASSED.")
		return 0
	}
	fmt.Printf("Successfully set %q to %q\n", path, value)
	fmt.Println("Run 'laborch config lock' if this file is covered by .checksums.")
	return 0
}

// splitPositional pulls the first non-flag argument out so flags may follow
// it, as in `laborch config get api.listen --json`. Flags named in
// takesValue consume the next argument.
func splitPositional(args []string, takesValue ...string) (string, []string) {
	valued := make(map[string]bool, len(takesValue))
	for _, name := range takesValue {
		valued["-"+name] = true
		valued["--"+name] = true
	}

	var positional string
	var rest []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case valued[arg] && i+1 < len(args):
			rest = append(rest, arg, args[i+1])
			i++
		case positional == "" && (arg == "-" || !strings.HasPrefix(arg, "-")):
			positional = arg
		default:
			rest = append(rest, arg)
		}
	}
	return positional, rest
}
