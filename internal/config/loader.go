package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

var serverNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// Load reads and parses configuration from a file. Files listed under
// include are merged in order, later files taking precedence.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourceFiles = make(map[string]*yaml.Node)
	cfg.Root = absPath
	addSourceFile(cfg, absPath)

	var includedPaths []string
	if len(cfg.Include) > 0 {
		visited := map[string]bool{absPath: true}
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
		for path := range visited {
			if path != absPath {
				includedPaths = append(includedPaths, path)
			}
		}
	}

	cfg = applyConfigDefaults(cfg)

	allPaths := append([]string{absPath}, includedPaths...)
	if err := verifyAllConfigHashes(allPaths); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func resolveConfigFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

func addSourceFile(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err == nil {
		cfg.SourceFiles[path] = &node
	}
}

// DiscoverAllConfigFiles returns absolute paths to all configuration files in
// the include tree.
func DiscoverAllConfigFiles(configPath string) ([]string, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{absPath: true}
	if len(cfg.Include) > 0 {
		if err := collectIncludes(cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	files := make([]string, 0, len(visited))
	for f := range visited {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

func resolveInclude(i int, includePath, baseDir string) (string, error) {
	includePath = interpolateEnv(includePath)
	resolved := includePath
	if !filepath.IsAbs(includePath) {
		resolved = filepath.Join(baseDir, includePath)
	}
	absPath, err := filepath.Abs(resolved)
	if err != nil {
		return "", fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
	}
	if _, err := os.Stat(absPath); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("include[%d]: file not found: %s\n"+
				"Referenced from: %s\n"+
				"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
		}
		return "", fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
	}
	return absPath, nil
}

func collectIncludes(includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		absPath, err := resolveInclude(i, includePath, baseDir)
		if err != nil {
			return err
		}
		if visited[absPath] {
			continue
		}
		visited[absPath] = true

		partial, err := loadConfigFile(absPath)
		if err != nil {
			return err
		}
		if len(partial.Include) > 0 {
			if err := collectIncludes(partial.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadIncludes recursively loads and merges files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		absPath, err := resolveInclude(i, includePath, baseDir)
		if err != nil {
			return err
		}
		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		visited[absPath] = true
		addSourceFile(cfg, absPath)

		includedCfg, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		deepMergeConfig(cfg, includedCfg)

		if len(includedCfg.Include) > 0 {
			if err := loadIncludes(cfg, includedCfg.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}

	return nil
}

// loadConfigFile parses a single file without applying defaults.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}

	return &cfg, nil
}

// deepMergeConfig merges src into dst, with src taking precedence for
// non-zero values. Servers merge by name.
func deepMergeConfig(dst, src *Config) {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}
	if src.Service.LogFile.Path != "" {
		dst.Service.LogFile = src.Service.LogFile
	}

	mergeOrchestrator(&dst.Orchestrator, src.Orchestrator)

	if src.State.Path != "" {
		dst.State.Path = src.State.Path
	}
	if src.State.PlateDB != "" {
		dst.State.PlateDB = src.State.PlateDB
	}

	if src.API.Enabled {
		dst.API.Enabled = true
	}
	if src.API.Listen != "" {
		dst.API.Listen = src.API.Listen
	}
	if src.API.Auth.APIKey != "" {
		dst.API.Auth.APIKey = src.API.Auth.APIKey
	}
	if len(src.API.Auth.Tokens) > 0 {
		dst.API.Auth.Tokens = append(dst.API.Auth.Tokens, src.API.Auth.Tokens...)
	}

	if len(src.Servers) > 0 {
		if dst.Servers == nil {
			dst.Servers = make(map[string]ServerConfig)
		}
		for name, s := range src.Servers {
			dst.Servers[name] = s
		}
	}

	if src.ObjectStore.Enabled() {
		dst.ObjectStore = src.ObjectStore
	}
}

func mergeOrchestrator(dst *OrchestratorConfig, src OrchestratorConfig) {
	if src.Server != "" {
		dst.Server = src.Server
	}
	if src.Host != "" {
		dst.Host = src.Host
	}
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if src.HeartbeatInterval != 0 {
		dst.HeartbeatInterval = src.HeartbeatInterval
	}
	if src.ExportInterval != 0 {
		dst.ExportInterval = src.ExportInterval
	}
	if src.DispatchTimeout != 0 {
		dst.DispatchTimeout = src.DispatchTimeout
	}
	if src.AvailabilityTimeout != 0 {
		dst.AvailabilityTimeout = src.AvailabilityTimeout
	}
	if src.BroadcastTimeout != 0 {
		dst.BroadcastTimeout = src.BroadcastTimeout
	}
	if src.PrivateRetries != 0 {
		dst.PrivateRetries = src.PrivateRetries
	}
	dst.CheckAvailability = dst.CheckAvailability || src.CheckAvailability
	dst.ResumeOnStart = dst.ResumeOnStart || src.ResumeOnStart
	dst.StepThrough.Actions = dst.StepThrough.Actions || src.StepThrough.Actions
	dst.StepThrough.Experiments = dst.StepThrough.Experiments || src.StepThrough.Experiments
	dst.StepThrough.Sequences = dst.StepThrough.Sequences || src.StepThrough.Sequences
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFile.Path != "" && cfg.Service.LogFile.MaxSizeMB == 0 {
		cfg.Service.LogFile.MaxSizeMB = 50
	}

	o, d := &cfg.Orchestrator, defaults.Orchestrator
	if o.Server == "" {
		o.Server = d.Server
	}
	if o.Host == "" {
		o.Host = d.Host
	}
	if o.Port == 0 {
		o.Port = d.Port
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.ExportInterval == 0 {
		o.ExportInterval = d.ExportInterval
	}
	if o.DispatchTimeout == 0 {
		o.DispatchTimeout = d.DispatchTimeout
	}
	if o.AvailabilityTimeout == 0 {
		o.AvailabilityTimeout = d.AvailabilityTimeout
	}
	if o.BroadcastTimeout == 0 {
		o.BroadcastTimeout = d.BroadcastTimeout
	}
	if o.PrivateRetries == 0 {
		o.PrivateRetries = d.PrivateRetries
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API.Enabled = defaults.API.Enabled
		cfg.API.Listen = fmt.Sprintf("%s:%d", o.Host, o.Port)
	}

	if cfg.Servers == nil {
		cfg.Servers = make(map[string]ServerConfig)
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place; validate rejects it where it matters.
		return match
	})
}

func unresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

// Validate checks a loaded configuration.
func Validate(cfg *Config) error {
	return validate(cfg)
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	o := cfg.Orchestrator
	if !serverNamePattern.MatchString(o.Server) {
		return fmt.Errorf("orchestrator.server %q is not a valid server name", o.Server)
	}
	if o.Port <= 0 || o.Port > 65535 {
		return fmt.Errorf("orchestrator.port must be between 1 and 65535 (got %d)", o.Port)
	}
	if o.HeartbeatInterval < 0 || o.ExportInterval < 0 {
		return fmt.Errorf("orchestrator intervals must not be negative")
	}
	if o.DispatchTimeout <= 0 || o.AvailabilityTimeout <= 0 || o.BroadcastTimeout <= 0 {
		return fmt.Errorf("orchestrator timeouts must be positive")
	}
	if o.PrivateRetries < 1 {
		return fmt.Errorf("orchestrator.private_retries must be at least 1")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	for _, name := range cfg.ServerNames() {
		s := cfg.Servers[name]
		if !serverNamePattern.MatchString(name) {
			return fmt.Errorf("servers: %q is not a valid server name", name)
		}
		if name == o.Server {
			return fmt.Errorf("servers.%s: name collides with orchestrator.server", name)
		}
		if s.Host == "" {
			return fmt.Errorf("servers.%s.host is required", name)
		}
		if err := unresolved("servers."+name+".host", s.Host); err != nil {
			return err
		}
		if s.Port <= 0 || s.Port > 65535 {
			return fmt.Errorf("servers.%s.port must be between 1 and 65535 (got %d)", name, s.Port)
		}
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			field := fmt.Sprintf("api.auth.tokens[%d]", i)
			if tok.Token == "" {
				return fmt.Errorf("%s.token is required", field)
			}
			if err := unresolved(field+".token", tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("%s.scopes must be non-empty", field)
			}
		}
	}

	if cfg.ObjectStore.Enabled() {
		for field, v := range map[string]string{
			"object_store.access_key": cfg.ObjectStore.AccessKey,
			"object_store.secret_key": cfg.ObjectStore.SecretKey,
		} {
			if err := unresolved(field, v); err != nil {
				return err
			}
		}
		if err := cfg.ObjectStore.Validate(); err != nil {
			return fmt.Errorf("object_store: %w", err)
		}
	}

	return nil
}
