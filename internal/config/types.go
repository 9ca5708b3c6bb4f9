package config

import (
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/laborch/internal/model"
	"github.com/mattjoyce/laborch/internal/objectstore"
)

// Config represents the complete laborch configuration: the orchestrator's
// own identity and the world of action servers it drives.
type Config struct {
	Include      []string                `yaml:"include,omitempty"`
	Service      ServiceConfig           `yaml:"service"`
	Orchestrator OrchestratorConfig      `yaml:"orchestrator"`
	State        StateConfig             `yaml:"state"`
	API          APIConfig               `yaml:"api,omitempty"`
	Servers      map[string]ServerConfig `yaml:"servers"`
	ObjectStore  objectstore.Config      `yaml:"object_store,omitempty"`

	// SourceFiles holds the parsed YAML of every loaded file, keyed by
	// absolute path, for SetPath.
	SourceFiles map[string]*yaml.Node `yaml:"-"`
	// Root is the absolute path of the top-level file.
	Root string `yaml:"-"`
}

// ServiceConfig defines process-level settings.
type ServiceConfig struct {
	Name     string  `yaml:"name"`
	LogLevel string  `yaml:"log_level"`
	LogFile  LogFile `yaml:"log_file,omitempty"`
}

// LogFile configures the optional rotating log file.
type LogFile struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// OrchestratorConfig defines the dispatch engine and its background tasks.
type OrchestratorConfig struct {
	// Server is the orchestrator's own server name. It must not collide
	// with an entry in servers.
	Server string `yaml:"server"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`

	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	ExportInterval      time.Duration `yaml:"export_interval"`
	DispatchTimeout     time.Duration `yaml:"dispatch_timeout"`
	AvailabilityTimeout time.Duration `yaml:"availability_timeout"`
	BroadcastTimeout    time.Duration `yaml:"broadcast_timeout"`
	PrivateRetries      int           `yaml:"private_retries"`
	CheckAvailability   bool          `yaml:"check_availability"`
	ResumeOnStart       bool          `yaml:"resume_on_start"`
	StepThrough         StepThrough   `yaml:"step_through,omitempty"`
}

// StepThrough holds the default step-through flags.
type StepThrough struct {
	Actions     bool `yaml:"actions"`
	Experiments bool `yaml:"experiments"`
	Sequences   bool `yaml:"sequences"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
	// PlateDB is an optional SQLite database holding plate maps. Empty
	// means plate ids are not verified.
	PlateDB string `yaml:"plate_db,omitempty"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access. Prefer Tokens for
	// scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// ServerConfig is one action server in the world config.
type ServerConfig struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Group string `yaml:"group,omitempty"`
}

// ChecksumManifest is the .checksums file written by `laborch config lock`.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "laborch",
			LogLevel: "info",
		},
		Orchestrator: OrchestratorConfig{
			Server:              "ORCH",
			Host:                "127.0.0.1",
			Port:                8001,
			HeartbeatInterval:   10 * time.Second,
			ExportInterval:      30 * time.Second,
			DispatchTimeout:     30 * time.Second,
			AvailabilityTimeout: 3 * time.Second,
			BroadcastTimeout:    5 * time.Second,
			PrivateRetries:      3,
		},
		State: StateConfig{
			Path: "./data/laborch.db",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8001",
		},
		Servers: make(map[string]ServerConfig),
	}
}

// OrchServer returns the orchestrator's own identity.
func (c *Config) OrchServer() model.Server {
	return model.Server{Name: c.Orchestrator.Server, Host: c.Orchestrator.Host, Port: c.Orchestrator.Port}
}

// World returns the action servers keyed by name.
func (c *Config) World() map[string]model.Server {
	out := make(map[string]model.Server, len(c.Servers))
	for name, s := range c.Servers {
		out[name] = model.Server{Name: name, Host: s.Host, Port: s.Port}
	}
	return out
}

// ServerNames returns the configured server names, sorted.
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
