package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal valid config",
			yaml: `
orchestrator:
  server: ORCH
  port: 8001
servers:
  PSTAT:
    host: 127.0.0.1
    port: 8003
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Orchestrator.Server != "ORCH" {
					t.Errorf("orchestrator.server = %q", cfg.Orchestrator.Server)
				}
				if cfg.Orchestrator.HeartbeatInterval != 10*time.Second {
					t.Error("default heartbeat interval not applied")
				}
				if cfg.Orchestrator.PrivateRetries != 3 {
					t.Error("default private retries not applied")
				}
				if cfg.API.Listen != "127.0.0.1:8001" {
					t.Errorf("api.listen = %q, want derived from orchestrator host/port", cfg.API.Listen)
				}
				world := cfg.World()
				if world["PSTAT"].Port != 8003 || world["PSTAT"].Name != "PSTAT" {
					t.Errorf("world = %+v", world)
				}
			},
		},
		{
			name: "durations and step-through",
			yaml: `
orchestrator:
  server: ORCH
  port: 9000
  heartbeat_interval: 2s
  dispatch_timeout: 1m
  step_through:
    experiments: true
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Orchestrator.HeartbeatInterval != 2*time.Second {
					t.Error("heartbeat_interval not parsed")
				}
				if cfg.Orchestrator.DispatchTimeout != time.Minute {
					t.Error("dispatch_timeout not parsed")
				}
				if !cfg.Orchestrator.StepThrough.Experiments || cfg.Orchestrator.StepThrough.Actions {
					t.Errorf("step_through = %+v", cfg.Orchestrator.StepThrough)
				}
			},
		},
		{
			name: "env interpolation",
			yaml: `
api:
  enabled: true
  listen: 127.0.0.1:8001
  auth:
    api_key: ${LABORCH_TEST_KEY}
`,
			env: map[string]string{"LABORCH_TEST_KEY": "s3cret"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.API.Auth.APIKey != "s3cret" {
					t.Errorf("api_key = %q", cfg.API.Auth.APIKey)
				}
			},
		},
		{
			name: "unresolved env var rejected",
			yaml: `
api:
  enabled: true
  listen: 127.0.0.1:8001
  auth:
    api_key: ${LABORCH_TEST_UNSET_KEY}
`,
			wantErr: "LABORCH_TEST_UNSET_KEY",
		},
		{
			name: "server colliding with orchestrator",
			yaml: `
orchestrator:
  server: ORCH
servers:
  ORCH:
    host: 127.0.0.1
    port: 8003
`,
			wantErr: "collides",
		},
		{
			name: "server without port",
			yaml: `
servers:
  MOTOR:
    host: 127.0.0.1
`,
			wantErr: "servers.MOTOR.port",
		},
		{
			name:    "bad log level",
			yaml:    "service:\n  log_level: loud\n",
			wantErr: "log_level",
		},
		{
			name: "token without scopes",
			yaml: `
api:
  enabled: true
  listen: 127.0.0.1:8001
  auth:
    tokens:
      - token: abc
`,
			wantErr: "scopes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeFile(t, t.TempDir(), "config.yaml", tt.yaml)

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Load() succeeded, want error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want it to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadIncludesMergeServers(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "servers.yaml", `
servers:
  PSTAT:
    host: 10.0.0.5
    port: 8003
  MOTOR:
    host: 10.0.0.6
    port: 8004
`)
	root := writeFile(t, dir, "config.yaml", `
include:
  - servers.yaml
orchestrator:
  server: ORCH
servers:
  PSTAT:
    host: 127.0.0.1
    port: 9999
`)

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got := cfg.ServerNames(); len(got) != 2 || got[0] != "MOTOR" || got[1] != "PSTAT" {
		t.Fatalf("ServerNames() = %v", got)
	}
	// Included files are merged after the root and win.
	if cfg.Servers["PSTAT"].Host != "10.0.0.5" {
		t.Errorf("PSTAT host = %q, want include to override", cfg.Servers["PSTAT"].Host)
	}
	if len(cfg.SourceFiles) != 2 {
		t.Errorf("len(SourceFiles) = %d, want 2", len(cfg.SourceFiles))
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "include:\n  - b.yaml\n")
	writeFile(t, dir, "b.yaml", "include:\n  - a.yaml\n")
	root := writeFile(t, dir, "config.yaml", "include:\n  - a.yaml\n")

	_, err := Load(root)
	if err == nil || !strings.Contains(err.Error(), "circular") {
		t.Fatalf("Load() error = %v, want circular dependency", err)
	}
}

func TestLoadMissingInclude(t *testing.T) {
	root := writeFile(t, t.TempDir(), "config.yaml", "include:\n  - nope.yaml\n")
	_, err := Load(root)
	if err == nil || !strings.Contains(err.Error(), "file not found") {
		t.Fatalf("Load() error = %v, want file not found", err)
	}
}

func TestDiscoverAllConfigFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "world"), 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "world"), "servers.yaml", "servers: {}\n")
	writeFile(t, dir, "api.yaml", "include:\n  - world/servers.yaml\n")
	writeFile(t, dir, "config.yaml", "include:\n  - api.yaml\n  - world/servers.yaml\n")

	files, err := DiscoverAllConfigFiles(dir)
	if err != nil {
		t.Fatalf("DiscoverAllConfigFiles() failed: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("files = %v, want 3 entries", files)
	}
}
