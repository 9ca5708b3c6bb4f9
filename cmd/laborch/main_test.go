package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/mattjoyce/laborch/internal/api"
	"github.com/mattjoyce/laborch/internal/model"
	"github.com/mattjoyce/laborch/internal/orchestrator"
	"github.com/mattjoyce/laborch/internal/state"
	"github.com/mattjoyce/laborch/internal/storage"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	// Drain concurrently so large output cannot fill the pipe buffer.
	outCh := make(chan string)
	errCh := make(chan string)
	go func() { b, _ := io.ReadAll(stdoutR); outCh <- string(b) }()
	go func() { b, _ := io.ReadAll(stderrR); errCh <- string(b) }()

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdout, stderr := <-outCh, <-errCh
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, stdout, stderr
}

// writeConfig writes a minimal valid config into a temp dir and returns its
// path.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
service:
  name: laborch-test
  log_level: info
orchestrator:
  server: ORCH
  host: 127.0.0.1
  port: 8001
state:
  path: ` + filepath.Join(dir, "data", "laborch.db") + `
api:
  enabled: true
  listen: 127.0.0.1:8001
  auth:
    tokens:
      - token: ops-token
        scopes: [orch:rw, queue:rw, events:ro]
servers:
  MOTOR:
    host: 127.0.0.1
    port: 8003
` + extra
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunVersionJSON(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"version", "--json"})
	})
	if code != 0 {
		t.Fatalf("version code = %d, stderr: %s", code, stderr)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, stdout)
	}
	if info.Version == "" || info.Commit == "" || info.Built == "" {
		t.Fatalf("incomplete version info: %+v", info)
	}
}

func TestRunVersionText(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"--version"})
	})
	if code != 0 {
		t.Fatalf("version code = %d", code)
	}
	if !strings.HasPrefix(stdout, "laborch "+version) {
		t.Fatalf("unexpected version line: %q", stdout)
	}
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"frobnicate"})
	})
	if code != 1 {
		t.Fatalf("code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestNounHelp(t *testing.T) {
	for _, noun := range []string{"system", "orch", "queue", "config", "archive"} {
		code, stdout, _ := captureOutputWithExitCode(t, func() int {
			return runCLI([]string{noun, "help"})
		})
		if code != 0 || !strings.Contains(stdout, "Usage: laborch "+noun) {
			t.Fatalf("%s help: code=%d stdout=%q", noun, code, stdout)
		}
	}
}

func TestSplitPositional(t *testing.T) {
	pos, rest := splitPositional([]string{"--config", "/tmp/c.yaml", "api.listen", "--json"}, "config")
	if pos != "api.listen" {
		t.Fatalf("positional = %q", pos)
	}
	if strings.Join(rest, " ") != "--config /tmp/c.yaml --json" {
		t.Fatalf("rest = %v", rest)
	}

	pos, _ = splitPositional([]string{"-"})
	if pos != "-" {
		t.Fatalf("stdin marker should be positional, got %q", pos)
	}
}

func TestRunConfigLockDryRunVerbose(t *testing.T) {
	configPath := writeConfig(t, "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "lock", "--config", configPath, "-v", "--dry-run"})
	})
	if code != 0 {
		t.Fatalf("config lock code = %d, stderr: %s", code, stderr)
	}

	hashPattern := regexp.MustCompile(`HASH .*config\.yaml: [a-f0-9]{64}`)
	if !hashPattern.MatchString(stdout) {
		t.Fatalf("stdout missing hash line: %s", stdout)
	}
	if !strings.Contains(stdout, "DRY-RUN .checksums:") || !strings.Contains(stdout, "Dry run completed") {
		t.Fatalf("stdout missing dry-run lines: %s", stdout)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(configPath), ".checksums")); !os.IsNotExist(err) {
		t.Fatal(".checksums should not be written in dry-run mode")
	}
}

func TestRunConfigLockThenTamper(t *testing.T) {
	configPath := writeConfig(t, "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "lock", "--config", configPath})
	})
	if code != 0 {
		t.Fatalf("config lock code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Successfully locked 1 file(s)") {
		t.Fatalf("stdout = %q", stdout)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "get", "orchestrator.server", "--config", configPath})
	})
	if code != 0 {
		t.Fatalf("locked config should load, stderr: %s", stderr)
	}

	f, err := os.OpenFile(configPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("# edited\n")
	_ = f.Close()

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", configPath})
	})
	if code != 1 || !strings.Contains(stderr, "verification failed") {
		t.Fatalf("tampered config: code=%d stderr=%s", code, stderr)
	}
}

func TestRunConfigCheck(t *testing.T) {
	configPath := writeConfig(t, "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", configPath})
	})
	if code != 0 {
		t.Fatalf("config check code = %d\nstdout: %s\nstderr: %s", code, stdout, stderr)
	}
	if !strings.Contains(stdout, "Configuration valid") {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestRunConfigCheckStrictWarnings(t *testing.T) {
	configPath := writeConfig(t, `
  PUMP:
    host: localhost
    port: 8003
`)
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", configPath, "--json"})
	})
	if code != 1 {
		t.Fatalf("shared address should fail, code = %d\n%s", code, stdout)
	}
	if !strings.Contains(stdout, `"valid": false`) || !strings.Contains(stdout, "servers.PUMP") {
		t.Fatalf("stdout = %s", stdout)
	}

	// No plate_db: valid, but warned about.
	configPath = writeConfig(t, "")
	code, _, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", configPath, "--strict"})
	})
	if code != 2 {
		t.Fatalf("warnings with --strict should exit 2, got %d", code)
	}
}

func TestRunConfigGetAndSet(t *testing.T) {
	configPath := writeConfig(t, "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "get", "servers.MOTOR.port", "--config", configPath})
	})
	if code != 0 || strings.TrimSpace(stdout) != "8003" {
		t.Fatalf("get: code=%d stdout=%q stderr=%s", code, stdout, stderr)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "set", "servers.MOTOR.port=8013", "--config", configPath})
	})
	if code != 1 || !strings.Contains(stderr, "--dry-run or --apply") {
		t.Fatalf("set without mode: code=%d stderr=%s", code, stderr)
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "set", "servers.MOTOR.port=8013", "--config", configPath, "--apply"})
	})
	if code != 0 {
		t.Fatalf("set --apply: code=%d stderr=%s", code, stderr)
	}
	if !strings.Contains(mustRead(t, configPath), "8013") {
		t.Fatalf("config not updated:\n%s", mustRead(t, configPath))
	}
}

func TestRunOrchCommandsAgainstAPI(t *testing.T) {
	var (
		mu        sync.Mutex
		gotPaths  []string
		gotBodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer ops-token" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "unauthorized"})
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotPaths = append(gotPaths, r.Method+" "+r.URL.Path)
		gotBodies = append(gotBodies, string(body))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/estop":
			_ = json.NewEncoder(w).Encode(api.LoopResponse{
				LoopState:   orchestrator.LoopEstopped,
				Intent:      orchestrator.IntentNone,
				StopMessage: "spill",
			})
		case "/start":
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "orchestrator is estopped"})
		case "/global_status":
			_ = json.NewEncoder(w).Encode(orchestrator.GlobalStatus{
				OrchName:    "ORCH",
				LoopState:   orchestrator.LoopEstopped,
				ActionQueue: 2,
				Servers:     []orchestrator.ServerHealth{{Server: "MOTOR", Available: false, Reason: "unreachable"}},
			})
		case "/list_actions":
			_ = json.NewEncoder(w).Encode([]*model.Action{{
				ActionUUID:     "a1",
				Server:         model.Server{Name: "MOTOR"},
				Endpoint:       "move",
				StartCondition: model.WaitForAll,
			}})
		default:
			_ = json.NewEncoder(w).Encode(api.CountResponse{Count: 3})
		}
	}))
	defer srv.Close()

	t.Setenv(envAPIKey, "ops-token")
	t.Setenv(envAPIURL, srv.URL)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"estop", "--reason", "spill"})
	})
	if code != 0 || !strings.Contains(stdout, "loop estopped") || !strings.Contains(stdout, "spill") {
		t.Fatalf("estop: code=%d stdout=%q stderr=%s", code, stdout, stderr)
	}
	mu.Lock()
	estopBody := gotBodies[0]
	mu.Unlock()
	if !strings.Contains(estopBody, `"reason":"spill"`) {
		t.Fatalf("estop body = %s", estopBody)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"orch", "start"})
	})
	if code != 1 || !strings.Contains(stderr, "409") || !strings.Contains(stderr, "estopped") {
		t.Fatalf("start: code=%d stderr=%s", code, stderr)
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"orch", "status"})
	})
	if code != 0 || !strings.Contains(stdout, "actions 2") || !strings.Contains(stdout, "down: unreachable") {
		t.Fatalf("status: code=%d stdout=%s", code, stdout)
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"queue", "list", "actions"})
	})
	if code != 0 || !strings.Contains(stdout, "MOTOR/move") {
		t.Fatalf("queue list: code=%d stdout=%s", code, stdout)
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"queue", "clear", "actions"})
	})
	if code != 0 || !strings.Contains(stdout, "cleared 3 item(s)") {
		t.Fatalf("queue clear: code=%d stdout=%s", code, stdout)
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"queue", "remove", "a1"})
	})
	if code != 0 || !strings.Contains(stdout, "removed action a1") {
		t.Fatalf("queue remove: code=%d stdout=%s", code, stdout)
	}
	mu.Lock()
	removeBody := gotBodies[len(gotBodies)-1]
	mu.Unlock()
	if !strings.Contains(removeBody, `"action_uuid":"a1"`) {
		t.Fatalf("remove body = %s", removeBody)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"orch", "clear-estop", "--api-key", "wrong"})
	})
	if code != 1 || !strings.Contains(stderr, envAPIKey) {
		t.Fatalf("bad key: code=%d stderr=%s", code, stderr)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"POST /estop", "POST /start", "GET /global_status", "GET /list_actions", "POST /clear_queue", "POST /remove_action"}
	if strings.Join(gotPaths, ",") != strings.Join(want, ",") {
		t.Fatalf("paths = %v, want %v", gotPaths, want)
	}
}

func TestStepThroughRequest(t *testing.T) {
	req, err := stepThroughRequest("true", "", "off")
	if err != nil {
		t.Fatal(err)
	}
	if req.Actions == nil || !*req.Actions || req.Experiments != nil || req.Sequences == nil || *req.Sequences {
		t.Fatalf("unexpected request: %+v", req)
	}
	if _, err := stepThroughRequest("maybe", "", ""); err == nil {
		t.Fatal("expected error for invalid flag value")
	}
}

func TestRunInspectArchivedExperiment(t *testing.T) {
	configPath := writeConfig(t, "")
	statePath := filepath.Join(filepath.Dir(configPath), "data", "laborch.db")

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, statePath)
	if err != nil {
		t.Fatal(err)
	}
	exp := model.NewExperiment(nil, "measure", nil)
	exp.OrchName = "ORCH"
	exp.Status = model.StatusList{model.StatusFinished}
	act := model.NewAction(exp, model.Server{Name: "MOTOR"}, "move", nil, model.WaitForAll)
	act.Status = model.StatusList{model.StatusFinished}
	archive := state.NewArchive(db)
	if err := archive.RecordAction(ctx, act); err != nil {
		t.Fatal(err)
	}
	if err := archive.RecordExperiment(ctx, exp); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"inspect", exp.ExperimentUUID, "--config", configPath})
	})
	if code != 0 {
		t.Fatalf("inspect code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Kind        : experiment") || !strings.Contains(stdout, "MOTOR/move finished") {
		t.Fatalf("stdout = %s", stdout)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"archive", "inspect", "missing", "--config", configPath})
	})
	if code != 1 || !strings.Contains(stderr, "not found in archive") {
		t.Fatalf("missing id: code=%d stderr=%s", code, stderr)
	}
}

func TestRunSystemStatus(t *testing.T) {
	configPath := writeConfig(t, "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"status", "--config", configPath, "--json"})
	})
	if code != 0 {
		t.Fatalf("status code = %d, stdout=%s stderr=%s", code, stdout, stderr)
	}
	var st systemStatus
	if err := json.Unmarshal([]byte(stdout), &st); err != nil {
		t.Fatalf("status output is not JSON: %v\n%s", err, stdout)
	}
	if !st.Healthy || len(st.Checks) != 3 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.Checks[2].Detail != "not running" {
		t.Fatalf("pid_lock detail = %q", st.Checks[2].Detail)
	}

	code, _, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"status", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	})
	if code != 1 {
		t.Fatalf("missing config should fail, code = %d", code)
	}
}

func mustRead(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestRunConfigHashIsStable(t *testing.T) {
	configPath := writeConfig(t, "")

	hash := func() string {
		code, stdout, stderr := captureOutputWithExitCode(t, func() int {
			return runCLI([]string{"config", "hash", "--config", configPath})
		})
		if code != 0 {
			t.Fatalf("config hash code = %d, stderr: %s", code, stderr)
		}
		return strings.TrimSpace(stdout)
	}

	first := hash()
	if first == "" || first != hash() {
		t.Fatalf("fingerprint not stable: %q", first)
	}
}
