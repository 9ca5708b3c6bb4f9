package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/laborch/internal/api"
	"github.com/mattjoyce/laborch/internal/model"
	"github.com/mattjoyce/laborch/internal/orchestrator"
	"github.com/mattjoyce/laborch/internal/tui/watch"
)

const (
	defaultAPIURL = "http://127.0.0.1:8001"
	envAPIURL     = "LABORCH_API_URL"
	envAPIKey     = "LABORCH_API_KEY"
)

// apiClient talks to a running orchestrator's HTTP API.
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

func newAPIClient(baseURL, apiKey string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends body as JSON (nil sends no body) and decodes a 2xx response into
// out when out is non-nil.
func (c *apiClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e api.ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return &apiError{Status: resp.StatusCode, Message: e.Error}
		}
		return &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// clientFlags registers the flags every API command shares.
type clientFlags struct {
	apiURL  *string
	apiKey  *string
	jsonOut *bool
}

func addClientFlags(fs *flag.FlagSet) clientFlags {
	url := os.Getenv(envAPIURL)
	if url == "" {
		url = defaultAPIURL
	}
	return clientFlags{
		apiURL:  fs.String("api-url", url, "Orchestrator API URL"),
		apiKey:  fs.String("api-key", os.Getenv(envAPIKey), "API Bearer Token"),
		jsonOut: fs.Bool("json", false, "Print the raw JSON response"),
	}
}

func (f clientFlags) client() *apiClient { return newAPIClient(*f.apiURL, *f.apiKey) }

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

func reportAPIError(verb string, err error) int {
	var ae *apiError
	if errors.As(err, &ae) && ae.Status == http.StatusUnauthorized {
		fmt.Fprintf(os.Stderr, "%s failed: %v (set --api-key or %s)\n", verb, err, envAPIKey)
		return 1
	}
	fmt.Fprintf(os.Stderr, "%s failed: %v\n", verb, err)
	return 1
}

// --- ORCH NOUN ---

func runOrchNoun(args []string) int {
	if len(args) < 1 {
		printOrchNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printOrchNounHelp(os.Stdout)
		return 0
	}
	return runOrchCommand(args[0], args[1:])
}

func printOrchNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: laborch orch <action> [--api-url URL] [--api-key KEY] [--json]")
	fmt.Fprintln(w, "Actions: start, stop, estop, clear-estop, clear-error, skip, cancel-wait, step-through, export, import, status")
}

func runOrchCommand(action string, args []string) int {
	fs := flag.NewFlagSet(action, flag.ContinueOnError)
	cf := addClientFlags(fs)
	message := fs.String("message", "", "Stop message")
	reason := fs.String("reason", "", "Estop reason")
	actionID := fs.String("action", "", "Wait action uuid (cancel-wait; empty cancels all)")
	stepActions := fs.String("actions", "", "Step through actions (true|false)")
	stepExperiments := fs.String("experiments", "", "Step through experiments (true|false)")
	stepSequences := fs.String("sequences", "", "Step through sequences (true|false)")

	file, rest := splitPositional(args, "api-url", "api-key", "message", "reason", "action",
		"actions", "experiments", "sequences")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	c := cf.client()

	var (
		path string
		body any
	)
	switch action {
	case "start":
		path = "/start"
	case "stop":
		path, body = "/stop", api.MessageRequest{Message: *message}
	case "estop":
		path, body = "/estop", api.MessageRequest{Reason: *reason}
	case "clear-estop":
		path = "/clear_estop"
	case "clear-error":
		path = "/clear_error"
	case "skip":
		path = "/skip_experiment"
	case "cancel-wait":
		path, body = "/cancel_wait", api.CancelWaitRequest{ActionUUID: *actionID}
	case "step-through":
		req, err := stepThroughRequest(*stepActions, *stepExperiments, *stepSequences)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
			return 1
		}
		path, body = "/step_through", req
	case "export":
		var snap json.RawMessage
		if err := c.do(http.MethodPost, "/export_queues", nil, &snap); err != nil {
			return reportAPIError("export", err)
		}
		printJSON(snap)
		return 0
	case "import":
		return runOrchImport(c, file)
	case "status":
		return runOrchStatus(c, *cf.jsonOut)
	default:
		fmt.Fprintf(os.Stderr, "Unknown orch action: %s\n", action)
		return 1
	}

	var out json.RawMessage
	if err := c.do(http.MethodPost, path, body, &out); err != nil {
		return reportAPIError(action, err)
	}
	if *cf.jsonOut {
		printJSON(out)
		return 0
	}
	var loop api.LoopResponse
	if json.Unmarshal(out, &loop) == nil && loop.LoopState != "" {
		fmt.Printf("%s: loop %s, intent %s\n", action, loop.LoopState, loop.Intent)
		if loop.StopMessage != "" {
			fmt.Printf("  %s\n", loop.StopMessage)
		}
		return 0
	}
	fmt.Printf("%s: %s\n", action, strings.TrimSpace(string(out)))
	return 0
}

func stepThroughRequest(actions, experiments, sequences string) (api.StepThroughRequest, error) {
	var req api.StepThroughRequest
	for _, f := range []struct {
		name string
		raw  string
		dst  **bool
	}{
		{"actions", actions, &req.Actions},
		{"experiments", experiments, &req.Experiments},
		{"sequences", sequences, &req.Sequences},
	} {
		switch f.raw {
		case "":
		case "true", "on":
			v := true
			*f.dst = &v
		case "false", "off":
			v := false
			*f.dst = &v
		default:
			return req, fmt.Errorf("--%s must be true or false (got %q)", f.name, f.raw)
		}
	}
	return req, nil
}

// runOrchImport posts a snapshot file, or an empty body to reload the
// stored snapshot.
func runOrchImport(c *apiClient, file string) int {
	var body any
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Read snapshot: %v\n", err)
			return 1
		}
		body = json.RawMessage(data)
	}
	if err := c.do(http.MethodPost, "/import_queues", body, nil); err != nil {
		return reportAPIError("import", err)
	}
	fmt.Println("import: queues replaced")
	return 0
}

func runOrchStatus(c *apiClient, jsonOut bool) int {
	var gs orchestrator.GlobalStatus
	if err := c.do(http.MethodGet, "/global_status", nil, &gs); err != nil {
		return reportAPIError("status", err)
	}
	if jsonOut {
		printJSON(gs)
		return 0
	}

	fmt.Printf("orchestrator: %s\n", gs.OrchName)
	fmt.Printf("loop:         %s (intent %s)\n", gs.LoopState, gs.Intent)
	if gs.StopMessage != "" {
		fmt.Printf("message:      %s\n", gs.StopMessage)
	}
	fmt.Printf("queues:       sequences %d, experiments %d, actions %d\n",
		gs.SequenceQueue, gs.ExperimentQueue, gs.ActionQueue)
	if gs.ActiveExperiment != nil {
		fmt.Printf("experiment:   %s [%s]\n", gs.ActiveExperiment.Name, gs.ActiveExperiment.ExperimentUUID)
	}
	printActionList("active", gs.ActiveActions)
	printActionList("errored", gs.Errored)
	printActionList("estopped", gs.Estopped)
	for _, h := range gs.Servers {
		state := "up"
		if !h.Available {
			state = "down: " + h.Reason
		}
		fmt.Printf("server:       %-12s %s\n", h.Server, state)
	}
	return 0
}

func printActionList(label string, list []*model.Action) {
	for _, a := range list {
		fmt.Printf("%-13s %s %s/%s\n", label+":", a.ActionUUID, a.Server.Name, a.Endpoint)
	}
}

// --- QUEUE NOUN ---

func runQueueNoun(args []string) int {
	if len(args) < 1 {
		printQueueNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printQueueNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	fs := flag.NewFlagSet(action, flag.ContinueOnError)
	cf := addClientFlags(fs)
	arg, rest := splitPositional(args[1:], "api-url", "api-key")
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	c := cf.client()

	switch action {
	case "list":
		return runQueueList(c, arg, *cf.jsonOut)
	case "append-sequence":
		var seq model.Sequence
		if err := readJSONFile(arg, &seq); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		var out model.Sequence
		if err := c.do(http.MethodPost, "/append_sequence", api.SequenceRequest{Sequence: &seq}, &out); err != nil {
			return reportAPIError(action, err)
		}
		fmt.Printf("queued sequence %s (%s)\n", out.Name, out.SequenceUUID)
		return 0
	case "append-experiment":
		var exp model.Experiment
		if err := readJSONFile(arg, &exp); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		var out model.Experiment
		if err := c.do(http.MethodPost, "/append_experiment", api.ExperimentRequest{Experiment: &exp}, &out); err != nil {
			return reportAPIError(action, err)
		}
		fmt.Printf("queued experiment %s (%s)\n", out.Name, out.ExperimentUUID)
		return 0
	case "clear":
		var out api.CountResponse
		if err := c.do(http.MethodPost, "/clear_queue", api.ClearQueueRequest{Queue: arg}, &out); err != nil {
			return reportAPIError(action, err)
		}
		fmt.Printf("cleared %d item(s)\n", out.Count)
		return 0
	case "remove":
		if arg == "" {
			fmt.Fprintln(os.Stderr, "Usage: laborch queue remove ACTION_UUID")
			return 1
		}
		var out api.CountResponse
		if err := c.do(http.MethodPost, "/remove_action", api.RemoveActionRequest{ActionUUID: arg}, &out); err != nil {
			return reportAPIError(action, err)
		}
		fmt.Printf("removed action %s\n", arg)
		return 0
	case "recipes":
		var out json.RawMessage
		if err := c.do(http.MethodGet, "/recipes", nil, &out); err != nil {
			return reportAPIError(action, err)
		}
		printJSON(out)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown queue action: %s\n", action)
		return 1
	}
}

func printQueueNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: laborch queue <action> [--api-url URL] [--api-key KEY] [--json]")
	fmt.Fprintln(w, "Actions: list [sequences|experiments|actions], append-sequence FILE, append-experiment FILE, clear [experiments|actions|all], remove ACTION_UUID, recipes")
}

func runQueueList(c *apiClient, which string, jsonOut bool) int {
	if which == "" {
		which = "actions"
	}
	switch which {
	case "sequences":
		var seqs []*model.Sequence
		if err := c.do(http.MethodGet, "/list_sequences", nil, &seqs); err != nil {
			return reportAPIError("list", err)
		}
		if jsonOut {
			printJSON(seqs)
			return 0
		}
		for i, s := range seqs {
			fmt.Printf("%3d  %s  %s\n", i, s.SequenceUUID, s.Name)
		}
	case "experiments":
		var exps []*model.Experiment
		if err := c.do(http.MethodGet, "/list_experiments", nil, &exps); err != nil {
			return reportAPIError("list", err)
		}
		if jsonOut {
			printJSON(exps)
			return 0
		}
		for i, e := range exps {
			fmt.Printf("%3d  %s  %s\n", i, e.ExperimentUUID, e.Name)
		}
	case "actions":
		var acts []*model.Action
		if err := c.do(http.MethodGet, "/list_actions", nil, &acts); err != nil {
			return reportAPIError("list", err)
		}
		if jsonOut {
			printJSON(acts)
			return 0
		}
		for i, a := range acts {
			fmt.Printf("%3d  %s  %s/%s  %s\n", i, a.ActionUUID, a.Server.Name, a.Endpoint, a.StartCondition)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown queue %q (want sequences, experiments or actions)\n", which)
		return 1
	}
	return 0
}

func readJSONFile(path string, v any) error {
	if path == "" {
		return errors.New("a JSON file argument is required (use - for stdin)")
	}
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// --- WATCH ---

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	m := watch.New(*cf.apiURL, *cf.apiKey)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}
