// Package doctor checks a laborch configuration for mistakes that load
// cleanly but make a bad lab session: unauthenticated control endpoints,
// servers sharing an address, a status callback port nobody listens on.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/laborch/internal/api"
	"github.com/mattjoyce/laborch/internal/config"
	"github.com/mattjoyce/laborch/internal/recipe"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

var knownScopes = map[string]bool{
	"*":                 true,
	api.ScopeOrchRO:     true,
	api.ScopeOrchRW:     true,
	api.ScopeQueueRO:    true,
	api.ScopeQueueRW:    true,
	api.ScopeEventsRO:   true,
	api.ScopeStatusPush: true,
}

// Doctor validates a loaded configuration. The recipe registry is optional.
type Doctor struct {
	cfg      *config.Config
	registry *recipe.Registry
}

// New creates a Doctor from a loaded config and recipe registry.
func New(cfg *config.Config, registry *recipe.Registry) *Doctor {
	return &Doctor{cfg: cfg, registry: registry}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateConfig(r)
	d.validateTokenScopes(r)
	d.validateAddresses(r)
	d.validateCallbackPort(r)
	d.warnAPIExposure(r)
	d.warnLegacyAPIKey(r)
	d.warnEmptyWorld(r)
	d.warnIntervals(r)
	d.warnStepThrough(r)
	d.warnPlateDB(r)
	d.warnObjectStore(r)
	d.warnRecipes(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateConfig reports the loader's own validation failure, if any.
func (d *Doctor) validateConfig(r *Result) {
	if err := config.Validate(d.cfg); err != nil {
		d.addError(r, "config", "", err.Error())
	}
}

func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			scope = strings.TrimSpace(scope)
			if knownScopes[scope] {
				continue
			}
			d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
				fmt.Sprintf("unknown scope %q", scope))
		}
	}
}

// validateAddresses rejects two servers sharing one host:port. Requests for
// one would land on the other.
func (d *Doctor) validateAddresses(r *Result) {
	o := d.cfg.Orchestrator
	seen := map[string]string{
		endpointKey(o.Host, o.Port): o.Server,
	}
	for _, name := range d.cfg.ServerNames() {
		s := d.cfg.Servers[name]
		key := endpointKey(s.Host, s.Port)
		if prev, ok := seen[key]; ok {
			d.addError(r, "servers", "servers."+name,
				fmt.Sprintf("server %q shares %s with %q", name, key, prev))
			continue
		}
		seen[key] = name
	}
}

// validateCallbackPort checks that servers pushing status to the
// orchestrator's advertised port reach the API listener.
func (d *Doctor) validateCallbackPort(r *Result) {
	if !d.cfg.API.Enabled || d.cfg.API.Listen == "" {
		if len(d.cfg.Servers) > 0 {
			d.addWarning(r, "api", "api.enabled",
				"API disabled; action servers cannot push status updates")
		}
		return
	}
	_, port, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if port != strconv.Itoa(d.cfg.Orchestrator.Port) {
		d.addWarning(r, "api", "orchestrator.port",
			fmt.Sprintf("orchestrator.port %d differs from api.listen port %s; servers push status to the former",
				d.cfg.Orchestrator.Port, port))
	}
}

func (d *Doctor) warnAPIExposure(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Auth.APIKey != "" || len(d.cfg.API.Auth.Tokens) > 0 {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err == nil && isLoopback(host) {
		d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured")
		return
	}
	d.addWarning(r, "api", "api.auth",
		fmt.Sprintf("API listens on %q without authentication; anyone on the network can estop or clear queues", d.cfg.API.Listen))
}

func (d *Doctor) warnLegacyAPIKey(r *Result) {
	a := d.cfg.API.Auth
	if a.APIKey != "" && len(a.Tokens) == 0 {
		d.addWarning(r, "deprecated", "api.auth.api_key",
			"api_key grants full access; give action servers a status:push token instead")
	}
}

func (d *Doctor) warnEmptyWorld(r *Result) {
	if len(d.cfg.Servers) == 0 {
		d.addWarning(r, "servers", "servers",
			"no action servers configured; only orchestrator-local actions can run")
	}
}

func (d *Doctor) warnIntervals(r *Result) {
	o := d.cfg.Orchestrator
	switch {
	case o.HeartbeatInterval == 0:
		d.addWarning(r, "schedule", "orchestrator.heartbeat_interval",
			"heartbeat disabled; server availability is never refreshed")
	case o.HeartbeatInterval < time.Second:
		d.addWarning(r, "schedule", "orchestrator.heartbeat_interval",
			fmt.Sprintf("heartbeat interval %s is very short (< 1s)", o.HeartbeatInterval))
	}
	if o.ExportInterval == 0 {
		d.addWarning(r, "schedule", "orchestrator.export_interval",
			"periodic queue export disabled; queues are saved only at shutdown")
	}
	if o.CheckAvailability && o.AvailabilityTimeout > o.DispatchTimeout {
		d.addWarning(r, "schedule", "orchestrator.availability_timeout",
			"availability_timeout exceeds dispatch_timeout")
	}
}

func (d *Doctor) warnStepThrough(r *Result) {
	st := d.cfg.Orchestrator.StepThrough
	if st.Actions || st.Experiments || st.Sequences {
		d.addWarning(r, "orchestrator", "orchestrator.step_through",
			"step-through enabled by default; the loop stops after each step")
	}
}

func (d *Doctor) warnPlateDB(r *Result) {
	if d.cfg.State.PlateDB == "" {
		d.addWarning(r, "state", "state.plate_db",
			"no plate database; plate ids in experiment params are not verified")
	}
}

func (d *Doctor) warnObjectStore(r *Result) {
	store := d.cfg.ObjectStore
	if !store.Enabled() || store.UseSSL {
		return
	}
	host, _, err := net.SplitHostPort(store.Endpoint)
	if err != nil {
		host = store.Endpoint
	}
	if !isLoopback(host) {
		d.addWarning(r, "object_store", "object_store.use_ssl",
			fmt.Sprintf("object store %q is remote but TLS is off", store.Endpoint))
	}
}

func (d *Doctor) warnRecipes(r *Result) {
	if d.registry == nil {
		return
	}
	if len(d.registry.List()) == 0 {
		d.addWarning(r, "recipes", "", "no sequence or experiment recipes registered")
	}
}

func endpointKey(host string, port int) string {
	if host == "localhost" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	writeIssues(&b, "ERROR", r.Errors)
	writeIssues(&b, "WARN ", r.Warnings)
	return b.String()
}

func writeIssues(b *strings.Builder, label string, issues []Issue) {
	for _, i := range issues {
		if i.Field != "" {
			fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, i.Category, i.Field, i.Message)
		} else {
			fmt.Fprintf(b, "  %s [%s] %s\n", label, i.Category, i.Message)
		}
	}
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
