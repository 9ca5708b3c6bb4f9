package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/mattjoyce/laborch/internal/log"
	"github.com/mattjoyce/laborch/internal/model"
	"github.com/mattjoyce/laborch/internal/protocol"
)

const (
	// maxResponseBytes caps how much of a server reply is read.
	maxResponseBytes = 4 << 20

	defaultDispatchTimeout     = 30 * time.Second
	defaultAvailabilityTimeout = 3 * time.Second
	defaultPrivateRetries      = 3
	defaultRetryBackoff        = 500 * time.Millisecond
)

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	DispatchTimeout     time.Duration
	AvailabilityTimeout time.Duration
	PrivateRetries      int
	RetryBackoff        time.Duration
	HTTPClient          *http.Client
}

// Client sends actions and management calls to remote servers.
type Client struct {
	http           *http.Client
	dispatchTO     time.Duration
	availabilityTO time.Duration
	retries        int
	backoff        time.Duration
	logger         *slog.Logger
}

// New creates a Client.
func New(opts Options) *Client {
	c := &Client{
		http:           opts.HTTPClient,
		dispatchTO:     opts.DispatchTimeout,
		availabilityTO: opts.AvailabilityTimeout,
		retries:        opts.PrivateRetries,
		backoff:        opts.RetryBackoff,
		logger:         log.WithComponent("dispatch"),
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.dispatchTO <= 0 {
		c.dispatchTO = defaultDispatchTimeout
	}
	if c.availabilityTO <= 0 {
		c.availabilityTO = defaultAvailabilityTimeout
	}
	if c.retries <= 0 {
		c.retries = defaultPrivateRetries
	}
	if c.backoff <= 0 {
		c.backoff = defaultRetryBackoff
	}
	return c
}

// ActionURL returns the URL an action is POSTed to.
func ActionURL(srv model.Server, endpoint string) string {
	return fmt.Sprintf("%s/%s/%s", srv.BaseURL(), url.PathEscape(srv.Name), url.PathEscape(endpoint))
}

// DispatchAction POSTs a to its server and returns the updated action.
// servers is the world config used to resolve a.Server.Name.
func (c *Client) DispatchAction(ctx context.Context, servers map[string]model.Server, a *model.Action) (*model.Action, model.ErrorCode) {
	logger := log.WithAction(a.ActionUUID).With("server", a.Server.Name, "endpoint", a.Endpoint)

	srv, ok := servers[a.Server.Name]
	if !ok {
		logger.Error("server not in world config")
		return nil, model.ErrorNotAvailable
	}
	a.Server = srv

	var body bytes.Buffer
	if err := protocol.EncodeActionRequest(&body, a); err != nil {
		logger.Error("failed to encode action", "error", err)
		return nil, model.ErrorCritical
	}

	ctx, cancel := context.WithTimeout(ctx, c.dispatchTO)
	defer cancel()

	target := ActionURL(srv, a.Endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, &body)
	if err != nil {
		logger.Error("failed to build request", "error", err)
		return nil, model.ErrorHTTP
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		logger.Error("dispatch transport error", "url", target, "error", err)
		return nil, model.ErrorHTTP
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		logger.Error("dispatch rejected", "url", target, "status", resp.StatusCode, "body", string(snippet))
		return nil, model.ErrorHTTP
	}

	updated, raw, err := protocol.DecodeActionResponseLenient(io.LimitReader(resp.Body, maxResponseBytes))
	switch {
	case errors.Is(err, protocol.ErrEmptyBody), errors.Is(err, protocol.ErrNotJSON):
		logger.Error("dispatch response is not JSON", "error", err, "raw", truncate(raw))
		return nil, model.ErrorHTTP
	case err != nil:
		logger.Error("dispatch response is not an action", "error", err, "raw", truncate(raw))
		return nil, model.ErrorCritical
	}

	logger.Info("action dispatched", "url", target, "duration_ms", time.Since(start).Milliseconds())
	return updated, model.ErrorNone
}

// DispatchPrivate POSTs params to http://host:port/<endpoint> and returns
// the raw reply. It retries with linear backoff.
func (c *Client) DispatchPrivate(ctx context.Context, server, host string, port int, endpoint string, params any) (json.RawMessage, model.ErrorCode) {
	logger := c.logger.With("server", server, "endpoint", endpoint)
	target := fmt.Sprintf("http://%s:%d/%s", host, port, url.PathEscape(endpoint))

	payload, err := json.Marshal(params)
	if err != nil {
		logger.Error("failed to encode params", "error", err)
		return nil, model.ErrorCritical
	}

	code := model.ErrorHTTP
	for attempt := 1; attempt <= c.retries; attempt++ {
		var raw json.RawMessage
		raw, code = c.postOnce(ctx, target, payload)
		if code.IsNone() {
			return raw, model.ErrorNone
		}
		logger.Warn("private call failed", "url", target, "attempt", attempt, "error_code", code)
		if attempt == c.retries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, model.ErrorHTTP
		case <-time.After(time.Duration(attempt) * c.backoff):
		}
	}
	return nil, code
}

func (c *Client) postOnce(ctx context.Context, target string, payload []byte) (json.RawMessage, model.ErrorCode) {
	ctx, cancel := context.WithTimeout(ctx, c.dispatchTO)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, model.ErrorHTTP
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, model.ErrorHTTP
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil || resp.StatusCode != http.StatusOK {
		return nil, model.ErrorHTTP
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage("null"), model.ErrorNone
	}
	if !json.Valid(data) {
		return nil, model.ErrorHTTP
	}
	return json.RawMessage(data), model.ErrorNone
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
