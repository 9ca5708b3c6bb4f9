// Package scheduler runs the orchestrator's background tasks: the server
// heartbeat, status-subscription maintenance and periodic queue export.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/laborch/internal/dispatch"
	"github.com/mattjoyce/laborch/internal/events"
	"github.com/mattjoyce/laborch/internal/model"
	"github.com/mattjoyce/laborch/internal/orchestrator"
	"github.com/mattjoyce/laborch/internal/protocol"
)

// Config holds the task intervals. A zero interval disables that task.
type Config struct {
	HeartbeatInterval time.Duration
	ExportInterval    time.Duration
	// Self is where remote servers push status updates.
	Self model.Server
}

// Scheduler owns the background goroutines.
type Scheduler struct {
	cfg    Config
	orch   Orchestrator
	client Client
	events *events.Hub
	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	attached map[string]bool
}

// New creates a new Scheduler instance.
func New(cfg Config, orch Orchestrator, client Client, hub *events.Hub, logger *slog.Logger) *Scheduler {
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &Scheduler{
		cfg:      cfg,
		orch:     orch,
		client:   client,
		events:   hub,
		logger:   logger.With("component", "scheduler"),
		stopCh:   make(chan struct{}),
		attached: make(map[string]bool),
	}
}

// Start runs one heartbeat pass, which attaches to every reachable server,
// then starts the periodic loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "heartbeat_interval", s.cfg.HeartbeatInterval, "export_interval", s.cfg.ExportInterval)

	s.Heartbeat(ctx)

	if s.cfg.HeartbeatInterval > 0 {
		s.wg.Add(1)
		go s.loop(ctx, s.cfg.HeartbeatInterval, s.Heartbeat)
	}
	if s.cfg.ExportInterval > 0 {
		s.wg.Add(1)
		go s.loop(ctx, s.cfg.ExportInterval, s.Export)
	}
	return nil
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, every time.Duration, fn func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// HeartbeatURL is the URL probed for a server. Management routes only accept
// POST, so a 405 still proves the server is up.
func HeartbeatURL(srv model.Server) string {
	return fmt.Sprintf("http://%s:%d/%s", srv.Host, srv.Port, orchestrator.EndpointGetStatus)
}

// Heartbeat probes every configured server, records its health and
// (re)attaches to servers that are reachable but not subscribed.
func (s *Scheduler) Heartbeat(ctx context.Context) {
	servers := s.orch.Servers()
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return
	}

	urls := make([]string, len(names))
	for i, name := range names {
		urls[i] = HeartbeatURL(servers[name])
	}
	_, failures := s.client.CheckEndpointsAvailable(ctx, urls)
	byURL := make(map[string]dispatch.Unavailable, len(failures))
	for _, f := range failures {
		byURL[f.URL] = f
	}

	for i, name := range names {
		f, down := byURL[urls[i]]
		if down {
			s.orch.RecordHealth(name, false, string(f.Reason))
			s.setAttached(name, false)
			continue
		}
		recovered := s.orch.RecordHealth(name, true, "")
		if recovered || !s.isAttached(name) {
			if recovered {
				s.logger.Info("server recovered, re-attaching", "server", name)
			}
			if err := s.Attach(ctx, servers[name]); err != nil {
				s.logger.Warn("attach failed", "server", name, "error", err)
			}
		}
	}
}

// Attach subscribes to srv's status pushes and then re-syncs the status model
// from its current endpoint map.
func (s *Scheduler) Attach(ctx context.Context, srv model.Server) error {
	req := protocol.ManagementRequest{
		OrchName: s.orch.Name(),
		Host:     s.cfg.Self.Host,
		Port:     s.cfg.Self.Port,
	}
	if _, code := s.client.DispatchPrivate(ctx, srv.Name, srv.Host, srv.Port, orchestrator.EndpointAttachClient, req); !code.IsNone() {
		s.setAttached(srv.Name, false)
		return fmt.Errorf("attach_client: %s", code)
	}
	s.setAttached(srv.Name, true)
	s.events.Publish(events.ServerAttached, map[string]any{"server": srv.Name})

	if err := s.resync(ctx, srv); err != nil {
		s.logger.Warn("status re-sync failed", "server", srv.Name, "error", err)
	}
	return nil
}

func (s *Scheduler) resync(ctx context.Context, srv model.Server) error {
	raw, code := s.client.DispatchPrivate(ctx, srv.Name, srv.Host, srv.Port, orchestrator.EndpointGetStatus,
		protocol.ManagementRequest{OrchName: s.orch.Name()})
	if !code.IsNone() {
		return fmt.Errorf("get_status: %s", code)
	}

	var resp protocol.ManagementResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode get_status reply: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil
	}
	var st model.ServerStatus
	if err := json.Unmarshal(resp.Data, &st); err != nil {
		return fmt.Errorf("decode server status: %w", err)
	}
	if st.Server.Name == "" {
		st.Server = srv
	}
	if len(st.Endpoints) == 0 {
		return nil
	}
	transitions := s.orch.UpdateStatus(ctx, st)
	s.logger.Debug("status re-synced", "server", srv.Name, "endpoints", len(st.Endpoints), "transitions", len(transitions))
	return nil
}

// Export persists a queue snapshot.
func (s *Scheduler) Export(ctx context.Context) {
	if _, err := s.orch.ExportQueues(ctx, "periodic"); err != nil {
		s.logger.Error("Periodic export failed", "error", err)
	}
}

// Attached reports whether the last attach to server succeeded.
func (s *Scheduler) Attached(server string) bool { return s.isAttached(server) }

func (s *Scheduler) isAttached(server string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached[server]
}

func (s *Scheduler) setAttached(server string, ok bool) {
	s.mu.Lock()
	s.attached[server] = ok
	s.mu.Unlock()
}
