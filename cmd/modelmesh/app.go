package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/modelmesh/config"
	"github.com/c360studio/modelmesh/event"
	"github.com/c360studio/modelmesh/health"
	"github.com/c360studio/modelmesh/metric"
	"github.com/c360studio/modelmesh/orchestrator"
	"github.com/c360studio/modelmesh/selection"
	"github.com/c360studio/modelmesh/task"
	"github.com/c360studio/modelmesh/workflow"
)

// NATS request/reply subjects served by the daemon.
const (
	submitSubject    = "mesh.tasks.submit"
	providersSubject = "mesh.providers.list"
	resetSubject     = "mesh.providers.reset"
)

// App wires the orchestration core together for the serve and run
// commands.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	tracker *health.Tracker
	engine  *selection.Engine
	graphs  *workflow.Registry
	orch    *orchestrator.Orchestrator
	metrics *metric.Set

	natsConn   *nats.Conn
	subs       []*nats.Subscription
	metricsSrv *http.Server
	watcher    *config.Watcher
}

// NewApp builds the core from configuration. No I/O happens here;
// Start opens connections and listeners.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	app := &App{cfg: cfg, logger: logger}

	app.metrics = metric.NewSet(prometheus.DefaultRegisterer)

	app.tracker = health.NewTracker(cfg.HealthTrackerConfig(),
		health.WithStateChangeFunc(app.onHealthChange))
	for _, d := range cfg.Providers {
		app.tracker.Register(d.ProviderID, d.RateLimit)
	}

	app.engine = selection.NewEngine(cfg.Providers, app.tracker,
		selection.WithWeights(cfg.SelectionWeights()),
		selection.WithLogger(logger))

	app.graphs = workflow.NewRegistry()

	return app
}

// Start loads workflow graphs, connects NATS when configured, builds
// the orchestrator, and starts the metrics endpoint.
func (a *App) Start(ctx context.Context) error {
	if len(a.cfg.Workflows.Globs) > 0 {
		if err := a.graphs.LoadGlobs(a.cfg.Workflows.Globs); err != nil {
			return fmt.Errorf("load workflows: %w", err)
		}
		a.logger.Info("Workflow graphs loaded", "graphs", a.graphs.List())
	}

	emitter := event.Emitter(event.NewSlogEmitter(a.logger))
	if a.cfg.NATS.URL != "" {
		conn, err := nats.Connect(a.cfg.NATS.URL,
			nats.Name(appName),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			return fmt.Errorf("connect to NATS at %s: %w", a.cfg.NATS.URL, err)
		}
		a.natsConn = conn
		a.logger.Info("Connected to NATS", "url", a.cfg.NATS.URL)

		natsOpts := []event.NATSOption{event.WithLogger(a.logger)}
		if a.cfg.NATS.SubjectPrefix != "" {
			natsOpts = append(natsOpts, event.WithSubjectPrefix(a.cfg.NATS.SubjectPrefix))
		}
		emitter = event.Multi{emitter, event.NewNATSEmitter(conn, natsOpts...)}
	}

	a.orch = orchestrator.New(a.graphs, a.engine, a.tracker,
		orchestrator.WithPolicy(a.cfg.OrchestratorPolicy()),
		orchestrator.WithEmitter(emitter),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithLogger(a.logger))

	if a.cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		a.metricsSrv = &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error("Metrics server failed", "error", err)
			}
		}()
		a.logger.Info("Metrics endpoint started", "addr", a.cfg.Metrics.Addr)
	}

	return nil
}

// WatchConfig reloads provider descriptors when the config file changes.
func (a *App) WatchConfig(ctx context.Context, path string) error {
	w, err := config.NewWatcher(path, a.applyConfig, a.logger)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	a.watcher = w
	return nil
}

// applyConfig pushes a reloaded descriptor table into the engine and
// tracker. Health history for surviving providers is preserved.
func (a *App) applyConfig(cfg *config.Config) {
	a.engine.SetDescriptors(cfg.Providers)
	for _, d := range cfg.Providers {
		a.tracker.Register(d.ProviderID, d.RateLimit)
	}
	a.logger.Info("Provider descriptors replaced", "providers", len(cfg.Providers))
}

// submitRequest is the wire format accepted on the submit subject.
type submitRequest struct {
	Category    string              `json:"category"`
	Payload     string              `json:"payload"`
	GraphID     string              `json:"graph_id,omitempty"`
	Context     task.ProjectContext `json:"project_context,omitempty"`
	Constraints task.Constraints    `json:"constraints,omitempty"`
}

// errorReply is the wire format for submission failures.
type errorReply struct {
	Error string `json:"error"`
}

// Serve subscribes to the daemon subjects: task submission, live
// provider status, and operator health reset. Blocks until ctx is
// cancelled.
func (a *App) Serve(ctx context.Context) error {
	if a.natsConn == nil {
		return fmt.Errorf("serve requires a NATS connection (set nats.url)")
	}

	submit, err := a.natsConn.QueueSubscribe(submitSubject, appName, func(msg *nats.Msg) {
		go a.handleSubmit(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", submitSubject, err)
	}
	a.subs = append(a.subs, submit)

	list, err := a.natsConn.Subscribe(providersSubject, func(msg *nats.Msg) {
		a.reply(msg, a.providerStatuses())
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", providersSubject, err)
	}
	a.subs = append(a.subs, list)

	reset, err := a.natsConn.Subscribe(resetSubject, a.handleReset)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", resetSubject, err)
	}
	a.subs = append(a.subs, reset)

	a.logger.Info("Serving",
		"subjects", []string{submitSubject, providersSubject, resetSubject})
	<-ctx.Done()
	return nil
}

// providerStatus is the wire format for one provider's live status.
type providerStatus struct {
	Provider            string    `json:"provider"`
	Model               string    `json:"model"`
	Kind                string    `json:"kind"`
	CostPerUnit         float64   `json:"cost_per_unit"`
	Health              string    `json:"health"`
	ConsecutiveFailures int       `json:"consecutive_failures,omitempty"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
	RequestsInWindow    int       `json:"requests_in_window,omitempty"`
	RateLimit           int       `json:"rate_limit,omitempty"`
}

// providerStatuses joins the descriptor table with live health records.
// Providers the tracker has never seen report healthy.
func (a *App) providerStatuses() []providerStatus {
	descriptors := a.engine.Descriptors()
	out := make([]providerStatus, 0, len(descriptors))
	for _, d := range descriptors {
		s := providerStatus{
			Provider:    d.ProviderID,
			Model:       d.ModelID,
			Kind:        string(d.Kind),
			CostPerUnit: d.CostPerUnit,
			Health:      string(health.StateHealthy),
		}
		if rec, ok := a.tracker.Snapshot(d.ProviderID); ok {
			s.Health = string(rec.State)
			s.ConsecutiveFailures = rec.ConsecutiveFailures
			s.CooldownUntil = rec.CooldownUntil
			s.RequestsInWindow = rec.RequestsInWindow
			s.RateLimit = rec.RateLimit
		}
		out = append(out, s)
	}
	return out
}

// handleReset clears one provider's health record. The payload is the
// provider id.
func (a *App) handleReset(msg *nats.Msg) {
	providerID := strings.TrimSpace(string(msg.Data))
	if providerID == "" {
		a.reply(msg, errorReply{Error: "empty provider id"})
		return
	}
	a.tracker.Reset(providerID)
	a.logger.Info("Provider health reset", "provider", providerID)
	a.reply(msg, map[string]string{"status": "reset", "provider": providerID})
}

// handleSubmit decodes one submission, runs it, and replies with the
// result or a structured error.
func (a *App) handleSubmit(ctx context.Context, msg *nats.Msg) {
	var req submitRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		a.reply(msg, errorReply{Error: "malformed request: " + err.Error()})
		return
	}

	cat := task.ParseCategory(req.Category)
	if cat == "" {
		a.reply(msg, errorReply{Error: fmt.Sprintf("unknown category %q", req.Category)})
		return
	}

	t := task.New(cat, req.Payload,
		task.WithConstraints(req.Constraints),
		task.WithProjectContext(req.Context))

	result, err := a.orch.Submit(ctx, t, req.GraphID)
	if err != nil && result == nil {
		a.reply(msg, errorReply{Error: err.Error()})
		return
	}
	a.reply(msg, result)
}

// reply marshals and sends a reply, logging failures.
func (a *App) reply(msg *nats.Msg, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		a.logger.Error("Failed to marshal reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		a.logger.Warn("Failed to send reply", "error", err)
	}
}

// Submit runs one task through the orchestrator directly.
func (a *App) Submit(ctx context.Context, t task.Task, graphID string) (*orchestrator.Result, error) {
	return a.orch.Submit(ctx, t, graphID)
}

// onHealthChange republishes health transitions as events and metrics.
func (a *App) onHealthChange(providerID string, from, to health.State) {
	a.metrics.SetHealthState(providerID, string(to))
	a.logger.Info("Provider health changed",
		"provider", providerID,
		"from", from,
		"to", to)
}

// Shutdown stops listeners and drains the NATS connection.
func (a *App) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.watcher != nil {
		_ = a.watcher.Stop()
	}
	for _, sub := range a.subs {
		_ = sub.Drain()
	}
	if a.metricsSrv != nil {
		_ = a.metricsSrv.Shutdown(ctx)
	}
	if a.natsConn != nil {
		_ = a.natsConn.Drain()
		a.natsConn.Close()
	}

	a.logger.Info("Shutdown complete")
}
