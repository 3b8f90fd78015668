// internal/agent/agent.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/signalnine/nodepulse/internal/alert"
	"github.com/signalnine/nodepulse/internal/config"
	"github.com/signalnine/nodepulse/internal/hostmetrics"
	"github.com/signalnine/nodepulse/internal/logger"
	"github.com/signalnine/nodepulse/internal/logtail"
	"github.com/signalnine/nodepulse/internal/protocol"
	"github.com/signalnine/nodepulse/internal/service"
	"github.com/signalnine/nodepulse/internal/transport"
	"github.com/signalnine/nodepulse/internal/website"
)

// ErrNoNodeID ends a cycle before any check runs
var ErrNoNodeID = errors.New("heartbeat returned no node id")

// HeartbeatDescription is sent as last_start_description
const HeartbeatDescription = "heartbeat"

// ServiceChecker checks service units
type ServiceChecker interface {
	Check(ctx context.Context, defs []config.ServiceDef) ([]protocol.AlertRecord, error)
}

// LogScanner scans log sources
type LogScanner interface {
	Scan(ctx context.Context, sources []config.LogSource) ([]protocol.AlertRecord, error)
}

// WebsiteChecker checks websites and their certificates
type WebsiteChecker interface {
	Check(ctx context.Context, defs []config.WebsiteDef, global config.SSLThresholds) ([]protocol.AlertRecord, error)
}

// Dispatcher delivers alerts for a node
type Dispatcher interface {
	Dispatch(ctx context.Context, nodeID string, records []protocol.AlertRecord) []alert.Outcome
}

// Deps overrides the collaborators New would otherwise build from config.
// Nil fields get the production implementation.
type Deps struct {
	Host     hostmetrics.Provider
	Poster   transport.Poster
	Services ServiceChecker
	Logs     LogScanner
	Websites WebsiteChecker
	Alerts   Dispatcher
	Metrics  *Metrics
	Log      *zap.SugaredLogger
}

// Agent runs heartbeat cycles against the collector
type Agent struct {
	mu  sync.RWMutex
	cfg *config.AgentConfig

	host     hostmetrics.Provider
	poster   transport.Poster
	services ServiceChecker
	logs     LogScanner
	websites WebsiteChecker
	alerts   Dispatcher
	metrics  *Metrics
	log      *zap.SugaredLogger
	now      func() time.Time
}

// New creates an agent for cfg
func New(cfg *config.AgentConfig, d Deps) *Agent {
	log := logger.OrNop(d.Log)

	if d.Host == nil {
		d.Host = hostmetrics.NewSystem()
	}
	if d.Poster == nil {
		d.Poster = transport.New(cfg.RequestTimeout, false)
	}
	if d.Services == nil {
		prober := service.NewProber(cfg.UnitBackend, nil, cfg)
		d.Services = service.NewChecker(prober, log.Named("service"))
	}
	if d.Logs == nil {
		d.Logs = logtail.NewEngine(logtail.NewDirStore(cfg.StateDir), log.Named("logtail"))
	}
	if d.Websites == nil {
		d.Websites = website.NewChecker(cfg.CheckTimeout, log.Named("website"))
	}
	if d.Alerts == nil {
		d.Alerts = alert.NewReconciler(d.Poster, cfg.AlertURL(), cfg.APIKey, log.Named("alert"))
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics()
	}

	return &Agent{
		cfg:      cfg,
		host:     d.Host,
		poster:   d.Poster,
		services: d.Services,
		logs:     d.Logs,
		websites: d.Websites,
		alerts:   d.Alerts,
		metrics:  d.Metrics,
		log:      log,
		now:      time.Now,
	}
}

// Metrics returns the agent's self-metrics
func (a *Agent) Metrics() *Metrics {
	return a.metrics
}

// Config returns the configuration the next cycle will use
func (a *Agent) Config() *config.AgentConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Reload swaps in the monitored entities of next. Endpoints, credentials and
// intervals are fixed for the lifetime of the agent.
func (a *Agent) Reload(next *config.AgentConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cfg := *a.cfg
	cfg.Services = next.Services
	cfg.Logs = next.Logs
	cfg.Websites = next.Websites
	cfg.SSLThresholds = next.SSLThresholds
	cfg.ParallelChecks = next.ParallelChecks
	a.cfg = &cfg
}

// Run executes one cycle immediately, then one per poll interval until ctx
// is cancelled. With once set it returns after the first cycle.
func (a *Agent) Run(ctx context.Context, once bool) error {
	cfg := a.Config()
	a.log.Infow("Agent starting",
		"hostname", cfg.Hostname,
		"collector", cfg.NodeURL(),
		"interval", cfg.PollInterval,
		"parallel", cfg.ParallelChecks)

	report := a.RunCycle(ctx)
	if once {
		return report.Err
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.log.Info("Agent shutting down")
			return nil
		case <-ticker.C:
			a.RunCycle(ctx)
		}
	}
}

// CycleReport summarizes one cycle
type CycleReport struct {
	ID            string
	Started       time.Time
	Duration      time.Duration
	NodeID        string
	Host          hostmetrics.Snapshot
	HostErrors    []error
	Alerts        []protocol.AlertRecord
	Outcomes      []alert.Outcome
	CheckerErrors map[string]error
	Err           error
}

// RunCycle performs one heartbeat cycle. Checks only run once the collector
// has returned a node id.
func (a *Agent) RunCycle(ctx context.Context) (report CycleReport) {
	cfg := a.Config()
	report = CycleReport{
		ID:            uuid.NewString(),
		Started:       a.now(),
		CheckerErrors: map[string]error{},
	}
	log := a.log.With("cycle", report.ID)

	defer func() {
		report.Duration = a.now().Sub(report.Started)
		a.metrics.cycleDuration.Observe(report.Duration.Seconds())
	}()

	report.Host, report.HostErrors = hostmetrics.Collect(ctx, a.host, cfg.DiskMount, cfg.CPUSampleInterval)
	for _, err := range report.HostErrors {
		log.Warnw("Metric unavailable, reporting zero", "error", err)
	}

	nodeID, err := a.heartbeat(ctx, cfg, report.Host)
	if err != nil {
		report.Err = err
		if ctx.Err() != nil {
			a.metrics.cycles.WithLabelValues("cancelled").Inc()
		} else {
			a.metrics.cycles.WithLabelValues("no_node_id").Inc()
		}
		log.Warnw("Skipping checks this cycle", "error", err)
		return report
	}
	report.NodeID = nodeID
	log = log.With("node", nodeID)

	report.Alerts = a.runCheckers(ctx, cfg, report.CheckerErrors, log)

	report.Outcomes = a.alerts.Dispatch(ctx, nodeID, report.Alerts)
	failed := alert.Failed(report.Outcomes)
	a.metrics.dispatchErrors.Add(float64(failed))

	a.metrics.cycles.WithLabelValues("ok").Inc()
	a.metrics.lastSuccess.SetToCurrentTime()
	log.Infow("Cycle complete",
		"alerts", len(report.Alerts),
		"undelivered", failed,
		"checker_errors", len(report.CheckerErrors))
	return report
}

func (a *Agent) heartbeat(ctx context.Context, cfg *config.AgentConfig, snap hostmetrics.Snapshot) (string, error) {
	hb := BuildHeartbeat(cfg, snap, a.now())

	resp, err := a.poster.PostJSON(ctx, cfg.NodeURL(), hb)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoNodeID, err)
	}
	if !resp.OK() {
		return "", fmt.Errorf("%w: collector returned %d: %s", ErrNoNodeID, resp.StatusCode, resp.Raw)
	}
	id := protocol.NodeID(resp.Body)
	if id == "" {
		return "", fmt.Errorf("%w: response %s", ErrNoNodeID, resp.Raw)
	}
	return id, nil
}

// BuildHeartbeat fills the heartbeat body from a metrics snapshot
func BuildHeartbeat(cfg *config.AgentConfig, snap hostmetrics.Snapshot, now time.Time) protocol.Heartbeat {
	return protocol.Heartbeat{
		APIKey:           cfg.APIKey,
		MicroService:     cfg.MicroService,
		ProviderCode:     cfg.Hostname,
		SlotsQuota:       cfg.SlotsQuota,
		SlotsUsed:        0,
		TotalRAMGB:       snap.TotalRAMGB,
		TotalDiskGB:      snap.TotalDiskGB,
		CPUCores:         snap.CPUCores,
		CurrentRAMUsage:  snap.RAMUsagePercent,
		CurrentDiskUsage: snap.DiskUsagePercent,
		CurrentCPUUsage:  snap.CPUUsagePercent,
		MaxRAMUsage:      protocol.MaxUsageThreshold,
		MaxDiskUsage:     protocol.MaxUsageThreshold,
		MaxCPUUsage:      protocol.MaxUsageThreshold,

		LastStartTime:        now.Format(time.RFC3339),
		LastStartSuccess:     true,
		LastStartDescription: HeartbeatDescription,
	}
}

type checkerRun struct {
	name string
	fn   func(ctx context.Context) ([]protocol.AlertRecord, error)
}

// runCheckers runs service, log and website checks, sequentially or in
// parallel, and returns their alerts in that order
func (a *Agent) runCheckers(ctx context.Context, cfg *config.AgentConfig, errs map[string]error, log *zap.SugaredLogger) []protocol.AlertRecord {
	defs, dropped := cfg.ServiceDefs()
	for _, name := range dropped {
		log.Warnw("Dropping service entry without a unit", "name", name)
	}

	runs := []checkerRun{
		{CheckerService, func(ctx context.Context) ([]protocol.AlertRecord, error) {
			return a.services.Check(ctx, defs)
		}},
		{CheckerLog, func(ctx context.Context) ([]protocol.AlertRecord, error) {
			return a.logs.Scan(ctx, cfg.Logs)
		}},
		{CheckerWebsite, func(ctx context.Context) ([]protocol.AlertRecord, error) {
			return a.websites.Check(ctx, cfg.Websites, cfg.GlobalSSLThresholds())
		}},
	}

	results := make([][]protocol.AlertRecord, len(runs))
	failures := make([]error, len(runs))

	if cfg.ParallelChecks {
		// Every goroutine returns nil so one failing checker never cancels the others
		g, gctx := errgroup.WithContext(ctx)
		for i, run := range runs {
			g.Go(func() error {
				results[i], failures[i] = a.guard(gctx, run)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, run := range runs {
			results[i], failures[i] = a.guard(ctx, run)
		}
	}

	var alerts []protocol.AlertRecord
	for i, run := range runs {
		if failures[i] != nil {
			errs[run.name] = failures[i]
			log.Errorw("Checker failed", "checker", run.name, "error", failures[i])
		}
		alerts = append(alerts, results[i]...)
	}
	return alerts
}

// guard runs one checker inside its own fault boundary. A panic is recovered
// and reported as the checker's error; alerts produced before an error are kept.
func (a *Agent) guard(ctx context.Context, run checkerRun) (alerts []protocol.AlertRecord, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s checker panicked: %v", run.name, r)
			a.log.Errorw("Recovered checker panic", "checker", run.name, "panic", r, "stack", string(debug.Stack()))
		}
		a.metrics.observeChecker(run.name, time.Since(start), err)

		solved := 0
		for _, rec := range alerts {
			if rec.Solved {
				solved++
			}
		}
		a.metrics.countAlerts(run.name, solved, len(alerts)-solved)
	}()

	return run.fn(ctx)
}
