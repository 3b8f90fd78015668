package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/nodepulse/internal/alert"
	"github.com/signalnine/nodepulse/internal/config"
	"github.com/signalnine/nodepulse/internal/hostmetrics"
	"github.com/signalnine/nodepulse/internal/logtail"
	"github.com/signalnine/nodepulse/internal/protocol"
	"github.com/signalnine/nodepulse/internal/transport"
)

type fakeHost struct{}

func (fakeHost) TotalRAMGB(context.Context) (float64, error)      { return 7.75, nil }
func (fakeHost) RAMUsagePercent(context.Context) (float64, error) { return 40.5, nil }
func (fakeHost) CPUUsagePercent(context.Context, time.Duration) (float64, error) {
	return 3.25, nil
}
func (fakeHost) TotalDiskGB(context.Context, string) (int, error)          { return 50, nil }
func (fakeHost) DiskUsagePercent(context.Context, string) (float64, error) { return 71.1, nil }
func (fakeHost) CPUCores(context.Context) (int, error)                     { return 4, nil }

// heartbeatPoster answers heartbeat posts with a fixed reply
type heartbeatPoster struct {
	reply *transport.Response
	err   error
	sent  []protocol.Heartbeat
}

func (p *heartbeatPoster) PostJSON(_ context.Context, _ string, payload any) (*transport.Response, error) {
	p.sent = append(p.sent, payload.(protocol.Heartbeat))
	return p.reply, p.err
}

type fakeServices struct {
	calls  int
	alerts []protocol.AlertRecord
	err    error
	delay  time.Duration
}

func (f *fakeServices) Check(ctx context.Context, _ []config.ServiceDef) ([]protocol.AlertRecord, error) {
	f.calls++
	time.Sleep(f.delay)
	return f.alerts, f.err
}

type fakeLogs struct {
	calls  int
	alerts []protocol.AlertRecord
	panics bool
}

func (f *fakeLogs) Scan(context.Context, []config.LogSource) ([]protocol.AlertRecord, error) {
	f.calls++
	if f.panics {
		panic("index out of range")
	}
	return f.alerts, nil
}

type fakeWebsites struct {
	calls  int
	alerts []protocol.AlertRecord
}

func (f *fakeWebsites) Check(context.Context, []config.WebsiteDef, config.SSLThresholds) ([]protocol.AlertRecord, error) {
	f.calls++
	return f.alerts, nil
}

type fakeDispatcher struct {
	mu      sync.Mutex
	nodeIDs []string
	records []protocol.AlertRecord
}

func (f *fakeDispatcher) Dispatch(_ context.Context, nodeID string, records []protocol.AlertRecord) []alert.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodeIDs = append(f.nodeIDs, nodeID)
	f.records = append(f.records, records...)
	out := make([]alert.Outcome, len(records))
	for i, r := range records {
		out[i] = alert.Outcome{Type: r.Type, Solved: r.Solved, StatusCode: 200}
	}
	return out
}

func testConfig() *config.AgentConfig {
	return &config.AgentConfig{
		SaaSURL:      "http://collector.test",
		NodePath:     config.DefaultNodePath,
		AlertPath:    config.DefaultAlertPath,
		MicroService: "web",
		SlotsQuota:   2,
		Hostname:     "node-1",
		PollInterval: time.Hour,
		DiskMount:    "/",
		UnitBackend:  "systemctl",
		APIKey:       "secret",
	}
}

type fixture struct {
	poster   *heartbeatPoster
	services *fakeServices
	logs     *fakeLogs
	websites *fakeWebsites
	alerts   *fakeDispatcher
}

func newFixture(reply *transport.Response) *fixture {
	return &fixture{
		poster:   &heartbeatPoster{reply: reply},
		services: &fakeServices{alerts: []protocol.AlertRecord{{Type: "SERVICE_FAILED:nginx", Solved: true}}},
		logs:     &fakeLogs{alerts: []protocol.AlertRecord{{Type: "LOG_ISSUE:app"}}},
		websites: &fakeWebsites{alerts: []protocol.AlertRecord{{Type: "shop", Solved: true}}},
		alerts:   &fakeDispatcher{},
	}
}

func (f *fixture) agent(cfg *config.AgentConfig) *Agent {
	return New(cfg, Deps{
		Host:     fakeHost{},
		Poster:   f.poster,
		Services: f.services,
		Logs:     f.logs,
		Websites: f.websites,
		Alerts:   f.alerts,
	})
}

func okReply(body map[string]any) *transport.Response {
	raw, _ := json.Marshal(body)
	return &transport.Response{StatusCode: 200, Body: body, Raw: string(raw)}
}

func alertTypes(records []protocol.AlertRecord) []string {
	var types []string
	for _, r := range records {
		types = append(types, r.Type)
	}
	return types
}

func TestRunCycleDispatchesInOrder(t *testing.T) {
	f := newFixture(okReply(map[string]any{"id_node": "n-7"}))
	a := f.agent(testConfig())

	report := a.RunCycle(context.Background())
	require.NoError(t, report.Err)
	assert.Equal(t, "n-7", report.NodeID)
	assert.NotEmpty(t, report.ID)
	assert.Empty(t, report.CheckerErrors)

	assert.Equal(t, []string{"n-7"}, f.alerts.nodeIDs)
	assert.Equal(t, []string{"SERVICE_FAILED:nginx", "LOG_ISSUE:app", "shop"}, alertTypes(f.alerts.records))
	assert.Len(t, report.Outcomes, 3)

	require.Len(t, f.poster.sent, 1)
	assert.Equal(t, 71.1, f.poster.sent[0].CurrentDiskUsage)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics().cycles.WithLabelValues("ok")))
}

func TestRunCycleNoNodeIDSkipsChecks(t *testing.T) {
	f := newFixture(okReply(map[string]any{"status": "created"}))
	a := f.agent(testConfig())

	report := a.RunCycle(context.Background())
	assert.ErrorIs(t, report.Err, ErrNoNodeID)
	assert.Empty(t, report.NodeID)

	assert.Zero(t, f.services.calls)
	assert.Zero(t, f.logs.calls)
	assert.Zero(t, f.websites.calls)
	assert.Empty(t, f.alerts.nodeIDs)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics().cycles.WithLabelValues("no_node_id")))
}

func TestRunCycleHeartbeatFailures(t *testing.T) {
	tests := []struct {
		name  string
		reply *transport.Response
		err   error
	}{
		{"transport error", nil, errors.New("connection refused")},
		{"server error", &transport.Response{StatusCode: 500, Raw: "oops", Body: map[string]any{"id_node": "x"}}, nil},
		{"non JSON", &transport.Response{StatusCode: 200, Raw: "<html>"}, nil},
		{"blank id", okReply(map[string]any{"id_node": "  "}), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(tt.reply)
			f.poster.err = tt.err
			a := f.agent(testConfig())

			report := a.RunCycle(context.Background())
			assert.ErrorIs(t, report.Err, ErrNoNodeID)
			assert.Zero(t, f.services.calls)
			assert.Empty(t, f.alerts.records)
		})
	}
}

func TestRunCycleNumericNodeID(t *testing.T) {
	f := newFixture(okReply(map[string]any{"id": json.Number("1234")}))
	report := f.agent(testConfig()).RunCycle(context.Background())
	require.NoError(t, report.Err)
	assert.Equal(t, "1234", report.NodeID)
}

func TestRunCycleIsolatesCheckerFailures(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		name := "sequential"
		if parallel {
			name = "parallel"
		}
		t.Run(name, func(t *testing.T) {
			f := newFixture(okReply(map[string]any{"id_node": "n"}))
			f.services.err = errors.New("dbus gone")
			f.logs.panics = true
			cfg := testConfig()
			cfg.ParallelChecks = parallel
			a := f.agent(cfg)

			report := a.RunCycle(context.Background())
			require.NoError(t, report.Err)

			assert.Equal(t, 1, f.websites.calls)
			require.Len(t, report.CheckerErrors, 2)
			assert.ErrorContains(t, report.CheckerErrors[CheckerService], "dbus gone")
			assert.ErrorContains(t, report.CheckerErrors[CheckerLog], "panicked")

			// alerts returned alongside an error are still dispatched
			assert.Equal(t, []string{"SERVICE_FAILED:nginx", "shop"}, alertTypes(f.alerts.records))
			assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics().checkerErrors.WithLabelValues(CheckerLog)))
		})
	}
}

func TestRunCycleParallelKeepsOrder(t *testing.T) {
	f := newFixture(okReply(map[string]any{"id_node": "n"}))
	f.services.delay = 50 * time.Millisecond
	cfg := testConfig()
	cfg.ParallelChecks = true

	report := f.agent(cfg).RunCycle(context.Background())
	require.NoError(t, report.Err)
	assert.Equal(t, []string{"SERVICE_FAILED:nginx", "LOG_ISSUE:app", "shop"}, alertTypes(report.Alerts))
}

func TestBuildHeartbeat(t *testing.T) {
	now := time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)
	snap := hostmetrics.Snapshot{TotalRAMGB: 7.75, RAMUsagePercent: 40.5, CPUUsagePercent: 3.25, TotalDiskGB: 50, DiskUsagePercent: 71.1, CPUCores: 4}

	hb := BuildHeartbeat(testConfig(), snap, now)
	data, err := json.Marshal(hb)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body))

	assert.Equal(t, "secret", body["api_key"])
	assert.Equal(t, "web", body["micro_service"])
	assert.Equal(t, "node-1", body["provider_code"])
	assert.Equal(t, 2.0, body["slots_quota"])
	assert.Equal(t, 0.0, body["slots_used"])
	assert.Equal(t, 7.75, body["total_ram_gb"])
	assert.Equal(t, 50.0, body["total_disk_gb"])
	assert.Equal(t, 90.0, body["max_ram_usage"])
	assert.Equal(t, 90.0, body["max_disk_usage"])
	assert.Equal(t, 90.0, body["max_cpu_usage"])
	assert.Equal(t, "2026-10-19T08:30:00Z", body["last_start_time"])
	assert.Equal(t, true, body["last_start_success"])
	assert.Equal(t, HeartbeatDescription, body["last_start_description"])

	for _, key := range []string{"ssh_username", "postgres_password", "creation_time", "migrations_success", "last_stop_time"} {
		v, ok := body[key]
		assert.True(t, ok, key)
		assert.Nil(t, v, key)
	}
}

func TestRunOnce(t *testing.T) {
	f := newFixture(okReply(map[string]any{}))
	err := f.agent(testConfig()).Run(context.Background(), true)
	assert.ErrorIs(t, err, ErrNoNodeID)
	assert.Len(t, f.poster.sent, 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(okReply(map[string]any{"id_node": "n"}))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.agent(testConfig()).Run(ctx, false) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestReloadKeepsEndpoints(t *testing.T) {
	f := newFixture(okReply(map[string]any{"id_node": "n"}))
	a := f.agent(testConfig())

	next := testConfig()
	next.SaaSURL = "http://elsewhere.test"
	next.APIKey = "other"
	next.Websites = []config.WebsiteDef{{Name: "shop", Protocol: "https", Host: "shop.test", Port: 443, Path: "/"}}
	next.ParallelChecks = true
	a.Reload(next)

	cfg := a.Config()
	assert.Equal(t, "http://collector.test", cfg.SaaSURL)
	assert.Equal(t, "secret", cfg.APIKey)
	assert.Len(t, cfg.Websites, 1)
	assert.True(t, cfg.ParallelChecks)
}

func TestWatchConfigReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("saas_url: http://collector.test\n"), 0644))

	f := newFixture(okReply(map[string]any{"id_node": "n"}))
	a := f.agent(testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.WatchConfig(ctx, path, filepath.Join(dir, "missing.env")) }()

	updated := strings.Join([]string{
		"saas_url: http://collector.test",
		"websites:",
		"  - name: shop",
		"    host: shop.test",
	}, "\n")

	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(updated), 0644)
		return len(a.Config().Websites) == 1
	}, 5*time.Second, 50*time.Millisecond)

	assert.Equal(t, "https", a.Config().Websites[0].Protocol)
}

func TestWatchConfigKeepsPreviousOnInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("saas_url: http://collector.test\n"), 0644))

	f := newFixture(okReply(map[string]any{"id_node": "n"}))
	cfg := testConfig()
	cfg.Websites = []config.WebsiteDef{{Name: "keep", Host: "keep.test", Protocol: "http", Port: 80, Path: "/"}}
	a := f.agent(cfg)

	a.reloadFrom(path+".nope", "")
	require.NoError(t, os.WriteFile(path, []byte("websites:\n  - name: x\n    host: x\n"), 0644))
	a.reloadFrom(path, filepath.Join(dir, "missing.env"))

	assert.Equal(t, "keep", a.Config().Websites[0].Name)
}

// End to end against an in-process collector with the real log engine
func TestRunCycleAgainstCollector(t *testing.T) {
	var mu sync.Mutex
	var upserts []protocol.AlertUpsert

	mux := http.NewServeMux()
	mux.HandleFunc(config.DefaultNodePath, func(w http.ResponseWriter, r *http.Request) {
		var hb protocol.Heartbeat
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&hb))
		assert.Equal(t, "secret", hb.APIKey)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id_node": 99}`))
	})
	mux.HandleFunc(config.DefaultAlertPath, func(w http.ResponseWriter, r *http.Request) {
		var up protocol.AlertUpsert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&up))
		mu.Lock()
		upserts = append(upserts, up)
		mu.Unlock()
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	logDir := t.TempDir()
	logPath := filepath.Join(logDir, "app.log")
	require.NoError(t, os.WriteFile(logPath, []byte("INFO boot\nERROR disk full\n"), 0644))

	cfg := testConfig()
	cfg.SaaSURL = srv.URL
	cfg.RequestTimeout = 2 * time.Second
	cfg.Logs = []config.LogSource{{Name: "app", PathPattern: logPath, Regex: config.DefaultLogRegex, TailLines: 5}}

	a := New(cfg, Deps{
		Host:     fakeHost{},
		Services: &fakeServices{},
		Logs:     logtail.NewEngine(logtail.NewMemoryStore(), nil),
		Websites: &fakeWebsites{},
	})

	report := a.RunCycle(context.Background())
	require.NoError(t, report.Err)
	assert.Equal(t, "99", report.NodeID)
	assert.Equal(t, 0, alert.Failed(report.Outcomes))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, upserts)
	var found bool
	for _, up := range upserts {
		assert.Equal(t, "99", up.NodeID)
		assert.Nil(t, up.ScreenshotURL)
		if !up.Solved && strings.Contains(up.Description, "ERROR disk full") {
			found = true
			assert.Equal(t, "LOG_ISSUE:app:app.log", up.Type)
		}
	}
	assert.True(t, found, "match alert not delivered")
}
