package agent

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	namespace = "nodepulse"
	subsystem = "agent"
)

// Checker labels
const (
	CheckerService = "service"
	CheckerLog     = "log"
	CheckerWebsite = "website"
)

// Metrics is the agent's self-instrumentation. Each agent owns its registry
// so several agents can live in one process (tests).
type Metrics struct {
	registry *prometheus.Registry

	cycles          *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	checkerDuration *prometheus.HistogramVec
	checkerErrors   *prometheus.CounterVec
	alerts          *prometheus.CounterVec
	dispatchErrors  prometheus.Counter
	lastSuccess     prometheus.Gauge
}

// NewMetrics registers the agent metrics on a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cycles_total",
			Help:      "Heartbeat cycles by result (ok, no_node_id, cancelled)",
		}, []string{"result"}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one heartbeat cycle",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		checkerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "checker_duration_seconds",
			Help:      "Wall time of each checker",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"checker"}),
		checkerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "checker_errors_total",
			Help:      "Checker failures, including recovered panics",
		}, []string{"checker"}),
		alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "alerts_total",
			Help:      "Alert records produced by checker and state",
		}, []string{"checker", "state"}),
		dispatchErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "alert_dispatch_errors_total",
			Help:      "Alert upserts that were not delivered",
		}),
		lastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "last_successful_cycle_timestamp_seconds",
			Help:      "Unix time of the last cycle that obtained a node id",
		}),
	}
}

// Registry exposes the registry for scraping or inspection
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeChecker(checker string, d time.Duration, err error) {
	m.checkerDuration.WithLabelValues(checker).Observe(d.Seconds())
	if err != nil {
		m.checkerErrors.WithLabelValues(checker).Inc()
	}
}

func (m *Metrics) countAlerts(checker string, solved, unsolved int) {
	m.alerts.WithLabelValues(checker, "solved").Add(float64(solved))
	m.alerts.WithLabelValues(checker, "unsolved").Add(float64(unsolved))
}

// Serve exposes /metrics on addr until ctx is cancelled
func (m *Metrics) Serve(ctx context.Context, addr string, log *zap.SugaredLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infow("Metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
