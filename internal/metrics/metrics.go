package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petrepircalabu/libbdvmi/pkg/events"
)

const namespace = "bdvmi"

var (
	// Registry is a dedicated Prometheus registry for all bdvmi metrics.
	Registry = prometheus.NewRegistry()

	// EventsTotal counts processed ring requests by stat name.
	EventsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Number of vm_event requests processed, by stat",
		},
		[]string{"stat"}, // eventCount | eventsMemAccess | ...
	)

	// DispatchDuration measures the time spent turning a request into a response.
	DispatchDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_ms",
			Help:      "Duration of request dispatch in milliseconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 100},
		},
		[]string{"reason"},
	)

	// SessionErrorsTotal counts errors that ended an event loop.
	SessionErrorsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Number of fatal event loop errors",
		},
	)

	// SessionsActive reports the number of guests currently monitored.
	SessionsActive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of guests with an open event channel",
		},
	)

	// AgentInfo exposes static information about the running agent.
	AgentInfo = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_info",
			Help:      "Static information about the agent",
		},
		[]string{"os", "arch", "version", "hypervisor"},
	)

	// Up is a liveness gauge for the agent.
	Up = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "1 if the agent is running and healthy",
		},
	)
)

func init() {
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	Registry.MustRegister(prometheus.NewGoCollector())
	Up.Set(1)
}

// StatsCollector feeds dispatcher statistics into the registry.
type StatsCollector struct{}

var (
	_ events.StatsSink        = StatsCollector{}
	_ events.DispatchObserver = StatsCollector{}
)

// IncStat implements events.StatsSink.
func (StatsCollector) IncStat(name string) {
	EventsTotal.WithLabelValues(name).Inc()
}

// ObserveDispatch implements events.DispatchObserver.
func (StatsCollector) ObserveDispatch(reason string, elapsed time.Duration) {
	DispatchDuration.WithLabelValues(reason).Observe(float64(elapsed) / float64(time.Millisecond))
}

// SetAgentInfo publishes a single info metric for the running agent.
func SetAgentInfo(osName, arch, version, hypervisor string) {
	if osName == "" {
		osName = runtime.GOOS
	}
	if arch == "" {
		arch = runtime.GOARCH
	}
	if hypervisor == "" {
		hypervisor = "unknown"
	}
	if version == "" {
		version = "dev"
	}
	AgentInfo.WithLabelValues(osName, arch, version, hypervisor).Set(1)
}

// ObserveSessionError counts a fatal loop error.
func ObserveSessionError() {
	SessionErrorsTotal.Inc()
}

// SessionStarted and SessionEnded track the active session gauge.
func SessionStarted() { SessionsActive.Inc() }

func SessionEnded() { SessionsActive.Dec() }

// SetUp toggles the liveness gauge.
func SetUp(healthy bool) {
	if healthy {
		Up.Set(1)
		return
	}
	Up.Set(0)
}

// Serve starts the /metrics HTTP endpoint on the provided address.
func Serve(ctx context.Context, addr string, logger *log.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = log.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	srv := &http.Server{Addr: addr, Handler: mux}

	idleClosed := make(chan struct{})
	go func() {
		defer close(idleClosed)
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	logger.Printf("[Metrics] Prometheus endpoint listening on %s", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-idleClosed
		return nil
	}

	return err
}
