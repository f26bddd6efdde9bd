package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the daemon counters on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	sessions       prometheus.Counter
	commands       *prometheus.CounterVec
	downloadBytes  *prometheus.CounterVec
	flashBytes     *prometheus.CounterVec
	flashes        *prometheus.CounterVec
	partitionRuns  *prometheus.CounterVec
	installerLines *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flashd",
			Subsystem: "session",
			Name:      "accepted_total",
			Help:      "Sessions accepted on any endpoint.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flashd",
			Subsystem: "session",
			Name:      "commands_total",
			Help:      "Commands dispatched, by verb and response code.",
		}, []string{"verb", "result"}),
		downloadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flashd",
			Subsystem: "download",
			Name:      "bytes_total",
			Help:      "Payload bytes received, by buffer mode.",
		}, []string{"mode"}),
		flashBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flashd",
			Subsystem: "flash",
			Name:      "bytes_total",
			Help:      "Bytes written to flash targets.",
		}, []string{"target"}),
		flashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flashd",
			Subsystem: "flash",
			Name:      "operations_total",
			Help:      "Flash operations, by target and success.",
		}, []string{"target", "success"}),
		partitionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flashd",
			Subsystem: "partition",
			Name:      "runs_total",
			Help:      "Partition provisioning runs, by outcome.",
		}, []string{"outcome"}),
		installerLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flashd",
			Subsystem: "installer",
			Name:      "commands_total",
			Help:      "Installer script commands replayed, by response code.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flashd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flashd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
	m.Registry.MustRegister(
		m.sessions, m.commands, m.downloadBytes, m.flashBytes, m.flashes,
		m.partitionRuns, m.installerLines, m.httpRequests, m.httpDuration,
	)
	return m
}

func (m *Metrics) SessionAccepted() {
	m.sessions.Inc()
}

// Command implements session.Observer.
func (m *Metrics) Command(verb, code string) {
	m.commands.WithLabelValues(verb, code).Inc()
}

// Download implements session.Observer.
func (m *Metrics) Download(n int64, staged bool) {
	mode := "inline"
	if staged {
		mode = "staged"
	}
	m.downloadBytes.WithLabelValues(mode).Add(float64(n))
}

// Flashed matches flash.Options.OnFlash.
func (m *Metrics) Flashed(target string, n int64, err error) {
	if n > 0 {
		m.flashBytes.WithLabelValues(target).Add(float64(n))
	}
	m.flashes.WithLabelValues(target, strconv.FormatBool(err == nil)).Inc()
}

func (m *Metrics) PartitionRun(outcome string) {
	m.partitionRuns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) InstallerCommand(code string) {
	m.installerLines.WithLabelValues(code).Inc()
}
