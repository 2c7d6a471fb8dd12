package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/3leaps/trainctl/pkg/devices"
)

const metricsNamespace = "trainctl"

// RunMetrics collects one orchestrator run's metrics in a private registry
// so they can be written next to the job as a node-exporter textfile.
type RunMetrics struct {
	reg *prometheus.Registry

	phaseSeconds *prometheus.GaugeVec
	phaseTotal   *prometheus.CounterVec
	jobState     *prometheus.GaugeVec
	exitCode     prometheus.Gauge
	deviceUtil   *prometheus.GaugeVec
	deviceMem    *prometheus.GaugeVec
	logBytes     prometheus.Gauge
	samples      prometheus.Counter
}

// NewRunMetrics registers the run metrics, labelled with the experiment name.
func NewRunMetrics(experiment string) *RunMetrics {
	labels := prometheus.Labels{"experiment": experiment}
	m := &RunMetrics{
		reg: prometheus.NewRegistry(),
		phaseSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "phase_duration_seconds",
			Help:        "Wall-clock duration of each completed lifecycle phase.",
			ConstLabels: labels,
		}, []string{"phase"}),
		phaseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "phase_transitions_total",
			Help:        "Lifecycle phase transitions by status.",
			ConstLabels: labels,
		}, []string{"phase", "status"}),
		jobState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "job_state",
			Help:        "1 for the job's current state, 0 otherwise.",
			ConstLabels: labels,
		}, []string{"state"}),
		exitCode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "job_exit_code",
			Help:        "Exit code of the finished job.",
			ConstLabels: labels,
		}),
		deviceUtil: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "device_utilization_percent",
			Help:        "Last sampled accelerator utilization.",
			ConstLabels: labels,
		}, []string{"device"}),
		deviceMem: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "device_memory_used_bytes",
			Help:        "Last sampled accelerator memory in use.",
			ConstLabels: labels,
		}, []string{"device"}),
		logBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "job_log_bytes",
			Help:        "Size of the job's log at the last sample.",
			ConstLabels: labels,
		}),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "samples_total",
			Help:        "Device samples taken during supervision.",
			ConstLabels: labels,
		}),
	}
	m.reg.MustRegister(m.phaseSeconds, m.phaseTotal, m.jobState, m.exitCode, m.deviceUtil, m.deviceMem, m.logBytes, m.samples)
	return m
}

// Registry exposes the underlying registry for gathering.
func (m *RunMetrics) Registry() *prometheus.Registry {
	return m.reg
}

// ObservePhase counts a phase transition; completed phases also record
// their duration.
func (m *RunMetrics) ObservePhase(phase, status string, d time.Duration) {
	m.phaseTotal.WithLabelValues(phase, status).Inc()
	if d > 0 {
		m.phaseSeconds.WithLabelValues(phase).Set(d.Seconds())
	}
}

// SetJobState marks state as current.
func (m *RunMetrics) SetJobState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.jobState.WithLabelValues(s).Set(v)
	}
}

func (m *RunMetrics) SetExitCode(code int) {
	m.exitCode.Set(float64(code))
}

// ObserveSample records one supervision sample.
func (m *RunMetrics) ObserveSample(devs []devices.Device, logBytes int64) {
	m.samples.Inc()
	m.logBytes.Set(float64(logBytes))
	for _, d := range devs {
		idx := strconv.Itoa(d.Index)
		m.deviceUtil.WithLabelValues(idx).Set(float64(d.UtilizationPercent))
		m.deviceMem.WithLabelValues(idx).Set(float64(d.MemoryUsedMiB) * 1024 * 1024)
	}
}

// WriteTextfile atomically writes the metrics in the text exposition format.
func (m *RunMetrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.reg)
}
