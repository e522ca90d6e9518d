package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arloliu/ephost/types"
)

// PrometheusCollector implements types.MetricsCollector backed by Prometheus.
//
// Collectors are created and registered lazily on first use, so constructing one
// that is never exercised leaves the registry untouched.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	stateTransitions *prometheus.CounterVec
	initDuration     *prometheus.HistogramVec

	scans         *prometheus.CounterVec
	scanDuration  prometheus.Histogram
	leasesTaken   *prometheus.CounterVec
	ownedLeases   prometheus.Gauge
	activePumps   prometheus.Gauge
	renewals      *prometheus.CounterVec
	leasesLost    *prometheus.CounterVec
	events        *prometheus.CounterVec
	batchDuration prometheus.Histogram
	checkpoints   *prometheus.CounterVec
	storeLatency  *prometheus.HistogramVec
}

// Compile-time assertion that PrometheusCollector implements MetricsCollector.
var _ types.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheus creates a new Prometheus-backed metrics collector.
//
// Parameters:
//   - reg: Prometheus registerer interface (uses prometheus.DefaultRegisterer if nil)
//   - namespace: Prometheus metrics namespace (defaults to "ephost" if empty)
//
// Returns:
//   - *PrometheusCollector: A MetricsCollector implementation using Prometheus
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "ephost"
	}

	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "host",
			Name:      "state_transitions_total",
			Help:      "Total host state transitions by target state.",
		}, []string{"from", "to"})

		p.initDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "host",
			Name:      "initialization_seconds",
			Help:      "Duration of store initialization by result.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"result"})

		p.scans = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "scanner",
			Name:      "scans_total",
			Help:      "Total scan passes, labelled by whether the pass stole a lease.",
		}, []string{"stole"})

		p.scanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "scanner",
			Name:      "scan_duration_seconds",
			Help:      "Duration of scan passes in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		})

		p.leasesTaken = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "scanner",
			Name:      "leases_acquired_total",
			Help:      "Total leases acquired by kind (acquired, stolen).",
		}, []string{"kind"})

		p.ownedLeases = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "scanner",
			Name:      "owned_leases",
			Help:      "Leases owned by this host at the start of the last scan.",
		})

		p.activePumps = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "pump",
			Name:      "active",
			Help:      "Number of running partition pumps.",
		})

		p.renewals = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "pump",
			Name:      "lease_renewals_total",
			Help:      "Lease renewal attempts by result.",
		}, []string{"result"})

		p.leasesLost = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "pump",
			Name:      "leases_lost_total",
			Help:      "Pumps closed because their lease was lost.",
		}, []string{"partition"})

		p.events = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "pump",
			Name:      "events_processed_total",
			Help:      "Events delivered to processors by partition.",
		}, []string{"partition"})

		p.batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "pump",
			Name:      "batch_duration_seconds",
			Help:      "Processor batch callback duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		})

		p.checkpoints = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "pump",
			Name:      "checkpoints_total",
			Help:      "Checkpoint attempts by result.",
		}, []string{"result"})

		p.storeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "store",
			Name:      "operation_seconds",
			Help:      "Lease store operation latency by operation.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"})

		p.reg.MustRegister(
			p.stateTransitions,
			p.initDuration,
			p.scans,
			p.scanDuration,
			p.leasesTaken,
			p.ownedLeases,
			p.activePumps,
			p.renewals,
			p.leasesLost,
			p.events,
			p.batchDuration,
			p.checkpoints,
			p.storeLatency,
		)
	})
}

func result(success bool) string {
	if success {
		return "success"
	}

	return "failure"
}

// RecordStateTransition counts a host state transition.
func (p *PrometheusCollector) RecordStateTransition(from, to types.HostState, _ float64) {
	p.ensureRegistered()
	p.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

// RecordInitialization observes store initialization duration.
func (p *PrometheusCollector) RecordInitialization(duration float64, success bool) {
	p.ensureRegistered()
	p.initDuration.WithLabelValues(result(success)).Observe(duration)
}

// RecordScan counts a scan pass and observes its duration.
func (p *PrometheusCollector) RecordScan(duration float64, stole bool) {
	p.ensureRegistered()
	p.scans.WithLabelValues(strconv.FormatBool(stole)).Inc()
	p.scanDuration.Observe(duration)
}

// RecordLeaseAcquired counts an acquisition.
func (p *PrometheusCollector) RecordLeaseAcquired(stolen bool) {
	p.ensureRegistered()
	kind := "acquired"
	if stolen {
		kind = "stolen"
	}
	p.leasesTaken.WithLabelValues(kind).Inc()
}

// RecordOwnedLeases sets the owned lease gauge.
func (p *PrometheusCollector) RecordOwnedLeases(count int) {
	p.ensureRegistered()
	p.ownedLeases.Set(float64(count))
}

// RecordActivePumps sets the active pump gauge.
func (p *PrometheusCollector) RecordActivePumps(count int) {
	p.ensureRegistered()
	p.activePumps.Set(float64(count))
}

// RecordLeaseRenewal counts a renewal attempt.
func (p *PrometheusCollector) RecordLeaseRenewal(success bool) {
	p.ensureRegistered()
	p.renewals.WithLabelValues(result(success)).Inc()
}

// RecordLeaseLost counts a lost lease.
func (p *PrometheusCollector) RecordLeaseLost(partitionID string) {
	p.ensureRegistered()
	p.leasesLost.WithLabelValues(partitionID).Inc()
}

// RecordEventsProcessed counts delivered events and observes the callback duration.
func (p *PrometheusCollector) RecordEventsProcessed(partitionID string, count int, duration float64) {
	p.ensureRegistered()
	p.events.WithLabelValues(partitionID).Add(float64(count))
	p.batchDuration.Observe(duration)
}

// RecordCheckpoint counts a checkpoint attempt.
func (p *PrometheusCollector) RecordCheckpoint(success bool) {
	p.ensureRegistered()
	p.checkpoints.WithLabelValues(result(success)).Inc()
}

// RecordStoreOperation observes lease store latency.
func (p *PrometheusCollector) RecordStoreOperation(operation string, duration float64) {
	p.ensureRegistered()
	p.storeLatency.WithLabelValues(operation).Observe(duration)
}
