package monitor

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "rr_monitor"
)

// metricsCollector implements prometheus.Collector interface
type metricsCollector struct {
	sentReports    atomic.Uint64 // Reports accepted by the collector
	failedReports  atomic.Uint64 // Reports that exhausted their attempts
	droppedReports atomic.Uint64 // Reports lost to a full or closed queue
	retries        atomic.Uint64 // Extra attempts made after a failure
	queuedReports  atomic.Uint64 // Reports handed to the queue

	sentReportsDesc    *prometheus.Desc
	failedReportsDesc  *prometheus.Desc
	droppedReportsDesc *prometheus.Desc
	retriesDesc        *prometheus.Desc
	queuedReportsDesc  *prometheus.Desc

	// Vector metrics
	suppressedByReason *prometheus.CounterVec
	reportsByKind      *prometheus.CounterVec
}

// newMetricsCollector creates a new metrics collector
func newMetricsCollector() *metricsCollector {
	return &metricsCollector{
		sentReportsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sent_reports_total"),
			"Total number of reports accepted by the collector",
			nil, nil),

		failedReportsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "failed_reports_total"),
			"Total number of reports that failed after all attempts",
			nil, nil),

		droppedReportsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "dropped_reports_total"),
			"Total number of reports dropped before delivery",
			nil, nil),

		retriesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "retries_total"),
			"Total number of delivery retries",
			nil, nil),

		queuedReportsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "queued_reports_total"),
			"Total number of reports handed to the queue",
			nil, nil),

		suppressedByReason: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prometheus.BuildFQName(namespace, "", "suppressed_events_total"),
				Help: "Total number of events not reported, by reason",
			},
			[]string{"reason"}),

		reportsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prometheus.BuildFQName(namespace, "", "reports_by_kind_total"),
				Help: "Total number of built reports by kind",
			},
			[]string{"kind"}),
	}
}

func (mc *metricsCollector) IncSent()    { mc.sentReports.Add(1) }
func (mc *metricsCollector) IncFailed()  { mc.failedReports.Add(1) }
func (mc *metricsCollector) IncDropped() { mc.droppedReports.Add(1) }
func (mc *metricsCollector) IncRetries() { mc.retries.Add(1) }
func (mc *metricsCollector) IncQueued()  { mc.queuedReports.Add(1) }

// IncSuppressed increments the suppressed counter for a gate reason
func (mc *metricsCollector) IncSuppressed(reason string) {
	mc.suppressedByReason.WithLabelValues(reason).Inc()
}

// IncReports increments the built reports counter for a kind
func (mc *metricsCollector) IncReports(kind Kind) {
	mc.reportsByKind.WithLabelValues(string(kind)).Inc()
}

// Describe sends all metric descriptions to Prometheus
func (mc *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- mc.sentReportsDesc
	ch <- mc.failedReportsDesc
	ch <- mc.droppedReportsDesc
	ch <- mc.retriesDesc
	ch <- mc.queuedReportsDesc

	mc.suppressedByReason.Describe(ch)
	mc.reportsByKind.Describe(ch)
}

// Collect sends current metric values to Prometheus
func (mc *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(mc.sentReportsDesc, prometheus.CounterValue, float64(mc.sentReports.Load()))
	ch <- prometheus.MustNewConstMetric(mc.failedReportsDesc, prometheus.CounterValue, float64(mc.failedReports.Load()))
	ch <- prometheus.MustNewConstMetric(mc.droppedReportsDesc, prometheus.CounterValue, float64(mc.droppedReports.Load()))
	ch <- prometheus.MustNewConstMetric(mc.retriesDesc, prometheus.CounterValue, float64(mc.retries.Load()))
	ch <- prometheus.MustNewConstMetric(mc.queuedReportsDesc, prometheus.CounterValue, float64(mc.queuedReports.Load()))

	mc.suppressedByReason.Collect(ch)
	mc.reportsByKind.Collect(ch)
}

// Stats is a point-in-time copy of the counters
type Stats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Retries uint64 `json:"retries"`
	Queued  uint64 `json:"queued"`
}

func (mc *metricsCollector) snapshot() Stats {
	return Stats{
		Sent:    mc.sentReports.Load(),
		Failed:  mc.failedReports.Load(),
		Dropped: mc.droppedReports.Load(),
		Retries: mc.retries.Load(),
		Queued:  mc.queuedReports.Load(),
	}
}
