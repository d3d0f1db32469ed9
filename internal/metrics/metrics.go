// Package metrics exposes Prometheus instrumentation for the sync core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caregohq/carego-sync/internal/models"
)

// Observer receives engine and queue measurements. Implementations must be
// safe for concurrent use.
type Observer interface {
	ObserveFlush(report *models.FlushReport)
	SetQueueDepth(counts models.QueueCounts)
	SetOnline(online bool)
	RecordConflict(resolution string)
	RecordEnqueue(model string)
}

var (
	flushTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carego_sync_flush_total",
		Help: "Number of completed flush passes",
	})
	flushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "carego_sync_flush_duration_seconds",
		Help:    "Wall time of flush passes",
		Buckets: prometheus.DefBuckets,
	})
	syncedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carego_sync_operations_synced_total",
		Help: "Operations applied successfully on the server",
	})
	failedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carego_sync_operations_failed_total",
		Help: "Failed send attempts by failure class",
	}, []string{"class"})
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "carego_sync_queue_depth",
		Help: "Queued operations by status",
	}, []string{"status"})
	networkOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "carego_sync_network_online",
		Help: "1 when the network monitor reports online",
	})
	conflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carego_sync_conflicts_total",
		Help: "Conflicts settled by resolution",
	}, []string{"resolution"})
	enqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carego_sync_enqueued_total",
		Help: "Operations enqueued by model",
	}, []string{"model"})
)

type prometheusObserver struct{}

// NewPrometheusObserver returns an Observer backed by the default
// Prometheus registry.
func NewPrometheusObserver() Observer {
	return prometheusObserver{}
}

// Handler serves the scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func (prometheusObserver) ObserveFlush(report *models.FlushReport) {
	flushTotal.Inc()
	flushDuration.Observe(float64(report.DurationMS) / 1000.0)
	syncedTotal.Add(float64(len(report.Succeeded)))
	failedTotal.WithLabelValues("retryable").Add(float64(len(report.RetryableFailures)))
	failedTotal.WithLabelValues("terminal").Add(float64(len(report.TerminalFailures)))
}

func (prometheusObserver) SetQueueDepth(counts models.QueueCounts) {
	queueDepth.WithLabelValues(models.StatusPending).Set(float64(counts.Pending))
	queueDepth.WithLabelValues(models.StatusInFlight).Set(float64(counts.InFlight))
	queueDepth.WithLabelValues(models.StatusFailedRetryable).Set(float64(counts.FailedRetryable))
	queueDepth.WithLabelValues(models.StatusFailedTerminal).Set(float64(counts.FailedTerminal))
}

func (prometheusObserver) SetOnline(online bool) {
	if online {
		networkOnline.Set(1)
	} else {
		networkOnline.Set(0)
	}
}

func (prometheusObserver) RecordConflict(resolution string) {
	conflictsTotal.WithLabelValues(resolution).Inc()
}

func (prometheusObserver) RecordEnqueue(model string) {
	enqueuedTotal.WithLabelValues(model).Inc()
}

type noopObserver struct{}

// Noop returns an Observer that records nothing.
func Noop() Observer {
	return noopObserver{}
}

func (noopObserver) ObserveFlush(*models.FlushReport) {}

func (noopObserver) SetQueueDepth(models.QueueCounts) {}

func (noopObserver) SetOnline(bool) {}

func (noopObserver) RecordConflict(string) {}

func (noopObserver) RecordEnqueue(string) {}
