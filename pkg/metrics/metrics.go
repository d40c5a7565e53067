// Package metrics registers the Prometheus instrumentation for the
// supervisor, worker, and API server, using a GaugeVec/CounterVec
// construction style under a leadforge_ prefix.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SlotsTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "leadforge_slots_total",
		Help: "Number of known slots by status.",
	}, []string{"status"})

	PagesFetchedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leadforge_pages_fetched_total",
		Help: "Pages fetched per slot.",
	}, []string{"slot_id"})

	LeadsParsedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leadforge_leads_parsed_total",
		Help: "Unique leads parsed per slot.",
	}, []string{"slot_id"})

	ClickedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leadforge_clicked_total",
		Help: "Leads clicked per slot.",
	}, []string{"slot_id"})

	VerifiedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leadforge_verified_total",
		Help: "Leads verified per slot.",
	}, []string{"slot_id"})

	RejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leadforge_rejected_total",
		Help: "Leads rejected per slot, by reason.",
	}, []string{"slot_id", "reason"})

	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leadforge_errors_total",
		Help: "Worker errors per slot.",
	}, []string{"slot_id"})

	ErrorRate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "leadforge_error_rate",
		Help: "Current error_rate gauge per slot.",
	}, []string{"slot_id"})

	Throughput = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "leadforge_throughput",
		Help: "Leads per minute over the last measurement window, per slot.",
	}, []string{"slot_id"})

	ReconcileCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "leadforge_reconcile_cycles_total",
		Help: "Supervisor reconciliation cycles run.",
	})

	ReconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "leadforge_reconcile_duration_seconds",
		Help: "Duration of one supervisor reconciliation cycle.",
	})

	APIRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leadforge_api_requests_total",
		Help: "Control-plane HTTP requests served.",
	}, []string{"route", "method", "status"})
)

func init() {
	prometheus.MustRegister(
		SlotsTotal,
		PagesFetchedTotal,
		LeadsParsedTotal,
		ClickedTotal,
		VerifiedTotal,
		RejectedTotal,
		ErrorsTotal,
		ErrorRate,
		Throughput,
		ReconcileCyclesTotal,
		ReconcileDuration,
		APIRequestsTotal,
	)
}

// Timer measures an operation's duration and observes it into a histogram
// on Stop.
type Timer struct {
	start time.Time
	hist  prometheus.Histogram
}

func NewTimer(hist prometheus.Histogram) *Timer {
	return &Timer{start: time.Now(), hist: hist}
}

func (t *Timer) ObserveDuration() {
	t.hist.Observe(time.Since(t.start).Seconds())
}
