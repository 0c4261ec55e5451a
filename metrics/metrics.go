package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dhcgn/imap-xlsx-ingest/runner"
	"github.com/dhcgn/imap-xlsx-ingest/stats"
)

var (
	TicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_ticks_total",
			Help: "Total number of pipeline ticks by terminal state",
		},
		[]string{"state"}, // done, failed, skipped
	)

	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_tick_duration_seconds",
			Help:    "Pipeline tick duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
	)

	AttachmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_attachments_total",
			Help: "Total number of attachments by store outcome",
		},
		[]string{"outcome"}, // written, skipped, unnamed
	)

	MessageErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_message_errors_total",
			Help: "Total number of messages or attachments that failed and were skipped",
		},
	)

	TriggerCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_trigger_calls_total",
			Help: "Total number of downstream trigger calls",
		},
		[]string{"status"}, // success, failed
	)
)

// Observer feeds tick reports into the package counters.
type Observer struct{}

func (Observer) ObserveTick(_ context.Context, report runner.Report) error {
	RecordTick(report)
	return nil
}

func RecordTick(report runner.Report) {
	TicksTotal.WithLabelValues(string(report.State)).Inc()
	if report.State == runner.StateSkipped {
		return
	}
	TickDuration.Observe(report.Duration.Seconds())

	s := report.Summary
	AttachmentsTotal.WithLabelValues("written").Add(float64(s.Saved))
	AttachmentsTotal.WithLabelValues("skipped").Add(float64(s.Duplicates))
	AttachmentsTotal.WithLabelValues("unnamed").Add(float64(s.Unnamed))
	MessageErrorsTotal.Add(float64(s.Errors))

	switch {
	case report.Trigger != nil:
		TriggerCallsTotal.WithLabelValues("success").Inc()
	case report.FailedStage() == stats.StageNotify:
		TriggerCallsTotal.WithLabelValues("failed").Inc()
	}
}

// NewServer returns an HTTP server exposing /metrics on addr.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
