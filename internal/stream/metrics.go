package stream

import "github.com/prometheus/client_golang/prometheus"

var (
	streamFetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketstream_fetches_total",
		Help: "Total number of successful upstream fetches by data type.",
	}, []string{"type"})
	streamFetchErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketstream_fetch_errors_total",
		Help: "Total number of upstream fetch failures (after retries) by data type.",
	}, []string{"type"})
	streamActivePollers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketstream_active_pollers",
		Help: "Number of per-symbol poll loops currently running.",
	})
	streamBroadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketstream_broadcasts_total",
		Help: "Total number of coalesced market-data messages broadcast to clients.",
	})
	streamCooldownsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketstream_cooldowns_total",
		Help: "Total number of upstream rate-limit cooldowns entered.",
	})
	streamDroppedCommandsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketstream_dropped_commands_total",
		Help: "Total number of inbound client commands dropped as invalid.",
	})
)

func init() {
	prometheus.MustRegister(
		streamFetchesTotal,
		streamFetchErrorsTotal,
		streamActivePollers,
		streamBroadcastsTotal,
		streamCooldownsTotal,
		streamDroppedCommandsTotal,
	)
}
