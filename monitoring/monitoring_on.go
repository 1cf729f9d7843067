// +build monitoring

// Package monitoring exports the tower's operational gauges and counters
// over Prometheus, hidden behind a build tag the way lnd hides its own
// gRPC metrics exporter in monitoring_on.go/monitoring_off.go.
package monitoring

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Enabled signifies the monitoring tag was specified when building the
// tower and metrics should be exported automatically.
const Enabled = true

var (
	appointmentsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "watchtower",
		Name:      "appointments_live",
		Help:      "Number of appointments currently held by the watcher.",
	})
	trackersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "watchtower",
		Name:      "trackers_live",
		Help:      "Number of justice transactions currently tracked by the responder.",
	})
	matchesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "watchtower",
		Name:      "matches_total",
		Help:      "Total number of locator matches handed from the watcher to the responder.",
	})
	rebroadcastsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "watchtower",
		Name:      "rebroadcasts_total",
		Help:      "Total number of justice transaction rebroadcasts performed by the responder.",
	})
	retiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "watchtower",
		Name:      "trackers_retired_total",
		Help:      "Total number of trackers retired after reaching minimum confirmations.",
	})
	watcherIdleGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "watchtower",
		Name:      "watcher_idle",
		Help:      "1 when the watcher's worker is parked waiting for a block, 0 while processing one.",
	})
	responderIdleGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "watchtower",
		Name:      "responder_idle",
		Help:      "1 when the responder's worker is parked waiting for a block, 0 while processing one.",
	})
)

func init() {
	prometheus.MustRegister(
		appointmentsGauge, trackersGauge, matchesCounter,
		rebroadcastsCounter, retiredCounter,
		watcherIdleGauge, responderIdleGauge,
	)
}

// SetAppointments records the watcher's current live appointment count.
func SetAppointments(n int) { appointmentsGauge.Set(float64(n)) }

// SetTrackers records the responder's current live tracker count.
func SetTrackers(n int) { trackersGauge.Set(float64(n)) }

// IncMatches records a locator match handed off to the responder.
func IncMatches() { matchesCounter.Inc() }

// IncRebroadcasts records a justice transaction rebroadcast.
func IncRebroadcasts() { rebroadcastsCounter.Inc() }

// IncRetired records a tracker retirement.
func IncRetired() { retiredCounter.Inc() }

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// SetWatcherIdle reports whether the watcher's worker is currently parked
// waiting for a block.
func SetWatcherIdle(idle bool) { watcherIdleGauge.Set(boolToFloat(idle)) }

// SetResponderIdle reports whether the responder's worker is currently
// parked waiting for a block.
func SetResponderIdle(idle bool) { responderIdleGauge.Set(boolToFloat(idle)) }

// Start launches the Prometheus exporter on listenAddr.
func Start(listenAddr string) {
	if listenAddr == "" {
		listenAddr = "localhost:8989"
	}
	http.Handle("/metrics", promhttp.Handler())
	fmt.Println(http.ListenAndServe(listenAddr, nil))
}
