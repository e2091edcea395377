package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the birdsong daemon.
type Metrics struct {
	registry            *prometheus.Registry
	requestsTotal       prometheus.Counter
	clipsPlayedTotal    prometheus.Counter
	playbackErrorsTotal prometheus.Counter
	autoAdvancesTotal   prometheus.Counter
	waitsStartedTotal   prometheus.Counter
	waitsCancelledTotal prometheus.Counter
	searchesTotal       prometheus.Counter
	sessionActive       prometheus.Gauge
	errorsTotal         prometheus.Counter
}

// New creates and registers Prometheus metrics for the daemon.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdsong_requests_total",
		Help: "Total number of HTTP requests received",
	})
	clipsPlayedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdsong_clips_played_total",
		Help: "Total number of clips handed to the audio worker",
	})
	playbackErrorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdsong_playback_errors_total",
		Help: "Total number of audio load/playback failures",
	})
	autoAdvancesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdsong_auto_advances_total",
		Help: "Total number of advances triggered by playback errors",
	})
	waitsStartedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdsong_waits_started_total",
		Help: "Total number of wait gaps entered between clips",
	})
	waitsCancelledTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdsong_waits_cancelled_total",
		Help: "Total number of wait gaps cancelled before firing",
	})
	searchesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdsong_searches_total",
		Help: "Total number of queries to the bird search collaborator",
	})
	sessionActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "birdsong_session_active",
		Help: "Whether a playback session is currently active (0 or 1)",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdsong_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})

	registry.MustRegister(
		requestsTotal,
		clipsPlayedTotal,
		playbackErrorsTotal,
		autoAdvancesTotal,
		waitsStartedTotal,
		waitsCancelledTotal,
		searchesTotal,
		sessionActive,
		errorsTotal,
	)

	return &Metrics{
		registry:            registry,
		requestsTotal:       requestsTotal,
		clipsPlayedTotal:    clipsPlayedTotal,
		playbackErrorsTotal: playbackErrorsTotal,
		autoAdvancesTotal:   autoAdvancesTotal,
		waitsStartedTotal:   waitsStartedTotal,
		waitsCancelledTotal: waitsCancelledTotal,
		searchesTotal:       searchesTotal,
		sessionActive:       sessionActive,
		errorsTotal:         errorsTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncClipsPlayed increments the clips played counter.
func (m *Metrics) IncClipsPlayed() {
	m.clipsPlayedTotal.Inc()
}

// IncPlaybackErrors increments the playback error counter.
func (m *Metrics) IncPlaybackErrors() {
	m.playbackErrorsTotal.Inc()
}

// IncAutoAdvances increments the error-driven advance counter.
func (m *Metrics) IncAutoAdvances() {
	m.autoAdvancesTotal.Inc()
}

// IncWaitsStarted increments the wait gap counter.
func (m *Metrics) IncWaitsStarted() {
	m.waitsStartedTotal.Inc()
}

// IncWaitsCancelled increments the cancelled wait counter.
func (m *Metrics) IncWaitsCancelled() {
	m.waitsCancelledTotal.Inc()
}

// IncSearches increments the collaborator query counter.
func (m *Metrics) IncSearches() {
	m.searchesTotal.Inc()
}

// SetSessionActive sets the active session gauge.
func (m *Metrics) SetSessionActive(active bool) {
	if active {
		m.sessionActive.Set(1)
	} else {
		m.sessionActive.Set(0)
	}
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
