package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	actionsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actions_applied_total",
			Help: "Guarded actions applied for the first time.",
		},
		[]string{"action"},
	)
	actionsReplayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actions_replayed_total",
			Help: "Guarded actions answered from the idempotency record.",
		},
		[]string{"action"},
	)
	broadcastEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_events_total",
			Help: "Live events published by type.",
		},
		[]string{"type"},
	)
	broadcastEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_evictions_total",
			Help: "Subscribers dropped because their buffer was full.",
		},
	)
	liveSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "live_subscribers",
			Help: "Currently connected live subscribers.",
		},
	)
	alertsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_fired_total",
			Help: "Alert rule firings by rule id.",
		},
		[]string{"rule"},
	)
	alertEvaluationErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "alert_evaluation_errors_total",
			Help: "Rule evaluations that failed and were skipped.",
		},
	)
	ingestEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_events_total",
			Help: "Kiosk batch events by result.",
		},
		[]string{"result"},
	)
	outboxDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_deliveries_total",
			Help: "Outbox delivery attempts by result.",
		},
		[]string{"result"},
	)

	registerOnce sync.Once
)

// Register adds every collector to reg once; later calls are no-ops.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(httpRequests, httpLatency, actionsApplied, actionsReplayed, broadcastEvents,
			broadcastEvictions, liveSubscribers, alertsFired, alertEvaluationErrors, ingestEvents, outboxDeliveries)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records request counts and latency labelled by chi route pattern.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(lrw.statusCode)).Inc()
		httpLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func IncActionApplied(action string)  { actionsApplied.WithLabelValues(action).Inc() }
func IncActionReplayed(action string) { actionsReplayed.WithLabelValues(action).Inc() }
func IncBroadcast(eventType string)   { broadcastEvents.WithLabelValues(eventType).Inc() }
func IncBroadcastEviction()           { broadcastEvictions.Inc() }
func SetLiveSubscribers(n int)        { liveSubscribers.Set(float64(n)) }
func IncAlertFired(ruleID string)     { alertsFired.WithLabelValues(ruleID).Inc() }
func IncAlertEvaluationError()        { alertEvaluationErrors.Inc() }
func IncIngest(result string)         { ingestEvents.WithLabelValues(result).Inc() }
func IncOutboxDelivery(result string) { outboxDeliveries.WithLabelValues(result).Inc() }

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Hijack lets websocket upgrades pass through the instrumented writer.
func (w *statusResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
