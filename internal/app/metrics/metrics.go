// Package metrics exposes the application's Prometheus collectors
// (grounded on the teacher's internal/app/metrics package): HTTP
// instrumentation for the API Surface and Front End poll endpoint, plus
// domain counters for the Flow Engine, Hunt Dispatcher, Communicator, and
// Approval Subsystem.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the application-specific Prometheus collectors.
var Registry = prometheus.NewRegistry()

const namespace = "okapi"

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests handled.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	flowsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "flowengine",
		Name:      "flows_processed_total",
		Help:      "Total number of flow processing requests leased and run to completion.",
	}, []string{"flow_class", "outcome"})

	flowProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "flowengine",
		Name:      "flow_processing_duration_seconds",
		Help:      "Duration of one worker iteration processing a leased flow.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"flow_class"})

	huntDispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hunt",
		Name:      "dispatches_total",
		Help:      "Total number of child flows launched by the hunt foreman.",
	}, []string{"hunt_id"})

	huntCeilingsBreached = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hunt",
		Name:      "ceilings_breached_total",
		Help:      "Total number of hunts stopped because a fleet-wide ceiling was breached.",
	}, []string{"hunt_id", "reason"})

	commBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "comm",
		Name:      "bytes_total",
		Help:      "Total bytes encrypted/decrypted by the Communicator.",
	}, []string{"direction"})

	approvalChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "approval",
		Name:      "checks_total",
		Help:      "Total number of access checks performed by the Approval Subsystem.",
	}, []string{"subject_type", "result"})
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		flowsProcessed,
		flowProcessingDuration,
		huntDispatches,
		huntCeilingsBreached,
		commBytes,
		approvalChecks,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus
// metrics, mounted by the API Surface under /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordFlowProcessed records one worker iteration's outcome.
func RecordFlowProcessed(flowClass, outcome string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	flowsProcessed.WithLabelValues(flowClass, outcome).Inc()
	flowProcessingDuration.WithLabelValues(flowClass).Observe(duration.Seconds())
}

// RecordHuntDispatch records one child flow launched by the foreman.
func RecordHuntDispatch(huntID string) {
	huntDispatches.WithLabelValues(huntID).Inc()
}

// RecordHuntCeilingBreached records a hunt transitioning to STOPPED.
func RecordHuntCeilingBreached(huntID, reason string) {
	huntCeilingsBreached.WithLabelValues(huntID, reason).Inc()
}

// RecordCommBytes records bytes moved through the Communicator.
func RecordCommBytes(direction string, n int) {
	if n <= 0 {
		return
	}
	commBytes.WithLabelValues(direction).Add(float64(n))
}

// RecordApprovalCheck records one Approval Subsystem access check.
func RecordApprovalCheck(subjectType string, allowed bool) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	approvalChecks.WithLabelValues(subjectType, result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// canonicalPath collapses path segments that look like identifiers so the
// cardinality of the "path" label stays bounded regardless of fleet size.
func canonicalPath(p string) string {
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		if looksLikeID(seg) {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

func looksLikeID(seg string) bool {
	if len(seg) < 6 {
		return false
	}
	digits := 0
	for _, r := range seg {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits*2 >= len(seg)
}
