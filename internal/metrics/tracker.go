// Package metrics exposes the Prometheus counters and histograms used to
// observe job throughput, unlock outcomes, and chain interactions.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Tracker holds the service's Prometheus collectors.
type Tracker struct {
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	jobsSubmitted prometheus.Counter
	jobsFailed    prometheus.Counter
	unlocksNew    prometheus.Counter
	unlocksReplay prometheus.Counter
	unlocksDenied prometheus.Counter
	chainCalls    *prometheus.CounterVec
}

// NewTracker registers and returns a Tracker against the default registry.
func NewTracker() *Tracker {
	t := &Tracker{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kangklip_http_requests_total",
			Help: "Total HTTP requests by method, path and status.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kangklip_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kangklip_jobs_submitted_total",
			Help: "Total jobs submitted to the dispatcher.",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kangklip_jobs_dispatch_failed_total",
			Help: "Total jobs that failed at dispatch time.",
		}),
		unlocksNew: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kangklip_unlocks_new_total",
			Help: "Total unlock attempts that charged a credit.",
		}),
		unlocksReplay: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kangklip_unlocks_replay_total",
			Help: "Total unlock attempts resolved as a replay.",
		}),
		unlocksDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kangklip_unlocks_denied_total",
			Help: "Total unlock attempts denied for insufficient credits.",
		}),
		chainCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kangklip_chain_calls_total",
			Help: "Total chain RPC calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
	}

	prometheus.MustRegister(
		t.httpRequests, t.httpDuration, t.jobsSubmitted, t.jobsFailed,
		t.unlocksNew, t.unlocksReplay, t.unlocksDenied, t.chainCalls,
	)
	return t
}

// HTTPMiddleware records request counts and latency per route.
func (t *Tracker) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		t.httpRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		t.httpDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func (t *Tracker) JobSubmitted()      { t.jobsSubmitted.Inc() }
func (t *Tracker) JobDispatchFailed() { t.jobsFailed.Inc() }
func (t *Tracker) UnlockNew()         { t.unlocksNew.Inc() }
func (t *Tracker) UnlockReplay()      { t.unlocksReplay.Inc() }
func (t *Tracker) UnlockDenied()      { t.unlocksDenied.Inc() }
func (t *Tracker) ChainCall(op, outcome string) {
	t.chainCalls.WithLabelValues(op, outcome).Inc()
}
