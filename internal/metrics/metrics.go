// Package metrics exposes the daemon's prometheus counters. Each Counters
// instance carries its own registry so workers built in tests never collide
// on registration.
package metrics

import (
	"crypto/subtle"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Counters struct {
	reg *prometheus.Registry

	sent          prometheus.Counter
	failed        *prometheus.CounterVec
	quotaDeferred prometheus.Counter
	replies       prometheus.Counter
	cycleSeconds  *prometheus.HistogramVec
}

func New() *Counters {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Counters{
		reg: reg,
		sent: f.NewCounter(prometheus.CounterOpts{
			Name: "outreach_messages_sent_total",
			Help: "Messages handed to the transport successfully",
		}),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_messages_failed_total",
			Help: "Messages rejected by the transport, by failure kind",
		}, []string{"kind"}),
		quotaDeferred: f.NewCounter(prometheus.CounterOpts{
			Name: "outreach_messages_quota_deferred_total",
			Help: "Due messages deferred to a later cycle by the daily limit",
		}),
		replies: f.NewCounter(prometheus.CounterOpts{
			Name: "outreach_replies_reconciled_total",
			Help: "Replies matched to sent messages",
		}),
		cycleSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outreach_cycle_duration_seconds",
			Help:    "Duration of one worker cycle",
			Buckets: prometheus.DefBuckets,
		}, []string{"loop"}),
	}
}

func (c *Counters) IncSent() {
	if c == nil {
		return
	}
	c.sent.Inc()
}

func (c *Counters) IncFailed(kind string) {
	if c == nil {
		return
	}
	c.failed.WithLabelValues(kind).Inc()
}

func (c *Counters) IncQuotaDeferred() {
	if c == nil {
		return
	}
	c.quotaDeferred.Inc()
}

func (c *Counters) IncReplies() {
	if c == nil {
		return
	}
	c.replies.Inc()
}

func (c *Counters) ObserveCycle(loop string, seconds float64) {
	if c == nil {
		return
	}
	c.cycleSeconds.WithLabelValues(loop).Observe(seconds)
}

func (c *Counters) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// BasicAuth wraps a handler with constant-time basic auth. Empty user and
// password leave the handler open.
func BasicAuth(next http.Handler, user, password string) http.Handler {
	if user == "" && password == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		userOK := subtle.ConstantTimeCompare([]byte(u), []byte(user)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(p), []byte(password)) == 1
		if !ok || !userOK || !passOK {
			w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
