package monitoring

import (
	"time"

	"tunelink/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Gauges
	connectedUsers prometheus.Gauge
	activeCalls    prometheus.Gauge

	// Counters
	callsTotal         *prometheus.CounterVec
	signalingForwarded prometheus.Counter
	signalingDropped   prometheus.Counter
	wsMessagesTotal    *prometheus.CounterVec

	// Histograms
	ringDuration prometheus.Histogram
	callDuration prometheus.Histogram
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		connectedUsers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tunelink_connected_users",
			Help: "Number of users with at least one live signaling connection",
		}),

		activeCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tunelink_active_calls",
			Help: "Number of calls currently ringing or answered",
		}),

		callsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tunelink_calls_total",
			Help: "Total call attempts by final outcome",
		}, []string{"outcome"}),

		signalingForwarded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tunelink_signaling_forwarded_total",
			Help: "Signaling payloads relayed to a peer connection",
		}),

		signalingDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tunelink_signaling_dropped_total",
			Help: "Signaling forwards dropped because the peer had no live connection",
		}),

		wsMessagesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tunelink_ws_messages_total",
			Help: "WebSocket request messages by type",
		}, []string{"type"}),

		ringDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tunelink_call_ring_duration_seconds",
			Help:    "Time calls spent ringing before a response or timeout",
			Buckets: prometheus.LinearBuckets(1, 2, 10),
		}),

		callDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tunelink_call_duration_seconds",
			Help:    "Duration of answered calls",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		}),
	}
}

func (c *PrometheusCollector) SetConnectedUsers(count int) {
	c.connectedUsers.Set(float64(count))
}

func (c *PrometheusCollector) IncActiveCalls() {
	c.activeCalls.Inc()
}

func (c *PrometheusCollector) DecActiveCalls() {
	c.activeCalls.Dec()
}

// RecordOutcome counts a terminal transition and feeds the duration
// histograms from the call's recorded timestamps.
func (c *PrometheusCollector) RecordOutcome(call *domain.Call) {
	c.callsTotal.WithLabelValues(string(call.Status)).Inc()

	if call.StartedAt != nil {
		c.ringDuration.Observe(call.StartedAt.Sub(call.CreatedAt).Seconds())
		if call.EndedAt != nil {
			c.callDuration.Observe(call.EndedAt.Sub(*call.StartedAt).Seconds())
		}
		return
	}
	if call.EndedAt != nil {
		c.ringDuration.Observe(call.EndedAt.Sub(call.CreatedAt).Seconds())
	}
}

func (c *PrometheusCollector) RecordSignalingForwarded() {
	c.signalingForwarded.Inc()
}

func (c *PrometheusCollector) RecordSignalingDropped() {
	c.signalingDropped.Inc()
}

func (c *PrometheusCollector) RecordWSMessage(msgType string) {
	c.wsMessagesTotal.WithLabelValues(msgType).Inc()
}

// RecordRingElapsed is used when a ring ends without an answer and the
// elapsed time is known directly.
func (c *PrometheusCollector) RecordRingElapsed(d time.Duration) {
	c.ringDuration.Observe(d.Seconds())
}
