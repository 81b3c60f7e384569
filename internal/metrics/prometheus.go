package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements Collector on top of prometheus/client_golang.
type PrometheusCollector struct {
	reg *prometheus.Registry

	channelOpens         prometheus.Counter
	channelCloses        *prometheus.CounterVec
	reconnectsScheduled  prometheus.Counter
	credentialRecoveries *prometheus.CounterVec
	messagesSent         *prometheus.CounterVec
	messagesReceived     *prometheus.CounterVec
	messagesDropped      *prometheus.CounterVec

	callsStarted   *prometheus.CounterVec
	callsFailed    *prometheus.CounterVec
	callsEnded     prometheus.Counter
	callSetup      prometheus.Histogram
	activeChannels prometheus.Gauge
}

func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	c := &PrometheusCollector{
		reg: reg,
		channelOpens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callkit_channel_opens_total",
			Help: "Successful signaling channel opens.",
		}),
		channelCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callkit_channel_closes_total",
			Help: "Signaling channel closes by reason.",
		}, []string{"reason"}),
		reconnectsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callkit_reconnects_scheduled_total",
			Help: "Reconnect attempts scheduled after transient closes.",
		}),
		credentialRecoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callkit_credential_recoveries_total",
			Help: "Credential recovery cycles by outcome.",
		}, []string{"outcome"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callkit_messages_sent_total",
			Help: "Signaling messages written to the relay.",
		}, []string{"type"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callkit_messages_received_total",
			Help: "Signaling messages parsed and dispatched.",
		}, []string{"type"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callkit_messages_dropped_total",
			Help: "Signaling messages dropped by type and reason.",
		}, []string{"type", "reason"}),
		callsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callkit_calls_started_total",
			Help: "Call attempts by role.",
		}, []string{"role"}),
		callsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callkit_calls_failed_total",
			Help: "Terminal call failures by reason.",
		}, []string{"reason"}),
		callsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callkit_calls_ended_total",
			Help: "Calls torn down (local or remote hangup).",
		}),
		callSetup: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "callkit_call_setup_seconds",
			Help:    "Time from call start to media connection.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		activeChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callkit_channel_open",
			Help: "1 while the signaling channel is open.",
		}),
	}

	reg.MustRegister(
		c.channelOpens, c.channelCloses, c.reconnectsScheduled,
		c.credentialRecoveries, c.messagesSent, c.messagesReceived,
		c.messagesDropped, c.callsStarted, c.callsFailed, c.callsEnded,
		c.callSetup, c.activeChannels,
	)
	return c
}

func (c *PrometheusCollector) ChannelOpened() {
	c.channelOpens.Inc()
	c.activeChannels.Set(1)
}

func (c *PrometheusCollector) ChannelClosed(reason string) {
	c.channelCloses.WithLabelValues(reason).Inc()
	c.activeChannels.Set(0)
}

func (c *PrometheusCollector) ReconnectScheduled(int) {
	c.reconnectsScheduled.Inc()
}

func (c *PrometheusCollector) CredentialRecovery(success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	c.credentialRecoveries.WithLabelValues(outcome).Inc()
}

func (c *PrometheusCollector) MessageSent(messageType string) {
	c.messagesSent.WithLabelValues(messageType).Inc()
}

func (c *PrometheusCollector) MessageReceived(messageType string) {
	c.messagesReceived.WithLabelValues(messageType).Inc()
}

func (c *PrometheusCollector) MessageDropped(messageType, reason string) {
	c.messagesDropped.WithLabelValues(messageType, reason).Inc()
}

func (c *PrometheusCollector) CallStarted(initiator bool) {
	role := "callee"
	if initiator {
		role = "caller"
	}
	c.callsStarted.WithLabelValues(role).Inc()
}

func (c *PrometheusCollector) CallConnected(setup time.Duration) {
	c.callSetup.Observe(setup.Seconds())
}

func (c *PrometheusCollector) CallFailed(reason string) {
	c.callsFailed.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) CallEnded() {
	c.callsEnded.Inc()
}

// Handler serves the collector's registry in Prometheus text format.
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

var _ Collector = (*PrometheusCollector)(nil)
