package server

import (
	"github.com/aeolun/ttbridge/pkg/link"
	"github.com/aeolun/ttbridge/pkg/ttproto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the bridge's Prometheus collectors. It also observes every
// session's remote link.
type Metrics struct {
	activeSessions    prometheus.Gauge
	sessionsCreated   prometheus.Counter
	sessionsClosed    prometheus.Counter
	messagesReceived  *prometheus.CounterVec
	messagesSent      *prometheus.CounterVec
	malformedMessages prometheus.Counter
	openLinks         prometheus.Gauge
	linkTransitions   *prometheus.CounterVec
	remoteLines       *prometheus.CounterVec
	broadcastFanout   prometheus.Histogram
	broadcastDuration prometheus.Histogram
}

var _ link.Observer = (*Metrics)(nil)

// NewMetrics registers the bridge collectors, plus Go runtime and process
// collectors, with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ttbridge_active_sessions",
			Help: "Number of open WebSocket sessions",
		}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "ttbridge_sessions_created_total",
			Help: "WebSocket sessions accepted",
		}),
		sessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ttbridge_sessions_closed_total",
			Help: "WebSocket sessions torn down",
		}),
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ttbridge_client_messages_received_total",
			Help: "JSON messages received from web clients by type",
		}, []string{"type"}),
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ttbridge_client_messages_sent_total",
			Help: "JSON messages queued for web clients by type",
		}, []string{"type"}),
		malformedMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "ttbridge_client_messages_malformed_total",
			Help: "Client messages dropped because they were not valid JSON",
		}),
		openLinks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ttbridge_remote_links_active",
			Help: "Remote links connecting or open",
		}),
		linkTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ttbridge_remote_link_transitions_total",
			Help: "Remote link state transitions by destination state",
		}, []string{"state"}),
		remoteLines: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ttbridge_remote_lines_total",
			Help: "Protocol lines exchanged with remote servers",
		}, []string{"direction", "verb"}),
		broadcastFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ttbridge_broadcast_fanout",
			Help:    "Recipients per web chat broadcast",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}),
		broadcastDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ttbridge_broadcast_duration_seconds",
			Help:    "Time spent queueing a web chat broadcast",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),
	}
}

func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsClosed.Inc()
}

func (m *Metrics) RecordMessageReceived(t MessageType) {
	m.messagesReceived.WithLabelValues(clientTypeLabel(t)).Inc()
}

func (m *Metrics) RecordMessageSent(t MessageType) {
	m.messagesSent.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) RecordMalformedMessage() {
	m.malformedMessages.Inc()
}

func (m *Metrics) RecordBroadcastFanout(recipients int) {
	m.broadcastFanout.Observe(float64(recipients))
}

func (m *Metrics) RecordBroadcastDuration(seconds float64) {
	m.broadcastDuration.Observe(seconds)
}

// StateChanged implements link.Observer
func (m *Metrics) StateChanged(from, to link.State) {
	m.linkTransitions.WithLabelValues(to.String()).Inc()
	switch {
	case !from.Active() && to.Active():
		m.openLinks.Inc()
	case from.Active() && !to.Active():
		m.openLinks.Dec()
	}
}

// LineSent implements link.Observer
func (m *Metrics) LineSent(verb string) {
	m.remoteLines.WithLabelValues("out", verb).Inc()
}

// LineReceived implements link.Observer
func (m *Metrics) LineReceived(verb string) {
	m.remoteLines.WithLabelValues("in", remoteVerbLabel(verb)).Inc()
}

// clientTypeLabel bounds label cardinality to the known client message types
func clientTypeLabel(t MessageType) string {
	switch t {
	case TypeHandshake, TypePing, TypeTTHandshake, TypeTTConnect, TypeTTChat,
		TypeTTJoin, TypeTTDisconnect, TypeChat, TypeAACText:
		return string(t)
	}
	return "unknown"
}

func remoteVerbLabel(verb string) string {
	switch verb {
	case ttproto.VerbAddChannel, ttproto.VerbAddUser, ttproto.VerbRemoveUser,
		ttproto.VerbUserUpdate, ttproto.VerbChanMsg, ttproto.VerbJoined, ttproto.VerbError:
		return verb
	}
	return "other"
}
