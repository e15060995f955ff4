package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	proto "github.com/ystepanoff/nowcomm/protocol"
)

// Metrics groups the node's collectors. A nil *Metrics is valid and records
// nothing, so components can be built without a registry.
type Metrics struct {
	// Outbound
	MessagesSent *prometheus.CounterVec
	SendRejected *prometheus.CounterVec

	// Completion callback outcomes
	Completions *prometheus.CounterVec

	// Inbound
	MessagesReceived prometheus.Counter
	MalformedDropped prometheus.Counter
	RepliesAbandoned prometheus.Counter

	// Startup
	InitAttempts prometheus.Counter
}

// New registers the node collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MessagesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nowcomm_messages_sent_total",
				Help: "Messages submitted to the link",
			},
			[]string{"origin"}, // "periodic" or "reply"
		),
		SendRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nowcomm_send_rejected_total",
				Help: "Submissions refused synchronously by the link",
			},
			[]string{"origin"},
		),
		Completions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nowcomm_send_completions_total",
				Help: "Send completions reported by the link",
			},
			[]string{"origin", "status"},
		),
		MessagesReceived: f.NewCounter(
			prometheus.CounterOpts{
				Name: "nowcomm_messages_received_total",
				Help: "Well-formed messages received",
			},
		),
		MalformedDropped: f.NewCounter(
			prometheus.CounterOpts{
				Name: "nowcomm_malformed_dropped_total",
				Help: "Inbound datagrams dropped by the decoder",
			},
		),
		RepliesAbandoned: f.NewCounter(
			prometheus.CounterOpts{
				Name: "nowcomm_replies_abandoned_total",
				Help: "Replies not sent because the node stopped during the pacing delay",
			},
		),
		InitAttempts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "nowcomm_link_init_attempts_total",
				Help: "Link initialization attempts",
			},
		),
	}
}

func (m *Metrics) Sent(o proto.Origin) {
	if m != nil {
		m.MessagesSent.WithLabelValues(o.String()).Inc()
	}
}

func (m *Metrics) Rejected(o proto.Origin) {
	if m != nil {
		m.SendRejected.WithLabelValues(o.String()).Inc()
	}
}

func (m *Metrics) Completed(res proto.SendResult) {
	if m != nil {
		m.Completions.WithLabelValues(res.Tag.Origin.String(), res.Status.String()).Inc()
	}
}

func (m *Metrics) Received() {
	if m != nil {
		m.MessagesReceived.Inc()
	}
}

func (m *Metrics) Malformed() {
	if m != nil {
		m.MalformedDropped.Inc()
	}
}

func (m *Metrics) Abandoned() {
	if m != nil {
		m.RepliesAbandoned.Inc()
	}
}

func (m *Metrics) InitAttempt() {
	if m != nil {
		m.InitAttempts.Inc()
	}
}
