// Package metrics exposes service counters on a dedicated Prometheus
// registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry    *prometheus.Registry
	envelopes   *prometheus.CounterVec
	appends     *prometheus.CounterVec
	requestAuth *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trustchain",
			Name:      "envelopes_total",
			Help:      "Envelopes processed, by payload type and result code.",
		}, []string{"payload_type", "result"}),
		appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trustchain",
			Name:      "ledger_appends_total",
			Help:      "Ledger append attempts, by result.",
		}, []string{"result"}),
		requestAuth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trustchain",
			Name:      "request_auth_total",
			Help:      "Signed request authentications, by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.envelopes,
		m.appends,
		m.requestAuth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Envelope and Append satisfy identity.Recorder.
func (m *Metrics) Envelope(payloadType, result string) {
	m.envelopes.WithLabelValues(payloadLabel(payloadType), result).Inc()
}

func (m *Metrics) Append(result string) {
	m.appends.WithLabelValues(result).Inc()
}

func (m *Metrics) RequestAuth(result string) {
	m.requestAuth.WithLabelValues(result).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

var knownPayloadTypes = map[string]struct{}{
	"AccountCreated":        {},
	"DeviceDelegated":       {},
	"DeviceRevoked":         {},
	"DeviceRenamed":         {},
	"RecoveryPolicySet":     {},
	"RecoveryPolicyRevoked": {},
	"RootRotation":          {},
	"EndorsementCreated":    {},
	"EndorsementRevoked":    {},
	"RecoveryApproval":      {},
}

// payloadLabel keeps client-chosen strings out of label values.
func payloadLabel(t string) string {
	if _, ok := knownPayloadTypes[t]; ok {
		return t
	}
	return "other"
}
