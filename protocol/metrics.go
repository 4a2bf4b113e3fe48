package protocol

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the optional Prometheus counters a SessionCipher
// reports to. A nil *Metrics, or the zero value Metrics{}, disables
// collection entirely. Registration happens only in NewMetrics;
// incrementing a counter never fails a cipher operation.
type Metrics struct {
	encrypted    prometheus.Counter
	decrypted    prometheus.Counter
	decryptFails *prometheus.CounterVec
}

// NewMetrics registers signalcore's counters against reg and returns
// a Metrics ready to pass to NewSessionCipher. A nil reg yields a
// Metrics whose Inc calls are safe no-ops. Registration uses
// MustRegister, so NewMetrics panics if reg rejects a counter (for
// example, a second registration of the same names).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return &Metrics{}
	}
	m := &Metrics{
		encrypted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalcore_messages_encrypted_total",
			Help: "Messages successfully encrypted.",
		}),
		decrypted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalcore_messages_decrypted_total",
			Help: "Messages successfully decrypted.",
		}),
		decryptFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalcore_decrypt_errors_total",
			Help: "Decrypt failures by error kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.encrypted, m.decrypted, m.decryptFails)
	return m
}

func (m *Metrics) incEncrypted() {
	if m == nil || m.encrypted == nil {
		return
	}
	m.encrypted.Inc()
}

func (m *Metrics) incDecrypted() {
	if m == nil || m.decrypted == nil {
		return
	}
	m.decrypted.Inc()
}

func (m *Metrics) incDecryptError(kind string) {
	if m == nil || m.decryptFails == nil {
		return
	}
	m.decryptFails.WithLabelValues(kind).Inc()
}
