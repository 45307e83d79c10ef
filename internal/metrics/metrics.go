// Package metrics holds process-wide counters for the tunnel server,
// served in Prometheus text format on an optional debug listener. These
// are purely observational event counts; no per-byte accounting is
// kept.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder implements session.Metrics against a Prometheus registry.
type Recorder struct {
	sessionsTotal     prometheus.Counter
	sessionsActive    prometheus.Gauge
	authFailuresTotal prometheus.Counter
	cipherFallback    prometheus.Counter
	obfsMismatchTotal prometheus.Counter
}

// NewRecorder registers the counters on a dedicated registry (not the
// default global one, so tests can create independent Recorders
// without colliding metric names).
func NewRecorder() (*Recorder, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "snell_sessions_total",
			Help: "Total accepted client connections.",
		}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "snell_sessions_active",
			Help: "Client connections currently being served.",
		}),
		authFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "snell_auth_failures_total",
			Help: "Fatal AEAD authentication failures.",
		}),
		cipherFallback: factory.NewCounter(prometheus.CounterOpts{
			Name: "snell_cipher_fallback_total",
			Help: "One-shot primary-to-fallback cipher swaps.",
		}),
		obfsMismatchTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "snell_obfs_mismatch_total",
			Help: "Obfuscator greetings rejected as structurally invalid.",
		}),
	}, reg
}

func (r *Recorder) SessionStarted() { r.sessionsTotal.Inc(); r.sessionsActive.Inc() }
func (r *Recorder) SessionEnded()   { r.sessionsActive.Dec() }
func (r *Recorder) AuthFailure()    { r.authFailuresTotal.Inc() }
func (r *Recorder) CipherFallback() { r.cipherFallback.Inc() }
func (r *Recorder) ObfsMismatch()   { r.obfsMismatchTotal.Inc() }

// Handler returns an http.Handler serving reg in Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
