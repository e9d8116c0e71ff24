// Package inner implements the internal HTTP surface of a grainkit server: Prometheus
// metrics and, optionally, pprof. It is meant to be bound to a private address, separate
// from the grain invocation endpoints.
package inner

import (
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/exp/slog"
)

// Metrics owns the process-wide Prometheus registry. The environment registers its
// collectors through Registerer() so that they are served by the same handler as the
// process and runtime collectors.
type Metrics struct {
	logger *slog.Logger

	registry *prometheus.Registry
}

// NewMetrics creates a registry with the process and Go runtime collectors already
// registered.
func NewMetrics(logger *slog.Logger) (*Metrics, error) {
	if logger == nil {
		logger = slog.Default()
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}

	return &Metrics{
		logger:   logger.With(slog.String("module", "inner")),
		registry: reg,
	}, nil
}

// Registerer returns the registerer that collectors should be added to.
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registry
}

// AttachMetrics mounts the metrics handler under /metrics.
func (m *Metrics) AttachMetrics(sm *http.ServeMux) {
	sm.Handle("/metrics", promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			ErrorLog:          slog.NewLogLogger(m.logger.Handler(), slog.LevelError),
		},
	))
}

// AttachPProf mounts the pprof handlers under /debug/pprof/.
func AttachPProf(sm *http.ServeMux) {
	sm.HandleFunc("/debug/pprof/", pprof.Index)
	sm.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	sm.HandleFunc("/debug/pprof/profile", pprof.Profile)
	sm.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	sm.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

// NewServeMux returns a mux with the metrics handler and, if enablePProf is set, the
// pprof handlers attached.
func (m *Metrics) NewServeMux(enablePProf bool) *http.ServeMux {
	sm := http.NewServeMux()
	m.AttachMetrics(sm)
	if enablePProf {
		AttachPProf(sm)
	}
	return sm
}
