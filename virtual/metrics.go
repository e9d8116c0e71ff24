package virtual

import (
	"fmt"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "grainkit"

type environmentMetrics struct {
	activations        prometheus.Counter
	activationFailures prometheus.Counter
	deactivations      prometheus.Counter
	invocations        *prometheus.CounterVec
	timerFaults        prometheus.Counter
	activeActivations  prometheus.Gauge
}

func newEnvironmentMetrics(
	reg prometheus.Registerer,
	serverID string,
) (*environmentMetrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	reg = prometheus.WrapRegistererWith(prometheus.Labels{"server_id": serverID}, reg)

	m := &environmentMetrics{
		activations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "activations_total",
			Help:      "Number of grain activations that completed successfully.",
		}),
		activationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "activation_failures_total",
			Help:      "Number of grain activations rejected by their OnActivate hook.",
		}),
		deactivations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deactivations_total",
			Help:      "Number of grain deactivations.",
		}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "invocations_total",
			Help:      "Number of invocations routed by the environment, by result.",
		}, []string{"result"}),
		timerFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "timer_faults_total",
			Help:      "Number of timer callbacks that returned an error or panicked.",
		}),
		activeActivations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_activations",
			Help:      "Number of grains currently activated on this server.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.activations,
		m.activationFailures,
		m.deactivations,
		m.invocations,
		m.timerFaults,
		m.activeActivations,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("error registering environment metrics: %w", err)
		}
	}

	return m, nil
}

func (m *environmentMetrics) recordInvocation(err error) {
	result := "success"
	switch {
	case err == nil:
	case IsActivationRejectedError(err):
		result = "activation_rejected"
	case IsRoutingFailureError(err):
		result = "routing_failure"
	default:
		result = "error"
	}
	m.invocations.WithLabelValues(result).Inc()
}

// latencySketch records turn latencies in seconds.
type latencySketch struct {
	sync.Mutex
	sketch *ddsketch.DDSketch
}

func newLatencySketch() *latencySketch {
	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		panic(fmt.Sprintf("[invariant violated] error creating ddsketch: %v", err))
	}
	return &latencySketch{sketch: sketch}
}

func (l *latencySketch) add(d time.Duration) {
	l.Lock()
	defer l.Unlock()
	// Only fails for negative values.
	_ = l.sketch.Add(d.Seconds())
}

func (l *latencySketch) count() float64 {
	l.Lock()
	defer l.Unlock()
	return l.sketch.GetCount()
}

func (l *latencySketch) quantiles(qs ...float64) []float64 {
	l.Lock()
	defer l.Unlock()

	results := make([]float64, len(qs))
	if l.sketch.IsEmpty() {
		return results
	}
	for i, q := range qs {
		v, err := l.sketch.GetValueAtQuantile(q)
		if err == nil {
			results[i] = v
		}
	}
	return results
}
