// Package metrics exposes run, stage, gate and call metrics in Prometheus
// format. A Metrics value is both an orchestrator Observer and an adapter
// CallRecorder.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dossier/pkg/pipeline"
)

const namespace = "dossier"

// Metrics holds the collectors on a dedicated registry.
type Metrics struct {
	reg *prometheus.Registry

	calls         *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	stages        *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	verdicts      *prometheus.CounterVec
	deficiencies  *prometheus.CounterVec
	reentries     *prometheus.CounterVec
	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	inFlight      prometheus.Gauge
}

// New creates the collectors and registers them, along with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "call",
				Name:      "attempts_total",
				Help:      "External service call attempts by outcome.",
			},
			[]string{"service", "stage", "outcome"},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "call",
				Name:      "duration_seconds",
				Help:      "External service call latency in seconds.",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"service", "outcome"},
		),
		stages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "results_total",
				Help:      "Stage executions by result (done, failed, blocked).",
			},
			[]string{"stage", "result"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "duration_seconds",
				Help:      "Duration of successful stage executions in seconds.",
				Buckets:   []float64{.01, .1, .5, 1, 5, 15, 30, 60, 180, 300},
			},
			[]string{"stage"},
		),
		verdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gate",
				Name:      "verdicts_total",
				Help:      "Validation gate verdicts.",
			},
			[]string{"verdict"},
		),
		deficiencies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gate",
				Name:      "deficiencies_total",
				Help:      "Failed gate predicates.",
			},
			[]string{"predicate"},
		),
		reentries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "run",
				Name:      "reentries_total",
				Help:      "Re-executions by re-entry stage.",
			},
			[]string{"stage"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "run",
				Name:      "finished_total",
				Help:      "Finished runs by terminal status.",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "run",
				Name:      "duration_seconds",
				Help:      "Run wall-clock duration in seconds.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"status"},
		),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "in_flight",
			Help:      "Runs started and not yet finished.",
		}),
	}
	m.reg.MustRegister(
		m.calls, m.callDuration, m.stages, m.stageDuration, m.verdicts,
		m.deficiencies, m.reentries, m.runs, m.runDuration, m.inFlight,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) RecordCall(c pipeline.CallRecord) {
	outcome := string(c.Outcome)
	m.calls.WithLabelValues(c.Service, string(c.Stage), outcome).Inc()
	m.callDuration.WithLabelValues(c.Service, outcome).Observe(c.Latency.Seconds())
}

func (m *Metrics) OnEvent(e pipeline.Event) {
	switch e.Type {
	case pipeline.EventRunStart:
		m.inFlight.Inc()
	case pipeline.EventStageDone:
		m.stages.WithLabelValues(string(e.Stage), "done").Inc()
		m.stageDuration.WithLabelValues(string(e.Stage)).Observe(e.Elapsed.Seconds())
	case pipeline.EventStageFailed:
		m.stages.WithLabelValues(string(e.Stage), "failed").Inc()
	case pipeline.EventStageBlocked:
		m.stages.WithLabelValues(string(e.Stage), "blocked").Inc()
	case pipeline.EventGateVerdict:
		if e.Verdict == nil {
			return
		}
		if e.Verdict.Go {
			m.verdicts.WithLabelValues("go").Inc()
			return
		}
		m.verdicts.WithLabelValues("no_go").Inc()
		for _, d := range e.Verdict.Deficiencies {
			m.deficiencies.WithLabelValues(d.Predicate).Inc()
		}
	case pipeline.EventReentry:
		m.reentries.WithLabelValues(string(e.Stage)).Inc()
	case pipeline.EventRunDone:
		m.inFlight.Dec()
		m.runs.WithLabelValues(string(e.Status)).Inc()
		m.runDuration.WithLabelValues(string(e.Status)).Observe(e.Elapsed.Seconds())
	}
}
