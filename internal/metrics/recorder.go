// Package metrics provides Prometheus-based recording for command execution.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is the set of observations the engine and registry emit.
type Recorder interface {
	ObserveCommand(project, command, status, reason string, duration time.Duration)
	ObserveLockWait(project, resource string, duration time.Duration)
	IncEvent(project, eventType string)
	SetActiveProjects(n int)
	SetSessions(project string, n int)
}

// PrometheusRecorder implements Recorder on a dedicated registry.
type PrometheusRecorder struct {
	Registry *prometheus.Registry

	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	lockWait        *prometheus.HistogramVec
	eventsTotal     *prometheus.CounterVec
	activeProjects  prometheus.Gauge
	sessions        *prometheus.GaugeVec
}

// NewPrometheusRecorder registers the sprintline collectors on a fresh registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		Registry: reg,
		commandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sprintline_commands_total",
				Help: "Commands processed by project, command, status and reason",
			},
			[]string{"project", "command", "status", "reason"},
		),
		commandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sprintline_command_duration_seconds",
				Help:    "Time from command receipt to result",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"project", "command"},
		),
		lockWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sprintline_lock_wait_seconds",
				Help:    "Time spent waiting for a resource lock",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"project", "resource"},
		),
		eventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sprintline_events_total",
				Help: "Events published by project and type",
			},
			[]string{"project", "type"},
		),
		activeProjects: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sprintline_active_projects",
			Help: "Project contexts currently resident",
		}),
		sessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sprintline_sessions",
				Help: "Sessions attached per project",
			},
			[]string{"project"},
		),
	}
}

// ObserveCommand records one command outcome.
func (p *PrometheusRecorder) ObserveCommand(project, command, status, reason string, duration time.Duration) {
	p.commandsTotal.WithLabelValues(project, command, status, reason).Inc()
	p.commandDuration.WithLabelValues(project, command).Observe(duration.Seconds())
}

// ObserveLockWait records time spent in the lock queue. Work unit keys are
// folded into one label value.
func (p *PrometheusRecorder) ObserveLockWait(project, resource string, duration time.Duration) {
	if strings.HasPrefix(resource, "workunit:") {
		resource = "workunit"
	}
	p.lockWait.WithLabelValues(project, resource).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) IncEvent(project, eventType string) {
	p.eventsTotal.WithLabelValues(project, eventType).Inc()
}

func (p *PrometheusRecorder) SetActiveProjects(n int) {
	p.activeProjects.Set(float64(n))
}

// SetSessions sets the session gauge; a project at zero is removed from the series.
func (p *PrometheusRecorder) SetSessions(project string, n int) {
	if n == 0 {
		p.sessions.DeleteLabelValues(project)
		return
	}
	p.sessions.WithLabelValues(project).Set(float64(n))
}

// Nop discards every observation.
type Nop struct{}

func (Nop) ObserveCommand(string, string, string, string, time.Duration) {}
func (Nop) ObserveLockWait(string, string, time.Duration)                {}
func (Nop) IncEvent(string, string)                                      {}
func (Nop) SetActiveProjects(int)                                        {}
func (Nop) SetSessions(string, int)                                      {}
