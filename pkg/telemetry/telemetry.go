// Package telemetry records engine activity as Prometheus collectors and
// optionally pushes them to a Pushgateway when a run ends.
package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Recorder receives engine events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	MetricComputed(metric, status string)
	RunnerFailed(runnerType string)
	VerdictRecorded(testType, status string)
	SinkWrite(status string)
	TableFinished(status string, d time.Duration)
	// Flush publishes collected values, if the recorder needs it.
	Flush() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) MetricComputed(string, string)       {}
func (Nop) RunnerFailed(string)                 {}
func (Nop) VerdictRecorded(string, string)      {}
func (Nop) SinkWrite(string)                    {}
func (Nop) TableFinished(string, time.Duration) {}
func (Nop) Flush() error                        { return nil }

// Prometheus is a Recorder backed by a private registry.
type Prometheus struct {
	reg *prometheus.Registry

	gatewayURL string
	job        string

	metricComputations *prometheus.CounterVec
	runnerFailures     *prometheus.CounterVec
	verdicts           *prometheus.CounterVec
	sinkWrites         *prometheus.CounterVec
	tableDuration      *prometheus.HistogramVec
}

// NewPrometheus registers the engine collectors. With an empty gatewayURL
// Flush is a no-op and the registry is only reachable through Registry.
func NewPrometheus(gatewayURL, job string) (*Prometheus, error) {
	if job == "" {
		job = "ekaya_quality"
	}
	p := &Prometheus{
		reg:        prometheus.NewRegistry(),
		gatewayURL: gatewayURL,
		job:        job,
		metricComputations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quality_metric_computations_total",
			Help: "Metric computations by metric and resulting status.",
		}, []string{"metric", "status"}),
		runnerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quality_runner_failures_total",
			Help: "Partition runner operations that failed, by runner dialect.",
		}, []string{"runner_type"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quality_verdicts_total",
			Help: "Validation verdicts by test type and status.",
		}, []string{"test_type", "status"}),
		sinkWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quality_sink_writes_total",
			Help: "Catalog writes by outcome.",
		}, []string{"status"}),
		tableDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quality_table_duration_seconds",
			Help:    "Wall time spent per table, by table outcome.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"status"}),
	}

	for name, c := range map[string]prometheus.Collector{
		"metric computations": p.metricComputations,
		"runner failures":     p.runnerFailures,
		"verdicts":            p.verdicts,
		"sink writes":         p.sinkWrites,
		"table duration":      p.tableDuration,
	} {
		if err := p.reg.Register(c); err != nil {
			return nil, fmt.Errorf("telemetry: register %s: %w", name, err)
		}
	}
	return p, nil
}

// Registry exposes the underlying registry, e.g. for tests or a scrape handler.
func (p *Prometheus) Registry() *prometheus.Registry { return p.reg }

func (p *Prometheus) MetricComputed(metric, status string) {
	p.metricComputations.WithLabelValues(metric, status).Inc()
}

func (p *Prometheus) RunnerFailed(runnerType string) {
	p.runnerFailures.WithLabelValues(runnerType).Inc()
}

func (p *Prometheus) VerdictRecorded(testType, status string) {
	p.verdicts.WithLabelValues(testType, status).Inc()
}

func (p *Prometheus) SinkWrite(status string) {
	p.sinkWrites.WithLabelValues(status).Inc()
}

func (p *Prometheus) TableFinished(status string, d time.Duration) {
	p.tableDuration.WithLabelValues(status).Observe(d.Seconds())
}

// Flush pushes the registry to the Pushgateway, replacing the job's group.
func (p *Prometheus) Flush() error {
	if p.gatewayURL == "" {
		return nil
	}
	if err := push.New(p.gatewayURL, p.job).Gatherer(p.reg).Push(); err != nil {
		return fmt.Errorf("telemetry: push to %s: %w", p.gatewayURL, err)
	}
	return nil
}

var (
	_ Recorder = Nop{}
	_ Recorder = (*Prometheus)(nil)
)
