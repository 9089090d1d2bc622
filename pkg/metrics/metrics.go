// Package metrics exposes Prometheus collectors for the orchestrator and the state store.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	workerRuns     *prometheus.CounterVec
	workerDuration *prometheus.HistogramVec
	commits        prometheus.Counter
	commitRetries  prometheus.Counter
	rollbacks      prometheus.Counter
	requestRetries *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		workerRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pilot_worker_runs_total",
				Help: "Total number of worker turns by kind and result",
			},
			[]string{"kind", "result"},
		),
		workerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pilot_worker_duration_seconds",
				Help:    "Duration of worker turns",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"kind"},
		),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pilot_commits_total",
			Help: "Total number of committed snapshots",
		}),
		commitRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pilot_commit_retries_total",
			Help: "Total number of commit attempts retried after a transient error",
		}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pilot_rollbacks_total",
			Help: "Total number of discarded units of work",
		}),
		requestRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pilot_request_retries_total",
				Help: "Total number of failed outbound request attempts by error class",
			},
			[]string{"class"},
		),
	}
	for _, c := range []prometheus.Collector{
		m.workerRuns, m.workerDuration, m.commits, m.commitRetries, m.rollbacks, m.requestRetries,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// MustNew is New that panics on registration errors.
func MustNew(reg prometheus.Registerer) *Metrics {
	m, err := New(reg)
	if err != nil {
		panic(err)
	}
	return m
}

// WorkerRun records one worker turn.
func (m *Metrics) WorkerRun(kind, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.workerRuns.WithLabelValues(kind, result).Inc()
	m.workerDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) Commit() {
	if m == nil {
		return
	}
	m.commits.Inc()
}

func (m *Metrics) CommitRetry() {
	if m == nil {
		return
	}
	m.commitRetries.Inc()
}

func (m *Metrics) Rollback() {
	if m == nil {
		return
	}
	m.rollbacks.Inc()
}

// RequestRetry records a failed request attempt.
func (m *Metrics) RequestRetry(class string) {
	if m == nil {
		return
	}
	m.requestRetries.WithLabelValues(class).Inc()
}
