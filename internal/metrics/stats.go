package metrics

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/2i2c-org/jupyterhub-groups-exporter/pkg/errors"
)

// Task names recorded by Stats.
const (
	TaskMembership = "membership"
	TaskUsage      = "usage"
)

const statsSubsystem = "groups_exporter"

// Stats collects the exporter's own refresh metrics.
type Stats struct {
	mu sync.RWMutex

	// Prometheus metrics
	refreshCounter    *prometheus.CounterVec
	refreshDuration   *prometheus.HistogramVec
	lastSuccess       *prometheus.GaugeVec
	errorCounter      *prometheus.CounterVec
	membershipUsers   prometheus.Gauge
	membershipVersion prometheus.Gauge

	// Internal tracking
	tasks map[string]*TaskMetrics
}

// TaskMetrics tracks the refresh history of one task.
type TaskMetrics struct {
	Count         int64         `json:"count"`
	Errors        int64         `json:"errors"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastRun       time.Time     `json:"last_run"`
	LastSuccess   time.Time     `json:"last_success,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
}

// NewStats creates the self-metrics under prefix and registers them on reg.
func NewStats(reg prometheus.Registerer, prefix string) (*Stats, error) {
	s := &Stats{tasks: make(map[string]*TaskMetrics)}
	s.initMetrics(prefix)

	if err := s.registerMetrics(reg); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return s, nil
}

// RecordRefresh records one refresh cycle of task finishing at at.
func (s *Stats) RecordRefresh(task string, duration time.Duration, err error, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	metrics, exists := s.tasks[task]
	if !exists {
		metrics = &TaskMetrics{}
		s.tasks[task] = metrics
	}
	metrics.Count++
	metrics.TotalDuration += duration
	metrics.AvgDuration = time.Duration(int64(metrics.TotalDuration) / metrics.Count)
	metrics.LastRun = at
	if err != nil {
		metrics.Errors++
		metrics.LastError = err.Error()
	} else {
		metrics.LastSuccess = at
		metrics.LastError = ""
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	s.refreshCounter.With(prometheus.Labels{"task": task, "status": status}).Inc()
	s.refreshDuration.With(prometheus.Labels{"task": task}).Observe(duration.Seconds())

	if err != nil {
		s.errorCounter.With(prometheus.Labels{"task": task, "code": classifyError(err)}).Inc()
		return
	}
	s.lastSuccess.With(prometheus.Labels{"task": task}).Set(float64(at.UnixNano()) / 1e9)
}

// SetMembership records the size and version of the published membership.
func (s *Stats) SetMembership(users int, version uint64) {
	s.membershipUsers.Set(float64(users))
	s.membershipVersion.Set(float64(version))
}

// Tasks returns a copy of the per-task history.
func (s *Stats) Tasks() map[string]TaskMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]TaskMetrics, len(s.tasks))
	for k, v := range s.tasks {
		out[k] = *v
	}
	return out
}

// Helper methods

func (s *Stats) initMetrics(prefix string) {
	s.refreshCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: prefix,
			Subsystem: statsSubsystem,
			Name:      "refresh_total",
			Help:      "Total number of refresh cycles",
		},
		[]string{"task", "status"},
	)

	s.refreshDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: prefix,
			Subsystem: statsSubsystem,
			Name:      "refresh_duration_seconds",
			Help:      "Duration of refresh cycles in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 15), // 10ms to ~160s
		},
		[]string{"task"},
	)

	s.lastSuccess = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: prefix,
			Subsystem: statsSubsystem,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful refresh",
		},
		[]string{"task"},
	)

	s.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: prefix,
			Subsystem: statsSubsystem,
			Name:      "errors_total",
			Help:      "Total number of failed refresh cycles by error code",
		},
		[]string{"task", "code"},
	)

	s.membershipUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: prefix,
			Subsystem: statsSubsystem,
			Name:      "membership_users",
			Help:      "Number of users in the published membership map",
		},
	)

	s.membershipVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: prefix,
			Subsystem: statsSubsystem,
			Name:      "membership_version",
			Help:      "Version of the published membership map",
		},
	)
}

func (s *Stats) registerMetrics(reg prometheus.Registerer) error {
	metrics := []prometheus.Collector{
		s.refreshCounter,
		s.refreshDuration,
		s.lastSuccess,
		s.errorCounter,
		s.membershipUsers,
		s.membershipVersion,
	}

	for _, metric := range metrics {
		if err := reg.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

// classifyError maps err to a low-cardinality label value.
func classifyError(err error) string {
	return strings.ToLower(string(errors.CodeOf(err)))
}
