package exporter

import (
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/2i2c-org/jupyterhub-groups-exporter/internal/config"
	"github.com/2i2c-org/jupyterhub-groups-exporter/internal/hub"
	"github.com/2i2c-org/jupyterhub-groups-exporter/internal/metrics"
	"github.com/2i2c-org/jupyterhub-groups-exporter/internal/usage"
	"github.com/2i2c-org/jupyterhub-groups-exporter/pkg/health"
	"github.com/2i2c-org/jupyterhub-groups-exporter/pkg/utils"
)

// Components are the collaborators built from a configuration.
type Components struct {
	Exporter *Exporter
	Stats    *metrics.Stats
	Health   *health.Tracker
}

// FromConfig builds the hub client, publishers and health tracker described
// by cfg and registers every metric family on reg. cfg must be validated.
func FromConfig(cfg *config.Configuration, reg prometheus.Registerer, clock quartz.Clock, logger *utils.StructuredLogger) (*Components, error) {
	hubClient, err := hub.NewClient(hub.Config{
		URL:     cfg.Hub.URL,
		Token:   cfg.Hub.APIToken,
		Timeout: cfg.Network.Timeouts.Request,
		Retry:   cfg.Network.Retry.ToRetry(),
	}, logger)
	if err != nil {
		return nil, err
	}

	publisher, err := metrics.NewPublisher(reg, cfg.Metrics.Prefix, cfg.Metrics.Namespace)
	if err != nil {
		return nil, err
	}
	stats, err := metrics.NewStats(reg, cfg.Metrics.Prefix)
	if err != nil {
		return nil, err
	}
	tracker := health.NewTracker(cfg.Health)

	opts := Options{
		Fetcher:            hubClient,
		Source:             cfg.Hub.Source,
		Policy:             cfg.Policy(),
		Publisher:          publisher,
		Stats:              stats,
		Health:             tracker,
		Clock:              clock,
		Logger:             logger,
		MembershipInterval: cfg.Membership.UpdateInterval,
		UsageInterval:      cfg.Usage.UpdateInterval,
	}

	if cfg.UsageEnabled() {
		promClient, err := usage.NewClient(cfg.Prometheus.URL())
		if err != nil {
			return nil, err
		}
		joiner, err := usage.NewJoiner(promClient, reg, usage.Config{
			Prefix:    cfg.Metrics.Prefix,
			Namespace: cfg.Metrics.Namespace,
			Interval:  cfg.Usage.UpdateInterval,
			Timeout:   cfg.Network.Timeouts.Request,
		}, clock, logger)
		if err != nil {
			return nil, err
		}
		opts.Usage = joiner
	}

	exp, err := New(opts)
	if err != nil {
		return nil, err
	}
	logHealthChanges(tracker, logger)
	tracker.SetComponentMetadata(health.ComponentHub, "url", cfg.Hub.URL)
	tracker.SetComponentMetadata(health.ComponentHub, "source", cfg.Hub.Source.String())
	if opts.Usage != nil {
		tracker.SetComponentMetadata(health.ComponentPrometheus, "url", cfg.Prometheus.URL())
	}

	return &Components{Exporter: exp, Stats: stats, Health: tracker}, nil
}

// logHealthChanges logs every component state transition. Failures log at
// warning level with the error that caused them.
func logHealthChanges(tracker *health.Tracker, logger *utils.StructuredLogger) {
	if logger == nil {
		return
	}
	logger = logger.WithComponent("health")
	changed := func(name string, from, to health.HealthState, err error) {
		fields := map[string]interface{}{
			"target": name,
			"from":   from.String(),
			"to":     to.String(),
		}
		if err != nil {
			fields["error"] = err.Error()
			logger.Warn("Component health changed", fields)
			return
		}
		logger.Info("Component health changed", fields)
	}
	for _, state := range []health.HealthState{health.StateHealthy, health.StateDegraded, health.StateUnavailable} {
		tracker.AddStateChangeCallback(state, changed)
	}
}
