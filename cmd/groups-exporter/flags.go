package main

import (
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/2i2c-org/jupyterhub-groups-exporter/internal/config"
	"github.com/2i2c-org/jupyterhub-groups-exporter/internal/hub"
	"github.com/2i2c-org/jupyterhub-groups-exporter/internal/membership"
	"github.com/2i2c-org/jupyterhub-groups-exporter/pkg/errors"
	"github.com/2i2c-org/jupyterhub-groups-exporter/pkg/utils"
)

// flags holds command line overrides. Only flags set explicitly override
// the file and environment.
type flags struct {
	configFile         string
	port               int
	membershipInterval int
	usageInterval      int
	allowedGroups      []string
	doubleCount        string
	hubURL             string
	servicePrefix      string
	apiToken           string
	namespace          string
	metricsPrefix      string
	prometheusHost     string
	prometheusPort     int
	source             hub.Source
	multipleScope      membership.Scope
	logLevel           utils.LogLevel
	logFormat          utils.LogFormat
}

func (f *flags) register(fs *pflag.FlagSet) {
	defaults := config.NewDefault()
	f.source = defaults.Hub.Source
	f.multipleScope = defaults.Membership.MultipleScope
	f.logLevel = defaults.Global.LogLevel
	f.logFormat = defaults.Global.LogFormat

	fs.StringVar(&f.configFile, "config", "", "Path to a YAML configuration file.")
	fs.IntVar(&f.port, "port", defaults.Global.Port,
		"Port to listen on for the groups exporter.")
	fs.IntVar(&f.membershipInterval, "update_exporter_interval", int(defaults.Membership.UpdateInterval/time.Second),
		"Time interval between each update of the JupyterHub groups exporter (seconds).")
	fs.IntVar(&f.usageInterval, "update_metrics_interval", int(defaults.Usage.UpdateInterval/time.Second),
		"Time interval between each update of the usage metrics (seconds).")
	fs.StringSliceVar(&f.allowedGroups, "allowed_groups", nil,
		"Comma-separated user groups to export. If not provided, all groups are exported.")
	fs.StringVar(&f.doubleCount, "double_count", strconv.FormatBool(defaults.Membership.DoubleCount),
		"If 'true', double-count usage for users with multiple group memberships. If 'false', "+
			"users with multiple group memberships are assigned to a group called 'multiple'.")
	fs.StringVar(&f.hubURL, "hub_url", "",
		"JupyterHub service URL, e.g. http://localhost:8000 for local development.")
	fs.StringVar(&f.servicePrefix, "hub_service_prefix", defaults.Hub.ServicePrefix,
		"JupyterHub service prefix.")
	fs.StringVar(&f.apiToken, "hub_api_token", "",
		"Token to talk to the JupyterHub API.")
	fs.StringVar(&f.namespace, "jupyterhub_namespace", "",
		"Kubernetes namespace where the JupyterHub is deployed.")
	fs.StringVar(&f.metricsPrefix, "jupyterhub_metrics_prefix", defaults.Metrics.Prefix,
		"Prefix/namespace for the JupyterHub metrics for Prometheus.")
	fs.StringVar(&f.prometheusHost, "prometheus_host", "",
		"Prometheus host queried for usage metrics. Usage export is disabled when empty.")
	fs.IntVar(&f.prometheusPort, "prometheus_port", defaults.Prometheus.Port,
		"Prometheus port.")
	fs.Var(&f.source, "hub_source", "Hub listing to poll: groups or users.")
	fs.Var(&f.multipleScope, "multiple_scope",
		"Groups counted toward 'multiple': allowed or discovered.")
	fs.Var(&f.logLevel, "log_level", "Set logging level: DEBUG, INFO, WARNING, ERROR or CRITICAL.")
	fs.Var(&f.logFormat, "log_format", "Log format: text or json.")
}

// load builds the configuration from defaults, file, environment and the
// flags that were set, then validates it.
func (f *flags) load(fs *pflag.FlagSet) (*config.Configuration, error) {
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return nil, err
	}
	if err := f.apply(fs, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f *flags) apply(fs *pflag.FlagSet, cfg *config.Configuration) error {
	changed := fs.Changed

	if changed("port") {
		cfg.Global.Port = f.port
	}
	if changed("log_level") {
		cfg.Global.LogLevel = f.logLevel
	}
	if changed("log_format") {
		cfg.Global.LogFormat = f.logFormat
	}
	if changed("update_exporter_interval") {
		cfg.Membership.UpdateInterval = time.Duration(f.membershipInterval) * time.Second
	}
	if changed("update_metrics_interval") {
		cfg.Usage.UpdateInterval = time.Duration(f.usageInterval) * time.Second
	}
	if changed("allowed_groups") {
		cfg.Membership.AllowedGroups = f.allowedGroups
	}
	if changed("double_count") {
		double, err := strconv.ParseBool(f.doubleCount)
		if err != nil {
			return errors.NewError(errors.ErrCodeInvalidConfig, "invalid --double_count").
				WithComponent("config").WithDetail("value", f.doubleCount).WithCause(err)
		}
		cfg.Membership.DoubleCount = double
	}
	if changed("multiple_scope") {
		cfg.Membership.MultipleScope = f.multipleScope
	}
	if changed("hub_url") {
		cfg.Hub.URL = f.hubURL
	}
	if changed("hub_service_prefix") {
		cfg.Hub.ServicePrefix = f.servicePrefix
	}
	if changed("hub_api_token") {
		cfg.Hub.APIToken = f.apiToken
	}
	if changed("hub_source") {
		cfg.Hub.Source = f.source
	}
	if changed("jupyterhub_namespace") {
		cfg.Metrics.Namespace = f.namespace
	}
	if changed("jupyterhub_metrics_prefix") {
		cfg.Metrics.Prefix = f.metricsPrefix
	}
	if changed("prometheus_host") {
		cfg.Prometheus.Host = f.prometheusHost
	}
	if changed("prometheus_port") {
		cfg.Prometheus.Port = f.prometheusPort
	}
	return nil
}
