package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/common/model"
	"gopkg.in/yaml.v2"

	"github.com/2i2c-org/jupyterhub-groups-exporter/internal/hub"
	"github.com/2i2c-org/jupyterhub-groups-exporter/internal/membership"
	"github.com/2i2c-org/jupyterhub-groups-exporter/pkg/errors"
	"github.com/2i2c-org/jupyterhub-groups-exporter/pkg/health"
	"github.com/2i2c-org/jupyterhub-groups-exporter/pkg/retry"
	"github.com/2i2c-org/jupyterhub-groups-exporter/pkg/utils"
)

// Configuration represents the complete exporter configuration
type Configuration struct {
	Global     GlobalConfig         `yaml:"global"`
	Hub        HubConfig            `yaml:"hub"`
	Membership MembershipConfig     `yaml:"membership"`
	Prometheus PrometheusConfig     `yaml:"prometheus"`
	Usage      UsageConfig          `yaml:"usage"`
	Metrics    MetricsConfig        `yaml:"metrics"`
	Network    NetworkConfig        `yaml:"network"`
	Health     health.TrackerConfig `yaml:"health"`
}

// GlobalConfig represents global settings
type GlobalConfig struct {
	Port      int             `yaml:"port"`
	LogLevel  utils.LogLevel  `yaml:"log_level"`
	LogFormat utils.LogFormat `yaml:"log_format"`
}

// HubConfig represents the JupyterHub connection
type HubConfig struct {
	URL           string     `yaml:"url"`
	APIToken      string     `yaml:"api_token"`
	ServicePrefix string     `yaml:"service_prefix"`
	Source        hub.Source `yaml:"source"`
}

// MembershipConfig represents the group membership refresh
type MembershipConfig struct {
	UpdateInterval time.Duration    `yaml:"update_interval"`
	AllowedGroups  []string         `yaml:"allowed_groups"`
	DoubleCount    bool             `yaml:"double_count"`
	MultipleScope  membership.Scope `yaml:"multiple_scope"`
}

// PrometheusConfig represents the Prometheus server queried for usage
type PrometheusConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// URL returns the Prometheus base URL, or "" when no host is configured.
func (p PrometheusConfig) URL() string {
	if p.Host == "" {
		return ""
	}
	if strings.Contains(p.Host, "://") {
		return p.Host
	}
	return "http://" + net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// UsageConfig represents the usage refresh
type UsageConfig struct {
	Enabled        bool          `yaml:"enabled"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

// MetricsConfig represents exported metric naming
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
	Prefix    string `yaml:"prefix"`
}

// NetworkConfig represents network settings
type NetworkConfig struct {
	Timeouts TimeoutConfig `yaml:"timeouts"`
	Retry    RetryConfig   `yaml:"retry"`
}

// TimeoutConfig represents timeout settings
type TimeoutConfig struct {
	Request time.Duration `yaml:"request"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// ToRetry converts the settings into a retry.Config.
func (r RetryConfig) ToRetry() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = r.MaxAttempts
	cfg.InitialDelay = r.BaseDelay
	cfg.MaxDelay = r.MaxDelay
	return cfg
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			Port:      9090,
			LogLevel:  utils.INFO,
			LogFormat: utils.FormatText,
		},
		Hub: HubConfig{
			ServicePrefix: "/services/groups-exporter/",
			Source:        hub.SourceGroups,
		},
		Membership: MembershipConfig{
			UpdateInterval: 3600 * time.Second,
			DoubleCount:    true,
			MultipleScope:  membership.ScopeAllowed,
		},
		Prometheus: PrometheusConfig{
			Port: 9090,
		},
		Usage: UsageConfig{
			Enabled:        true,
			UpdateInterval: 60 * time.Second,
		},
		Metrics: MetricsConfig{
			Prefix: "jupyterhub",
		},
		Network: NetworkConfig{
			Timeouts: TimeoutConfig{
				Request: 30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts: 8,
				BaseDelay:   1 * time.Second,
				MaxDelay:    60 * time.Second,
			},
		},
		Health: health.DefaultConfig(),
	}
}

// Load builds the configuration from defaults, then filename (if set), then
// the environment. Command line flags are applied by the caller.
func Load(filename string) (*Configuration, error) {
	cfg := NewDefault()
	if filename != "" {
		if err := cfg.LoadFromFile(filename); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "failed to read config file").
			WithComponent("config").WithDetail("file", filename).WithCause(err)
	}

	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "failed to parse config file").
			WithComponent("config").WithDetail("file", filename).WithCause(err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	invalid := func(name, val string, err error) error {
		return errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf("invalid %s", name)).
			WithComponent("config").WithDetail("value", val).WithCause(err)
	}

	// Global settings
	if val := os.Getenv("GROUPS_EXPORTER_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return invalid("GROUPS_EXPORTER_PORT", val, err)
		}
		c.Global.Port = port
	}
	if val := os.Getenv("GROUPS_EXPORTER_LOG_LEVEL"); val != "" {
		if err := c.Global.LogLevel.Set(val); err != nil {
			return invalid("GROUPS_EXPORTER_LOG_LEVEL", val, err)
		}
	}
	if val := os.Getenv("GROUPS_EXPORTER_LOG_FORMAT"); val != "" {
		if err := c.Global.LogFormat.Set(val); err != nil {
			return invalid("GROUPS_EXPORTER_LOG_FORMAT", val, err)
		}
	}

	// Hub settings
	host, port := os.Getenv("HUB_SERVICE_HOST"), os.Getenv("HUB_SERVICE_PORT")
	if host != "" && port != "" {
		c.Hub.URL = "http://" + net.JoinHostPort(host, port)
	}
	if val := os.Getenv("JUPYTERHUB_API_TOKEN"); val != "" {
		c.Hub.APIToken = val
	}
	if val := os.Getenv("JUPYTERHUB_SERVICE_PREFIX"); val != "" {
		c.Hub.ServicePrefix = val
	}
	if val := os.Getenv("GROUPS_EXPORTER_SOURCE"); val != "" {
		if err := c.Hub.Source.Set(val); err != nil {
			return invalid("GROUPS_EXPORTER_SOURCE", val, err)
		}
	}

	// Membership settings
	if val := os.Getenv("GROUPS_EXPORTER_DOUBLE_COUNT"); val != "" {
		double, err := strconv.ParseBool(val)
		if err != nil {
			return invalid("GROUPS_EXPORTER_DOUBLE_COUNT", val, err)
		}
		c.Membership.DoubleCount = double
	}

	// Prometheus settings
	if val := os.Getenv("PROMETHEUS_HOST"); val != "" {
		c.Prometheus.Host = val
	}
	if val := os.Getenv("PROMETHEUS_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return invalid("PROMETHEUS_PORT", val, err)
		}
		c.Prometheus.Port = port
	}

	// Metric naming
	if val := os.Getenv("NAMESPACE"); val != "" {
		c.Metrics.Namespace = val
	}
	if val := os.Getenv("JUPYTERHUB_METRICS_PREFIX"); val != "" {
		c.Metrics.Prefix = val
	}

	return nil
}

// UsageEnabled reports whether the usage refresh should run.
func (c *Configuration) UsageEnabled() bool {
	return c.Usage.Enabled && c.Prometheus.Host != ""
}

// Policy returns the membership resolution policy.
func (c *Configuration) Policy() membership.Policy {
	return membership.Policy{
		AllowedGroups:  membership.NewAllowedGroups(c.Membership.AllowedGroups),
		DoubleCount:    c.Membership.DoubleCount,
		Scope:          c.Membership.MultipleScope,
		TrackUngrouped: c.Hub.Source == hub.SourceUsers,
	}
}

// Redacted returns a copy safe to print.
func (c *Configuration) Redacted() *Configuration {
	cp := *c
	cp.Membership.AllowedGroups = append([]string(nil), c.Membership.AllowedGroups...)
	if cp.Hub.APIToken != "" {
		cp.Hub.APIToken = "<redacted>"
	}
	return &cp
}

// Marshal renders the configuration as YAML.
func (c *Configuration) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf(format, args...)).
			WithComponent("config")
	}

	if c.Global.Port <= 0 || c.Global.Port > 65535 {
		return invalid("port must be between 1 and 65535, got %d", c.Global.Port)
	}

	if c.Hub.URL == "" {
		return invalid("hub url is required (set --hub_url or HUB_SERVICE_HOST and HUB_SERVICE_PORT)")
	}
	u, err := url.Parse(c.Hub.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return invalid("invalid hub url: %s", c.Hub.URL)
	}

	if !strings.HasPrefix(c.Hub.ServicePrefix, "/") || !strings.HasSuffix(c.Hub.ServicePrefix, "/") {
		return invalid("service_prefix must start and end with '/', got %q", c.Hub.ServicePrefix)
	}

	if c.Membership.UpdateInterval <= 0 {
		return invalid("membership update_interval must be positive")
	}

	if c.UsageEnabled() {
		if c.Usage.UpdateInterval <= 0 {
			return invalid("usage update_interval must be positive")
		}
		if !strings.Contains(c.Prometheus.Host, "://") && (c.Prometheus.Port <= 0 || c.Prometheus.Port > 65535) {
			return invalid("prometheus port must be between 1 and 65535, got %d", c.Prometheus.Port)
		}
	}

	if c.Metrics.Prefix != "" && !model.IsValidLegacyMetricName(c.Metrics.Prefix) {
		return invalid("invalid metrics prefix: %q", c.Metrics.Prefix)
	}
	// The namespace is exported as a label value on every series.
	if !model.LabelValue(c.Metrics.Namespace).IsValid() {
		return invalid("invalid namespace: %q", c.Metrics.Namespace)
	}

	if c.Network.Timeouts.Request < 0 {
		return invalid("request timeout cannot be negative")
	}

	if c.Network.Retry.MaxAttempts < 1 {
		return invalid("retry max_attempts must be at least 1")
	}
	if c.Network.Retry.BaseDelay <= 0 || c.Network.Retry.MaxDelay < c.Network.Retry.BaseDelay {
		return invalid("retry delays must satisfy 0 < base_delay <= max_delay")
	}

	if c.Health.ErrorThreshold < 1 || c.Health.UnavailableThreshold < c.Health.ErrorThreshold {
		return invalid("health thresholds must satisfy 1 <= error_threshold <= unavailable_threshold")
	}

	return nil
}
