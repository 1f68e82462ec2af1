package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2i2c-org/jupyterhub-groups-exporter/internal/hub"
	"github.com/2i2c-org/jupyterhub-groups-exporter/internal/membership"
	"github.com/2i2c-org/jupyterhub-groups-exporter/pkg/errors"
	"github.com/2i2c-org/jupyterhub-groups-exporter/pkg/utils"
)

// envKeys lists every variable LoadFromEnv reads.
var envKeys = []string{
	"GROUPS_EXPORTER_PORT", "GROUPS_EXPORTER_LOG_LEVEL", "GROUPS_EXPORTER_LOG_FORMAT",
	"GROUPS_EXPORTER_SOURCE", "GROUPS_EXPORTER_DOUBLE_COUNT",
	"HUB_SERVICE_HOST", "HUB_SERVICE_PORT", "JUPYTERHUB_API_TOKEN", "JUPYTERHUB_SERVICE_PREFIX",
	"PROMETHEUS_HOST", "PROMETHEUS_PORT", "NAMESPACE", "JUPYTERHUB_METRICS_PREFIX",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func validConfig() *Configuration {
	cfg := NewDefault()
	cfg.Hub.URL = "http://hub:8081"
	return cfg
}

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Global.Port != 9090 {
		t.Errorf("Expected Port to be 9090, got %d", cfg.Global.Port)
	}
	if cfg.Global.LogLevel != utils.INFO {
		t.Errorf("Expected LogLevel to be INFO, got %s", cfg.Global.LogLevel)
	}
	if cfg.Hub.ServicePrefix != "/services/groups-exporter/" {
		t.Errorf("Expected default service prefix, got %q", cfg.Hub.ServicePrefix)
	}
	if cfg.Hub.Source != hub.SourceGroups {
		t.Errorf("Expected Source to be groups, got %s", cfg.Hub.Source)
	}
	if cfg.Membership.UpdateInterval != time.Hour {
		t.Errorf("Expected UpdateInterval to be 1h, got %v", cfg.Membership.UpdateInterval)
	}
	if !cfg.Membership.DoubleCount {
		t.Error("Expected DoubleCount to be enabled by default")
	}
	if cfg.Usage.UpdateInterval != time.Minute {
		t.Errorf("Expected usage interval to be 1m, got %v", cfg.Usage.UpdateInterval)
	}
	if cfg.Metrics.Prefix != "jupyterhub" {
		t.Errorf("Expected metrics prefix jupyterhub, got %q", cfg.Metrics.Prefix)
	}
	if cfg.Network.Retry.MaxAttempts != 8 {
		t.Errorf("Expected 8 retry attempts, got %d", cfg.Network.Retry.MaxAttempts)
	}
	if cfg.UsageEnabled() {
		t.Error("Expected usage disabled without a prometheus host")
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
global:
  port: 8000
  log_level: DEBUG
  log_format: json
hub:
  url: http://localhost:8000
  source: users
membership:
  update_interval: 10m
  allowed_groups: [teamA, teamB]
  double_count: false
  multiple_scope: discovered
prometheus:
  host: prometheus-server
  port: 80
usage:
  update_interval: 30s
metrics:
  namespace: staging
`
	if err := os.WriteFile(configFile, []byte(configContent), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.Global.Port != 8000 {
		t.Errorf("Expected Port 8000, got %d", cfg.Global.Port)
	}
	if cfg.Global.LogLevel != utils.DEBUG {
		t.Errorf("Expected LogLevel DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.LogFormat != utils.FormatJSON {
		t.Errorf("Expected json log format, got %s", cfg.Global.LogFormat)
	}
	if cfg.Hub.Source != hub.SourceUsers {
		t.Errorf("Expected source users, got %s", cfg.Hub.Source)
	}
	if cfg.Membership.UpdateInterval != 10*time.Minute {
		t.Errorf("Expected UpdateInterval 10m, got %v", cfg.Membership.UpdateInterval)
	}
	if len(cfg.Membership.AllowedGroups) != 2 {
		t.Errorf("Expected 2 allowed groups, got %v", cfg.Membership.AllowedGroups)
	}
	if cfg.Membership.DoubleCount {
		t.Error("Expected DoubleCount false")
	}
	if cfg.Membership.MultipleScope != membership.ScopeDiscovered {
		t.Errorf("Expected discovered scope, got %s", cfg.Membership.MultipleScope)
	}
	if got := cfg.Prometheus.URL(); got != "http://prometheus-server:80" {
		t.Errorf("Expected prometheus URL http://prometheus-server:80, got %s", got)
	}
	if !cfg.UsageEnabled() {
		t.Error("Expected usage enabled with a prometheus host")
	}

	// Unchanged keys keep their defaults
	if cfg.Hub.ServicePrefix != "/services/groups-exporter/" {
		t.Errorf("Expected default service prefix to survive, got %q", cfg.Hub.ServicePrefix)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected loaded config to validate, got %v", err)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := NewDefault()
	err := cfg.LoadFromFile(filepath.Join(tmpDir, "missing.yaml"))
	if errors.CodeOf(err) != errors.ErrCodeConfigLoad {
		t.Errorf("Expected CONFIG_LOAD for missing file, got %v", err)
	}

	tests := map[string]string{
		"unknown key":      "global:\n  bogus: 1\n",
		"invalid level":    "global:\n  log_level: LOUD\n",
		"invalid source":   "hub:\n  source: roles\n",
		"invalid scope":    "membership:\n  multiple_scope: some\n",
		"malformed yaml":   "global: [",
		"invalid interval": "membership:\n  update_interval: soon\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			file := filepath.Join(tmpDir, strings.ReplaceAll(name, " ", "_")+".yaml")
			if err := os.WriteFile(file, []byte(content), 0600); err != nil {
				t.Fatalf("Failed to write test config file: %v", err)
			}
			if err := NewDefault().LoadFromFile(file); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("GROUPS_EXPORTER_PORT", "9100")
	t.Setenv("GROUPS_EXPORTER_LOG_LEVEL", "warning")
	t.Setenv("HUB_SERVICE_HOST", "10.0.0.1")
	t.Setenv("HUB_SERVICE_PORT", "8081")
	t.Setenv("JUPYTERHUB_API_TOKEN", "secret")
	t.Setenv("JUPYTERHUB_SERVICE_PREFIX", "/services/custom/")
	t.Setenv("GROUPS_EXPORTER_DOUBLE_COUNT", "false")
	t.Setenv("PROMETHEUS_HOST", "prometheus")
	t.Setenv("NAMESPACE", "prod")
	t.Setenv("JUPYTERHUB_METRICS_PREFIX", "hub")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv failed: %v", err)
	}

	if cfg.Global.Port != 9100 {
		t.Errorf("Expected Port 9100, got %d", cfg.Global.Port)
	}
	if cfg.Global.LogLevel != utils.WARN {
		t.Errorf("Expected LogLevel WARN, got %s", cfg.Global.LogLevel)
	}
	if cfg.Hub.URL != "http://10.0.0.1:8081" {
		t.Errorf("Expected hub URL from service env, got %q", cfg.Hub.URL)
	}
	if cfg.Hub.APIToken != "secret" {
		t.Error("Expected API token from env")
	}
	if cfg.Hub.ServicePrefix != "/services/custom/" {
		t.Errorf("Expected service prefix from env, got %q", cfg.Hub.ServicePrefix)
	}
	if cfg.Membership.DoubleCount {
		t.Error("Expected DoubleCount false from env")
	}
	if cfg.Prometheus.URL() != "http://prometheus:9090" {
		t.Errorf("Expected prometheus URL with default port, got %q", cfg.Prometheus.URL())
	}
	if cfg.Metrics.Namespace != "prod" || cfg.Metrics.Prefix != "hub" {
		t.Errorf("Expected namespace prod and prefix hub, got %q and %q", cfg.Metrics.Namespace, cfg.Metrics.Prefix)
	}
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	for _, tc := range []struct{ key, value string }{
		{"GROUPS_EXPORTER_PORT", "ninety"},
		{"GROUPS_EXPORTER_LOG_LEVEL", "LOUD"},
		{"GROUPS_EXPORTER_SOURCE", "roles"},
		{"GROUPS_EXPORTER_DOUBLE_COUNT", "maybe"},
		{"PROMETHEUS_PORT", "x"},
	} {
		t.Run(tc.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tc.key, tc.value)
			err := NewDefault().LoadFromEnv()
			if errors.CodeOf(err) != errors.ErrCodeInvalidConfig {
				t.Errorf("Expected INVALID_CONFIG, got %v", err)
			}
		})
	}
}

func TestLoad_Precedence(t *testing.T) {
	clearEnv(t)
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	content := "global:\n  port: 8000\nmetrics:\n  namespace: from-file\n"
	if err := os.WriteFile(configFile, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}
	t.Setenv("NAMESPACE", "from-env")

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Global.Port != 8000 {
		t.Errorf("Expected file to override default port, got %d", cfg.Global.Port)
	}
	if cfg.Metrics.Namespace != "from-env" {
		t.Errorf("Expected env to override file, got %q", cfg.Metrics.Namespace)
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Expected valid config, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Configuration)
	}{
		{"missing hub url", func(c *Configuration) { c.Hub.URL = "" }},
		{"relative hub url", func(c *Configuration) { c.Hub.URL = "hub:8081" }},
		{"port out of range", func(c *Configuration) { c.Global.Port = 70000 }},
		{"prefix without trailing slash", func(c *Configuration) { c.Hub.ServicePrefix = "/services/x" }},
		{"zero membership interval", func(c *Configuration) { c.Membership.UpdateInterval = 0 }},
		{"zero usage interval", func(c *Configuration) {
			c.Prometheus.Host = "prometheus"
			c.Usage.UpdateInterval = 0
		}},
		{"invalid metrics prefix", func(c *Configuration) { c.Metrics.Prefix = "jupyter-hub" }},
		{"metrics prefix with leading digit", func(c *Configuration) { c.Metrics.Prefix = "1hub" }},
		{"namespace not utf-8", func(c *Configuration) { c.Metrics.Namespace = "ns\xff" }},
		{"zero retry attempts", func(c *Configuration) { c.Network.Retry.MaxAttempts = 0 }},
		{"inverted retry delays", func(c *Configuration) { c.Network.Retry.MaxDelay = time.Millisecond }},
		{"inverted health thresholds", func(c *Configuration) { c.Health.UnavailableThreshold = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			if errors.CodeOf(err) != errors.ErrCodeInvalidConfig {
				t.Errorf("Expected INVALID_CONFIG, got %v", err)
			}
		})
	}
}

func TestPolicy(t *testing.T) {
	cfg := validConfig()
	cfg.Membership.AllowedGroups = []string{"teamA", " "}

	policy := cfg.Policy()
	if len(policy.AllowedGroups) != 1 {
		t.Errorf("Expected blank groups dropped, got %v", policy.AllowedGroups)
	}
	if policy.TrackUngrouped {
		t.Error("Expected ungrouped users untracked for the groups source")
	}

	cfg.Hub.Source = hub.SourceUsers
	if !cfg.Policy().TrackUngrouped {
		t.Error("Expected ungrouped users tracked for the users source")
	}
}

func TestRedactedMarshal(t *testing.T) {
	cfg := validConfig()
	cfg.Hub.APIToken = "secret"

	data, err := cfg.Redacted().Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "secret") {
		t.Error("Expected token to be redacted")
	}
	if !strings.Contains(out, "source: groups") || !strings.Contains(out, "log_level: INFO") {
		t.Errorf("Expected typed values rendered by name, got:\n%s", out)
	}
	if cfg.Hub.APIToken != "secret" {
		t.Error("Redacted must not modify the original")
	}
}

func TestRetryConfig_ToRetry(t *testing.T) {
	r := NewDefault().Network.Retry.ToRetry()
	if r.MaxAttempts != 8 || r.InitialDelay != time.Second || r.MaxDelay != time.Minute {
		t.Errorf("Unexpected retry config: %+v", r)
	}
	if len(r.RetryableErrors) == 0 {
		t.Error("Expected default retryable codes to be kept")
	}
}
