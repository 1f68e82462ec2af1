/*
Package config provides configuration management for the groups exporter with multi-source support.

# Configuration Architecture

Sources are applied in order, later ones overriding earlier ones:

	┌─────────────────────────────────────────────┐
	│          Command line flags                 │ ← Highest Priority
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│        Environment Variables                │
	│  (GROUPS_EXPORTER_*, HUB_SERVICE_*,         │
	│   JUPYTERHUB_*, PROMETHEUS_*, NAMESPACE)    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File (YAML)           │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	└─────────────────────────────────────────────┘

Load applies defaults, file and environment; the command applies flags on
top and then calls Validate.

# Example File

	global:
	  port: 9090
	  log_level: INFO
	  log_format: text
	hub:
	  url: http://hub:8081
	  service_prefix: /services/groups-exporter/
	  source: groups
	membership:
	  update_interval: 1h
	  allowed_groups: [teamA, teamB]
	  double_count: true
	  multiple_scope: allowed
	prometheus:
	  host: prometheus-server
	  port: 9090
	usage:
	  enabled: true
	  update_interval: 1m
	metrics:
	  namespace: prod
	  prefix: jupyterhub
	network:
	  timeouts:
	    request: 30s
	  retry:
	    max_attempts: 8
	    base_delay: 1s
	    max_delay: 1m

Enumerated settings (log level and format, hub source, multiple scope) are
parsed into typed values while loading, so invalid values fail at startup
rather than at first use. Unknown keys in the file are rejected.

The API token is normally supplied through JUPYTERHUB_API_TOKEN, which
JupyterHub sets for managed services. Redacted returns a copy suitable for
printing.
*/
package config
