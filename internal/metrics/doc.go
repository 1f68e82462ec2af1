/*
Package metrics exports group membership and usage as Prometheus gauges.

# Overview

Every per-user family carries the same four labels, in this order:

	namespace, usergroup, username, username_escaped

and is backed by a GaugeFamily, a prometheus.Collector whose whole series
set is swapped by Replace. Series are never updated one at a time, so a user
that leaves a group disappears from the next scrape instead of lingering
with a stale value.

Architecture

	┌──────────────┐   Publish(Map)   ┌─────────────────────────┐
	│  Publisher   │ ───────────────► │ <prefix>_user_group_info │
	└──────────────┘                  └─────────────────────────┘
	┌──────────────┐   Replace(rows)  ┌─────────────────────────┐
	│ usage.Joiner │ ───────────────► │ <prefix>_user_group_*   │
	└──────────────┘                  └─────────────────────────┘
	┌──────────────┐                  ┌─────────────────────────┐
	│    Stats     │ ───────────────► │ <prefix>_groups_exporter_*
	└──────────────┘                  └─────────────────────────┘

All collectors register on a caller supplied registry; nothing in this
package touches the default registry.

# Publishing membership

	reg := prometheus.NewRegistry()
	pub, err := metrics.NewPublisher(reg, "jupyterhub", "prod")
	if err != nil {
		return err
	}
	n, err := pub.Publish(m) // one series with value 1 per (user, label)

# Self metrics

Stats records each refresh cycle of the membership and usage tasks:

	stats.RecordRefresh(metrics.TaskMembership, time.Since(start), err, time.Now())

exposing refresh_total{task,status}, refresh_duration_seconds{task},
last_success_timestamp_seconds{task}, errors_total{task,code},
membership_users and membership_version under the groups_exporter
subsystem.
*/
package metrics
