/*
Package exporter schedules the membership and usage refreshes.

The membership loop fetches every record from the hub, resolves the
membership map, publishes the user_group_info family and swaps the map into
a membership.Store. The usage loop reads the latest published snapshot and
republishes the Prometheus usage series joined with it. Both loops run one
cycle at start and then on a quartz ticker; a failed cycle leaves the last
published series in place and is retried on the next tick.
*/
package exporter
