package usage

import (
	"fmt"
	"strconv"
)

// UsernameLabel is the series label carrying the hub user name.
const UsernameLabel = "username"

// Query is one usage family and the PromQL expression that feeds it.
type Query struct {
	// Name is the family name without the metrics prefix.
	Name string
	Help string
	Expr string
}

// byUser joins a per-pod selector with the hub username pod annotation and
// sums it per user. The user name ends up in the "username" label.
const byUser = `label_replace(
    sum(
        %s * on (namespace, pod)
        group_left(annotation_hub_jupyter_org_username)
        group(
            kube_pod_annotations{%s, annotation_hub_jupyter_org_username!=""}
        ) by (pod, namespace, annotation_hub_jupyter_org_username)
    ) by (annotation_hub_jupyter_org_username, namespace),
    "username", "$1", "annotation_hub_jupyter_org_username", "(.*)"
)`

// namespaceMatcher scopes a selector to one namespace, or to all when empty.
func namespaceMatcher(namespace string) string {
	if namespace == "" {
		return `namespace=~".*"`
	}
	return "namespace=" + strconv.Quote(namespace)
}

// DefaultQueries returns the memory and CPU usage and request queries scoped
// to namespace.
func DefaultQueries(namespace string) []Query {
	ns := namespaceMatcher(namespace)
	return []Query{
		{
			Name: "user_group_memory_bytes",
			Help: "Working memory set usage in bytes by user and group.",
			Expr: fmt.Sprintf(byUser,
				fmt.Sprintf(`container_memory_working_set_bytes{name!="", pod=~"jupyter-.*", %s}`, ns), ns),
		},
		{
			Name: "user_group_cpu_seconds",
			Help: "CPU usage in core seconds by user and group.",
			Expr: fmt.Sprintf(byUser,
				fmt.Sprintf(`irate(container_cpu_usage_seconds_total{name!="", pod=~"jupyter-.*", %s}[5m])`, ns), ns),
		},
		{
			Name: "user_group_memory_requests_bytes",
			Help: "Memory requests in bytes by user and group.",
			Expr: fmt.Sprintf(byUser,
				fmt.Sprintf(`kube_pod_container_resource_requests{resource="memory", pod=~"jupyter-.*", %s}`, ns), ns),
		},
		{
			Name: "user_group_cpu_requests_seconds",
			Help: "CPU requests in core seconds by user and group.",
			Expr: fmt.Sprintf(byUser,
				fmt.Sprintf(`kube_pod_container_resource_requests{resource="cpu", pod=~"jupyter-.*", %s}`, ns), ns),
		},
	}
}
