package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/2i2c-org/jupyterhub-groups-exporter/internal/membership"
)

// InfoMetricName is the membership family name without prefix.
const InfoMetricName = "user_group_info"

// FamilyName joins the configured metrics prefix and a family name.
func FamilyName(prefix, name string) string {
	return prometheus.BuildFQName(prefix, "", name)
}

// UserRows fans one value out to a row per label held by user.
func UserRows(namespace, user string, labels []string, value float64) []Row {
	escaped := membership.Escape(user)
	rows := make([]Row, 0, len(labels))
	for _, label := range labels {
		rows = append(rows, Row{
			Labels: []string{namespace, label, user, escaped},
			Value:  value,
		})
	}
	return rows
}

// Publisher exports a membership map as the user_group_info family.
type Publisher struct {
	family    *GaugeFamily
	namespace string
}

// NewPublisher creates the info family for prefix and registers it on reg.
func NewPublisher(reg prometheus.Registerer, prefix, namespace string) (*Publisher, error) {
	family := NewGaugeFamily(
		FamilyName(prefix, InfoMetricName),
		"JupyterHub namespace, username and user group membership information.",
		UserLabels,
	)
	if err := reg.Register(family); err != nil {
		return nil, err
	}
	return &Publisher{family: family, namespace: namespace}, nil
}

// Publish replaces the exported membership with m: one series with value 1
// per (user, label) pair. It returns the number of series exported.
func (p *Publisher) Publish(m membership.Map) (int, error) {
	rows := make([]Row, 0, m.Rows())
	for _, user := range m.Users() {
		rows = append(rows, UserRows(p.namespace, user, m[user], 1)...)
	}
	if err := p.family.Replace(rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Family returns the underlying gauge family.
func (p *Publisher) Family() *GaugeFamily {
	return p.family
}
