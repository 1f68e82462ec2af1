package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2i2c-org/jupyterhub-groups-exporter/internal/membership"
)

func TestPublisher_Publish(t *testing.T) {
	reg := prometheus.NewRegistry()
	pub, err := NewPublisher(reg, "jupyterhub", "prod")
	require.NoError(t, err)

	n, err := pub.Publish(membership.Map{
		"alice":      {"teamA"},
		"User.Name!": {"multiple", "teamA"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	expected := `
# HELP jupyterhub_user_group_info JupyterHub namespace, username and user group membership information.
# TYPE jupyterhub_user_group_info gauge
jupyterhub_user_group_info{namespace="prod",usergroup="multiple",username="User.Name!",username_escaped="user-2ename-21"} 1
jupyterhub_user_group_info{namespace="prod",usergroup="teamA",username="User.Name!",username_escaped="user-2ename-21"} 1
jupyterhub_user_group_info{namespace="prod",usergroup="teamA",username="alice",username_escaped="alice"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "jupyterhub_user_group_info"))
}

func TestPublisher_RepublishRemovesDepartedUsers(t *testing.T) {
	reg := prometheus.NewRegistry()
	pub, err := NewPublisher(reg, "jupyterhub", "prod")
	require.NoError(t, err)

	_, err = pub.Publish(membership.Map{"alice": {"teamA"}, "bob": {"teamB"}})
	require.NoError(t, err)
	_, err = pub.Publish(membership.Map{"bob": {"teamB"}})
	require.NoError(t, err)

	rows := pub.Family().Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"prod", "teamB", "bob", "bob"}, rows[0].Labels)
}

func TestPublisher_EmptyMap(t *testing.T) {
	reg := prometheus.NewRegistry()
	pub, err := NewPublisher(reg, "jupyterhub", "prod")
	require.NoError(t, err)

	_, err = pub.Publish(membership.Map{"alice": {"teamA"}})
	require.NoError(t, err)
	n, err := pub.Publish(membership.Map{})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, testutil.CollectAndCount(pub.Family()))
}

func TestPublisher_InvalidNamespaceKeepsScrapeWorking(t *testing.T) {
	reg := prometheus.NewRegistry()
	pub, err := NewPublisher(reg, "jupyterhub", "ns\xff")
	require.NoError(t, err)

	_, err = pub.Publish(membership.Map{"alice": {"teamA"}})
	require.Error(t, err)

	assert.NotPanics(t, func() {
		_, err = reg.Gather()
	})
	require.NoError(t, err)
	assert.Zero(t, testutil.CollectAndCount(pub.Family()))
}

func TestNewPublisher_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPublisher(reg, "jupyterhub", "prod")
	require.NoError(t, err)
	_, err = NewPublisher(reg, "jupyterhub", "prod")
	assert.Error(t, err)
}

func TestUserRows(t *testing.T) {
	rows := UserRows("ns", "Bob", []string{"a", "b"}, 2.5)
	assert.Equal(t, []Row{
		{Labels: []string{"ns", "a", "Bob", "bob"}, Value: 2.5},
		{Labels: []string{"ns", "b", "Bob", "bob"}, Value: 2.5},
	}, rows)
}

func TestFamilyName(t *testing.T) {
	assert.Equal(t, "jupyterhub_user_group_info", FamilyName("jupyterhub", InfoMetricName))
	assert.Equal(t, "user_group_info", FamilyName("", InfoMetricName))
}
