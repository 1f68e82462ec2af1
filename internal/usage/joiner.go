package usage

import (
	"context"
	stderr "errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/coder/quartz"
	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/model"

	"github.com/2i2c-org/jupyterhub-groups-exporter/internal/membership"
	"github.com/2i2c-org/jupyterhub-groups-exporter/internal/metrics"
	"github.com/2i2c-org/jupyterhub-groups-exporter/pkg/errors"
	"github.com/2i2c-org/jupyterhub-groups-exporter/pkg/utils"
)

const component = "usage"

// Client is the subset of the Prometheus HTTP API used by the joiner.
type Client interface {
	QueryRange(ctx context.Context, query string, r promv1.Range, opts ...promv1.Option) (model.Value, promv1.Warnings, error)
}

// NewClient returns a Prometheus API client for address, e.g.
// http://prometheus-server:9090.
func NewClient(address string) (Client, error) {
	c, err := promapi.NewClient(promapi.Config{Address: address})
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "failed to create prometheus client").
			WithComponent(component).WithDetail("address", address).WithCause(err)
	}
	return promv1.NewAPI(c), nil
}

// Sample is the latest usage value of one user in the query window.
type Sample struct {
	Username  string
	Value     float64
	Timestamp time.Time
}

// Config holds joiner settings.
type Config struct {
	// Prefix is the metrics prefix, e.g. "jupyterhub".
	Prefix string
	// Namespace is the value of the namespace label.
	Namespace string
	// Interval is both the query window and its step.
	Interval time.Duration
	// Timeout bounds a single query; zero means no limit beyond ctx.
	Timeout time.Duration
	// Queries defaults to DefaultQueries(Namespace).
	Queries []Query
}

// Joiner runs the usage queries and publishes them joined with membership.
type Joiner struct {
	client   Client
	clock    quartz.Clock
	logger   *utils.StructuredLogger
	cfg      Config
	queries  []Query
	families []*metrics.GaugeFamily
}

// NewJoiner creates one gauge family per query and registers them on reg.
func NewJoiner(client Client, reg prometheus.Registerer, cfg Config, clock quartz.Clock, logger *utils.StructuredLogger) (*Joiner, error) {
	if client == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "prometheus client is required").
			WithComponent(component)
	}
	if cfg.Interval <= 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "usage interval must be positive").
			WithComponent(component).WithDetail("interval", cfg.Interval.String())
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	queries := cfg.Queries
	if len(queries) == 0 {
		queries = DefaultQueries(cfg.Namespace)
	}

	j := &Joiner{
		client:  client,
		clock:   clock,
		logger:  logger.WithComponent(component),
		cfg:     cfg,
		queries: queries,
	}
	for _, q := range queries {
		family := metrics.NewGaugeFamily(metrics.FamilyName(cfg.Prefix, q.Name), q.Help, metrics.UserLabels)
		if err := reg.Register(family); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", q.Name, err)
		}
		j.families = append(j.families, family)
	}
	return j, nil
}

// Families returns the usage families in query order.
func (j *Joiner) Families() []*metrics.GaugeFamily {
	return j.families
}

// JoinAndPublish runs every query over the last interval and replaces each
// family with the result joined against snap. A failing query leaves its
// family's previous series in place and does not stop the others; all
// failures are returned joined.
func (j *Joiner) JoinAndPublish(ctx context.Context, snap *membership.Snapshot) error {
	if snap == nil {
		snap = &membership.Snapshot{Map: membership.Map{}}
	}

	end := j.clock.Now()
	window := promv1.Range{
		Start: end.Add(-j.cfg.Interval),
		End:   end,
		Step:  j.cfg.Interval,
	}

	var errs []error
	for i, q := range j.queries {
		if err := ctx.Err(); err != nil {
			errs = append(errs, errors.NewError(errors.ErrCodeOperationCanceled, "usage refresh canceled").
				WithComponent(component).WithCause(err))
			break
		}

		samples, err := j.query(ctx, q, window)
		if err != nil {
			j.logger.Error("Usage query failed, keeping previous values", map[string]interface{}{
				"metric": q.Name,
				"error":  err,
			})
			errs = append(errs, err)
			continue
		}

		rows := Join(samples, snap.Map, j.cfg.Namespace)
		if err := j.families[i].Replace(rows); err != nil {
			errs = append(errs, errors.NewError(errors.ErrCodeInternalError, "failed to publish usage").
				WithComponent(component).WithDetail("metric", q.Name).WithCause(err))
			continue
		}

		j.logger.Debug("Updated usage metric", map[string]interface{}{
			"metric":             q.Name,
			"users":              len(samples),
			"series":             len(rows),
			"membership_version": snap.Version,
		})
	}

	return stderr.Join(errs...)
}

func (j *Joiner) query(ctx context.Context, q Query, window promv1.Range) ([]Sample, error) {
	if j.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.cfg.Timeout)
		defer cancel()
	}

	value, warnings, err := j.client.QueryRange(ctx, q.Expr, window)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeUpstreamQuery, "prometheus range query failed").
			WithComponent(component).WithOperation("query_range").
			WithDetail("metric", q.Name).WithCause(err)
	}
	if len(warnings) > 0 {
		j.logger.Warn("Prometheus returned warnings", map[string]interface{}{
			"metric":   q.Name,
			"warnings": []string(warnings),
		})
	}

	matrix, ok := value.(model.Matrix)
	if !ok {
		valueType := "nil"
		if value != nil {
			valueType = value.Type().String()
		}
		return nil, errors.NewError(errors.ErrCodeMalformedResponse, "prometheus range query did not return a matrix").
			WithComponent(component).WithOperation("query_range").
			WithDetail("metric", q.Name).WithDetail("type", valueType)
	}
	return Latest(matrix), nil
}

// Latest reduces a range result to the latest value of each series and sums
// series that share a user name. Series without a user name or without
// values are skipped. Samples are ordered by user name.
func Latest(matrix model.Matrix) []Sample {
	byUser := make(map[string]*Sample)
	for _, series := range matrix {
		user := string(series.Metric[UsernameLabel])
		if user == "" || len(series.Values) == 0 {
			continue
		}
		last := series.Values[len(series.Values)-1]
		v := float64(last.Value)
		if math.IsNaN(v) {
			continue
		}
		ts := last.Timestamp.Time()

		if s, ok := byUser[user]; ok {
			s.Value += v
			if ts.After(s.Timestamp) {
				s.Timestamp = ts
			}
			continue
		}
		byUser[user] = &Sample{Username: user, Value: v, Timestamp: ts}
	}

	samples := make([]Sample, 0, len(byUser))
	for _, s := range byUser {
		samples = append(samples, *s)
	}
	sort.Slice(samples, func(i, k int) bool { return samples[i].Username < samples[k].Username })
	return samples
}

// Join fans each sample out to one row per label held by its user. Users
// missing from m, or holding no labels, get a single "none" row.
func Join(samples []Sample, m membership.Map, namespace string) []metrics.Row {
	rows := make([]metrics.Row, 0, len(samples))
	for _, s := range samples {
		labels := m[s.Username]
		if len(labels) == 0 {
			labels = []string{membership.LabelNone}
		}
		rows = append(rows, metrics.UserRows(namespace, s.Username, labels, s.Value)...)
	}
	return rows
}
