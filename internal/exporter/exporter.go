package exporter

import (
	"context"
	stderr "errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"

	"github.com/2i2c-org/jupyterhub-groups-exporter/internal/hub"
	"github.com/2i2c-org/jupyterhub-groups-exporter/internal/membership"
	"github.com/2i2c-org/jupyterhub-groups-exporter/internal/metrics"
	"github.com/2i2c-org/jupyterhub-groups-exporter/pkg/errors"
	"github.com/2i2c-org/jupyterhub-groups-exporter/pkg/health"
	"github.com/2i2c-org/jupyterhub-groups-exporter/pkg/utils"
)

const component = "exporter"

// Fetcher retrieves every membership record from the hub.
type Fetcher interface {
	FetchAll(ctx context.Context, src hub.Source) ([]membership.Record, error)
}

// UsagePublisher joins usage with a published membership snapshot.
type UsagePublisher interface {
	JoinAndPublish(ctx context.Context, snap *membership.Snapshot) error
}

// Options holds the exporter's collaborators and schedule.
type Options struct {
	Fetcher   Fetcher
	Source    hub.Source
	Policy    membership.Policy
	Publisher *metrics.Publisher
	Store     *membership.Store

	// Usage is nil when usage export is disabled.
	Usage UsagePublisher

	Stats  *metrics.Stats
	Health *health.Tracker
	Clock  quartz.Clock
	Logger *utils.StructuredLogger

	MembershipInterval time.Duration
	UsageInterval      time.Duration
}

// Exporter runs the membership and usage refresh loops.
type Exporter struct {
	opts   Options
	clock  quartz.Clock
	logger *utils.StructuredLogger
}

// New validates opts and returns an exporter ready to Run.
func New(opts Options) (*Exporter, error) {
	invalid := func(msg string) error {
		return errors.NewError(errors.ErrCodeInvalidConfig, msg).WithComponent(component)
	}

	switch {
	case opts.Fetcher == nil:
		return nil, invalid("fetcher is required")
	case opts.Publisher == nil:
		return nil, invalid("publisher is required")
	case opts.Stats == nil:
		return nil, invalid("stats are required")
	case opts.Health == nil:
		return nil, invalid("health tracker is required")
	case opts.MembershipInterval <= 0:
		return nil, invalid("membership interval must be positive")
	case opts.Usage != nil && opts.UsageInterval <= 0:
		return nil, invalid("usage interval must be positive")
	}

	if opts.Store == nil {
		opts.Store = membership.NewStore()
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewNopLogger()
	}

	opts.Health.RegisterComponent(health.ComponentHub)
	if opts.Usage != nil {
		opts.Health.RegisterComponent(health.ComponentPrometheus)
	}

	return &Exporter{
		opts:   opts,
		clock:  opts.Clock,
		logger: opts.Logger.WithComponent(component),
	}, nil
}

// Store returns the snapshot store the membership refresh publishes to.
func (e *Exporter) Store() *membership.Store {
	return e.opts.Store
}

// Run refreshes membership (and usage, if enabled) immediately and then on
// every interval until ctx is canceled. Failed cycles are logged and
// recorded; they never stop the loops.
func (e *Exporter) Run(ctx context.Context) error {
	e.logger.Info("Starting exporter", map[string]interface{}{
		"source":              e.opts.Source.String(),
		"membership_interval": e.opts.MembershipInterval.String(),
		"usage_enabled":       e.opts.Usage != nil,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.loop(ctx, metrics.TaskMembership, e.opts.MembershipInterval, e.RefreshMembership)
	})
	if e.opts.Usage != nil {
		g.Go(func() error {
			return e.loop(ctx, metrics.TaskUsage, e.opts.UsageInterval, e.RefreshUsage)
		})
	}

	err := g.Wait()
	e.logger.Info("Exporter stopped")
	return err
}

func (e *Exporter) loop(ctx context.Context, task string, interval time.Duration, refresh func(context.Context) error) error {
	e.runCycle(ctx, task, refresh)

	w := e.clock.TickerFunc(ctx, interval, func() error {
		e.runCycle(ctx, task, refresh)
		return nil
	}, task)

	if err := w.Wait(); err != nil && !stderr.Is(err, context.Canceled) {
		return fmt.Errorf("%s loop: %w", task, err)
	}
	return nil
}

// runCycle runs one refresh, converting a panic into a recorded failure.
func (e *Exporter) runCycle(ctx context.Context, task string, refresh func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.NewError(errors.ErrCodePanicRecovered, fmt.Sprintf("panic during %s refresh: %v", task, r)).
				WithComponent(component).WithOperation(task)
			e.logger.Error("Recovered from panic", map[string]interface{}{
				"task":  task,
				"error": err.Error(),
				"stack": string(debug.Stack()),
			})
			e.opts.Stats.RecordRefresh(task, 0, err, e.clock.Now())
		}
	}()

	if err := refresh(ctx); err != nil && ctx.Err() == nil {
		e.logger.Error("Refresh failed, previous metrics remain exposed", map[string]interface{}{
			"task":  task,
			"code":  string(errors.CodeOf(err)),
			"error": err.Error(),
		})
	}
}

// RefreshMembership fetches all records, resolves them under the policy,
// publishes the result and hands it to the usage refresh. On failure the
// previously published membership stays in place.
func (e *Exporter) RefreshMembership(ctx context.Context) error {
	start := e.clock.Now()
	err := e.refreshMembership(ctx)
	e.record(metrics.TaskMembership, health.ComponentHub, start, err)
	return err
}

func (e *Exporter) refreshMembership(ctx context.Context) error {
	records, err := e.opts.Fetcher.FetchAll(ctx, e.opts.Source)
	if err != nil {
		return err
	}

	m := membership.Resolve(records, e.opts.Policy)
	series, err := e.opts.Publisher.Publish(m)
	if err != nil {
		return errors.NewError(errors.ErrCodeInternalError, "failed to publish membership").
			WithComponent(component).WithOperation(metrics.TaskMembership).WithCause(err)
	}

	snap := e.opts.Store.Swap(m, e.clock.Now())
	e.opts.Stats.SetMembership(len(m), snap.Version)
	e.opts.Health.SetReady(true)

	e.logger.Info("Updated user group membership", map[string]interface{}{
		"records": len(records),
		"users":   len(m),
		"series":  series,
		"version": snap.Version,
	})
	return nil
}

// RefreshUsage joins usage with the latest published membership. It does
// nothing until membership has been published once.
func (e *Exporter) RefreshUsage(ctx context.Context) error {
	if e.opts.Usage == nil {
		return nil
	}

	snap := e.opts.Store.Load()
	if snap.Version == 0 {
		e.logger.Debug("Skipping usage refresh, membership not yet published")
		return nil
	}

	start := e.clock.Now()
	err := e.opts.Usage.JoinAndPublish(ctx, snap)
	e.record(metrics.TaskUsage, health.ComponentPrometheus, start, err)
	return err
}

func (e *Exporter) record(task, healthComponent string, start time.Time, err error) {
	now := e.clock.Now()
	e.opts.Stats.RecordRefresh(task, now.Sub(start), err, now)

	// Shutdown is not an upstream failure.
	if errors.CodeOf(err) == errors.ErrCodeOperationCanceled {
		return
	}
	e.opts.Health.Record(healthComponent, err)
}
