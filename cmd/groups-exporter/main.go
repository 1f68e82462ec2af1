// Command groups-exporter exports JupyterHub user group membership, and
// per-user usage joined with it, as Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/2i2c-org/jupyterhub-groups-exporter/internal/config"
	"github.com/2i2c-org/jupyterhub-groups-exporter/internal/exporter"
	"github.com/2i2c-org/jupyterhub-groups-exporter/pkg/api"
	"github.com/2i2c-org/jupyterhub-groups-exporter/pkg/utils"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:          "groups-exporter",
		Short:        "JupyterHub user groups exporter for Prometheus.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	f.register(root.PersistentFlags())

	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load(cmd.Flags())
			if err != nil {
				return err
			}
			out, err := cfg.Redacted().Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})

	return root
}

func newLogger(cfg *config.Configuration) *utils.StructuredLogger {
	loggerCfg := utils.DefaultStructuredLoggerConfig()
	loggerCfg.Level = cfg.Global.LogLevel
	loggerCfg.Format = cfg.Global.LogFormat
	return utils.NewStructuredLogger(loggerCfg)
}

func run(ctx context.Context, cfg *config.Configuration) error {
	logger := newLogger(cfg)

	if len(cfg.Membership.AllowedGroups) > 0 {
		logger.Info("Filtering exported user groups", map[string]interface{}{
			"allowed_groups": cfg.Membership.AllowedGroups,
		})
	}
	logger.Info("Starting JupyterHub user groups Prometheus exporter", map[string]interface{}{
		"namespace":       cfg.Metrics.Namespace,
		"port":            cfg.Global.Port,
		"update_interval": cfg.Membership.UpdateInterval.String(),
		"double_count":    cfg.Membership.DoubleCount,
		"usage_enabled":   cfg.UsageEnabled(),
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	comps, err := exporter.FromConfig(cfg, reg, quartz.NewReal(), logger)
	if err != nil {
		return fmt.Errorf("failed to build exporter: %w", err)
	}

	serverCfg := api.DefaultServerConfig()
	serverCfg.Address = fmt.Sprintf(":%d", cfg.Global.Port)
	serverCfg.Prefix = cfg.Hub.ServicePrefix
	server := api.NewServer(serverCfg, reg, comps.Health, comps.Stats, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return comps.Exporter.Run(ctx)
	})
	g.Go(func() error {
		return server.Run(ctx, shutdownTimeout)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Exporter exited with error", map[string]interface{}{"error": err.Error()})
		return err
	}
	return nil
}
