package commands

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/openherd/openherd/pkg/drivers"
	"github.com/openherd/openherd/pkg/engine"
	"github.com/openherd/openherd/pkg/policy"
	"github.com/openherd/openherd/pkg/stores"
	"github.com/openherd/openherd/pkg/telemetry"
)

func newServeCommand(version string) *cobra.Command {
	var (
		actionTimeout time.Duration
		maxRetries    int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine daemon",
		Long: `Run one engine instance: heartbeat into the membership table,
take ownership of a cluster partition and execute actions.

Any number of instances may serve the same database; clusters are
partitioned across the live instances and repartitioned automatically
when instances join or die.`,
		Example: `  # Run with the default config
  herdd serve

  # Run against a shared database
  herdd serve --config /etc/herd/herd.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logOut, err := telemetry.NewLogger(cfg.Logging)
			if err != nil {
				return err
			}
			logger := logOut.Zerolog()

			tracer, err := telemetry.NewTracer(cfg.Tracing, "herdd", version)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tracer.Shutdown(shutdownCtx); err != nil {
					logger.Warn().Err(err).Msg("tracer shutdown failed")
				}
			}()

			metrics, err := telemetry.NewMetrics(cfg.Metrics)
			if err != nil {
				return err
			}

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			recorder := stores.NewEventLog(store, logger)

			driverReg := drivers.NewRegistry(logger)
			if cfg.Drivers.EnableFake {
				if err := driverReg.Register(drivers.FakeType, drivers.NewFakeDriver()); err != nil {
					return err
				}
			}
			if cfg.Drivers.EnableSSH {
				if err := driverReg.Register(drivers.SSHType, drivers.NewSSHDriver(logger)); err != nil {
					return err
				}
			}

			policyReg := policy.NewRegistry(logger)
			if len(cfg.Policies.Paths) > 0 {
				loader := policy.NewLoader(policyReg, logger)
				if err := loader.LoadFromPaths(ctx, cfg.Policies.Paths); err != nil {
					return err
				}
				if cfg.Policies.Watch {
					if err := loader.Watch(ctx, cfg.Policies.Paths); err != nil {
						return err
					}
					defer loader.StopWatching()
				}
			}

			hostname, _ := os.Hostname()

			svc := engine.NewService(engine.ServiceConfig{
				InstanceID: cfg.Engine.InstanceID,
				Hostname:   hostname,
				Defaults: engine.ActionDefaults{
					Timeout:    actionTimeout,
					MaxRetries: maxRetries,
				},
				Scheduler: engine.SchedulerConfig{
					MaxWorkers:   cfg.Engine.MaxWorkers,
					PollInterval: cfg.Engine.PollInterval,
					BatchSize:    cfg.Engine.BatchSize,
					LockLease:    cfg.Engine.LockLease,
				},
				Membership: engine.MembershipConfig{
					HeartbeatInterval: cfg.Engine.HeartbeatInterval,
					GracePeriod:       cfg.Engine.GracePeriod,
					Retention:         cfg.Engine.Retention,
				},
				VirtualNodes: cfg.Engine.VirtualNodes,
			}, store, driverReg, policyReg, recorder, metrics, logger)

			if cfg.Metrics.Enabled && cfg.Metrics.ListenAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
				go func() {
					logger.Info().Str("addr", cfg.Metrics.ListenAddr).Msg("Metrics listener started")
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error().Err(err).Msg("metrics listener failed")
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			if err := svc.Start(ctx); err != nil {
				return err
			}

			logger.Info().
				Str("instance", svc.InstanceID()).
				Str("database", cfg.Database.Path).
				Strs("drivers", driverReg.Types()).
				Msg("herdd running")

			<-ctx.Done()
			svc.Stop()
			return nil
		},
	}

	cmd.Flags().DurationVar(&actionTimeout, "action-timeout", 15*time.Minute, "per-action execution timeout")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 3, "retries for transient driver failures")

	return cmd
}
