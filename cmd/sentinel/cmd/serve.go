package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"

	sentinelhttp "github.com/sentinelSCA/sentinel/internal/adapter/inbound/http"
	"github.com/sentinelSCA/sentinel/internal/adapter/outbound/auditlog"
	"github.com/sentinelSCA/sentinel/internal/adapter/outbound/identity"
	"github.com/sentinelSCA/sentinel/internal/adapter/outbound/kv"
	"github.com/sentinelSCA/sentinel/internal/adapter/outbound/procman"
	"github.com/sentinelSCA/sentinel/internal/adapter/outbound/replay"
	"github.com/sentinelSCA/sentinel/internal/domain/policy"
	"github.com/sentinelSCA/sentinel/internal/domain/ratelimit"
	"github.com/sentinelSCA/sentinel/internal/domain/reputation"
	"github.com/sentinelSCA/sentinel/internal/service"
)

var serveWorkers bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the compliance gateway HTTP server.

With --workers the control pipeline (probe, manager, approver, executor,
reaper) runs embedded in the same process. Without it, run each worker as
its own process with the dedicated subcommands.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveWorkers, "workers", false, "run the control pipeline workers in-process")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()

	deps, err := dialOps(ctx)
	if err != nil {
		return err
	}
	defer deps.Close()
	cfg, logger := deps.cfg, deps.logger

	engine, err := policy.NewEngine(policy.Config{
		Version:        cfg.Policy.Version,
		DenyAt:         cfg.Reputation.DenyAt,
		ReviewAt:       cfg.Reputation.ReviewAt,
		ExtensionRules: cfg.Policy.ExtensionRules,
	}, logger)
	if err != nil {
		return fmt.Errorf("policy engine: %w", err)
	}

	ledger, err := reputation.NewLedger(cfg.Reputation.LedgerPath,
		cfg.Reputation.DecayStep, seconds(cfg.Reputation.DecayPeriodSec), logger)
	if err != nil {
		return fmt.Errorf("reputation ledger: %w", err)
	}

	audit, err := auditlog.NewChainStore(cfg.Audit.Dir, cfg.Security.AuditSecret, logger)
	if err != nil {
		return fmt.Errorf("audit chain: %w", err)
	}

	ids, err := identity.NewSQLiteStore(cfg.Identity.SQLitePath)
	if err != nil {
		return fmt.Errorf("identity store: %w", err)
	}
	defer ids.Close()

	replaySQLite, err := replay.NewSQLiteStore(cfg.Replay.SQLitePath)
	if err != nil {
		return fmt.Errorf("replay fallback: %w", err)
	}
	replayStore := replay.NewFailover(replay.NewRedisStore(deps.store.Client()), replaySQLite, logger)
	defer replayStore.Close()

	limiter := ratelimit.NewSlidingWindow(cfg.RateLimit.Max, seconds(cfg.RateLimit.WindowSec))
	limiter.StartCleanup(ctx)
	defer limiter.Stop()

	stats := service.NewStats()
	analyzer := service.NewAnalyzer(
		service.AnalyzeConfig{
			APIKey:        cfg.Security.APIKey,
			SigningSecret: cfg.Security.SigningSecret,
			VTSalt:        cfg.Security.VTSalt,
			TimeWindow:    cfg.TimeWindow(),
			RepAutoDeny:   cfg.Reputation.AutoDeny,
			RepAutoReview: cfg.Reputation.AutoReview,
			FreezeKey:     cfg.Security.GlobalFreezeKey,
		},
		limiter,
		engine,
		ledger,
		kv.NewRedisOracle(deps.store),
		replayStore,
		audit,
		deps.store,
		stats,
		logger,
	)

	handler := sentinelhttp.NewHandler(
		analyzer,
		service.NewIdentity(ids, logger),
		stats,
		audit,
		sentinelhttp.NewMetrics(),
		logger,
	)
	server := sentinelhttp.NewServer(cfg.Server.HTTPAddr, handler, logger)

	var wg sync.WaitGroup
	if serveWorkers {
		if err := startEmbeddedWorkers(ctx, &wg, deps); err != nil {
			return err
		}
	}

	err = server.Run(ctx)
	wg.Wait()
	return err
}

// startEmbeddedWorkers launches the control pipeline alongside the gateway.
// Worker failures are logged, not fatal: the gateway keeps serving.
func startEmbeddedWorkers(ctx context.Context, wg *sync.WaitGroup, deps *opsDeps) error {
	cfg, logger := deps.cfg, deps.logger

	probeCfg, err := probeConfig(cfg)
	if err != nil {
		return fmt.Errorf("probe targets: %w", err)
	}

	restarter := procman.NewCompose(cfg.Ops.ComposeFile, cfg.Ops.ComposeEnvFile, cfg.Ops.ComposeProjectDir, logger)
	workers := map[string]func(context.Context) error{
		"probe":    service.NewProbe(probeCfg, deps.store, deps.queue, logger).Run,
		"manager":  service.NewManager(managerConfig(cfg), deps.store, deps.queue, deps.actions, logger).Run,
		"approver": service.NewApprover(approverConfig(cfg), deps.queue, deps.actions, logger).Run,
		"executor": service.NewExecutor(executorConfig(cfg), deps.store, deps.queue, deps.actions, restarter, logger).Run,
		"reaper":   service.NewReaper(reaperConfig(cfg), deps.store, deps.queue, deps.actions, logger).Run,
	}

	for name, run := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("embedded worker exited", "worker", name, "error", err)
			}
		}()
	}
	logger.Info("embedded workers started", "count", len(workers))
	return nil
}
