package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"time"

	"github.com/sentinelSCA/sentinel/internal/adapter/outbound/kv"
	"github.com/sentinelSCA/sentinel/internal/config"
	"github.com/sentinelSCA/sentinel/internal/service"
)

// opsDeps is the KV plumbing every pipeline worker shares.
type opsDeps struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *kv.Store
	queue   *kv.Queue
	actions *kv.ActionStore
}

// dialOps connects to redis and builds the queue and action store.
func dialOps(ctx context.Context) (*opsDeps, error) {
	cfg, logger, err := loadConfigAndLogger()
	if err != nil {
		return nil, err
	}
	store, err := kv.NewStore(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &opsDeps{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		queue:   kv.NewQueue(store, cfg.Security.QueueSigningSecret),
		actions: kv.NewActionStore(store),
	}, nil
}

func (d *opsDeps) Close() error {
	return d.store.Close()
}

// runWorker runs a worker loop until a shutdown signal arrives.
func runWorker(name string, run func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()

	err := run(ctx)
	if ctx.Err() != nil {
		// Signal-driven exit is a clean shutdown.
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// managerConfig maps the ops section onto the manager worker.
func managerConfig(cfg *config.Config) service.ManagerConfig {
	return service.ManagerConfig{
		ManagerID:     cfg.Ops.ManagerID,
		DedupeTTL:     seconds(cfg.Ops.DedupeSec),
		RateLimitTTL:  seconds(cfg.Ops.RateLimitSec),
		CooldownTTL:   seconds(cfg.Ops.TargetCooldownSec),
		EnablePropose: cfg.Ops.EnablePropose,
		ProposeTTL:    seconds(cfg.Ops.ProposeTTLSec),
		BudgetMax:     cfg.Ops.ActionBudgetMax,
		BudgetWindow:  seconds(cfg.Ops.ActionBudgetWindowSec),
		FreezeKey:     cfg.Security.GlobalFreezeKey,
		PollTimeout:   seconds(cfg.Ops.PollSec),
	}
}

func approverConfig(cfg *config.Config) service.ApproverConfig {
	return service.ApproverConfig{
		ApproverID:     cfg.Ops.ApproverID,
		AllowedTypes:   cfg.Ops.AllowedTypes,
		AllowedTargets: cfg.Ops.AllowedTargets,
		PollTimeout:    seconds(cfg.Ops.PollSec),
	}
}

func executorConfig(cfg *config.Config) service.ExecutorConfig {
	return service.ExecutorConfig{
		ExecutorID:     cfg.Ops.ExecutorID,
		AllowedTypes:   cfg.Ops.AllowedTypes,
		AllowedTargets: cfg.Ops.AllowedTargets,
		IdempotencyTTL: seconds(cfg.Ops.IdempotencyTTLSec),
		FreezeKey:      cfg.Security.GlobalFreezeKey,
		PollTimeout:    seconds(cfg.Ops.PollSec),
	}
}

func reaperConfig(cfg *config.Config) service.ReaperConfig {
	return service.ReaperConfig{
		ReaperID:     cfg.Ops.ReaperID,
		PollInterval: seconds(cfg.Ops.ReaperPollSec),
		StaleAfter:   seconds(cfg.Ops.StaleSec),
		MaxRequeues:  cfg.Ops.MaxRequeues,
	}
}

func probeConfig(cfg *config.Config) (service.ProbeConfig, error) {
	targets, err := service.ParseTargets(cfg.Probe.Targets)
	if err != nil {
		return service.ProbeConfig{}, err
	}
	return service.ProbeConfig{
		Targets:       targets,
		PollInterval:  seconds(cfg.Probe.PollSec),
		Timeout:       seconds(cfg.Probe.TimeoutSec),
		FailThreshold: cfg.Probe.FailThreshold,
	}, nil
}
