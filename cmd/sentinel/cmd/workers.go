package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sentinelSCA/sentinel/internal/adapter/outbound/procman"
	"github.com/sentinelSCA/sentinel/internal/service"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Run the health prober",
	Long: `Poll the configured probe.targets and push an incident onto the
incident queue when a service crosses into failure. Detection is
edge-triggered: one incident per outage, none while the service stays
down, none on recovery.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker("probe", func(ctx context.Context) error {
			deps, err := dialOps(ctx)
			if err != nil {
				return err
			}
			defer deps.Close()

			probeCfg, err := probeConfig(deps.cfg)
			if err != nil {
				return fmt.Errorf("probe targets: %w", err)
			}
			if len(probeCfg.Targets) == 0 {
				return fmt.Errorf("probe.targets is empty")
			}
			return service.NewProbe(probeCfg, deps.store, deps.queue, deps.logger).Run(ctx)
		})
	},
}

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Run the incident triage and proposal worker",
	Long: `Consume incidents, classify severity, suppress duplicates and
floods, and (when ops.enable_propose is on) propose remediation actions
within the action budget.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker("manager", func(ctx context.Context) error {
			deps, err := dialOps(ctx)
			if err != nil {
				return err
			}
			defer deps.Close()
			return service.NewManager(managerConfig(deps.cfg), deps.store, deps.queue, deps.actions, deps.logger).Run(ctx)
		})
	},
}

var approverCmd = &cobra.Command{
	Use:   "approver",
	Short: "Run the action vetting worker",
	Long: `Claim proposed actions, verify type and target allowlists and the
intent digest, and either approve or reject each one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker("approver", func(ctx context.Context) error {
			deps, err := dialOps(ctx)
			if err != nil {
				return err
			}
			defer deps.Close()
			return service.NewApprover(approverConfig(deps.cfg), deps.queue, deps.actions, deps.logger).Run(ctx)
		})
	},
}

var executorCmd = &cobra.Command{
	Use:   "executor",
	Short: "Run the action execution worker",
	Long: `Claim approved actions, re-verify every approval guarantee, and
execute them through docker compose. Execution is idempotent: each
action runs at most once regardless of duplicate queue tokens.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker("executor", func(ctx context.Context) error {
			deps, err := dialOps(ctx)
			if err != nil {
				return err
			}
			defer deps.Close()
			restarter := procman.NewCompose(
				deps.cfg.Ops.ComposeFile,
				deps.cfg.Ops.ComposeEnvFile,
				deps.cfg.Ops.ComposeProjectDir,
				deps.logger)
			return service.NewExecutor(executorConfig(deps.cfg), deps.store, deps.queue, deps.actions, restarter, deps.logger).Run(ctx)
		})
	},
}

var reaperCmd = &cobra.Command{
	Use:   "reaper",
	Short: "Run the stale-action requeue worker",
	Long: `Sweep the inflight lists, requeue actions whose worker died
mid-claim, and quarantine anything requeued past ops.max_requeues.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker("reaper", func(ctx context.Context) error {
			deps, err := dialOps(ctx)
			if err != nil {
				return err
			}
			defer deps.Close()
			return service.NewReaper(reaperConfig(deps.cfg), deps.store, deps.queue, deps.actions, deps.logger).Run(ctx)
		})
	},
}

func init() {
	rootCmd.AddCommand(probeCmd, managerCmd, approverCmd, executorCmd, reaperCmd)
}
