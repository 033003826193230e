package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/sentinelSCA/sentinel/internal/adapter/outbound/kv"
	"github.com/sentinelSCA/sentinel/internal/adapter/outbound/procman"
	"github.com/sentinelSCA/sentinel/internal/domain/action"
)

// Restarter dispatches the restart_service action type.
type Restarter interface {
	RestartService(ctx context.Context, service string) (procman.Result, error)
}

// ExecutorConfig tunes the execution stage.
type ExecutorConfig struct {
	ExecutorID     string
	AllowedTypes   []string
	AllowedTargets []string
	IdempotencyTTL time.Duration
	FreezeKey      string
	PollTimeout    time.Duration
}

// Executor runs approved actions. It re-verifies everything the approver
// checked: the approval queue is data, not authority.
type Executor struct {
	cfg       ExecutorConfig
	store     *kv.Store
	queue     *kv.Queue
	actions   *kv.ActionStore
	restarter Restarter
	logger    *slog.Logger
	now       func() time.Time

	frozen bool
}

// NewExecutor wires the execution worker.
func NewExecutor(cfg ExecutorConfig, store *kv.Store, queue *kv.Queue, actions *kv.ActionStore, restarter Restarter, logger *slog.Logger) *Executor {
	return &Executor{
		cfg:       cfg,
		store:     store,
		queue:     queue,
		actions:   actions,
		restarter: restarter,
		logger:    logger,
		now:       time.Now,
	}
}

// Run consumes approved actions until the context ends. While the global
// freeze is active nothing is claimed; transitions are logged once.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started", "executor_id", e.cfg.ExecutorID)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		frozen, err := e.checkFreeze(ctx)
		if err != nil {
			e.logger.Error("freeze check failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if frozen {
			time.Sleep(e.cfg.PollTimeout)
			continue
		}

		if _, err := e.ProcessOne(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Error("execution processing failed", "error", err)
			time.Sleep(time.Second)
		}
	}
}

// checkFreeze reads the freeze key and logs only state changes.
func (e *Executor) checkFreeze(ctx context.Context) (bool, error) {
	if e.cfg.FreezeKey == "" {
		return false, nil
	}
	frozen, err := e.store.Exists(ctx, e.cfg.FreezeKey)
	if err != nil {
		return false, err
	}
	if frozen != e.frozen {
		if frozen {
			e.logger.Warn("global freeze engaged, execution paused")
		} else {
			e.logger.Info("global freeze lifted, execution resumed")
		}
		e.frozen = frozen
	}
	return frozen, nil
}

// ProcessOne claims and settles at most one approved action.
func (e *Executor) ProcessOne(ctx context.Context) (bool, error) {
	id, err := e.queue.ClaimID(ctx, QueueApproved, QueueApprovedInflight, e.cfg.PollTimeout)
	if err != nil {
		return false, fmt.Errorf("claim approved action: %w", err)
	}
	if id == "" {
		return false, nil
	}
	claimedTS := e.now().Unix()
	defer func() {
		if err := e.queue.DropInflight(ctx, QueueApprovedInflight, id); err != nil {
			e.logger.Warn("inflight token not removed", "action_id", id, "error", err)
		}
	}()

	rec, err := e.actions.Load(ctx, id)
	if err != nil {
		if errors.Is(err, kv.ErrActionNotFound) {
			e.logger.Warn("claimed id has no record", "action_id", id)
			return true, nil
		}
		return true, fmt.Errorf("load action %s: %w", id, err)
	}

	// A terminal record means this token is a leftover duplicate.
	if action.IsTerminal(rec.Status) {
		e.logger.Info("duplicate token for settled action dropped", "action_id", id, "status", rec.Status)
		return true, nil
	}

	if reason := e.vet(rec); reason != "" {
		return true, e.reject(ctx, rec, reason, claimedTS)
	}

	// First writer of the done marker owns the execution; everyone else
	// drops the duplicate silently.
	won, err := e.store.SetNX(ctx, keyExecDone(id), e.cfg.ExecutorID, e.cfg.IdempotencyTTL)
	if err != nil {
		return true, fmt.Errorf("idempotency marker %s: %w", id, err)
	}
	if !won {
		e.logger.Info("duplicate execution dropped", "action_id", id)
		return true, nil
	}

	return true, e.execute(ctx, rec, claimedTS)
}

// vet re-verifies the allowlists and the approved digest.
func (e *Executor) vet(rec *action.Record) string {
	if rec.Status != action.StatusApproved {
		return "not_approved:" + rec.Status
	}
	if len(e.cfg.AllowedTypes) > 0 && !slices.Contains(e.cfg.AllowedTypes, rec.Action.Type) {
		return "type_not_allowed:" + rec.Action.Type
	}
	if len(e.cfg.AllowedTargets) > 0 && !slices.Contains(e.cfg.AllowedTargets, rec.Action.Target) {
		return "target_not_allowed:" + rec.Action.Target
	}
	if rec.Approval == nil || rec.Approval.ApprovedDigest == "" {
		return "missing_approved_digest"
	}
	computed, err := action.Digest(rec.Action)
	if err != nil {
		return truncateReason(fmt.Sprintf("exception:digest:%v", err))
	}
	if computed != rec.Approval.ApprovedDigest {
		return fmt.Sprintf("digest_mismatch approved=%s computed=%s", rec.Approval.ApprovedDigest, computed)
	}
	return ""
}

// execute dispatches the action and writes the execution block.
func (e *Executor) execute(ctx context.Context, rec *action.Record, claimedTS int64) error {
	exec := &action.Execution{
		Executor:  e.cfg.ExecutorID,
		ClaimedTS: claimedTS,
		StartedTS: e.now().Unix(),
	}

	switch rec.Action.Type {
	case "restart_service":
		res, err := e.restarter.RestartService(ctx, rec.Action.Target)
		if err != nil {
			return fmt.Errorf("restart %s: %w", rec.Action.Target, err)
		}
		exec.DoneTS = e.now().Unix()
		exec.RC = res.RC
		exec.Stdout = res.Stdout
		exec.Stderr = res.Stderr
		exec.Cmd = res.Cmd
		exec.Hint = res.Hint
	default:
		return e.reject(ctx, rec, "unsupported_action_type:"+rec.Action.Type, claimedTS)
	}

	rec.Execution = exec
	outcome := QueueExecuted
	if exec.RC == 0 {
		rec.Status = action.StatusExecuted
	} else {
		rec.Status = action.StatusFailed
		outcome = QueueRejected
	}

	if err := e.actions.Save(ctx, rec); err != nil {
		if errors.Is(err, kv.ErrRevConflict) {
			e.logger.Warn("execution result lost a rev race", "action_id", rec.ActionID)
			return nil
		}
		return fmt.Errorf("save execution %s: %w", rec.ActionID, err)
	}
	if err := e.queue.PushID(ctx, outcome, rec.ActionID); err != nil {
		return fmt.Errorf("enqueue %s %s: %w", outcome, rec.ActionID, err)
	}

	e.logger.Info("execution finished",
		"action_id", rec.ActionID,
		"target", rec.Action.Target,
		"rc", exec.RC,
		"status", rec.Status)
	return nil
}

// reject settles the record with an execution-stage rejection.
func (e *Executor) reject(ctx context.Context, rec *action.Record, reason string, claimedTS int64) error {
	rec.Status = action.StatusRejected
	rec.Rejection = &action.Rejection{
		RejectedBy: e.cfg.ExecutorID,
		RejectedTS: e.now().Unix(),
		Reason:     reason,
	}
	rec.Execution = &action.Execution{Executor: e.cfg.ExecutorID, ClaimedTS: claimedTS}
	if err := e.actions.Save(ctx, rec); err != nil {
		if errors.Is(err, kv.ErrRevConflict) {
			e.logger.Warn("rejection lost a rev race", "action_id", rec.ActionID)
			return nil
		}
		return fmt.Errorf("save rejection %s: %w", rec.ActionID, err)
	}
	if err := e.queue.PushID(ctx, QueueRejected, rec.ActionID); err != nil {
		return fmt.Errorf("enqueue rejected %s: %w", rec.ActionID, err)
	}
	e.logger.Warn("action rejected at execution", "action_id", rec.ActionID, "reason", reason)
	return nil
}
