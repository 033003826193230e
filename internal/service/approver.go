package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/sentinelSCA/sentinel/internal/adapter/outbound/kv"
	"github.com/sentinelSCA/sentinel/internal/domain/action"
)

// ApproverConfig tunes the approval stage.
type ApproverConfig struct {
	ApproverID     string
	AllowedTypes   []string
	AllowedTargets []string
	PollTimeout    time.Duration
}

// Approver validates proposed actions against the allowlists and the intent
// digest before letting them reach the executor.
type Approver struct {
	cfg     ApproverConfig
	queue   *kv.Queue
	actions *kv.ActionStore
	logger  *slog.Logger
	now     func() time.Time
}

// NewApprover wires the approval worker.
func NewApprover(cfg ApproverConfig, queue *kv.Queue, actions *kv.ActionStore, logger *slog.Logger) *Approver {
	return &Approver{
		cfg:     cfg,
		queue:   queue,
		actions: actions,
		logger:  logger,
		now:     time.Now,
	}
}

// Run consumes proposals until the context ends.
func (a *Approver) Run(ctx context.Context) error {
	a.logger.Info("approver started", "approver_id", a.cfg.ApproverID)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.ProcessOne(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Error("approval processing failed", "error", err)
			time.Sleep(time.Second)
		}
	}
}

// ProcessOne claims and settles at most one proposal. The inflight token is
// removed whatever the outcome.
func (a *Approver) ProcessOne(ctx context.Context) (bool, error) {
	id, err := a.queue.ClaimID(ctx, QueueProposed, QueueProposedInflight, a.cfg.PollTimeout)
	if err != nil {
		return false, fmt.Errorf("claim proposal: %w", err)
	}
	if id == "" {
		return false, nil
	}
	defer func() {
		if err := a.queue.DropInflight(ctx, QueueProposedInflight, id); err != nil {
			a.logger.Warn("inflight token not removed", "action_id", id, "error", err)
		}
	}()

	rec, err := a.actions.Load(ctx, id)
	if err != nil {
		if errors.Is(err, kv.ErrActionNotFound) {
			a.logger.Warn("claimed id has no record", "action_id", id)
			return true, nil
		}
		return true, fmt.Errorf("load action %s: %w", id, err)
	}

	// Anything past proposed means another worker already settled it.
	if rec.Status != action.StatusProposed {
		a.logger.Info("duplicate token for settled action dropped", "action_id", id, "status", rec.Status)
		return true, nil
	}

	if reason := a.vet(rec); reason != "" {
		return true, a.reject(ctx, rec, reason)
	}

	computed, err := action.Digest(rec.Action)
	if err != nil {
		return true, a.reject(ctx, rec, truncateReason(fmt.Sprintf("exception:digest:%v", err)))
	}

	rec.Status = action.StatusApproved
	rec.Approval = &action.Approval{
		ApprovedBy:     a.cfg.ApproverID,
		ApprovedTS:     a.now().Unix(),
		ApprovedDigest: computed,
	}
	if err := a.actions.Save(ctx, rec); err != nil {
		if errors.Is(err, kv.ErrRevConflict) {
			a.logger.Warn("approval lost a rev race", "action_id", id)
			return true, nil
		}
		return true, fmt.Errorf("save approval %s: %w", id, err)
	}
	if err := a.queue.PushID(ctx, QueueApproved, id); err != nil {
		return true, fmt.Errorf("enqueue approved %s: %w", id, err)
	}

	a.logger.Info("action approved", "action_id", id, "type", rec.Action.Type, "target", rec.Action.Target)
	return true, nil
}

// vet returns the rejection reason, or "" when the proposal is acceptable.
func (a *Approver) vet(rec *action.Record) string {
	if len(a.cfg.AllowedTypes) > 0 && !slices.Contains(a.cfg.AllowedTypes, rec.Action.Type) {
		return "type_not_allowed:" + rec.Action.Type
	}
	if len(a.cfg.AllowedTargets) > 0 && !slices.Contains(a.cfg.AllowedTargets, rec.Action.Target) {
		return "target_not_allowed:" + rec.Action.Target
	}
	if rec.Digest == "" {
		return "missing_digest"
	}
	computed, err := action.Digest(rec.Action)
	if err != nil {
		return truncateReason(fmt.Sprintf("exception:digest:%v", err))
	}
	if computed != rec.Digest {
		return fmt.Sprintf("digest_mismatch existing=%s computed=%s", rec.Digest, computed)
	}
	return ""
}

// reject settles the record and routes it to the rejected queue.
func (a *Approver) reject(ctx context.Context, rec *action.Record, reason string) error {
	rec.Status = action.StatusRejected
	rec.Rejection = &action.Rejection{
		RejectedBy: a.cfg.ApproverID,
		RejectedTS: a.now().Unix(),
		Reason:     reason,
	}
	if err := a.actions.Save(ctx, rec); err != nil {
		if errors.Is(err, kv.ErrRevConflict) {
			a.logger.Warn("rejection lost a rev race", "action_id", rec.ActionID)
			return nil
		}
		return fmt.Errorf("save rejection %s: %w", rec.ActionID, err)
	}
	if err := a.queue.PushID(ctx, QueueRejected, rec.ActionID); err != nil {
		return fmt.Errorf("enqueue rejected %s: %w", rec.ActionID, err)
	}
	a.logger.Warn("action rejected", "action_id", rec.ActionID, "reason", reason)
	return nil
}

// truncateReason bounds exception text stored on records.
func truncateReason(s string) string {
	if len(s) > 300 {
		return s[:300]
	}
	return s
}
