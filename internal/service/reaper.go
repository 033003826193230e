package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sentinelSCA/sentinel/internal/adapter/outbound/kv"
	"github.com/sentinelSCA/sentinel/internal/domain/action"
)

// Reaper scan bounds.
const (
	reaperBatchSize    = 50
	reaperHeartbeatTTL = 30 * time.Second
	requeueCountTTL    = 48 * time.Hour
)

// ReaperConfig tunes stale-action recovery.
type ReaperConfig struct {
	ReaperID     string
	PollInterval time.Duration
	StaleAfter   time.Duration
	MaxRequeues  int
}

// inflightLane pairs an origin queue with its inflight list.
type inflightLane struct {
	origin   string
	inflight string
}

var reaperLanes = []inflightLane{
	{QueueProposed, QueueProposedInflight},
	{QueueApproved, QueueApprovedInflight},
}

// Reaper returns actions stranded inflight by crashed workers to their
// origin queues, quarantining repeat offenders.
type Reaper struct {
	cfg     ReaperConfig
	store   *kv.Store
	queue   *kv.Queue
	actions *kv.ActionStore
	logger  *slog.Logger
	now     func() time.Time
}

// NewReaper wires the recovery worker.
func NewReaper(cfg ReaperConfig, store *kv.Store, queue *kv.Queue, actions *kv.ActionStore, logger *slog.Logger) *Reaper {
	return &Reaper{
		cfg:     cfg,
		store:   store,
		queue:   queue,
		actions: actions,
		logger:  logger,
		now:     time.Now,
	}
}

// Run sweeps on the poll interval until the context ends.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info("reaper started", "reaper_id", r.cfg.ReaperID)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := r.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("reaper sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs one sweep: heartbeat, then both inflight lanes.
func (r *Reaper) RunOnce(ctx context.Context) error {
	ts := strconv.FormatInt(r.now().Unix(), 10)
	if err := r.store.Set(ctx, KeyReaperHeartbeat, ts, reaperHeartbeatTTL); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}

	for _, lane := range reaperLanes {
		if err := r.sweepLane(ctx, lane); err != nil {
			return err
		}
	}
	return nil
}

// sweepLane inspects up to reaperBatchSize inflight tokens of one lane.
func (r *Reaper) sweepLane(ctx context.Context, lane inflightLane) error {
	ids, err := r.queue.InflightIDs(ctx, lane.inflight, reaperBatchSize)
	if err != nil {
		return fmt.Errorf("list inflight %s: %w", lane.inflight, err)
	}

	for _, id := range ids {
		if err := r.inspect(ctx, lane, id); err != nil {
			r.logger.Error("inflight inspection failed", "action_id", id, "error", err)
		}
	}
	return nil
}

// inspect settles one inflight token.
func (r *Reaper) inspect(ctx context.Context, lane inflightLane, id string) error {
	rec, err := r.actions.Load(ctx, id)
	if errors.Is(err, kv.ErrActionNotFound) {
		r.logger.Warn("dropping orphan inflight token", "action_id", id)
		return r.queue.DropInflight(ctx, lane.inflight, id)
	}
	if err != nil {
		return err
	}

	if action.IsTerminal(rec.Status) {
		// The worker finished but crashed before clearing its token.
		return r.queue.DropInflight(ctx, lane.inflight, id)
	}

	if !r.stale(rec) {
		return nil
	}

	if err := r.queue.DropInflight(ctx, lane.inflight, id); err != nil {
		return err
	}

	count, err := r.store.IncrWithExpiry(ctx, keyRequeueCount(lane.origin, id), requeueCountTTL)
	if err != nil {
		return fmt.Errorf("requeue count %s: %w", id, err)
	}
	if count > int64(r.cfg.MaxRequeues) {
		return r.quarantine(ctx, rec, lane.origin, count)
	}

	if rec.Reaper == nil {
		rec.Reaper = &action.Reaper{}
	}
	rec.Reaper.LastSeenInflightTS = r.now().Unix()
	if err := r.actions.Save(ctx, rec); err != nil && !errors.Is(err, kv.ErrRevConflict) {
		return fmt.Errorf("save requeue %s: %w", id, err)
	}
	if err := r.queue.PushID(ctx, lane.origin, id); err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	r.logger.Info("stale action requeued", "action_id", id, "origin", lane.origin, "attempt", count)
	return nil
}

// stale decides whether an inflight record has been abandoned. A record with
// no claim or approval timestamp gives no liveness signal at all, so it
// counts as stale immediately.
func (r *Reaper) stale(rec *action.Record) bool {
	var ts int64
	switch {
	case rec.Execution != nil && rec.Execution.ClaimedTS > 0:
		ts = rec.Execution.ClaimedTS
	case rec.Approval != nil && rec.Approval.ApprovedTS > 0:
		ts = rec.Approval.ApprovedTS
	default:
		return true
	}
	return r.now().Unix()-ts >= int64(r.cfg.StaleAfter/time.Second)
}

// quarantine parks a repeatedly stranded action for human inspection.
func (r *Reaper) quarantine(ctx context.Context, rec *action.Record, origin string, count int64) error {
	rec.Status = action.StatusQuarantined
	if rec.Reaper == nil {
		rec.Reaper = &action.Reaper{}
	}
	rec.Reaper.QuarantinedReason = fmt.Sprintf("max_requeues_exceeded:%d", count)
	rec.Reaper.QuarantinedFrom = origin
	rec.Reaper.QuarantinedAt = r.now().Unix()

	if err := r.actions.Save(ctx, rec); err != nil && !errors.Is(err, kv.ErrRevConflict) {
		return fmt.Errorf("save quarantine %s: %w", rec.ActionID, err)
	}
	if err := r.queue.PushID(ctx, QueueQuarantine, rec.ActionID); err != nil {
		return fmt.Errorf("enqueue quarantine %s: %w", rec.ActionID, err)
	}
	r.logger.Warn("action quarantined",
		"action_id", rec.ActionID,
		"origin", origin,
		"requeues", count)
	return nil
}
