package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sentinelSCA/sentinel/internal/adapter/outbound/kv"
	"github.com/sentinelSCA/sentinel/internal/domain/action"
	"github.com/sentinelSCA/sentinel/internal/domain/incident"
)

// ManagerConfig tunes triage and proposal gating.
type ManagerConfig struct {
	ManagerID     string
	DedupeTTL     time.Duration
	RateLimitTTL  time.Duration
	CooldownTTL   time.Duration
	EnablePropose bool
	ProposeTTL    time.Duration
	BudgetMax     int
	BudgetWindow  time.Duration
	FreezeKey     string
	PollTimeout   time.Duration
}

// decisionDoc is the always-emitted triage trace on ops:manager:decisions.
type decisionDoc struct {
	ManagerID      string                  `json:"manager_id"`
	IncidentID     string                  `json:"incident_id"`
	TS             int64                   `json:"ts"`
	Fingerprint    string                  `json:"fingerprint"`
	Severity       string                  `json:"severity"`
	Recommendation incident.Recommendation `json:"recommendation"`
	Suppressed     bool                    `json:"suppressed"`
	SuppressReason string                  `json:"suppress_reason,omitempty"`
	ProposedAction string                  `json:"proposed_action,omitempty"`
}

// triagedDoc is the enriched incident pushed downstream when not suppressed.
type triagedDoc struct {
	incident.Incident
	Fingerprint     string                  `json:"fingerprint"`
	TriagedSeverity string                  `json:"triaged_severity"`
	Recommendation  incident.Recommendation `json:"recommendation"`
	ManagerID       string                  `json:"manager_id"`
	TriagedTS       int64                   `json:"triaged_ts"`
}

// Manager consumes raw incidents, triages them, and proposes remediations
// under the configured gates.
type Manager struct {
	cfg     ManagerConfig
	store   *kv.Store
	queue   *kv.Queue
	actions *kv.ActionStore
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager wires the triage worker.
func NewManager(cfg ManagerConfig, store *kv.Store, queue *kv.Queue, actions *kv.ActionStore, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   store,
		queue:   queue,
		actions: actions,
		logger:  logger,
		now:     time.Now,
	}
}

// Run consumes incidents until the context ends.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("manager started", "manager_id", m.cfg.ManagerID)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := m.ProcessOne(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Error("incident processing failed", "error", err)
			time.Sleep(time.Second)
		}
	}
}

// ProcessOne handles at most one incident. It reports whether an incident
// was consumed.
func (m *Manager) ProcessOne(ctx context.Context) (bool, error) {
	raw, err := m.queue.PopDoc(ctx, QueueIncidents, m.cfg.PollTimeout)
	if err != nil {
		if errors.Is(err, kv.ErrBadEnvelope) {
			m.logger.Warn("dropping unverifiable incident", "error", err)
			return true, nil
		}
		return false, fmt.Errorf("pop incident: %w", err)
	}
	if raw == nil {
		return false, nil
	}

	var inc incident.Incident
	if err := json.Unmarshal(raw, &inc); err != nil {
		m.logger.Warn("dropping malformed incident", "error", err)
		return true, nil
	}

	fp := incident.Fingerprint(inc)
	severity := incident.ClassifySeverity(inc)
	rec := incident.Recommend(inc, severity)
	now := m.now().Unix()

	suppressed, reason, err := m.suppressed(ctx, fp)
	if err != nil {
		return true, err
	}

	decision := decisionDoc{
		ManagerID:      m.cfg.ManagerID,
		IncidentID:     inc.IncidentID,
		TS:             now,
		Fingerprint:    fp,
		Severity:       severity,
		Recommendation: rec,
		Suppressed:     suppressed,
		SuppressReason: reason,
	}

	if !suppressed {
		if err := m.queue.PushDoc(ctx, QueueTriaged, triagedDoc{
			Incident:        inc,
			Fingerprint:     fp,
			TriagedSeverity: severity,
			Recommendation:  rec,
			ManagerID:       m.cfg.ManagerID,
			TriagedTS:       now,
		}); err != nil {
			return true, fmt.Errorf("push triaged incident: %w", err)
		}

		if m.cfg.EnablePropose && rec.Type == "restart_service" {
			actionID, err := m.propose(ctx, inc, fp, rec)
			if err != nil {
				return true, err
			}
			decision.ProposedAction = actionID
		}
	}

	// The decision trace is emitted for every incident, suppressed or not.
	if err := m.queue.PushDoc(ctx, QueueDecisions, decision); err != nil {
		return true, fmt.Errorf("push decision: %w", err)
	}

	m.logger.Info("incident triaged",
		"incident_id", inc.IncidentID,
		"severity", severity,
		"suppressed", suppressed,
		"proposed_action", decision.ProposedAction)
	return true, nil
}

// suppressed applies the dedupe and rate-limit windows. The first observer
// of a fingerprint claims both keys.
func (m *Manager) suppressed(ctx context.Context, fp string) (bool, string, error) {
	fresh, err := m.store.SetNX(ctx, keyDedupe(fp), "1", m.cfg.DedupeTTL)
	if err != nil {
		return false, "", fmt.Errorf("dedupe gate: %w", err)
	}
	if !fresh {
		return true, "dedupe", nil
	}
	fresh, err = m.store.SetNX(ctx, keyRateLimit(fp), "1", m.cfg.RateLimitTTL)
	if err != nil {
		return false, "", fmt.Errorf("rate-limit gate: %w", err)
	}
	if !fresh {
		return true, "rate_limited", nil
	}
	return false, "", nil
}

// propose creates an action record when every gate passes. A skipped gate is
// not an error; the empty id tells the caller nothing was proposed.
func (m *Manager) propose(ctx context.Context, inc incident.Incident, fp string, rec incident.Recommendation) (string, error) {
	now := m.now()

	if m.cfg.FreezeKey != "" {
		frozen, err := m.store.Exists(ctx, m.cfg.FreezeKey)
		if err != nil {
			return "", fmt.Errorf("freeze gate: %w", err)
		}
		if frozen {
			m.logger.Info("proposal skipped: global freeze", "incident_id", inc.IncidentID)
			return "", nil
		}
	}

	if dup, err := m.store.Exists(ctx, keyProposedFP(fp)); err != nil {
		return "", fmt.Errorf("fingerprint gate: %w", err)
	} else if dup {
		m.logger.Info("proposal skipped: fingerprint already proposed", "fingerprint", fp)
		return "", nil
	}

	windowStart := now.Add(-m.cfg.BudgetWindow).Unix()
	count, err := m.store.BudgetCount(ctx, KeyBudgetActions, windowStart)
	if err != nil {
		return "", fmt.Errorf("budget gate: %w", err)
	}
	if count >= int64(m.cfg.BudgetMax) {
		m.logger.Warn("proposal skipped: action budget exhausted", "count", count, "max", m.cfg.BudgetMax)
		return "", nil
	}

	if cooling, err := m.store.Exists(ctx, keyCooldown(rec.Type, rec.Target)); err != nil {
		return "", fmt.Errorf("cooldown gate: %w", err)
	} else if cooling {
		m.logger.Info("proposal skipped: target cooling down", "type", rec.Type, "target", rec.Target)
		return "", nil
	}

	intent := action.Intent{Type: rec.Type, Target: rec.Target, Params: map[string]string{}}
	digest, err := action.Digest(intent)
	if err != nil {
		return "", err
	}

	record := &action.Record{
		ActionID:              action.NewID(now),
		IncidentID:            inc.IncidentID,
		CreatedTS:             now.Unix(),
		ExpiresTS:             now.Add(m.cfg.ProposeTTL).Unix(),
		Status:                action.StatusProposed,
		Fingerprint:           fp,
		Manager:               m.cfg.ManagerID,
		RecommendedConfidence: rec.Confidence,
		Action:                intent,
		Digest:                digest,
		Reason:                fmt.Sprintf("auto-proposed for %s", inc.IncidentID),
	}
	if err := m.actions.Save(ctx, record); err != nil {
		return "", fmt.Errorf("save proposal: %w", err)
	}

	if err := m.queue.PushID(ctx, QueueProposed, record.ActionID); err != nil {
		return "", fmt.Errorf("enqueue proposal: %w", err)
	}
	if err := m.store.Set(ctx, keyProposedFP(fp), record.ActionID, m.cfg.ProposeTTL); err != nil {
		return "", fmt.Errorf("mark fingerprint proposed: %w", err)
	}
	if _, err := m.store.SetNX(ctx, keyCooldown(rec.Type, rec.Target), record.ActionID, m.cfg.CooldownTTL); err != nil {
		return "", fmt.Errorf("start cooldown: %w", err)
	}
	if err := m.store.BudgetRecord(ctx, KeyBudgetActions, record.ActionID, now.Unix()); err != nil {
		return "", fmt.Errorf("record budget event: %w", err)
	}

	m.logger.Info("action proposed",
		"action_id", record.ActionID,
		"type", rec.Type,
		"target", rec.Target,
		"confidence", rec.Confidence)
	return record.ActionID, nil
}
