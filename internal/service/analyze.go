package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sentinelSCA/sentinel/internal/adapter/outbound/auditlog"
	"github.com/sentinelSCA/sentinel/internal/adapter/outbound/kv"
	"github.com/sentinelSCA/sentinel/internal/adapter/outbound/replay"
	"github.com/sentinelSCA/sentinel/internal/domain/auth"
	"github.com/sentinelSCA/sentinel/internal/domain/policy"
	"github.com/sentinelSCA/sentinel/internal/domain/ratelimit"
	"github.com/sentinelSCA/sentinel/internal/domain/reputation"
	"github.com/sentinelSCA/sentinel/internal/domain/signing"
)

// AnalyzeConfig carries the pipeline tunables.
type AnalyzeConfig struct {
	APIKey        string
	SigningSecret string
	VTSalt        string
	TimeWindow    time.Duration
	RepAutoDeny   float64
	RepAutoReview float64
	FreezeKey     string
}

// AnalyzeRequest is the inbound /analyze body plus the presented API key.
type AnalyzeRequest struct {
	AgentID   string `json:"agent_id"`
	Command   string `json:"command"`
	Timestamp string `json:"timestamp"`
	TSUnix    string `json:"ts_unix"`
	Sig       string `json:"sig"`

	// ReputationHint is accepted from clients but never trusted; the
	// server-side ledger is the only reputation source.
	ReputationHint int `json:"reputation_hint,omitempty"`

	APIKey   string `json:"-"`
	ClientIP string `json:"-"`
}

// AnalyzeResponse is the signed verdict returned to the agent.
type AnalyzeResponse struct {
	AgentID       string  `json:"agent_id"`
	Decision      string  `json:"decision"`
	Risk          string  `json:"risk"`
	RiskScore     float64 `json:"risk_score"`
	Reason        string  `json:"reason"`
	PolicyVersion string  `json:"policy_version"`
	Reputation    int     `json:"reputation"`
	RepScore      float64 `json:"reputation_score"`
	VT            string  `json:"vt"`
	TS            int64   `json:"ts"`
	AuditHash     string  `json:"audit_hash,omitempty"`
	Sig           string  `json:"sig,omitempty"`
}

// StatusResponse is the per-agent /api/v1/status body.
type StatusResponse struct {
	AgentID    string           `json:"agent_id"`
	Reputation reputation.Entry `json:"reputation"`
	RepScore   float64          `json:"reputation_score"`
	RateLimit  ratelimit.Usage  `json:"ratelimit"`
	AuditHead  auditlog.Head    `json:"audit"`
	Counters   agentCounters    `json:"counters"`
	ServerTS   int64            `json:"server_ts"`
}

// Analyzer runs the full decision pipeline for one gateway instance.
type Analyzer struct {
	cfg     AnalyzeConfig
	limiter *ratelimit.SlidingWindow
	engine  *policy.Engine
	ledger  *reputation.Ledger
	oracle  reputation.Oracle
	replay  replay.Store
	audit   *auditlog.ChainStore
	store   *kv.Store
	stats   *Stats
	logger  *slog.Logger
	now     func() time.Time
}

// NewAnalyzer wires the pipeline. store may be nil when no freeze key is
// configured.
func NewAnalyzer(
	cfg AnalyzeConfig,
	limiter *ratelimit.SlidingWindow,
	engine *policy.Engine,
	ledger *reputation.Ledger,
	oracle reputation.Oracle,
	replayStore replay.Store,
	audit *auditlog.ChainStore,
	store *kv.Store,
	stats *Stats,
	logger *slog.Logger,
) *Analyzer {
	return &Analyzer{
		cfg:     cfg,
		limiter: limiter,
		engine:  engine,
		ledger:  ledger,
		oracle:  oracle,
		replay:  replayStore,
		audit:   audit,
		store:   store,
		stats:   stats,
		logger:  logger,
		now:     time.Now,
	}
}

// Analyze runs one command through the pipeline. Order matters: cheap and
// unauthenticated rejections come first so attackers learn nothing from
// later stages.
func (a *Analyzer) Analyze(ctx context.Context, req AnalyzeRequest) (AnalyzeResponse, error) {
	if req.AgentID == "" || req.Command == "" {
		return AnalyzeResponse{}, fmt.Errorf("%w: agent_id and command are required", ErrBadInput)
	}

	if frozen, err := a.frozen(ctx); err != nil {
		return AnalyzeResponse{}, err
	} else if frozen {
		return AnalyzeResponse{}, ErrGlobalFreeze
	}

	if !a.limiter.Allow(req.AgentID) {
		return AnalyzeResponse{}, fmt.Errorf("%w: agent %s", ErrRateLimited, req.AgentID)
	}

	if !auth.VerifyAPIKey(a.cfg.APIKey, req.APIKey) {
		return AnalyzeResponse{}, ErrInvalidAPIKey
	}

	if a.cfg.SigningSecret != "" {
		if err := a.verifySigned(ctx, req); err != nil {
			return AnalyzeResponse{}, err
		}
	}

	rep := a.ledger.Get(req.AgentID)
	res := a.engine.Evaluate(req.Command, rep)

	score, err := a.oracle.Score(ctx, req.AgentID)
	if err != nil {
		return AnalyzeResponse{}, fmt.Errorf("%w: reputation oracle: %v", ErrStoreUnavailable, err)
	}
	res = policy.ApplyScoreGate(res, score, a.cfg.RepAutoDeny, a.cfg.RepAutoReview)

	newRep, err := a.ledger.Apply(req.AgentID, res.Decision)
	if err != nil {
		// Ledger persistence trouble must not flip a decision already made.
		a.logger.Error("reputation ledger update failed", "agent_id", req.AgentID, "error", err)
	}
	newScore, err := a.oracle.Update(ctx, req.AgentID, res.Decision)
	if err != nil {
		a.logger.Error("reputation oracle update failed", "agent_id", req.AgentID, "error", err)
		newScore = score
	}

	a.stats.Record(req.AgentID, req.Command, res.Decision)

	now := a.now()
	resp := AnalyzeResponse{
		AgentID:       req.AgentID,
		Decision:      string(res.Decision),
		Risk:          string(res.Risk),
		RiskScore:     res.Score,
		Reason:        res.Reason,
		PolicyVersion: a.engine.Version(),
		Reputation:    newRep,
		RepScore:      newScore,
		VT:            a.verificationTag(req.AgentID, req.Timestamp, req.Command),
		TS:            now.Unix(),
	}

	hash, err := a.audit.Append(map[string]any{
		"ts":             now.Unix(),
		"client_ip":      req.ClientIP,
		"agent_id":       req.AgentID,
		"command":        req.Command,
		"decision":       resp.Decision,
		"risk":           resp.Risk,
		"risk_score":     resp.RiskScore,
		"reason":         resp.Reason,
		"policy_version": resp.PolicyVersion,
		"reputation":     newRep,
		"vt":             resp.VT,
	})
	if err != nil {
		// The verdict stands even when the audit trail hiccups.
		a.logger.Error("audit append failed", "agent_id", req.AgentID, "error", err)
	} else {
		resp.AuditHash = hash
	}

	if err := a.signResponse(&resp); err != nil {
		return AnalyzeResponse{}, err
	}

	a.logger.Info("command analyzed",
		"agent_id", req.AgentID,
		"decision", resp.Decision,
		"risk", resp.Risk,
		"reputation", newRep)
	return resp, nil
}

// Status assembles the per-agent view. The same authentication rules apply
// as for /analyze, minus replay protection (the call is read-only).
func (a *Analyzer) Status(ctx context.Context, agentID, tsUnix, sig, apiKey string) (StatusResponse, error) {
	if agentID == "" {
		return StatusResponse{}, fmt.Errorf("%w: agent_id is required", ErrBadInput)
	}
	if !auth.VerifyAPIKey(a.cfg.APIKey, apiKey) {
		return StatusResponse{}, ErrInvalidAPIKey
	}
	if a.cfg.SigningSecret != "" {
		if err := a.checkWindow(tsUnix); err != nil {
			return StatusResponse{}, err
		}
		if sig == "" {
			return StatusResponse{}, ErrMissingSig
		}
		payload := map[string]any{"agent_id": agentID, "ts_unix": tsUnix}
		if err := signing.VerifyPayload(a.cfg.SigningSecret, payload, sig); err != nil {
			return StatusResponse{}, fmt.Errorf("%w: %v", ErrBadSig, err)
		}
	}

	score, err := a.oracle.Score(ctx, agentID)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("%w: reputation oracle: %v", ErrStoreUnavailable, err)
	}
	head, err := a.audit.Head()
	if err != nil {
		return StatusResponse{}, fmt.Errorf("audit head: %w", err)
	}

	return StatusResponse{
		AgentID:    agentID,
		Reputation: a.ledger.Snapshot(agentID),
		RepScore:   score,
		RateLimit:  a.limiter.Usage(agentID),
		AuditHead:  head,
		Counters:   a.stats.Agent(agentID),
		ServerTS:   a.now().Unix(),
	}, nil
}

// RepScore returns just the float oracle score for one agent.
func (a *Analyzer) RepScore(ctx context.Context, agentID string) (float64, error) {
	if agentID == "" {
		return 0, fmt.Errorf("%w: agent_id is required", ErrBadInput)
	}
	score, err := a.oracle.Score(ctx, agentID)
	if err != nil {
		return 0, fmt.Errorf("%w: reputation oracle: %v", ErrStoreUnavailable, err)
	}
	return score, nil
}

// verifySigned enforces the signed-request rules: fresh timestamp, unseen
// nonce, valid HMAC. The replay nonce is consumed before signature
// verification so a replayed-but-corrupted request still burns its slot.
func (a *Analyzer) verifySigned(ctx context.Context, req AnalyzeRequest) error {
	if err := a.checkWindow(req.TSUnix); err != nil {
		return err
	}
	if req.Sig == "" {
		return ErrMissingSig
	}

	nonce := replay.NonceFor(req.AgentID, req.Command, req.TSUnix)
	res, err := a.replay.CheckAndSet(ctx, nonce, 2*a.cfg.TimeWindow)
	if err != nil {
		return fmt.Errorf("%w: replay store: %v", ErrStoreUnavailable, err)
	}
	if !res.Fresh {
		return fmt.Errorf("%w: nonce already consumed (%s)", ErrReplayDetected, res.Backend)
	}

	payload := map[string]any{
		"agent_id":  req.AgentID,
		"command":   req.Command,
		"timestamp": req.Timestamp,
		"ts_unix":   req.TSUnix,
	}
	if err := signing.VerifyPayload(a.cfg.SigningSecret, payload, req.Sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSig, err)
	}
	return nil
}

// checkWindow rejects requests whose ts_unix drifts beyond the window.
func (a *Analyzer) checkWindow(tsUnix string) error {
	if tsUnix == "" {
		return fmt.Errorf("%w: ts_unix is required", ErrBadInput)
	}
	ts, err := strconv.ParseInt(tsUnix, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: ts_unix not numeric", ErrBadInput)
	}
	drift := a.now().Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(a.cfg.TimeWindow/time.Second) {
		return fmt.Errorf("%w: drift %ds", ErrOutsideWindow, drift)
	}
	return nil
}

// frozen checks the global freeze key.
func (a *Analyzer) frozen(ctx context.Context) (bool, error) {
	if a.store == nil || a.cfg.FreezeKey == "" {
		return false, nil
	}
	frozen, err := a.store.Exists(ctx, a.cfg.FreezeKey)
	if err != nil {
		return false, fmt.Errorf("%w: freeze check: %v", ErrStoreUnavailable, err)
	}
	return frozen, nil
}

// verificationTag derives the short proof the agent echoes downstream.
func (a *Analyzer) verificationTag(agentID, timestamp, command string) string {
	seed := fmt.Sprintf("%s|%s|%s|%s", agentID, timestamp, command, a.cfg.VTSalt)
	return signing.SHA256Hex([]byte(seed))[:16]
}

// signResponse attaches the HMAC over the canonical response body.
func (a *Analyzer) signResponse(resp *AnalyzeResponse) error {
	if a.cfg.SigningSecret == "" {
		return nil
	}
	payload := map[string]any{
		"agent_id":         resp.AgentID,
		"decision":         resp.Decision,
		"risk":             resp.Risk,
		"risk_score":       resp.RiskScore,
		"reason":           resp.Reason,
		"policy_version":   resp.PolicyVersion,
		"reputation":       resp.Reputation,
		"reputation_score": resp.RepScore,
		"vt":               resp.VT,
		"ts":               resp.TS,
	}
	sig, err := signing.SignPayload(a.cfg.SigningSecret, payload)
	if err != nil {
		return fmt.Errorf("sign response: %w", err)
	}
	resp.Sig = sig
	return nil
}
