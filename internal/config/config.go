// Package config defines the gateway configuration schema. Everything is a
// flat YAML file plus SENTINEL_ environment overrides; secrets are asserted
// at startup only when strict mode is on.
package config

import (
	"time"

	"github.com/sentinelSCA/sentinel/internal/domain/policy"
)

// Config is the top-level configuration for the gateway and its workers.
type Config struct {
	Security   SecurityConfig   `yaml:"security" mapstructure:"security"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit" mapstructure:"ratelimit"`
	Reputation ReputationConfig `yaml:"reputation" mapstructure:"reputation"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Replay     ReplayConfig     `yaml:"replay" mapstructure:"replay"`
	Audit      AuditConfig      `yaml:"audit" mapstructure:"audit"`
	Identity   IdentityConfig   `yaml:"identity" mapstructure:"identity"`
	Policy     PolicyConfig     `yaml:"policy" mapstructure:"policy"`
	Probe      ProbeConfig      `yaml:"probe" mapstructure:"probe"`
	Ops        OpsConfig        `yaml:"ops" mapstructure:"ops"`
}

// SecurityConfig carries the shared secrets and hardening switches.
type SecurityConfig struct {
	// StrictMode refuses to start without api_key and signing_secret.
	StrictMode bool `yaml:"strict_mode" mapstructure:"strict_mode"`

	// GlobalFreezeKey is the redis key whose existence halts analysis,
	// proposals, and execution. Empty disables the freeze check.
	GlobalFreezeKey string `yaml:"global_freeze_key" mapstructure:"global_freeze_key"`

	// APIKey gates every request. Accepts plaintext, "sha256:<hex>", or an
	// argon2id PHC string. Empty disables API key auth.
	APIKey string `yaml:"api_key" mapstructure:"api_key"`

	// SigningSecret enables the signed-request pipeline (window, replay,
	// HMAC) and response signing. Empty disables it.
	SigningSecret string `yaml:"signing_secret" mapstructure:"signing_secret"`

	// AuditSecret signs each audit chain entry and the head anchor.
	AuditSecret string `yaml:"audit_secret" mapstructure:"audit_secret"`

	// QueueSigningSecret envelopes documents on the ops queues.
	QueueSigningSecret string `yaml:"queue_signing_secret" mapstructure:"queue_signing_secret"`

	// VTSalt feeds the verification tag derivation.
	VTSalt string `yaml:"vt_salt" mapstructure:"vt_salt"`

	// TimeWindowSec is the allowed ts_unix drift for signed requests.
	TimeWindowSec int `yaml:"time_window_sec" mapstructure:"time_window_sec" validate:"omitempty,min=1"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// RateLimitConfig configures the per-agent sliding window.
type RateLimitConfig struct {
	// Max is the events admitted per window. Zero disables limiting.
	Max       int `yaml:"max" mapstructure:"max" validate:"omitempty,min=0"`
	WindowSec int `yaml:"window_sec" mapstructure:"window_sec" validate:"omitempty,min=1"`
}

// ReputationConfig tunes both reputation tracks.
type ReputationConfig struct {
	// AutoDeny and AutoReview are float oracle thresholds.
	AutoDeny   float64 `yaml:"auto_deny" mapstructure:"auto_deny" validate:"omitempty,min=0,max=1"`
	AutoReview float64 `yaml:"auto_review" mapstructure:"auto_review" validate:"omitempty,min=0,max=1"`

	// DenyAt and ReviewAt are integer ledger thresholds for the policy gate.
	DenyAt   int `yaml:"deny_at" mapstructure:"deny_at"`
	ReviewAt int `yaml:"review_at" mapstructure:"review_at"`

	// DecayPeriodSec and DecayStep pull idle ledger entries toward zero.
	DecayPeriodSec int `yaml:"decay_period_sec" mapstructure:"decay_period_sec" validate:"omitempty,min=0"`
	DecayStep      int `yaml:"decay_step" mapstructure:"decay_step" validate:"omitempty,min=0"`

	LedgerPath string `yaml:"ledger_path" mapstructure:"ledger_path"`
}

// RedisConfig locates the shared KV.
type RedisConfig struct {
	URL string `yaml:"url" mapstructure:"url" validate:"omitempty,uri"`
}

// ReplayConfig configures the durable nonce fallback.
type ReplayConfig struct {
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// AuditConfig locates the tamper-evident chain.
type AuditConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// IdentityConfig locates the agent registry.
type IdentityConfig struct {
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// PolicyConfig carries the policy version and operator extension rules.
type PolicyConfig struct {
	Version        string                 `yaml:"version" mapstructure:"version"`
	ExtensionRules []policy.ExtensionRule `yaml:"extension_rules" mapstructure:"extension_rules" validate:"omitempty,dive"`
}

// ProbeConfig configures the health prober.
type ProbeConfig struct {
	// Targets are "service=url" pairs.
	Targets       []string `yaml:"targets" mapstructure:"targets"`
	PollSec       int      `yaml:"poll_sec" mapstructure:"poll_sec" validate:"omitempty,min=1"`
	TimeoutSec    int      `yaml:"timeout_sec" mapstructure:"timeout_sec" validate:"omitempty,min=1"`
	FailThreshold int      `yaml:"fail_threshold" mapstructure:"fail_threshold" validate:"omitempty,min=1"`
}

// OpsConfig tunes the control pipeline workers.
type OpsConfig struct {
	ManagerID  string `yaml:"manager_id" mapstructure:"manager_id"`
	ApproverID string `yaml:"approver_id" mapstructure:"approver_id"`
	ExecutorID string `yaml:"executor_id" mapstructure:"executor_id"`
	ReaperID   string `yaml:"reaper_id" mapstructure:"reaper_id"`

	PollSec       int `yaml:"poll_sec" mapstructure:"poll_sec" validate:"omitempty,min=1"`
	ReaperPollSec int `yaml:"reaper_poll_sec" mapstructure:"reaper_poll_sec" validate:"omitempty,min=1"`

	// DedupeSec and RateLimitSec suppress repeat incidents by fingerprint.
	DedupeSec    int `yaml:"dedupe_sec" mapstructure:"dedupe_sec" validate:"omitempty,min=1"`
	RateLimitSec int `yaml:"rate_limit_sec" mapstructure:"rate_limit_sec" validate:"omitempty,min=1"`

	TargetCooldownSec int  `yaml:"target_cooldown_sec" mapstructure:"target_cooldown_sec" validate:"omitempty,min=1"`
	EnablePropose     bool `yaml:"enable_propose" mapstructure:"enable_propose"`
	ProposeTTLSec     int  `yaml:"propose_ttl_sec" mapstructure:"propose_ttl_sec" validate:"omitempty,min=1"`

	ActionBudgetMax       int `yaml:"action_budget_max" mapstructure:"action_budget_max" validate:"omitempty,min=1"`
	ActionBudgetWindowSec int `yaml:"action_budget_window_sec" mapstructure:"action_budget_window_sec" validate:"omitempty,min=1"`

	IdempotencyTTLSec int `yaml:"idempotency_ttl_sec" mapstructure:"idempotency_ttl_sec" validate:"omitempty,min=1"`
	StaleSec          int `yaml:"stale_sec" mapstructure:"stale_sec" validate:"omitempty,min=1"`
	MaxRequeues       int `yaml:"max_requeues" mapstructure:"max_requeues" validate:"omitempty,min=1"`

	AllowedTypes   []string `yaml:"allowed_types" mapstructure:"allowed_types"`
	AllowedTargets []string `yaml:"allowed_targets" mapstructure:"allowed_targets"`

	ComposeFile       string `yaml:"compose_file" mapstructure:"compose_file"`
	ComposeEnvFile    string `yaml:"compose_env_file" mapstructure:"compose_env_file"`
	ComposeProjectDir string `yaml:"compose_project_dir" mapstructure:"compose_project_dir"`
}

// SetDefaults applies defaults for everything optional.
func (c *Config) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		// Localhost only unless explicitly exposed.
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	if c.Security.GlobalFreezeKey == "" {
		c.Security.GlobalFreezeKey = "ops:freeze"
	}
	if c.Security.TimeWindowSec == 0 {
		c.Security.TimeWindowSec = 300
	}

	if c.RateLimit.Max == 0 {
		c.RateLimit.Max = 100
	}
	if c.RateLimit.WindowSec == 0 {
		c.RateLimit.WindowSec = 60
	}

	if c.Reputation.AutoDeny == 0 {
		c.Reputation.AutoDeny = 0.20
	}
	if c.Reputation.AutoReview == 0 {
		c.Reputation.AutoReview = 0.40
	}
	if c.Reputation.DenyAt == 0 {
		c.Reputation.DenyAt = -10
	}
	if c.Reputation.ReviewAt == 0 {
		c.Reputation.ReviewAt = -5
	}
	if c.Reputation.LedgerPath == "" {
		c.Reputation.LedgerPath = "data/ledger.json"
	}

	if c.Redis.URL == "" {
		c.Redis.URL = "redis://127.0.0.1:6379/0"
	}
	if c.Replay.SQLitePath == "" {
		c.Replay.SQLitePath = "data/replay.db"
	}
	if c.Audit.Dir == "" {
		c.Audit.Dir = "data/audit"
	}
	if c.Identity.SQLitePath == "" {
		c.Identity.SQLitePath = "data/agents.db"
	}

	if c.Probe.PollSec == 0 {
		c.Probe.PollSec = 15
	}
	if c.Probe.TimeoutSec == 0 {
		c.Probe.TimeoutSec = 5
	}
	if c.Probe.FailThreshold == 0 {
		c.Probe.FailThreshold = 2
	}

	if c.Ops.ManagerID == "" {
		c.Ops.ManagerID = "manager-1"
	}
	if c.Ops.ApproverID == "" {
		c.Ops.ApproverID = "approver-1"
	}
	if c.Ops.ExecutorID == "" {
		c.Ops.ExecutorID = "executor-1"
	}
	if c.Ops.ReaperID == "" {
		c.Ops.ReaperID = "reaper-1"
	}
	if c.Ops.PollSec == 0 {
		c.Ops.PollSec = 5
	}
	if c.Ops.ReaperPollSec == 0 {
		c.Ops.ReaperPollSec = 30
	}
	if c.Ops.DedupeSec == 0 {
		c.Ops.DedupeSec = 3600
	}
	if c.Ops.RateLimitSec == 0 {
		c.Ops.RateLimitSec = 300
	}
	if c.Ops.TargetCooldownSec == 0 {
		c.Ops.TargetCooldownSec = 600
	}
	if c.Ops.ProposeTTLSec == 0 {
		c.Ops.ProposeTTLSec = 3600
	}
	if c.Ops.ActionBudgetMax == 0 {
		c.Ops.ActionBudgetMax = 10
	}
	if c.Ops.ActionBudgetWindowSec == 0 {
		c.Ops.ActionBudgetWindowSec = 3600
	}
	if c.Ops.IdempotencyTTLSec == 0 {
		c.Ops.IdempotencyTTLSec = 86400
	}
	if c.Ops.StaleSec == 0 {
		c.Ops.StaleSec = 300
	}
	if c.Ops.MaxRequeues == 0 {
		c.Ops.MaxRequeues = 3
	}
	if len(c.Ops.AllowedTypes) == 0 {
		c.Ops.AllowedTypes = []string{"restart_service"}
	}
	if c.Ops.ComposeFile == "" {
		c.Ops.ComposeFile = "docker-compose.yml"
	}
}

// TimeWindow returns the signed-request drift window as a duration.
func (c *Config) TimeWindow() time.Duration {
	return time.Duration(c.Security.TimeWindowSec) * time.Second
}
