package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper points viper at the config file and the SENTINEL_ environment.
// With no explicit file it searches the standard locations for sentinel.yaml
// or sentinel.yml; the explicit extension keeps viper from matching the
// binary itself.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("sentinel")
		viper.SetConfigType("yaml")
	}

	// SENTINEL_SECURITY_API_KEY overrides security.api_key, and so on.
	viper.SetEnvPrefix("SENTINEL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches ., $HOME/.sentinel, /etc/sentinel.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".sentinel"),
		"/etc/sentinel",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "sentinel"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds every scalar key so environment-only deployments
// work without a config file. Array keys (probe.targets, ops allowlists,
// policy.extension_rules) stay file-only.
func bindNestedEnvKeys() {
	for _, key := range []string{
		"security.strict_mode",
		"security.global_freeze_key",
		"security.api_key",
		"security.signing_secret",
		"security.audit_secret",
		"security.queue_signing_secret",
		"security.vt_salt",
		"security.time_window_sec",

		"server.http_addr",
		"server.log_level",

		"ratelimit.max",
		"ratelimit.window_sec",

		"reputation.auto_deny",
		"reputation.auto_review",
		"reputation.deny_at",
		"reputation.review_at",
		"reputation.decay_period_sec",
		"reputation.decay_step",
		"reputation.ledger_path",

		"redis.url",
		"replay.sqlite_path",
		"audit.dir",
		"identity.sqlite_path",
		"policy.version",

		"probe.poll_sec",
		"probe.timeout_sec",
		"probe.fail_threshold",

		"ops.manager_id",
		"ops.approver_id",
		"ops.executor_id",
		"ops.reaper_id",
		"ops.poll_sec",
		"ops.reaper_poll_sec",
		"ops.dedupe_sec",
		"ops.rate_limit_sec",
		"ops.target_cooldown_sec",
		"ops.enable_propose",
		"ops.propose_ttl_sec",
		"ops.action_budget_max",
		"ops.action_budget_window_sec",
		"ops.idempotency_ttl_sec",
		"ops.stale_sec",
		"ops.max_requeues",
		"ops.compose_file",
		"ops.compose_env_file",
		"ops.compose_project_dir",
	} {
		_ = viper.BindEnv(key)
	}
}

// Load reads the file (when present), applies env overrides and defaults,
// and validates the result.
func Load() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// No file is fine: environment-only configuration.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed reports which file viper loaded, empty for env-only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
