// Package policy classifies agent commands into allow/review/deny decisions
// from built-in deny patterns, reputation gates, and optional CEL extension
// rules.
package policy

// Decision is the outcome of a policy evaluation.
type Decision string

// Decision values.
const (
	Allow  Decision = "allow"
	Review Decision = "review"
	Deny   Decision = "deny"
)

// Risk is the coarse risk band attached to a decision.
type Risk string

// Risk values.
const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Result is the full outcome of evaluating one command.
type Result struct {
	Decision Decision `json:"decision"`
	Risk     Risk     `json:"risk"`
	Score    float64  `json:"risk_score"`
	Reason   string   `json:"reason"`
}

// ExtensionRule is an operator-defined CEL rule evaluated after the built-in
// deny patterns and before the default allow. The condition expression sees
// `command` (string) and `reputation` (int).
type ExtensionRule struct {
	Name      string `mapstructure:"name" yaml:"name"`
	Condition string `mapstructure:"condition" yaml:"condition"`
	Action    string `mapstructure:"action" yaml:"action"` // "deny" or "review"
	Reason    string `mapstructure:"reason" yaml:"reason"`
}
