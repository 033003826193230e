package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate runs the struct tags plus the cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateStrictMode(); err != nil {
		return err
	}
	if err := c.validateExtensionRules(); err != nil {
		return err
	}
	if err := c.validateProbeTargets(); err != nil {
		return err
	}
	if c.Reputation.AutoDeny > c.Reputation.AutoReview {
		return fmt.Errorf("reputation: auto_deny (%.2f) must not exceed auto_review (%.2f)",
			c.Reputation.AutoDeny, c.Reputation.AutoReview)
	}
	if c.Reputation.DenyAt > c.Reputation.ReviewAt {
		return fmt.Errorf("reputation: deny_at (%d) must not exceed review_at (%d)",
			c.Reputation.DenyAt, c.Reputation.ReviewAt)
	}
	return nil
}

// validateStrictMode asserts the secrets strict deployments require.
func (c *Config) validateStrictMode() error {
	if !c.Security.StrictMode {
		return nil
	}
	var missing []string
	if c.Security.APIKey == "" {
		missing = append(missing, "security.api_key")
	}
	if c.Security.SigningSecret == "" {
		missing = append(missing, "security.signing_secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("strict_mode requires: %s", strings.Join(missing, ", "))
	}
	return nil
}

// validateExtensionRules checks names, conditions, and actions; CEL syntax
// errors surface later when the engine compiles.
func (c *Config) validateExtensionRules() error {
	for i, rule := range c.Policy.ExtensionRules {
		if rule.Name == "" {
			return fmt.Errorf("policy.extension_rules[%d]: name is required", i)
		}
		if rule.Condition == "" {
			return fmt.Errorf("policy.extension_rules[%d] (%s): condition is required", i, rule.Name)
		}
		if rule.Action != "deny" && rule.Action != "review" {
			return fmt.Errorf("policy.extension_rules[%d] (%s): action must be deny or review, got %q",
				i, rule.Name, rule.Action)
		}
	}
	return nil
}

// validateProbeTargets requires the "service=url" shape.
func (c *Config) validateProbeTargets() error {
	for i, target := range c.Probe.Targets {
		name, url, ok := strings.Cut(target, "=")
		if !ok || name == "" || url == "" {
			return fmt.Errorf("probe.targets[%d]: want service=url, got %q", i, target)
		}
	}
	return nil
}

// formatValidationErrors turns validator errors into actionable messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	var messages []string
	for _, e := range validationErrors {
		messages = append(messages, formatSingleValidationError(e))
	}
	return errors.New(strings.Join(messages, "; "))
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "uri":
		return fmt.Sprintf("%s must be a valid URI", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
