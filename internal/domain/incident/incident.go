// Package incident models the probe-to-manager incident documents and the
// triage rules applied to them.
package incident

import (
	"fmt"

	"github.com/sentinelSCA/sentinel/internal/domain/signing"
)

// Kind values emitted by the probe and recognized by triage.
const (
	KindAPIUnreachable = "api_unreachable"
	KindHTTPError      = "http_error"
	KindUnhealthy      = "unhealthy"
	KindException      = "exception"
)

// Evidence captures what the probe observed when the incident fired.
type Evidence struct {
	URL    string `json:"url,omitempty"`
	Status int    `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Incident is one detected service problem.
type Incident struct {
	IncidentID string   `json:"incident_id"`
	TS         int64    `json:"ts"`
	Service    string   `json:"service"`
	Kind       string   `json:"kind"`
	Severity   string   `json:"severity"`
	Evidence   Evidence `json:"evidence"`
}

// Recommendation is the manager's suggested remediation.
type Recommendation struct {
	Type       string  `json:"type"`
	Target     string  `json:"target,omitempty"`
	Confidence float64 `json:"confidence"`
}

// NewID returns an incident id of the form inc_<unix>_<service>.
func NewID(ts int64, service string) string {
	return fmt.Sprintf("inc_%d_%s", ts, service)
}

// Fingerprint identifies recurrences of the same incident for suppression.
// The error text is truncated so transient detail does not defeat dedupe.
func Fingerprint(in Incident) string {
	errText := in.Evidence.Error
	if len(errText) > 120 {
		errText = errText[:120]
	}
	seed := fmt.Sprintf("%s|%s|%s|%s|%d|%s",
		in.Service, in.Kind, in.Severity, in.Evidence.URL, in.Evidence.Status, errText)
	return signing.SHA256Hex([]byte(seed))
}

// ClassifySeverity maps an incident kind to the triaged severity, falling
// back to the severity the probe reported.
func ClassifySeverity(in Incident) string {
	switch in.Kind {
	case KindAPIUnreachable:
		return "critical"
	case KindHTTPError, KindUnhealthy:
		return "high"
	case KindException:
		return "medium"
	}
	if in.Severity != "" {
		return in.Severity
	}
	return "low"
}

// Recommend proposes a remediation for a triaged incident. Only critical and
// high incidents get a restart recommendation.
func Recommend(in Incident, severity string) Recommendation {
	switch severity {
	case "critical":
		return Recommendation{Type: "restart_service", Target: in.Service, Confidence: 0.85}
	case "high":
		return Recommendation{Type: "restart_service", Target: in.Service, Confidence: 0.70}
	}
	return Recommendation{Type: "none", Confidence: 0.0}
}
