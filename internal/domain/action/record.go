// Package action defines the remediation action records flowing through the
// ops pipeline and the digest binding each record to its intent.
package action

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelSCA/sentinel/internal/canonical"
	"github.com/sentinelSCA/sentinel/internal/domain/signing"
)

// Status values for a record. Terminal statuses never change again.
const (
	StatusProposed    = "proposed"
	StatusApproved    = "approved"
	StatusExecuted    = "executed"
	StatusFailed      = "failed"
	StatusRejected    = "rejected"
	StatusQuarantined = "quarantined"
)

// IsTerminal reports whether a status permits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusExecuted, StatusFailed, StatusRejected, StatusQuarantined:
		return true
	}
	return false
}

// Intent is the immutable what/where of an action. The digest covers exactly
// these three fields.
type Intent struct {
	Type   string            `json:"type"`
	Target string            `json:"target"`
	Params map[string]string `json:"params"`
}

// Approval is written once by the approver.
type Approval struct {
	ApprovedBy     string `json:"approved_by"`
	ApprovedTS     int64  `json:"approved_ts"`
	ApprovedDigest string `json:"approved_digest"`
}

// Rejection is written by whichever stage refused the action.
type Rejection struct {
	RejectedBy string `json:"rejected_by"`
	RejectedTS int64  `json:"rejected_ts"`
	Reason     string `json:"reason"`
}

// Execution is written by the executor.
type Execution struct {
	Executor  string `json:"executor"`
	ClaimedTS int64  `json:"claimed_ts"`
	StartedTS int64  `json:"started_ts,omitempty"`
	DoneTS    int64  `json:"done_ts,omitempty"`
	RC        int    `json:"rc"`
	Stdout    string `json:"stdout,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
	Cmd       string `json:"cmd,omitempty"`
	Hint      string `json:"hint,omitempty"`
}

// Reaper is bookkeeping written by the reaper when it requeues or
// quarantines a stale record.
type Reaper struct {
	LastSeenInflightTS int64  `json:"last_seen_inflight_ts,omitempty"`
	QuarantinedReason  string `json:"quarantined_reason,omitempty"`
	QuarantinedFrom    string `json:"quarantined_from,omitempty"`
	QuarantinedAt      int64  `json:"quarantined_at,omitempty"`
}

// Record is the full lifecycle document stored per action. Rev guards
// concurrent saves: a save with expected rev n writes rev n+1.
type Record struct {
	ActionID              string     `json:"action_id"`
	IncidentID            string     `json:"incident_id,omitempty"`
	CreatedTS             int64      `json:"created_ts"`
	ExpiresTS             int64      `json:"expires_ts,omitempty"`
	Status                string     `json:"status"`
	Fingerprint           string     `json:"fingerprint,omitempty"`
	Manager               string     `json:"manager,omitempty"`
	RecommendedConfidence float64    `json:"recommended_confidence,omitempty"`
	Action                Intent     `json:"action"`
	Digest                string     `json:"digest"`
	Reason                string     `json:"reason,omitempty"`
	Rev                   int64      `json:"rev"`
	Approval              *Approval  `json:"approval,omitempty"`
	Rejection             *Rejection `json:"rejection,omitempty"`
	Execution             *Execution `json:"execution,omitempty"`
	Reaper                *Reaper    `json:"reaper,omitempty"`
}

// Digest computes the binding digest over an intent's type, target, and
// params only. Any other record field can change without invalidating it.
func Digest(in Intent) (string, error) {
	params := in.Params
	if params == nil {
		params = map[string]string{}
	}
	data, err := canonical.Marshal(map[string]any{
		"type":   in.Type,
		"target": in.Target,
		"params": params,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalize intent: %w", err)
	}
	return "sha256:" + signing.SHA256Hex(data), nil
}

// NewID returns a fresh action id of the form act_<unix>_<rand6>.
func NewID(now time.Time) string {
	return fmt.Sprintf("act_%d_%s", now.Unix(), strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
}
