// Package service implements the gateway pipeline and the ops workers on top
// of the domain packages and adapters.
package service

import "errors"

// Failure kinds surfaced by the analyze pipeline. The HTTP adapter maps
// these to status codes.
var (
	ErrBadInput         = errors.New("bad input")
	ErrInvalidAPIKey    = errors.New("invalid api key")
	ErrMissingSig       = errors.New("missing signature")
	ErrBadSig           = errors.New("bad signature")
	ErrOutsideWindow    = errors.New("timestamp outside window")
	ErrReplayDetected   = errors.New("replay detected")
	ErrRateLimited      = errors.New("rate limited")
	ErrGlobalFreeze     = errors.New("global freeze active")
	ErrAgentNotFound    = errors.New("agent not found")
	ErrAgentRevoked     = errors.New("agent revoked")
	ErrStoreUnavailable = errors.New("store unavailable")
)
