// ABOUTME: Error taxonomy shared by every factor, the ceremony manager and the orchestrator
// ABOUTME: Sentinels are wrapped with %w; PublicMessage maps them to enumeration-safe text

package authn

import (
	"errors"
	"fmt"
)

// Caller input errors. No state is changed when these are returned.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrFactorNotConfigured = errors.New("factor not configured")
)

// Verification failures. No credential is mutated when these are returned.
var (
	ErrMismatch           = errors.New("credential mismatch")
	ErrAttestationInvalid = errors.New("attestation invalid")
	ErrCounterRegression  = errors.New("signature counter regression")
	ErrReplayed           = errors.New("one-time code replayed")
)

// Protocol state violations. The caller can always restart the ceremony.
var (
	ErrCeremonyNotFound = errors.New("ceremony not found")
	ErrCeremonyExpired  = errors.New("ceremony expired")
	ErrStateMismatch    = errors.New("state mismatch")
)

// ErrLinkConflict is returned when a federated identity is already bound to a
// different local identity.
var ErrLinkConflict = errors.New("federated identity linked to another identity")

// Collaborator failures. These are propagated and never retried.
var (
	ErrStoreUnavailable = errors.New("credential store unavailable")
	ErrClockUnavailable = errors.New("clock unavailable")
)

// StoreError wraps a persistence failure as ErrStoreUnavailable.
func StoreError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// Public messages returned to untrusted callers.
const (
	MsgAuthenticationFailed = "authentication failed"
	MsgInvalidRequest       = "invalid request"
	MsgRestartCeremony      = "login expired, please start again"
	MsgAccountLinked        = "this account is already linked to another user"
	MsgUnavailable          = "authentication temporarily unavailable"
)

// PublicMessage maps an internal error to a uniform message that does not
// reveal which part of a multi-factor check failed.
func PublicMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return MsgInvalidRequest
	case errors.Is(err, ErrCeremonyNotFound),
		errors.Is(err, ErrCeremonyExpired),
		errors.Is(err, ErrStateMismatch):
		return MsgRestartCeremony
	case errors.Is(err, ErrLinkConflict):
		return MsgAccountLinked
	case errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrClockUnavailable):
		return MsgUnavailable
	default:
		// Mismatch, replay, counter regression, attestation failures and
		// unconfigured factors all look the same from outside.
		return MsgAuthenticationFailed
	}
}
