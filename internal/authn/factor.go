// ABOUTME: Factor kinds, verification results and the uniform Factor capability interface
// ABOUTME: The orchestrator dispatches through a map[Kind]Factor lookup table

package authn

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Kind identifies a factor. The set is closed.
type Kind string

// Factor kinds.
const (
	KindPassword Kind = "password"
	KindTOTP     Kind = "totp"
	KindPasskey  Kind = "passkey"
	KindOIDC     Kind = "oidc"
)

// Kinds lists every known factor kind in canonical order.
var Kinds = []Kind{KindPassword, KindTOTP, KindPasskey, KindOIDC}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindPassword, KindTOTP, KindPasskey, KindOIDC:
		return true
	}
	return false
}

func (k Kind) String() string {
	return string(k)
}

// ParseKind parses a kind name case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown factor kind %q", ErrInvalidInput, s)
	}
	return k, nil
}

// VerificationResult is produced by a successful factor check. It is consumed
// by the orchestrator and never persisted.
type VerificationResult struct {
	Identity   string    `json:"identity"`
	Kind       Kind      `json:"kind"`
	VerifiedAt time.Time `json:"verified_at"`
}

// Proof carries whatever a factor needs to verify a login step.
type Proof struct {
	// Secret is a password or a one-time code.
	Secret string
	// Ceremony is the token returned when a passkey or OIDC ceremony began.
	Ceremony string
	// Response is the raw WebAuthn assertion JSON.
	Response []byte
	// State and Code are the OIDC callback parameters.
	State string
	Code  string
}

// Factor is the capability every factor kind exposes to the orchestrator.
type Factor interface {
	Kind() Kind
	Verify(ctx context.Context, identity string, proof Proof) (*VerificationResult, error)
}
