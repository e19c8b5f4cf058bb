// ABOUTME: Store interfaces and credential record types for coven-auth persistence
// ABOUTME: Defines password, TOTP, WebAuthn, OIDC link and ceremony records and their contracts

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrLinkExists is returned when an (issuer, subject) pair is already linked.
var ErrLinkExists = errors.New("oidc link already exists")

// ErrStale is returned when a conditional update lost to a concurrent writer
// or would move a monotonic value backwards.
var ErrStale = errors.New("stale update")

// ErrDuplicateCredential is returned when a WebAuthn credential id is already registered.
var ErrDuplicateCredential = errors.New("credential already registered")

// Enrolled factor kind names reported by EnrolledKinds.
const (
	KindPassword = "password"
	KindTOTP     = "totp"
	KindPasskey  = "passkey"
	KindOIDC     = "oidc"
)

// PasswordCredential is a hashed memorized secret.
type PasswordCredential struct {
	Identity  string
	Algorithm string // "argon2id" or "bcrypt"
	Salt      []byte
	Hash      []byte
	Memory    uint32 // KiB
	Time      uint32
	Threads   uint8
	KeyLen    uint32
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TOTPCredential is a confirmed TOTP secret.
type TOTPCredential struct {
	Identity  string
	Label     string
	Secret    []byte
	Algorithm string // SHA1, SHA256, SHA512
	Digits    int
	Period    uint
	LastStep  int64 // last accepted time step, -1 when never used
	CreatedAt time.Time
}

// PendingTOTP is an unconfirmed TOTP enrollment. It never authenticates.
type PendingTOTP struct {
	Identity  string
	Label     string
	Secret    []byte
	Algorithm string
	Digits    int
	Period    uint
	CreatedAt time.Time
	ExpiresAt time.Time
}

// WebAuthnKey is a registered passkey.
type WebAuthnKey struct {
	ID              string
	Identity        string
	Label           string
	CredentialID    []byte
	PublicKey       []byte
	AttestationType string
	Transports      []string
	AAGUID          []byte
	SignCount       uint32
	BackupEligible  bool
	BackupState     bool
	CreatedAt       time.Time
	LastUsedAt      *time.Time
}

// OIDCLink binds a federated (issuer, subject) pair to a local identity.
type OIDCLink struct {
	Identity  string
	Issuer    string
	Subject   string
	CreatedAt time.Time
}

// CeremonyRecord is short-lived state for a multi-step protocol.
type CeremonyRecord struct {
	Key       string // hash of the ceremony token
	Kind      string
	Payload   []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// PasswordStore persists password credentials.
type PasswordStore interface {
	GetPassword(ctx context.Context, identity string) (*PasswordCredential, error)
	// PutPassword inserts or replaces the identity's password.
	PutPassword(ctx context.Context, cred *PasswordCredential) error
	DeletePassword(ctx context.Context, identity string) error
}

// TOTPStore persists TOTP credentials and pending enrollments.
type TOTPStore interface {
	GetTOTP(ctx context.Context, identity string) (*TOTPCredential, error)
	DeleteTOTP(ctx context.Context, identity string) error
	// AdvanceTOTPStep sets last_step to step only if step is greater than the
	// stored value. Returns ErrStale otherwise.
	AdvanceTOTPStep(ctx context.Context, identity string, step int64) error

	PutPendingTOTP(ctx context.Context, pending *PendingTOTP) error
	GetPendingTOTP(ctx context.Context, identity string) (*PendingTOTP, error)
	DeletePendingTOTP(ctx context.Context, identity string) error
	// CommitTOTP atomically removes the pending enrollment and stores cred in
	// its place. Returns ErrNotFound if no pending enrollment exists.
	CommitTOTP(ctx context.Context, cred *TOTPCredential) error
}

// WebAuthnStore persists passkeys.
type WebAuthnStore interface {
	CreateWebAuthnKey(ctx context.Context, key *WebAuthnKey) error
	ListWebAuthnKeys(ctx context.Context, identity string) ([]*WebAuthnKey, error)
	GetWebAuthnKeyByCredentialID(ctx context.Context, credentialID []byte) (*WebAuthnKey, error)
	// UpdateWebAuthnSignCount moves the counter from old to next. Returns
	// ErrStale if the stored counter is no longer old.
	UpdateWebAuthnSignCount(ctx context.Context, id string, old, next uint32, usedAt time.Time) error
	DeleteWebAuthnKey(ctx context.Context, identity, id string) error
}

// OIDCLinkStore persists federated identity links.
type OIDCLinkStore interface {
	// CreateOIDCLink returns ErrLinkExists if the pair is already linked.
	CreateOIDCLink(ctx context.Context, link *OIDCLink) error
	FindOIDCLink(ctx context.Context, issuer, subject string) (*OIDCLink, error)
	ListOIDCLinks(ctx context.Context, identity string) ([]*OIDCLink, error)
	DeleteOIDCLink(ctx context.Context, identity, issuer, subject string) error
}

// CeremonyStore persists ceremony records.
type CeremonyStore interface {
	PutCeremony(ctx context.Context, rec *CeremonyRecord) error
	// TakeCeremony atomically reads and deletes a record.
	TakeCeremony(ctx context.Context, key string) (*CeremonyRecord, error)
	// DeleteExpiredCeremonies removes records whose expiry is at or before now.
	DeleteExpiredCeremonies(ctx context.Context, now time.Time) (int64, error)
}

// Store is the full persistence contract.
type Store interface {
	PasswordStore
	TOTPStore
	WebAuthnStore
	OIDCLinkStore
	CeremonyStore
	AuditStore

	// EnrolledKinds lists the factor kinds the identity has enrolled.
	EnrolledKinds(ctx context.Context, identity string) ([]string, error)
	Close() error
}
