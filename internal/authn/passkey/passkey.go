// ABOUTME: WebAuthn factor implementing passkey registration and assertion ceremonies
// ABOUTME: Ceremony state is persisted through the ceremony manager; counters are updated by compare-and-set

package passkey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/2389/coven-auth/internal/authn"
	"github.com/2389/coven-auth/internal/ceremony"
	"github.com/2389/coven-auth/internal/store"
)

// RelyingParty is the subset of *webauthn.WebAuthn the factor drives.
type RelyingParty interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, parsed *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, parsed *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
	ValidateDiscoverableLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, parsed *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
}

var _ RelyingParty = (*webauthn.WebAuthn)(nil)

// Config describes the relying party.
type Config struct {
	BaseURL       string
	RPID          string
	RPDisplayName string
	RPOrigins     []string
}

// NewRelyingParty builds a go-webauthn relying party. RPID and RPOrigins are
// derived from BaseURL when not set explicitly.
func NewRelyingParty(cfg Config) (*webauthn.WebAuthn, error) {
	rpID, origins := deriveRelyingParty(cfg.BaseURL)
	if cfg.RPID != "" {
		rpID = cfg.RPID
	}
	if len(cfg.RPOrigins) > 0 {
		origins = cfg.RPOrigins
	}
	name := cfg.RPDisplayName
	if name == "" {
		name = "coven"
	}
	return webauthn.New(&webauthn.Config{
		RPDisplayName: name,
		RPID:          rpID,
		RPOrigins:     origins,
	})
}

type registrationState struct {
	Identity    string               `json:"identity"`
	DisplayName string               `json:"display_name,omitempty"`
	Session     webauthn.SessionData `json:"session"`
}

type loginState struct {
	// Identity is empty for discoverable logins.
	Identity string               `json:"identity,omitempty"`
	Session  webauthn.SessionData `json:"session"`
}

// Factor registers and verifies passkeys.
type Factor struct {
	store      store.WebAuthnStore
	ceremonies *ceremony.Manager
	rp         RelyingParty
	clock      authn.Clock
	logger     *slog.Logger

	parseCreation  func([]byte) (*protocol.ParsedCredentialCreationData, error)
	parseAssertion func([]byte) (*protocol.ParsedCredentialAssertionData, error)
}

var _ authn.Factor = (*Factor)(nil)

// New creates a passkey factor.
func New(st store.WebAuthnStore, ceremonies *ceremony.Manager, rp RelyingParty, clock authn.Clock, logger *slog.Logger) *Factor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factor{
		store:          st,
		ceremonies:     ceremonies,
		rp:             rp,
		clock:          clock,
		logger:         logger.With("component", "passkey"),
		parseCreation:  protocol.ParseCredentialCreationResponseBytes,
		parseAssertion: protocol.ParseCredentialRequestResponseBytes,
	}
}

// Kind returns authn.KindPasskey.
func (f *Factor) Kind() authn.Kind {
	return authn.KindPasskey
}

func (f *Factor) loadUser(ctx context.Context, identity, displayName string) (*webAuthnUser, error) {
	keys, err := f.store.ListWebAuthnKeys(ctx, identity)
	if err != nil {
		return nil, authn.StoreError("listing passkeys", err)
	}
	return &webAuthnUser{identity: identity, displayName: displayName, keys: keys}, nil
}

func checkIdentity(identity string) error {
	if identity == "" {
		return fmt.Errorf("%w: identity is required", authn.ErrInvalidInput)
	}
	if len(identity) > maxUserHandle {
		return fmt.Errorf("%w: identity exceeds %d bytes", authn.ErrInvalidInput, maxUserHandle)
	}
	return nil
}

// BeginRegistration starts a registration ceremony. Existing credentials are
// excluded so an authenticator cannot be registered twice.
func (f *Factor) BeginRegistration(ctx context.Context, identity, displayName string) (*protocol.CredentialCreation, string, error) {
	if err := checkIdentity(identity); err != nil {
		return nil, "", err
	}

	user, err := f.loadUser(ctx, identity, displayName)
	if err != nil {
		return nil, "", err
	}

	options, session, err := f.rp.BeginRegistration(user,
		webauthn.WithExclusions(user.descriptors()),
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementPreferred),
	)
	if err != nil {
		return nil, "", fmt.Errorf("beginning registration: %w", err)
	}

	token, err := f.ceremonies.Create(ctx, ceremony.KindPasskeyRegister, registrationState{
		Identity:    identity,
		DisplayName: displayName,
		Session:     *session,
	}, 0)
	if err != nil {
		return nil, "", err
	}
	return options, token, nil
}

// FinishRegistration verifies the attestation response for the ceremony
// identified by token and stores the new passkey.
func (f *Factor) FinishRegistration(ctx context.Context, token, label string, response []byte) (*store.WebAuthnKey, error) {
	parsed, err := f.parseCreation(response)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed registration response: %v", authn.ErrInvalidInput, err)
	}

	var state registrationState
	if err := f.ceremonies.Consume(ctx, token, ceremony.KindPasskeyRegister, &state); err != nil {
		return nil, err
	}

	user, err := f.loadUser(ctx, state.Identity, state.DisplayName)
	if err != nil {
		return nil, err
	}

	cred, err := f.rp.CreateCredential(user, state.Session, parsed)
	if err != nil {
		f.logger.Warn("passkey attestation rejected", "identity", state.Identity, "error", err)
		return nil, fmt.Errorf("%w: %v", authn.ErrAttestationInvalid, err)
	}

	now, err := authn.Now(f.clock)
	if err != nil {
		return nil, err
	}
	if label == "" {
		label = "passkey"
	}
	key := &store.WebAuthnKey{
		ID:              uuid.New().String(),
		Identity:        state.Identity,
		Label:           label,
		CredentialID:    cred.ID,
		PublicKey:       cred.PublicKey,
		AttestationType: cred.AttestationType,
		Transports:      fromTransports(cred.Transport),
		AAGUID:          cred.Authenticator.AAGUID,
		SignCount:       cred.Authenticator.SignCount,
		BackupEligible:  cred.Flags.BackupEligible,
		BackupState:     cred.Flags.BackupState,
		CreatedAt:       now,
	}
	if err := f.store.CreateWebAuthnKey(ctx, key); err != nil {
		if errors.Is(err, store.ErrDuplicateCredential) {
			return nil, fmt.Errorf("%w: credential already registered", authn.ErrAttestationInvalid)
		}
		return nil, authn.StoreError("storing passkey", err)
	}

	f.logger.Info("passkey registered", "identity", state.Identity, "key_id", key.ID)
	return key, nil
}

// BeginAuthentication starts an assertion ceremony. An empty identity starts
// a discoverable login where the authenticator chooses the credential.
func (f *Factor) BeginAuthentication(ctx context.Context, identity string) (*protocol.CredentialAssertion, string, error) {
	var (
		options *protocol.CredentialAssertion
		session *webauthn.SessionData
		err     error
	)
	if identity == "" {
		options, session, err = f.rp.BeginDiscoverableLogin()
	} else {
		if err := checkIdentity(identity); err != nil {
			return nil, "", err
		}
		user, lerr := f.loadUser(ctx, identity, "")
		if lerr != nil {
			return nil, "", lerr
		}
		if len(user.keys) == 0 {
			return nil, "", fmt.Errorf("%w: no passkeys registered", authn.ErrMismatch)
		}
		options, session, err = f.rp.BeginLogin(user)
	}
	if err != nil {
		return nil, "", fmt.Errorf("beginning login: %w", err)
	}

	token, err := f.ceremonies.Create(ctx, ceremony.KindPasskeyLogin, loginState{
		Identity: identity,
		Session:  *session,
	}, 0)
	if err != nil {
		return nil, "", err
	}
	return options, token, nil
}

// Verify implements authn.Factor using proof.Ceremony and proof.Response. A
// non-empty identity must match the identity owning the asserted credential.
func (f *Factor) Verify(ctx context.Context, identity string, proof authn.Proof) (*authn.VerificationResult, error) {
	res, err := f.FinishAuthentication(ctx, proof.Ceremony, proof.Response)
	if err != nil {
		return nil, err
	}
	if identity != "" && res.Identity != identity {
		return nil, authn.ErrMismatch
	}
	return res, nil
}

// FinishAuthentication verifies an assertion for the ceremony identified by
// token and advances the stored signature counter.
func (f *Factor) FinishAuthentication(ctx context.Context, token string, response []byte) (*authn.VerificationResult, error) {
	parsed, err := f.parseAssertion(response)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed assertion response: %v", authn.ErrInvalidInput, err)
	}

	var state loginState
	if err := f.ceremonies.Consume(ctx, token, ceremony.KindPasskeyLogin, &state); err != nil {
		return nil, err
	}

	key, err := f.store.GetWebAuthnKeyByCredentialID(ctx, parsed.RawID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown credential", authn.ErrMismatch)
	}
	if err != nil {
		return nil, authn.StoreError("looking up passkey", err)
	}
	if state.Identity != "" && key.Identity != state.Identity {
		return nil, fmt.Errorf("%w: credential belongs to another identity", authn.ErrMismatch)
	}

	user, err := f.loadUser(ctx, key.Identity, "")
	if err != nil {
		return nil, err
	}

	if state.Identity == "" {
		_, err = f.rp.ValidateDiscoverableLogin(credentialFinder(user), state.Session, parsed)
	} else {
		_, err = f.rp.ValidateLogin(user, state.Session, parsed)
	}
	if err != nil {
		f.logger.Warn("passkey assertion rejected", "identity", key.Identity, "error", err)
		return nil, fmt.Errorf("%w: %v", authn.ErrMismatch, err)
	}

	asserted := parsed.Response.AuthenticatorData.Counter
	if err := checkSignCount(key.SignCount, asserted); err != nil {
		f.logger.Warn("passkey counter regression", "identity", key.Identity, "key_id", key.ID,
			"stored", key.SignCount, "asserted", asserted)
		return nil, err
	}

	now, err := authn.Now(f.clock)
	if err != nil {
		return nil, err
	}
	if err := f.store.UpdateWebAuthnSignCount(ctx, key.ID, key.SignCount, asserted, now); err != nil {
		switch {
		case errors.Is(err, store.ErrStale):
			// Another assertion advanced the counter first
			return nil, authn.ErrCounterRegression
		case errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("%w: credential removed", authn.ErrMismatch)
		default:
			return nil, authn.StoreError("updating sign count", err)
		}
	}

	f.logger.Info("passkey verified", "identity", key.Identity, "key_id", key.ID)
	return &authn.VerificationResult{Identity: key.Identity, Kind: authn.KindPasskey, VerifiedAt: now}, nil
}

// Keys lists the identity's passkeys.
func (f *Factor) Keys(ctx context.Context, identity string) ([]*store.WebAuthnKey, error) {
	keys, err := f.store.ListWebAuthnKeys(ctx, identity)
	if err != nil {
		return nil, authn.StoreError("listing passkeys", err)
	}
	return keys, nil
}

// RemoveKey deletes one of the identity's passkeys.
func (f *Factor) RemoveKey(ctx context.Context, identity, keyID string) error {
	if err := f.store.DeleteWebAuthnKey(ctx, identity, keyID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: no such passkey", authn.ErrInvalidInput)
		}
		return authn.StoreError("deleting passkey", err)
	}
	f.logger.Info("passkey removed", "identity", identity, "key_id", keyID)
	return nil
}

// checkSignCount enforces a strictly increasing counter. Authenticators that
// do not implement counters report zero forever, which is accepted only while
// the stored value is also zero.
func checkSignCount(stored, asserted uint32) error {
	if stored == 0 && asserted == 0 {
		return nil
	}
	if asserted > stored {
		return nil
	}
	return fmt.Errorf("%w: stored %d, asserted %d", authn.ErrCounterRegression, stored, asserted)
}

// credentialFinder resolves the discoverable login user, rejecting a user
// handle that does not belong to the credential's owner.
func credentialFinder(user *webAuthnUser) webauthn.DiscoverableUserHandler {
	return func(rawID, userHandle []byte) (webauthn.User, error) {
		if string(userHandle) != user.identity {
			return nil, errors.New("user handle mismatch")
		}
		return user, nil
	}
}
