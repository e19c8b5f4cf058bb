// ABOUTME: End-to-end passkey tests against the real go-webauthn relying party
// ABOUTME: A software ES256 authenticator produces "none" attestations and signed assertions

package passkey

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncbor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-auth/internal/authn"
	"github.com/2389/coven-auth/internal/authn/authntest"
	"github.com/2389/coven-auth/internal/ceremony"
	"github.com/2389/coven-auth/internal/store"
)

const (
	testRPID   = "auth.example.com"
	testOrigin = "https://auth.example.com"
)

var b64 = base64.RawURLEncoding

// softAuthenticator is a single-credential platform authenticator held in memory.
type softAuthenticator struct {
	t       *testing.T
	rpID    string
	origin  string
	key     *ecdsa.PrivateKey
	credID  []byte
	counter uint32
}

func newSoftAuthenticator(t *testing.T) *softAuthenticator {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	credID := make([]byte, 32)
	_, err = rand.Read(credID)
	require.NoError(t, err)
	return &softAuthenticator{t: t, rpID: testRPID, origin: testOrigin, key: key, credID: credID}
}

func (a *softAuthenticator) clientData(typ protocol.CeremonyType, challenge protocol.URLEncodedBase64) []byte {
	b, err := json.Marshal(map[string]any{
		"type":        typ,
		"challenge":   challenge.String(),
		"origin":      a.origin,
		"crossOrigin": false,
	})
	require.NoError(a.t, err)
	return b
}

func (a *softAuthenticator) authData(flags protocol.AuthenticatorFlags, attested []byte) []byte {
	rpIDHash := sha256.Sum256([]byte(a.rpID))
	out := append([]byte{}, rpIDHash[:]...)
	out = append(out, byte(flags))
	out = binary.BigEndian.AppendUint32(out, a.counter)
	return append(out, attested...)
}

// coseKey encodes the public key as a COSE EC2 ES256 key.
func (a *softAuthenticator) coseKey() []byte {
	x := a.key.PublicKey.X.FillBytes(make([]byte, 32))
	y := a.key.PublicKey.Y.FillBytes(make([]byte, 32))
	b, err := webauthncbor.Marshal(map[int]any{1: 2, 3: -7, -1: 1, -2: x, -3: y})
	require.NoError(a.t, err)
	return b
}

// create answers a registration challenge with a "none" attestation.
func (a *softAuthenticator) create(options *protocol.CredentialCreation) []byte {
	attested := make([]byte, 16) // zero AAGUID
	attested = binary.BigEndian.AppendUint16(attested, uint16(len(a.credID)))
	attested = append(attested, a.credID...)
	attested = append(attested, a.coseKey()...)

	flags := protocol.FlagUserPresent | protocol.FlagUserVerified | protocol.FlagAttestedCredentialData
	attestation, err := webauthncbor.Marshal(map[string]any{
		"fmt":      "none",
		"attStmt":  map[string]any{},
		"authData": a.authData(flags, attested),
	})
	require.NoError(a.t, err)

	return a.credential(map[string]any{
		"clientDataJSON":    b64.EncodeToString(a.clientData(protocol.CreateCeremony, options.Response.Challenge)),
		"attestationObject": b64.EncodeToString(attestation),
	})
}

// get answers an assertion challenge, advancing the counter by step.
func (a *softAuthenticator) get(options *protocol.CredentialAssertion, userHandle string, step uint32) []byte {
	a.counter += step
	authData := a.authData(protocol.FlagUserPresent|protocol.FlagUserVerified, nil)
	clientData := a.clientData(protocol.AssertCeremony, options.Response.Challenge)

	clientHash := sha256.Sum256(clientData)
	digest := sha256.Sum256(append(append([]byte{}, authData...), clientHash[:]...))
	sig, err := ecdsa.SignASN1(rand.Reader, a.key, digest[:])
	require.NoError(a.t, err)

	return a.credential(map[string]any{
		"clientDataJSON":    b64.EncodeToString(clientData),
		"authenticatorData": b64.EncodeToString(authData),
		"signature":         b64.EncodeToString(sig),
		"userHandle":        b64.EncodeToString([]byte(userHandle)),
	})
}

func (a *softAuthenticator) credential(response map[string]any) []byte {
	b, err := json.Marshal(map[string]any{
		"id":       b64.EncodeToString(a.credID),
		"rawId":    b64.EncodeToString(a.credID),
		"type":     "public-key",
		"response": response,
	})
	require.NoError(a.t, err)
	return b
}

type webauthnHarness struct {
	factor *Factor
	store  *store.MockStore
}

func newWebAuthnHarness(t *testing.T) *webauthnHarness {
	t.Helper()
	rp, err := NewRelyingParty(Config{RPID: testRPID, RPOrigins: []string{testOrigin}})
	require.NoError(t, err)
	st := store.NewMockStore()
	clock := authntest.NewClock(authntest.Epoch)
	mgr := ceremony.NewManager(st, ceremony.Config{Clock: clock})
	return &webauthnHarness{factor: New(st, mgr, rp, clock, nil), store: st}
}

func (h *webauthnHarness) register(t *testing.T, a *softAuthenticator, identity string) (*store.WebAuthnKey, error) {
	t.Helper()
	ctx := context.Background()
	options, token, err := h.factor.BeginRegistration(ctx, identity, "")
	require.NoError(t, err)
	return h.factor.FinishRegistration(ctx, token, "soft", a.create(options))
}

func (h *webauthnHarness) login(t *testing.T, a *softAuthenticator, identity, userHandle string, step uint32) (*authn.VerificationResult, error) {
	t.Helper()
	ctx := context.Background()
	options, token, err := h.factor.BeginAuthentication(ctx, identity)
	require.NoError(t, err)
	return h.factor.FinishAuthentication(ctx, token, a.get(options, userHandle, step))
}

func TestWebAuthn_RegisterAndAuthenticate(t *testing.T) {
	h := newWebAuthnHarness(t)
	a := newSoftAuthenticator(t)

	key, err := h.register(t, a, "alice")
	require.NoError(t, err)
	assert.Equal(t, a.credID, key.CredentialID)
	assert.Equal(t, a.coseKey(), key.PublicKey)
	assert.Equal(t, "none", key.AttestationType)
	assert.False(t, key.BackupEligible)

	res, err := h.login(t, a, "alice", "alice", 1)
	require.NoError(t, err)
	assert.Equal(t, "alice", res.Identity)
	assert.Equal(t, authn.KindPasskey, res.Kind)

	stored, err := h.store.GetWebAuthnKeyByCredentialID(context.Background(), a.credID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stored.SignCount)
}

func TestWebAuthn_DiscoverableLogin(t *testing.T) {
	h := newWebAuthnHarness(t)
	a := newSoftAuthenticator(t)
	_, err := h.register(t, a, "alice")
	require.NoError(t, err)

	res, err := h.login(t, a, "", "alice", 1)
	require.NoError(t, err)
	assert.Equal(t, "alice", res.Identity)

	_, err = h.login(t, a, "", "mallory", 1)
	assert.ErrorIs(t, err, authn.ErrMismatch, "user handle must name the credential owner")
}

func TestWebAuthn_CounterRegression(t *testing.T) {
	h := newWebAuthnHarness(t)
	a := newSoftAuthenticator(t)
	_, err := h.register(t, a, "alice")
	require.NoError(t, err)

	_, err = h.login(t, a, "alice", "alice", 5)
	require.NoError(t, err)

	// A cloned authenticator replays the same counter with a valid signature
	_, err = h.login(t, a, "alice", "alice", 0)
	assert.ErrorIs(t, err, authn.ErrCounterRegression)

	_, err = h.login(t, a, "alice", "alice", 1)
	require.NoError(t, err)
}

func TestWebAuthn_ForeignKeySignature(t *testing.T) {
	h := newWebAuthnHarness(t)
	a := newSoftAuthenticator(t)
	_, err := h.register(t, a, "alice")
	require.NoError(t, err)

	other := newSoftAuthenticator(t)
	a.key = other.key

	_, err = h.login(t, a, "alice", "alice", 1)
	assert.ErrorIs(t, err, authn.ErrMismatch)

	stored, err := h.store.GetWebAuthnKeyByCredentialID(context.Background(), a.credID)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), stored.SignCount)
}

func TestWebAuthn_WrongOriginRejected(t *testing.T) {
	h := newWebAuthnHarness(t)
	a := newSoftAuthenticator(t)
	a.origin = "https://phish.example.net"

	_, err := h.register(t, a, "alice")
	assert.ErrorIs(t, err, authn.ErrAttestationInvalid)

	keys, err := h.factor.Keys(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestWebAuthn_WrongRelyingPartyRejected(t *testing.T) {
	h := newWebAuthnHarness(t)
	a := newSoftAuthenticator(t)
	_, err := h.register(t, a, "alice")
	require.NoError(t, err)

	a.rpID = "example.net"
	_, err = h.login(t, a, "alice", "alice", 1)
	assert.ErrorIs(t, err, authn.ErrMismatch)
}
