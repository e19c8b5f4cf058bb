// ABOUTME: Tests for the OIDC factor against an in-process OpenID provider
// ABOUTME: Covers discovery, PKCE, ID token validation, key rotation and identity linking

package oidc

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-auth/internal/authn"
	"github.com/2389/coven-auth/internal/authn/authntest"
	"github.com/2389/coven-auth/internal/ceremony"
	"github.com/2389/coven-auth/internal/store"
)

const (
	testIssuer   = "https://idp.example"
	testClientID = "coven-client"
	testRedirect = "https://auth.example.com/oidc/callback"
)

type grant struct {
	subject   string
	nonce     string
	challenge string
}

// testProvider is an in-process OpenID provider reachable at testIssuer
// through a rewriting transport.
type testProvider struct {
	t      *testing.T
	srv    *httptest.Server
	clock  *authntest.Clock
	client *http.Client

	mu          sync.Mutex
	key         *rsa.PrivateKey
	kid         string
	codes       map[string]grant
	n           int
	tokenCalls  int
	accessToken string
	// outage makes the token endpoint answer 503.
	outage bool
	// mutate adjusts claims before signing.
	mutate func(*IDTokenClaims)
}

type rewriteTransport struct {
	target *url.URL
}

func (rt rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.URL.Scheme = rt.target.Scheme
	r.URL.Host = rt.target.Host
	r.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(r)
}

func newTestProvider(t *testing.T, clock *authntest.Clock) *testProvider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	p := &testProvider{
		t:           t,
		clock:       clock,
		key:         key,
		kid:         "k1",
		codes:       make(map[string]grant),
		accessToken: "access-" + uuid.NewString(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("/jwks", p.handleJWKS)
	mux.HandleFunc("/token", p.handleToken)
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)

	target, err := url.Parse(p.srv.URL)
	require.NoError(t, err)
	p.client = &http.Client{Transport: rewriteTransport{target: target}}
	return p
}

func (p *testProvider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Metadata{
		Issuer:                testIssuer,
		AuthorizationEndpoint: testIssuer + "/authorize",
		TokenEndpoint:         testIssuer + "/token",
		JWKSURI:               testIssuer + "/jwks",
		SigningAlgs:           []string{"RS256"},
		CodeChallengeMethods:  []string{"S256"},
	})
}

func (p *testProvider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jwksDoc{Keys: []jwk{{
		Kty: "RSA",
		Kid: p.kid,
		Alg: "RS256",
		Use: "sig",
		N:   base64.RawURLEncoding.EncodeToString(p.key.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(p.key.E)).Bytes()),
	}}})
}

func (p *testProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenCalls++

	if p.outage {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fail := func() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}

	g, ok := p.codes[r.PostForm.Get("code")]
	if !ok || r.PostForm.Get("client_id") != testClientID || r.PostForm.Get("redirect_uri") != testRedirect {
		fail()
		return
	}
	delete(p.codes, r.PostForm.Get("code"))

	sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != g.challenge {
		fail()
		return
	}

	now := p.clock.Now()
	atSum := sha256.Sum256([]byte(p.accessToken))
	claims := &IDTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   g.subject,
			Audience:  jwt.ClaimStrings{testClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
		Nonce:  g.nonce,
		AtHash: base64.RawURLEncoding.EncodeToString(atSum[:16]),
		Email:  g.subject + "@idp.example",
	}
	if p.mutate != nil {
		p.mutate(claims)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = p.kid
	signed, err := tok.SignedString(p.key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": p.accessToken,
		"token_type":   "Bearer",
		"expires_in":   300,
		"id_token":     signed,
	})
}

// authorize plays the user approving the login at the provider. It returns
// the state and code the provider would redirect back with.
func (p *testProvider) authorize(authURL, subject string) (state, code string) {
	p.t.Helper()
	u, err := url.Parse(authURL)
	require.NoError(p.t, err)
	q := u.Query()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	code = fmt.Sprintf("code-%d", p.n)
	p.codes[code] = grant{subject: subject, nonce: q.Get("nonce"), challenge: q.Get("code_challenge")}
	return q.Get("state"), code
}

func (p *testProvider) rotateKey() {
	p.t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(p.t, err)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.key = key
	p.kid = "k2"
}

func (p *testProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenCalls
}

type harness struct {
	factor   *Factor
	provider *testProvider
	store    *store.MockStore
	clock    *authntest.Clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := authntest.NewClock(authntest.Epoch)
	provider := newTestProvider(t, clock)
	st := store.NewMockStore()
	mgr := ceremony.NewManager(st, ceremony.Config{Clock: clock})

	f, err := New(context.Background(), Config{
		IssuerURL:    testIssuer,
		ClientID:     testClientID,
		ClientSecret: "shh",
		RedirectURL:  testRedirect,
		HTTPClient:   provider.client,
	}, st, mgr, clock, authn.SystemRandom{}, nil)
	require.NoError(t, err)
	return &harness{factor: f, provider: provider, store: st, clock: clock}
}

// login runs a full login flow for subject.
func (h *harness) login(t *testing.T, subject string) (*authn.VerificationResult, error) {
	t.Helper()
	ctx := context.Background()
	authURL, token, err := h.factor.Begin(ctx)
	require.NoError(t, err)
	state, code := h.provider.authorize(authURL, subject)
	return h.factor.Finish(ctx, token, state, code)
}

// link runs a link flow attaching subject to identity.
func (h *harness) link(t *testing.T, identity, subject string) (*authn.VerificationResult, error) {
	t.Helper()
	ctx := context.Background()
	authURL, token, err := h.factor.BeginLink(ctx, identity)
	require.NoError(t, err)
	state, code := h.provider.authorize(authURL, subject)
	return h.factor.FinishLink(ctx, token, state, code)
}

// verify logs subject in through the Factor interface on behalf of identity.
func (h *harness) verify(t *testing.T, identity, subject string) (*authn.VerificationResult, error) {
	t.Helper()
	ctx := context.Background()
	authURL, token, err := h.factor.Begin(ctx)
	require.NoError(t, err)
	state, code := h.provider.authorize(authURL, subject)
	var factor authn.Factor = h.factor
	return factor.Verify(ctx, identity, authn.Proof{Ceremony: token, State: state, Code: code})
}

func TestOIDC_BeginURL(t *testing.T) {
	h := newHarness(t)

	authURL, token, err := h.factor.Begin(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "idp.example", u.Host)
	assert.Equal(t, "/authorize", u.Path)

	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, testClientID, q.Get("client_id"))
	assert.Equal(t, testRedirect, q.Get("redirect_uri"))
	assert.Equal(t, "openid profile email", q.Get("scope"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Len(t, q.Get("state"), 43)
	assert.NotEmpty(t, q.Get("nonce"))
	assert.Len(t, q.Get("code_challenge"), 43)
}

func TestOIDC_FirstLoginMintsIdentity(t *testing.T) {
	h := newHarness(t)

	res, err := h.login(t, "abc123")
	require.NoError(t, err)
	assert.Equal(t, authn.KindOIDC, res.Kind)
	_, err = uuid.Parse(res.Identity)
	assert.NoError(t, err, "new identities are uuids")

	again, err := h.login(t, "abc123")
	require.NoError(t, err)
	assert.Equal(t, res.Identity, again.Identity, "existing link resolves to the same identity")
}

func TestOIDC_LinkToExistingIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.link(t, "alice", "abc123")
	require.NoError(t, err)
	assert.Equal(t, "alice", res.Identity)

	links, err := h.factor.Links(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, testIssuer, links[0].Issuer)
	assert.Equal(t, "abc123", links[0].Subject)

	_, err = h.link(t, "alice", "abc123")
	require.NoError(t, err, "relinking the same pair is a no-op")

	res, err = h.verify(t, "alice", "abc123")
	require.NoError(t, err)
	assert.Equal(t, "alice", res.Identity)

	res, err = h.login(t, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "alice", res.Identity, "a linked account logs in as its identity")
}

func TestOIDC_LinkConflict(t *testing.T) {
	h := newHarness(t)

	_, err := h.link(t, "alice", "abc123")
	require.NoError(t, err)

	_, err = h.link(t, "bob", "abc123")
	assert.ErrorIs(t, err, authn.ErrLinkConflict)

	link, err := h.store.FindOIDCLink(context.Background(), testIssuer, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "alice", link.Identity, "conflicts are never auto-resolved")
}

func TestOIDC_BeginLinkRequiresIdentity(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.factor.BeginLink(context.Background(), "")
	assert.ErrorIs(t, err, authn.ErrInvalidInput)
}

func TestOIDC_LoginTokenCannotFinishLink(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	authURL, token, err := h.factor.Begin(ctx)
	require.NoError(t, err)
	state, code := h.provider.authorize(authURL, "abc123")

	_, err = h.factor.FinishLink(ctx, token, state, code)
	assert.ErrorIs(t, err, authn.ErrCeremonyNotFound)
	_, err = h.store.FindOIDCLink(ctx, testIssuer, "abc123")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestOIDC_VerifyNeverLinksClaimedIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.verify(t, "alice", "other-sub")
	assert.ErrorIs(t, err, authn.ErrMismatch)

	_, err = h.store.FindOIDCLink(ctx, testIssuer, "other-sub")
	assert.ErrorIs(t, err, store.ErrNotFound, "no link is created for an unverified identity")
	links, err := h.factor.Links(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestOIDC_OrchestratedLoginForClaimedIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	policy, err := authn.ParsePolicy("oidc", 0)
	require.NoError(t, err)
	issuer := &authntest.Issuer{}
	orch, err := authn.NewOrchestrator(policy, []authn.Factor{h.factor}, issuer, authn.WithClock(h.clock))
	require.NoError(t, err)
	t.Cleanup(orch.Close)

	submit := func(a *authn.Attempt, subject string) error {
		authURL, token, err := h.factor.Begin(ctx)
		require.NoError(t, err)
		state, code := h.provider.authorize(authURL, subject)
		_, err = orch.Submit(ctx, a, authn.KindOIDC, authn.Proof{Ceremony: token, State: state, Code: code})
		return err
	}

	// An unlinked provider account cannot log in as a claimed identity
	a, err := orch.Start("alice")
	require.NoError(t, err)
	assert.ErrorIs(t, submit(a, "intruder-sub"), authn.ErrMismatch)
	assert.NotEqual(t, authn.AttemptCompleted, a.State)
	assert.Zero(t, issuer.Count())
	_, err = h.store.FindOIDCLink(ctx, testIssuer, "intruder-sub")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Once alice links her account the same flow completes
	_, err = h.link(t, "alice", "alice-sub")
	require.NoError(t, err)
	a, err = orch.Start("alice")
	require.NoError(t, err)
	require.NoError(t, submit(a, "alice-sub"))
	assert.Equal(t, authn.AttemptCompleted, a.State)
	assert.Equal(t, []string{"alice"}, issuer.Issued)
}

func TestOIDC_StateMismatchBeforeExchange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	authURL, token, err := h.factor.Begin(ctx)
	require.NoError(t, err)
	state, code := h.provider.authorize(authURL, "abc123")

	_, err = h.factor.Finish(ctx, token, state+"x", code)
	assert.ErrorIs(t, err, authn.ErrStateMismatch)
	assert.Equal(t, 0, h.provider.calls(), "no token exchange on state mismatch")

	_, err = h.factor.Finish(ctx, token, state, code)
	assert.ErrorIs(t, err, authn.ErrCeremonyNotFound, "ceremony is consumed by the failed attempt")
}

func TestOIDC_CeremonyExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	authURL, token, err := h.factor.Begin(ctx)
	require.NoError(t, err)
	state, code := h.provider.authorize(authURL, "abc123")

	h.clock.Advance(ceremony.DefaultTTL + time.Second)
	_, err = h.factor.Finish(ctx, token, state, code)
	assert.ErrorIs(t, err, authn.ErrCeremonyExpired)
}

func TestOIDC_InvalidCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	authURL, token, err := h.factor.Begin(ctx)
	require.NoError(t, err)
	state, _ := h.provider.authorize(authURL, "abc123")

	_, err = h.factor.Finish(ctx, token, state, "not-a-code")
	assert.ErrorIs(t, err, authn.ErrMismatch)
}

func TestOIDC_ProviderOutage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	authURL, token, err := h.factor.Begin(ctx)
	require.NoError(t, err)
	state, code := h.provider.authorize(authURL, "abc123")

	h.provider.mu.Lock()
	h.provider.outage = true
	h.provider.mu.Unlock()

	_, err = h.factor.Finish(ctx, token, state, code)
	require.ErrorIs(t, err, authn.ErrStoreUnavailable)
	assert.Equal(t, authn.MsgUnavailable, authn.PublicMessage(err))
}

func TestOIDC_EmptyCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	authURL, token, err := h.factor.Begin(ctx)
	require.NoError(t, err)
	state, _ := h.provider.authorize(authURL, "abc123")

	_, err = h.factor.Finish(ctx, token, state, "")
	assert.ErrorIs(t, err, authn.ErrInvalidInput)
}

func TestOIDC_IDTokenValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*IDTokenClaims)
	}{
		{"nonce mismatch", func(c *IDTokenClaims) { c.Nonce = "replayed-nonce" }},
		{"at_hash mismatch", func(c *IDTokenClaims) { c.AtHash = "AAAAAAAAAAAAAAAAAAAAAA" }},
		{"wrong audience", func(c *IDTokenClaims) { c.Audience = jwt.ClaimStrings{"someone-else"} }},
		{"wrong issuer", func(c *IDTokenClaims) { c.Issuer = "https://evil.example" }},
		{"expired", func(c *IDTokenClaims) { c.ExpiresAt = jwt.NewNumericDate(authntest.Epoch.Add(-5 * time.Minute)) }},
		{"no expiry", func(c *IDTokenClaims) { c.ExpiresAt = nil }},
		{"no subject", func(c *IDTokenClaims) { c.Subject = "" }},
		{"azp mismatch", func(c *IDTokenClaims) {
			c.Audience = jwt.ClaimStrings{testClientID, "other"}
			c.AuthorizedBy = "other"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.provider.mutate = tt.mutate

			_, err := h.login(t, "abc123")
			assert.ErrorIs(t, err, authn.ErrMismatch)

			_, err = h.store.FindOIDCLink(context.Background(), testIssuer, "abc123")
			assert.ErrorIs(t, err, store.ErrNotFound, "rejected tokens never create links")
		})
	}
}

func TestOIDC_NoAtHashIsAccepted(t *testing.T) {
	h := newHarness(t)
	h.provider.mutate = func(c *IDTokenClaims) { c.AtHash = "" }

	_, err := h.login(t, "abc123")
	assert.NoError(t, err)
}

func TestOIDC_KeyRotation(t *testing.T) {
	h := newHarness(t)

	_, err := h.login(t, "abc123")
	require.NoError(t, err)

	h.provider.rotateKey()
	_, err = h.login(t, "abc123")
	assert.ErrorIs(t, err, authn.ErrMismatch, "unknown kid right after a fetch is not refetched")

	h.clock.Advance(2 * time.Minute)
	_, err = h.login(t, "abc123")
	assert.NoError(t, err)
}

func TestOIDC_VerifyChecksIdentity(t *testing.T) {
	h := newHarness(t)

	_, err := h.link(t, "alice", "abc123")
	require.NoError(t, err)

	_, err = h.verify(t, "bob", "abc123")
	assert.ErrorIs(t, err, authn.ErrMismatch)
}

func TestOIDC_Unlink(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.link(t, "alice", "abc123")
	require.NoError(t, err)

	assert.ErrorIs(t, h.factor.Unlink(ctx, "bob", "abc123"), authn.ErrInvalidInput)
	require.NoError(t, h.factor.Unlink(ctx, "alice", "abc123"))

	res, err := h.link(t, "bob", "abc123")
	require.NoError(t, err)
	assert.Equal(t, "bob", res.Identity)
}

func TestDiscover_IssuerMismatch(t *testing.T) {
	clock := authntest.NewClock(authntest.Epoch)
	provider := newTestProvider(t, clock)

	_, err := Discover(context.Background(), provider.client, "https://other.example")
	assert.ErrorContains(t, err, "issuer mismatch")

	meta, err := Discover(context.Background(), provider.client, testIssuer+"/")
	require.NoError(t, err)
	assert.Equal(t, testIssuer+"/token", meta.TokenEndpoint)
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(context.Background(), Config{}, nil, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestJWK_ECPublicKey(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	k := jwk{
		Kty: "EC",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(priv.X.Bytes()),
		Y:   base64.RawURLEncoding.EncodeToString(priv.Y.Bytes()),
	}
	pub, err := k.publicKey()
	require.NoError(t, err)
	ec, ok := pub.(*ecdsa.PublicKey)
	require.True(t, ok)
	assert.Equal(t, 0, priv.X.Cmp(ec.X))

	_, err = (&jwk{Kty: "EC", Crv: "P-192"}).publicKey()
	assert.Error(t, err)
	_, err = (&jwk{Kty: "oct"}).publicKey()
	assert.Error(t, err)
}

func TestCheckAccessTokenHash(t *testing.T) {
	sum := sha256.Sum256([]byte("token"))
	good := base64.RawURLEncoding.EncodeToString(sum[:16])

	assert.NoError(t, checkAccessTokenHash("RS256", "token", good))
	assert.NoError(t, checkAccessTokenHash("ES256", "token", good))
	assert.ErrorIs(t, checkAccessTokenHash("RS256", "other", good), authn.ErrMismatch)
	assert.ErrorIs(t, checkAccessTokenHash("RS384", "token", good), authn.ErrMismatch)
}

func TestNewPKCE(t *testing.T) {
	p, err := newPKCE(authn.SystemRandom{})
	require.NoError(t, err)
	assert.Len(t, p.verifier, 43)

	sum := sha256.Sum256([]byte(p.verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), p.challenge)
}
