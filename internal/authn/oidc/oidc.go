// ABOUTME: OIDC factor running the authorization-code flow with state, nonce and PKCE
// ABOUTME: Validates ID tokens with golang-jwt against the provider JWKS and resolves local identity links

package oidc

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/2389/coven-auth/internal/authn"
	"github.com/2389/coven-auth/internal/ceremony"
	"github.com/2389/coven-auth/internal/store"
)

// DefaultScopes are requested when Config.Scopes is empty.
var DefaultScopes = []string{"openid", "profile", "email"}

// supportedAlgs are the ID token signing algorithms accepted.
var supportedAlgs = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

// Config configures the relying party registration at the provider.
type Config struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// HTTPClient is used for discovery, JWKS and token requests.
	HTTPClient *http.Client
	// JWKSCacheTTL controls how long signing keys are trusted (default 1h).
	JWKSCacheTTL time.Duration
	// Leeway tolerates clock skew between us and the provider.
	Leeway time.Duration
}

func (c *Config) applyDefaults() {
	if len(c.Scopes) == 0 {
		c.Scopes = DefaultScopes
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.JWKSCacheTTL == 0 {
		c.JWKSCacheTTL = time.Hour
	}
	if c.Leeway == 0 {
		c.Leeway = 30 * time.Second
	}
}

// loginState is persisted between Begin and Finish.
type loginState struct {
	State        string `json:"state"`
	Nonce        string `json:"nonce"`
	CodeVerifier string `json:"code_verifier"`
	// Identity is set when linking a provider account to an existing identity.
	Identity string `json:"identity,omitempty"`
}

// IDTokenClaims are the ID token claims the factor checks.
type IDTokenClaims struct {
	jwt.RegisteredClaims
	Nonce         string `json:"nonce,omitempty"`
	AtHash        string `json:"at_hash,omitempty"`
	AuthorizedBy  string `json:"azp,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Error       string `json:"error"`
	ErrorDesc   string `json:"error_description"`
}

// Factor authenticates identities through an external OpenID provider.
type Factor struct {
	cfg        Config
	meta       *Metadata
	jwks       *jwksCache
	links      store.OIDCLinkStore
	ceremonies *ceremony.Manager
	clock      authn.Clock
	random     authn.Random
	logger     *slog.Logger
}

var _ authn.Factor = (*Factor)(nil)

// New discovers the provider and creates an OIDC factor.
func New(ctx context.Context, cfg Config, links store.OIDCLinkStore, ceremonies *ceremony.Manager, clock authn.Clock, random authn.Random, logger *slog.Logger) (*Factor, error) {
	if cfg.IssuerURL == "" || cfg.ClientID == "" || cfg.RedirectURL == "" {
		return nil, errors.New("oidc: issuer url, client id and redirect url are required")
	}
	cfg.applyDefaults()

	meta, err := Discover(ctx, cfg.HTTPClient, cfg.IssuerURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	f := &Factor{
		cfg:        cfg,
		meta:       meta,
		links:      links,
		ceremonies: ceremonies,
		clock:      clock,
		random:     random,
		logger:     logger.With("component", "oidc"),
	}
	f.jwks = newJWKSCache(meta.JWKSURI, cfg.HTTPClient, cfg.JWKSCacheTTL, f.now)
	return f, nil
}

// now reads the clock for the JWKS cache, returning the zero time when the
// clock is unavailable.
func (f *Factor) now() time.Time {
	t, err := authn.Now(f.clock)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Kind returns authn.KindOIDC.
func (f *Factor) Kind() authn.Kind {
	return authn.KindOIDC
}

// Issuer returns the discovered issuer identifier.
func (f *Factor) Issuer() string {
	return f.meta.Issuer
}

// Begin starts an authorization-code login. The returned URL sends the user
// to the provider; the token identifies the ceremony on return.
func (f *Factor) Begin(ctx context.Context) (authURL string, token string, err error) {
	return f.begin(ctx, ceremony.KindOIDCLogin, "")
}

// BeginLink starts a ceremony that links a provider account to identity. The
// caller must already have authenticated identity.
func (f *Factor) BeginLink(ctx context.Context, identity string) (authURL string, token string, err error) {
	if identity == "" {
		return "", "", fmt.Errorf("%w: identity is required", authn.ErrInvalidInput)
	}
	return f.begin(ctx, ceremony.KindOIDCLink, identity)
}

func (f *Factor) begin(ctx context.Context, kind, identity string) (string, string, error) {
	state, err := authn.RandomToken(f.random, 32)
	if err != nil {
		return "", "", fmt.Errorf("generating state: %w", err)
	}
	nonce, err := authn.RandomToken(f.random, 16)
	if err != nil {
		return "", "", fmt.Errorf("generating nonce: %w", err)
	}
	pkce, err := newPKCE(f.random)
	if err != nil {
		return "", "", fmt.Errorf("generating pkce verifier: %w", err)
	}

	token, err := f.ceremonies.Create(ctx, kind, loginState{
		State:        state,
		Nonce:        nonce,
		CodeVerifier: pkce.verifier,
		Identity:     identity,
	}, 0)
	if err != nil {
		return "", "", err
	}

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", f.cfg.ClientID)
	q.Set("redirect_uri", f.cfg.RedirectURL)
	q.Set("scope", strings.Join(f.cfg.Scopes, " "))
	q.Set("state", state)
	q.Set("nonce", nonce)
	q.Set("code_challenge", pkce.challenge)
	q.Set("code_challenge_method", "S256")

	sep := "?"
	if strings.Contains(f.meta.AuthorizationEndpoint, "?") {
		sep = "&"
	}
	return f.meta.AuthorizationEndpoint + sep + q.Encode(), token, nil
}

// Verify implements authn.Factor using proof.Ceremony, proof.State and
// proof.Code. With a non-empty identity the provider account must already be
// linked to it; Verify never links an account to a claimed identity.
func (f *Factor) Verify(ctx context.Context, identity string, proof authn.Proof) (*authn.VerificationResult, error) {
	return f.login(ctx, proof.Ceremony, proof.State, proof.Code, identity)
}

// Finish completes the login for the ceremony identified by token. An
// unlinked provider account gets a newly minted identity.
func (f *Factor) Finish(ctx context.Context, token, returnedState, code string) (*authn.VerificationResult, error) {
	return f.login(ctx, token, returnedState, code, "")
}

// FinishLink completes a BeginLink ceremony. A provider account already
// linked to another identity fails with authn.ErrLinkConflict.
func (f *Factor) FinishLink(ctx context.Context, token, returnedState, code string) (*authn.VerificationResult, error) {
	st, subject, now, err := f.redeem(ctx, ceremony.KindOIDCLink, token, returnedState, code)
	if err != nil {
		return nil, err
	}
	if err := f.link(ctx, subject, st.Identity, now); err != nil {
		return nil, err
	}
	return &authn.VerificationResult{Identity: st.Identity, Kind: authn.KindOIDC, VerifiedAt: now}, nil
}

func (f *Factor) login(ctx context.Context, token, returnedState, code, expected string) (*authn.VerificationResult, error) {
	_, subject, now, err := f.redeem(ctx, ceremony.KindOIDCLogin, token, returnedState, code)
	if err != nil {
		return nil, err
	}

	identity, err := f.resolve(ctx, subject, expected, now)
	if err != nil {
		return nil, err
	}

	f.logger.Info("oidc login verified", "identity", identity, "issuer", f.meta.Issuer)
	return &authn.VerificationResult{Identity: identity, Kind: authn.KindOIDC, VerifiedAt: now}, nil
}

// redeem consumes the ceremony, exchanges the code and validates the ID token,
// returning the provider subject. The returned state is checked before any
// request is made to the provider.
func (f *Factor) redeem(ctx context.Context, kind, token, returnedState, code string) (loginState, string, time.Time, error) {
	var st loginState
	if err := f.ceremonies.Consume(ctx, token, kind, &st); err != nil {
		return st, "", time.Time{}, err
	}
	if subtle.ConstantTimeCompare([]byte(st.State), []byte(returnedState)) != 1 {
		f.logger.Warn("oidc state mismatch")
		return st, "", time.Time{}, authn.ErrStateMismatch
	}
	if code == "" {
		return st, "", time.Time{}, fmt.Errorf("%w: authorization code is empty", authn.ErrInvalidInput)
	}

	now, err := authn.Now(f.clock)
	if err != nil {
		return st, "", time.Time{}, err
	}

	tokens, err := f.exchange(ctx, code, st.CodeVerifier)
	if err != nil {
		return st, "", time.Time{}, err
	}

	claims, err := f.validateIDToken(ctx, tokens, st.Nonce, now)
	if err != nil {
		f.logger.Warn("oidc id token rejected", "error", err)
		return st, "", time.Time{}, err
	}
	return st, claims.Subject, now, nil
}

// exchange trades the authorization code for tokens.
func (f *Factor) exchange(ctx context.Context, code, verifier string) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", f.cfg.RedirectURL)
	form.Set("client_id", f.cfg.ClientID)
	form.Set("code_verifier", verifier)
	if f.cfg.ClientSecret != "" {
		form.Set("client_secret", f.cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.meta.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, authn.StoreError("oidc token exchange", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	var tr tokenResponse
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("oidc token exchange: reading response: %w", err)
	}
	_ = json.Unmarshal(body, &tr)

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// invalid_grant and friends: the code was wrong, used or expired
		return nil, fmt.Errorf("%w: token endpoint rejected code: %s %s", authn.ErrMismatch, tr.Error, tr.ErrorDesc)
	case resp.StatusCode != http.StatusOK:
		return nil, authn.StoreError("oidc token exchange", fmt.Errorf("provider returned %d", resp.StatusCode))
	}
	if tr.IDToken == "" {
		return nil, fmt.Errorf("%w: provider returned no id_token", authn.ErrMismatch)
	}
	return &tr, nil
}

// validateIDToken checks signature, issuer, audience, expiry, nonce and,
// when present, the access token hash.
func (f *Factor) validateIDToken(ctx context.Context, tokens *tokenResponse, nonce string, now time.Time) (*IDTokenClaims, error) {
	claims := &IDTokenClaims{}
	parsed, err := jwt.ParseWithClaims(tokens.IDToken, claims,
		func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			return f.jwks.key(ctx, kid)
		},
		jwt.WithValidMethods(supportedAlgs),
		jwt.WithIssuer(f.meta.Issuer),
		jwt.WithAudience(f.cfg.ClientID),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(f.cfg.Leeway),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid id token: %v", authn.ErrMismatch, err)
	}

	if subtle.ConstantTimeCompare([]byte(claims.Nonce), []byte(nonce)) != 1 {
		return nil, fmt.Errorf("%w: id token nonce mismatch", authn.ErrMismatch)
	}
	if len(claims.Audience) > 1 && claims.AuthorizedBy != f.cfg.ClientID {
		return nil, fmt.Errorf("%w: id token azp does not match client", authn.ErrMismatch)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: id token has no subject", authn.ErrMismatch)
	}
	if claims.AtHash != "" {
		if err := checkAccessTokenHash(parsed.Method.Alg(), tokens.AccessToken, claims.AtHash); err != nil {
			return nil, err
		}
	}
	return claims, nil
}

// checkAccessTokenHash verifies at_hash: the left half of the access token's
// hash under the ID token's signing algorithm, base64url encoded.
func checkAccessTokenHash(alg, accessToken, atHash string) error {
	var h hash.Hash
	switch alg[len(alg)-3:] {
	case "256":
		h = sha256.New()
	case "384":
		h = sha512.New384()
	case "512":
		h = sha512.New()
	default:
		return fmt.Errorf("%w: unsupported at_hash algorithm %s", authn.ErrMismatch, alg)
	}
	h.Write([]byte(accessToken))
	sum := h.Sum(nil)
	want := base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
	if subtle.ConstantTimeCompare([]byte(want), []byte(atHash)) != 1 {
		return fmt.Errorf("%w: access token hash mismatch", authn.ErrMismatch)
	}
	return nil
}

// resolve maps the provider subject to a local identity for a login. An
// existing link wins. With an expected identity the link must exist and point
// at it; without one an unlinked subject gets a newly minted identity.
func (f *Factor) resolve(ctx context.Context, subject, expected string, now time.Time) (string, error) {
	issuer := f.meta.Issuer

	link, err := f.links.FindOIDCLink(ctx, issuer, subject)
	switch {
	case err == nil:
		if expected != "" && link.Identity != expected {
			f.logger.Warn("oidc account belongs to another identity", "identity", expected)
			return "", authn.ErrMismatch
		}
		return link.Identity, nil
	case !errors.Is(err, store.ErrNotFound):
		return "", authn.StoreError("finding oidc link", err)
	case expected != "":
		f.logger.Warn("oidc account is not linked", "identity", expected, "issuer", issuer)
		return "", authn.ErrMismatch
	}

	identity := uuid.New().String()
	err = f.links.CreateOIDCLink(ctx, &store.OIDCLink{
		Identity:  identity,
		Issuer:    issuer,
		Subject:   subject,
		CreatedAt: now,
	})
	if errors.Is(err, store.ErrLinkExists) {
		// Lost a race with a concurrent first login for the same subject
		existing, ferr := f.links.FindOIDCLink(ctx, issuer, subject)
		if ferr != nil {
			return "", authn.StoreError("finding oidc link", ferr)
		}
		return existing.Identity, nil
	}
	if err != nil {
		return "", authn.StoreError("creating oidc link", err)
	}

	f.logger.Info("oidc identity created", "identity", identity, "issuer", issuer)
	return identity, nil
}

// link records subject as belonging to identity. Relinking the same pair is a
// no-op; a subject linked elsewhere is a conflict and is never reassigned.
func (f *Factor) link(ctx context.Context, subject, identity string, now time.Time) error {
	issuer := f.meta.Issuer

	err := f.links.CreateOIDCLink(ctx, &store.OIDCLink{
		Identity:  identity,
		Issuer:    issuer,
		Subject:   subject,
		CreatedAt: now,
	})
	if errors.Is(err, store.ErrLinkExists) {
		existing, ferr := f.links.FindOIDCLink(ctx, issuer, subject)
		if ferr != nil {
			return authn.StoreError("finding oidc link", ferr)
		}
		if existing.Identity != identity {
			f.logger.Warn("oidc link conflict", "identity", identity, "linked_identity", existing.Identity)
			return authn.ErrLinkConflict
		}
		return nil
	}
	if err != nil {
		return authn.StoreError("creating oidc link", err)
	}

	f.logger.Info("oidc account linked", "identity", identity, "issuer", issuer)
	return nil
}

// Links lists the identity's provider links.
func (f *Factor) Links(ctx context.Context, identity string) ([]*store.OIDCLink, error) {
	links, err := f.links.ListOIDCLinks(ctx, identity)
	if err != nil {
		return nil, authn.StoreError("listing oidc links", err)
	}
	return links, nil
}

// Unlink removes the identity's link to subject at this provider.
func (f *Factor) Unlink(ctx context.Context, identity, subject string) error {
	if err := f.links.DeleteOIDCLink(ctx, identity, f.meta.Issuer, subject); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: no such link", authn.ErrInvalidInput)
		}
		return authn.StoreError("deleting oidc link", err)
	}
	return nil
}

type pkcePair struct {
	verifier  string
	challenge string
}

// newPKCE draws a 256-bit verifier and derives its S256 challenge.
func newPKCE(r authn.Random) (*pkcePair, error) {
	verifier, err := authn.RandomToken(r, 32)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(verifier))
	return &pkcePair{
		verifier:  verifier,
		challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
	}, nil
}
