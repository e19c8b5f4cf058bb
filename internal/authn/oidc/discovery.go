// ABOUTME: OpenID provider discovery and JWKS signing key cache
// ABOUTME: Converts RSA and EC JSON Web Keys to crypto public keys for ID token validation

package oidc

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Metadata is the subset of provider discovery metadata the factor uses.
type Metadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	JWKSURI               string   `json:"jwks_uri"`
	UserinfoEndpoint      string   `json:"userinfo_endpoint,omitempty"`
	SigningAlgs           []string `json:"id_token_signing_alg_values_supported,omitempty"`
	CodeChallengeMethods  []string `json:"code_challenge_methods_supported,omitempty"`
}

// Discover fetches {issuer}/.well-known/openid-configuration and checks that
// the advertised issuer is the one that was asked for.
func Discover(ctx context.Context, client *http.Client, issuerURL string) (*Metadata, error) {
	issuer := strings.TrimRight(issuerURL, "/")
	wellKnown := issuer + "/.well-known/openid-configuration"

	var meta Metadata
	if err := getJSON(ctx, client, wellKnown, &meta); err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}

	if strings.TrimRight(meta.Issuer, "/") != issuer {
		return nil, fmt.Errorf("oidc discovery: issuer mismatch: got %q, want %q", meta.Issuer, issuer)
	}
	if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" || meta.JWKSURI == "" {
		return nil, errors.New("oidc discovery: metadata is missing required endpoints")
	}
	return &meta, nil
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

// jwk is a JSON Web Key.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`

	// RSA
	N string `json:"n"`
	E string `json:"e"`

	// EC
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

type jwksDoc struct {
	Keys []jwk `json:"keys"`
}

// minRefresh stops an attacker from forcing a JWKS fetch per request by
// presenting unknown key ids.
const minRefresh = time.Minute

// jwksCache caches provider signing keys and refreshes on expiry or when an
// unknown key id appears (key rotation).
type jwksCache struct {
	uri    string
	client *http.Client
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

func newJWKSCache(uri string, client *http.Client, ttl time.Duration, now func() time.Time) *jwksCache {
	return &jwksCache{uri: uri, client: client, ttl: ttl, now: now}
}

// key returns the signing key for kid. An empty kid matches the only key
// when the set has exactly one.
func (c *jwksCache) key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	stale := c.keys == nil || now.Sub(c.fetchedAt) > c.ttl
	if !stale {
		if k, ok := c.lookup(kid); ok {
			return k, nil
		}
		if now.Sub(c.fetchedAt) < minRefresh {
			return nil, fmt.Errorf("key %q not found in JWKS", kid)
		}
	}

	if err := c.refresh(ctx, now); err != nil {
		return nil, err
	}
	if k, ok := c.lookup(kid); ok {
		return k, nil
	}
	return nil, fmt.Errorf("key %q not found in JWKS", kid)
}

func (c *jwksCache) lookup(kid string) (crypto.PublicKey, bool) {
	if kid == "" && len(c.keys) == 1 {
		for _, k := range c.keys {
			return k, true
		}
	}
	k, ok := c.keys[kid]
	return k, ok
}

func (c *jwksCache) refresh(ctx context.Context, now time.Time) error {
	var doc jwksDoc
	if err := getJSON(ctx, c.client, c.uri, &doc); err != nil {
		return fmt.Errorf("fetch JWKS: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(doc.Keys))
	for i := range doc.Keys {
		k := doc.Keys[i]
		if k.Use != "sig" && k.Use != "" {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			// Skip keys we cannot use rather than failing the whole set
			continue
		}
		keys[k.Kid] = pub
	}

	c.keys = keys
	c.fetchedAt = now
	return nil
}

// publicKey converts a JWK to a crypto.PublicKey.
func (k *jwk) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		return k.rsaPublicKey()
	case "EC":
		return k.ecPublicKey()
	default:
		return nil, fmt.Errorf("unsupported key type: %s", k.Kty)
	}
}

func (k *jwk) rsaPublicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode RSA N: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode RSA E: %w", err)
	}

	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() < 3 {
		return nil, errors.New("invalid RSA exponent")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(e.Int64()),
	}, nil
}

func (k *jwk) ecPublicKey() (*ecdsa.PublicKey, error) {
	xBytes, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("decode EC X: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("decode EC Y: %w", err)
	}

	var curve elliptic.Curve
	switch k.Crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported curve: %s", k.Crv)
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}
