// Package oidc implements federated login against a single OpenID provider
// using the authorization code flow with PKCE.
//
// Begin stores state, nonce and the PKCE verifier in a ceremony and returns
// the authorization URL. Finish consumes the ceremony, compares state in
// constant time before any network call, exchanges the code and validates the
// ID token (signature via the provider JWKS, iss, aud, azp, exp, nonce and
// at_hash when present).
//
// The (issuer, subject) pair is then resolved to a local identity. A first
// login through Finish mints a new identity and links it. Verify, when given
// an identity, only accepts a pair already linked to it and never creates a
// link. Attaching a provider account to an existing identity goes through
// BeginLink and FinishLink, for callers that have authenticated the identity;
// a pair already linked elsewhere fails with authn.ErrLinkConflict.
package oidc
