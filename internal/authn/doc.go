// Package authn is the multi-factor authentication core for coven-auth.
//
// # Factors
//
// Four factor kinds are supported, each implemented in its own subpackage:
//
//   - password: memorized secrets hashed with argon2id
//   - totp: time-based one-time codes with monotonic replay protection
//   - passkey: WebAuthn registration and assertion ceremonies
//   - oidc: federated authorization-code login against an OpenID provider
//
// Every factor satisfies the Factor interface so the Orchestrator can dispatch
// through a lookup table keyed by Kind.
//
// # Policy
//
// A Policy is a disjunction of conjunctions parsed from deployment
// configuration, for example:
//
//	password AND totp
//	passkey OR oidc
//	password AND totp OR passkey
//
// Policy.Evaluate is pure: the same identity, results and time always produce
// the same Decision. Results for another identity, for kinds outside the
// policy, or older than the policy's maximum age are ignored.
//
// # Attempts
//
// A login Attempt is a caller-held value that moves through
//
//	Started -> FactorPending(kind) -> PolicyPending | PolicySatisfied -> Completed | Abandoned
//
// Completed attempts are handed to the SessionIssuer exactly once.
//
// # Errors
//
// All failures wrap one of the sentinel errors in errors.go. Use errors.Is to
// classify them and PublicMessage to produce a response that does not leak
// which factor failed.
package authn
