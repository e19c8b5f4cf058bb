// Package ceremony keeps short-lived state for protocols that span several
// requests, such as WebAuthn registration and OIDC authorization-code login.
//
// Each ceremony is a JSON payload stored under the SHA-256 of a random
// 256-bit token. Consume is an atomic take: a token works once, and only
// before its TTL (five minutes by default) has passed. Sweep and Run reclaim
// storage for ceremonies that were never finished.
package ceremony
