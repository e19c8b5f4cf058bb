// Package session issues and verifies the HS256 tokens handed out once a
// login attempt satisfies policy. The amr claim lists the factor kinds used.
package session
