// Package passkey implements the WebAuthn factor.
//
// Registration and authentication are two-step ceremonies. Begin* returns the
// options for navigator.credentials and an opaque token; the ceremony state
// lives in the ceremony manager under that token and is consumed exactly once
// by Finish*. Tokens are bound to their ceremony kind, so a registration
// token cannot complete a login.
//
// After a successful assertion the stored signature counter must strictly
// increase. A counter that stays at zero is accepted only for authenticators
// that have never reported a non-zero value.
package passkey
