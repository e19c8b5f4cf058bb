// ABOUTME: Adapts an identity and its stored passkeys to the go-webauthn User interface
// ABOUTME: Also derives relying party id and origins from a deployment base URL

package passkey

import (
	"net/url"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/2389/coven-auth/internal/store"
)

// maxUserHandle is the WebAuthn limit on user handle length.
const maxUserHandle = 64

// webAuthnUser wraps an identity to implement webauthn.User.
type webAuthnUser struct {
	identity    string
	displayName string
	keys        []*store.WebAuthnKey
}

func (u *webAuthnUser) WebAuthnID() []byte {
	return []byte(u.identity)
}

func (u *webAuthnUser) WebAuthnName() string {
	return u.identity
}

func (u *webAuthnUser) WebAuthnDisplayName() string {
	if u.displayName != "" {
		return u.displayName
	}
	return u.identity
}

func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, len(u.keys))
	for i, k := range u.keys {
		creds[i] = webauthn.Credential{
			ID:              k.CredentialID,
			PublicKey:       k.PublicKey,
			AttestationType: k.AttestationType,
			Transport:       toTransports(k.Transports),
			Flags: webauthn.CredentialFlags{
				BackupEligible: k.BackupEligible,
				BackupState:    k.BackupState,
			},
			Authenticator: webauthn.Authenticator{
				AAGUID:    k.AAGUID,
				SignCount: k.SignCount,
			},
		}
	}
	return creds
}

// descriptors lists the user's credentials for allow and exclude lists.
func (u *webAuthnUser) descriptors() []protocol.CredentialDescriptor {
	return webauthn.Credentials(u.WebAuthnCredentials()).CredentialDescriptors()
}

func toTransports(names []string) []protocol.AuthenticatorTransport {
	if len(names) == 0 {
		return nil
	}
	out := make([]protocol.AuthenticatorTransport, len(names))
	for i, n := range names {
		out[i] = protocol.AuthenticatorTransport(n)
	}
	return out
}

func fromTransports(ts []protocol.AuthenticatorTransport) []string {
	if len(ts) == 0 {
		return nil
	}
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return out
}

// deriveRelyingParty extracts rpID and rpOrigins from a base URL.
// Returns localhost defaults if the URL is empty or invalid.
func deriveRelyingParty(baseURL string) (rpID string, rpOrigins []string) {
	rpID = "localhost"
	rpOrigins = []string{"http://localhost", "https://localhost"}

	if baseURL == "" {
		return rpID, rpOrigins
	}

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return rpID, rpOrigins
	}

	host := parsed.Hostname()
	if host == "" {
		return rpID, rpOrigins
	}

	rpID = host
	rpOrigins = []string{parsed.Scheme + "://" + parsed.Host}
	// Plain http is only tolerated for local development
	if parsed.Scheme == "https" && host == "localhost" {
		rpOrigins = append(rpOrigins, "http://"+parsed.Host)
	}
	return rpID, rpOrigins
}
