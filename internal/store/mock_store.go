// ABOUTME: Mock Store implementation for testing
// ABOUTME: In-memory maps behind one RWMutex, with the same conditional-update semantics as SQLite

package store

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	passwords   map[string]*PasswordCredential // keyed by identity
	totp        map[string]*TOTPCredential     // keyed by identity
	totpPending map[string]*PendingTOTP        // keyed by identity
	keys        map[string]*WebAuthnKey        // keyed by key ID
	links       map[string]*OIDCLink           // keyed by issuer + "\x00" + subject
	ceremonies  map[string]*CeremonyRecord     // keyed by ceremony key
	audit       []AuditEntry                   // append order

	// Err, when set, is returned by every method. Used to simulate an
	// unavailable store.
	Err error
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		passwords:   make(map[string]*PasswordCredential),
		totp:        make(map[string]*TOTPCredential),
		totpPending: make(map[string]*PendingTOTP),
		keys:        make(map[string]*WebAuthnKey),
		links:       make(map[string]*OIDCLink),
		ceremonies:  make(map[string]*CeremonyRecord),
	}
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// EnrolledKinds lists the factor kinds the identity has enrolled.
func (m *MockStore) EnrolledKinds(ctx context.Context, identity string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	var kinds []string
	if _, ok := m.passwords[identity]; ok {
		kinds = append(kinds, KindPassword)
	}
	if _, ok := m.totp[identity]; ok {
		kinds = append(kinds, KindTOTP)
	}
	for _, k := range m.keys {
		if k.Identity == identity {
			kinds = append(kinds, KindPasskey)
			break
		}
	}
	for _, l := range m.links {
		if l.Identity == identity {
			kinds = append(kinds, KindOIDC)
			break
		}
	}
	return kinds, nil
}

// GetPassword retrieves the identity's password credential.
func (m *MockStore) GetPassword(ctx context.Context, identity string) (*PasswordCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	cred, ok := m.passwords[identity]
	if !ok {
		return nil, ErrNotFound
	}
	c := *cred
	return &c, nil
}

// PutPassword inserts or replaces the identity's password.
func (m *MockStore) PutPassword(ctx context.Context, cred *PasswordCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	c := *cred
	if existing, ok := m.passwords[cred.Identity]; ok {
		c.CreatedAt = existing.CreatedAt
	}
	m.passwords[cred.Identity] = &c
	return nil
}

// DeletePassword removes the identity's password.
func (m *MockStore) DeletePassword(ctx context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if _, ok := m.passwords[identity]; !ok {
		return ErrNotFound
	}
	delete(m.passwords, identity)
	return nil
}

// GetTOTP retrieves the identity's TOTP credential.
func (m *MockStore) GetTOTP(ctx context.Context, identity string) (*TOTPCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	cred, ok := m.totp[identity]
	if !ok {
		return nil, ErrNotFound
	}
	c := *cred
	return &c, nil
}

// DeleteTOTP removes the identity's TOTP credential.
func (m *MockStore) DeleteTOTP(ctx context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if _, ok := m.totp[identity]; !ok {
		return ErrNotFound
	}
	delete(m.totp, identity)
	return nil
}

// AdvanceTOTPStep records step if it is newer than the stored step.
func (m *MockStore) AdvanceTOTPStep(ctx context.Context, identity string, step int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	cred, ok := m.totp[identity]
	if !ok {
		return ErrNotFound
	}
	if step <= cred.LastStep {
		return ErrStale
	}
	cred.LastStep = step
	return nil
}

// PutPendingTOTP stores an unconfirmed enrollment.
func (m *MockStore) PutPendingTOTP(ctx context.Context, p *PendingTOTP) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	c := *p
	m.totpPending[p.Identity] = &c
	return nil
}

// GetPendingTOTP retrieves the identity's unconfirmed enrollment.
func (m *MockStore) GetPendingTOTP(ctx context.Context, identity string) (*PendingTOTP, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	p, ok := m.totpPending[identity]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

// DeletePendingTOTP removes the identity's unconfirmed enrollment.
func (m *MockStore) DeletePendingTOTP(ctx context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if _, ok := m.totpPending[identity]; !ok {
		return ErrNotFound
	}
	delete(m.totpPending, identity)
	return nil
}

// CommitTOTP promotes a pending enrollment to a credential.
func (m *MockStore) CommitTOTP(ctx context.Context, cred *TOTPCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if _, ok := m.totpPending[cred.Identity]; !ok {
		return ErrNotFound
	}
	delete(m.totpPending, cred.Identity)
	c := *cred
	m.totp[cred.Identity] = &c
	return nil
}

// CreateWebAuthnKey stores a new passkey.
func (m *MockStore) CreateWebAuthnKey(ctx context.Context, key *WebAuthnKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	for _, k := range m.keys {
		if bytes.Equal(k.CredentialID, key.CredentialID) {
			return ErrDuplicateCredential
		}
	}
	c := *key
	m.keys[key.ID] = &c
	return nil
}

// ListWebAuthnKeys lists the identity's passkeys, oldest first.
func (m *MockStore) ListWebAuthnKeys(ctx context.Context, identity string) ([]*WebAuthnKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	var keys []*WebAuthnKey
	for _, k := range m.keys {
		if k.Identity == identity {
			c := *k
			keys = append(keys, &c)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].ID < keys[j].ID
		}
		return keys[i].CreatedAt.Before(keys[j].CreatedAt)
	})
	return keys, nil
}

// GetWebAuthnKeyByCredentialID retrieves a passkey by credential id.
func (m *MockStore) GetWebAuthnKeyByCredentialID(ctx context.Context, credentialID []byte) (*WebAuthnKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	for _, k := range m.keys {
		if bytes.Equal(k.CredentialID, credentialID) {
			c := *k
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// UpdateWebAuthnSignCount moves the counter from old to next.
func (m *MockStore) UpdateWebAuthnSignCount(ctx context.Context, id string, old, next uint32, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	k, ok := m.keys[id]
	if !ok {
		return ErrNotFound
	}
	if k.SignCount != old {
		return ErrStale
	}
	k.SignCount = next
	t := usedAt
	k.LastUsedAt = &t
	return nil
}

// DeleteWebAuthnKey deletes one of the identity's passkeys.
func (m *MockStore) DeleteWebAuthnKey(ctx context.Context, identity, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	k, ok := m.keys[id]
	if !ok || k.Identity != identity {
		return ErrNotFound
	}
	delete(m.keys, id)
	return nil
}

func linkKey(issuer, subject string) string {
	return issuer + "\x00" + subject
}

// CreateOIDCLink binds (issuer, subject) to an identity.
func (m *MockStore) CreateOIDCLink(ctx context.Context, link *OIDCLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	key := linkKey(link.Issuer, link.Subject)
	if _, ok := m.links[key]; ok {
		return ErrLinkExists
	}
	c := *link
	m.links[key] = &c
	return nil
}

// FindOIDCLink looks up the link for (issuer, subject).
func (m *MockStore) FindOIDCLink(ctx context.Context, issuer, subject string) (*OIDCLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	l, ok := m.links[linkKey(issuer, subject)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *l
	return &c, nil
}

// ListOIDCLinks lists the identity's links, oldest first.
func (m *MockStore) ListOIDCLinks(ctx context.Context, identity string) ([]*OIDCLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	var links []*OIDCLink
	for _, l := range m.links {
		if l.Identity == identity {
			c := *l
			links = append(links, &c)
		}
	}
	sort.Slice(links, func(i, j int) bool {
		return links[i].CreatedAt.Before(links[j].CreatedAt)
	})
	return links, nil
}

// DeleteOIDCLink unlinks (issuer, subject) from identity.
func (m *MockStore) DeleteOIDCLink(ctx context.Context, identity, issuer, subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	key := linkKey(issuer, subject)
	l, ok := m.links[key]
	if !ok || l.Identity != identity {
		return ErrNotFound
	}
	delete(m.links, key)
	return nil
}

// PutCeremony stores a ceremony record.
func (m *MockStore) PutCeremony(ctx context.Context, rec *CeremonyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}

	if _, ok := m.ceremonies[rec.Key]; ok {
		return errors.New("ceremony key already exists")
	}
	c := *rec
	m.ceremonies[rec.Key] = &c
	return nil
}

// TakeCeremony reads and deletes a ceremony record.
func (m *MockStore) TakeCeremony(ctx context.Context, key string) (*CeremonyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	rec, ok := m.ceremonies[key]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.ceremonies, key)
	return rec, nil
}

// DeleteExpiredCeremonies removes expired ceremonies and pending enrollments.
func (m *MockStore) DeleteExpiredCeremonies(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}

	var removed int64
	for key, rec := range m.ceremonies {
		if !rec.ExpiresAt.After(now) {
			delete(m.ceremonies, key)
			removed++
		}
	}
	for identity, p := range m.totpPending {
		if !p.ExpiresAt.After(now) {
			delete(m.totpPending, identity)
			removed++
		}
	}
	return removed, nil
}

// CeremonyCount returns the number of stored ceremony records.
func (m *MockStore) CeremonyCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ceremonies)
}

// AppendAuditLog records an audit entry.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if err := prepareAuditEntry(e); err != nil {
		return err
	}
	m.audit = append(m.audit, *e)
	return nil
}

// ListAuditLog returns matching entries newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}

	entries := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.Timestamp.After(*f.Until) {
			continue
		}
		if f.Identity != nil && e.Identity != *f.Identity {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})

	if limit := normalizeAuditLimit(f.Limit); len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
