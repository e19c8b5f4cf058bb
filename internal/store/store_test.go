// ABOUTME: Tests for SQLiteStore credential and ceremony persistence
// ABOUTME: Uses a temp-dir database per test and checks conditional updates and uniqueness

package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

var testTime = time.Date(2026, 3, 14, 15, 9, 26, 535897932, time.UTC)

func TestStore_UnsupportedDriver(t *testing.T) {
	_, err := NewSQLiteStoreWithDriver("postgres", filepath.Join(t.TempDir(), "x.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported sqlite driver")
}

func TestStore_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "auth.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.PutPassword(ctx, &PasswordCredential{
		Identity: "alice", Algorithm: "argon2id", Hash: []byte{1}, CreatedAt: testTime, UpdatedAt: testTime,
	}))
	require.NoError(t, s.Close())

	// Reopening runs schema creation and migrations again
	s, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetPassword(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Identity)
}

func TestStore_Password(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.GetPassword(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	cred := &PasswordCredential{
		Identity:  "alice",
		Algorithm: "argon2id",
		Salt:      []byte("salt-salt-salt-1"),
		Hash:      []byte("hash-bytes"),
		Memory:    65536,
		Time:      3,
		Threads:   2,
		KeyLen:    32,
		CreatedAt: testTime,
		UpdatedAt: testTime,
	}
	require.NoError(t, s.PutPassword(ctx, cred))

	got, err := s.GetPassword(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, cred.Salt, got.Salt)
	assert.Equal(t, cred.Hash, got.Hash)
	assert.Equal(t, uint32(65536), got.Memory)
	assert.Equal(t, uint8(2), got.Threads)
	assert.True(t, testTime.Equal(got.CreatedAt), "timestamps keep nanoseconds")

	// Replacing keeps created_at
	later := testTime.Add(time.Hour)
	require.NoError(t, s.PutPassword(ctx, &PasswordCredential{
		Identity: "alice", Algorithm: "argon2id", Hash: []byte("new"), Memory: 131072,
		CreatedAt: later, UpdatedAt: later,
	}))
	got, err = s.GetPassword(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got.Hash)
	assert.True(t, testTime.Equal(got.CreatedAt))
	assert.True(t, later.Equal(got.UpdatedAt))

	require.NoError(t, s.DeletePassword(ctx, "alice"))
	assert.ErrorIs(t, s.DeletePassword(ctx, "alice"), ErrNotFound)
}

func TestStore_TOTPLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	pending := &PendingTOTP{
		Identity: "alice", Label: "phone", Secret: []byte("secret-bytes"),
		Algorithm: "SHA1", Digits: 6, Period: 30,
		CreatedAt: testTime, ExpiresAt: testTime.Add(5 * time.Minute),
	}
	require.NoError(t, s.PutPendingTOTP(ctx, pending))

	gotPending, err := s.GetPendingTOTP(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, pending.Secret, gotPending.Secret)
	assert.True(t, pending.ExpiresAt.Equal(gotPending.ExpiresAt))

	// Not a credential until committed
	_, err = s.GetTOTP(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	cred := &TOTPCredential{
		Identity: "alice", Label: "phone", Secret: pending.Secret,
		Algorithm: "SHA1", Digits: 6, Period: 30, LastStep: 100, CreatedAt: testTime,
	}
	require.NoError(t, s.CommitTOTP(ctx, cred))

	_, err = s.GetPendingTOTP(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound, "commit consumes the pending enrollment")

	// A second commit has nothing to promote
	assert.ErrorIs(t, s.CommitTOTP(ctx, cred), ErrNotFound)

	got, err := s.GetTOTP(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.LastStep)
	assert.Equal(t, uint(30), got.Period)

	kinds, err := s.EnrolledKinds(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{KindTOTP}, kinds)

	require.NoError(t, s.DeleteTOTP(ctx, "alice"))
	assert.ErrorIs(t, s.DeleteTOTP(ctx, "alice"), ErrNotFound)
}

func TestStore_AdvanceTOTPStep(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.AdvanceTOTPStep(ctx, "nobody", 5), ErrNotFound)

	require.NoError(t, s.PutPendingTOTP(ctx, &PendingTOTP{
		Identity: "alice", Label: "x", Secret: []byte("s"), Algorithm: "SHA1", Digits: 6, Period: 30,
		CreatedAt: testTime, ExpiresAt: testTime.Add(time.Minute),
	}))
	require.NoError(t, s.CommitTOTP(ctx, &TOTPCredential{
		Identity: "alice", Label: "x", Secret: []byte("s"), Algorithm: "SHA1", Digits: 6, Period: 30,
		LastStep: -1, CreatedAt: testTime,
	}))

	require.NoError(t, s.AdvanceTOTPStep(ctx, "alice", 10))
	assert.ErrorIs(t, s.AdvanceTOTPStep(ctx, "alice", 10), ErrStale, "same step twice")
	assert.ErrorIs(t, s.AdvanceTOTPStep(ctx, "alice", 9), ErrStale, "earlier step")
	require.NoError(t, s.AdvanceTOTPStep(ctx, "alice", 11))
}

func TestStore_AdvanceTOTPStep_Concurrent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutPendingTOTP(ctx, &PendingTOTP{
		Identity: "alice", Label: "x", Secret: []byte("s"), Algorithm: "SHA1", Digits: 6, Period: 30,
		CreatedAt: testTime, ExpiresAt: testTime.Add(time.Minute),
	}))
	require.NoError(t, s.CommitTOTP(ctx, &TOTPCredential{
		Identity: "alice", Label: "x", Secret: []byte("s"), Algorithm: "SHA1", Digits: 6, Period: 30,
		LastStep: -1, CreatedAt: testTime,
	}))

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if s.AdvanceTOTPStep(ctx, "alice", 42) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one verification may consume a step")
}

func TestStore_WebAuthnKeys(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	key := &WebAuthnKey{
		ID:              "key-1",
		Identity:        "alice",
		Label:           "yubikey",
		CredentialID:    []byte{0x01, 0x02, 0x03},
		PublicKey:       []byte{0xaa, 0xbb},
		AttestationType: "none",
		Transports:      []string{"usb", "nfc"},
		AAGUID:          make([]byte, 16),
		SignCount:       5,
		BackupEligible:  true,
		CreatedAt:       testTime,
	}
	require.NoError(t, s.CreateWebAuthnKey(ctx, key))

	dup := *key
	dup.ID = "key-2"
	assert.ErrorIs(t, s.CreateWebAuthnKey(ctx, &dup), ErrDuplicateCredential)

	got, err := s.GetWebAuthnKeyByCredentialID(ctx, []byte{0x01, 0x02, 0x03})
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Identity)
	assert.Equal(t, []string{"usb", "nfc"}, got.Transports)
	assert.True(t, got.BackupEligible)
	assert.False(t, got.BackupState)
	assert.Nil(t, got.LastUsedAt)

	_, err = s.GetWebAuthnKeyByCredentialID(ctx, []byte{0xff})
	assert.ErrorIs(t, err, ErrNotFound)

	keys, err := s.ListWebAuthnKeys(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, keys, 1)

	// Compare-and-set on the counter
	require.NoError(t, s.UpdateWebAuthnSignCount(ctx, "key-1", 5, 6, testTime))
	assert.ErrorIs(t, s.UpdateWebAuthnSignCount(ctx, "key-1", 5, 7, testTime), ErrStale)
	assert.ErrorIs(t, s.UpdateWebAuthnSignCount(ctx, "missing", 0, 1, testTime), ErrNotFound)

	got, err = s.GetWebAuthnKeyByCredentialID(ctx, key.CredentialID)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), got.SignCount)
	require.NotNil(t, got.LastUsedAt)

	assert.ErrorIs(t, s.DeleteWebAuthnKey(ctx, "mallory", "key-1"), ErrNotFound, "only the owner can delete")
	require.NoError(t, s.DeleteWebAuthnKey(ctx, "alice", "key-1"))
}

func TestStore_OIDCLinks(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	link := &OIDCLink{Identity: "alice", Issuer: "https://idp.example", Subject: "abc123", CreatedAt: testTime}
	require.NoError(t, s.CreateOIDCLink(ctx, link))

	// Same pair for another identity is rejected
	err := s.CreateOIDCLink(ctx, &OIDCLink{Identity: "bob", Issuer: "https://idp.example", Subject: "abc123", CreatedAt: testTime})
	assert.ErrorIs(t, err, ErrLinkExists)

	// Same subject at another issuer is fine
	require.NoError(t, s.CreateOIDCLink(ctx, &OIDCLink{Identity: "bob", Issuer: "https://other.example", Subject: "abc123", CreatedAt: testTime}))

	got, err := s.FindOIDCLink(ctx, "https://idp.example", "abc123")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Identity)

	_, err = s.FindOIDCLink(ctx, "https://idp.example", "zzz")
	assert.ErrorIs(t, err, ErrNotFound)

	links, err := s.ListOIDCLinks(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "https://other.example", links[0].Issuer)

	assert.ErrorIs(t, s.DeleteOIDCLink(ctx, "bob", "https://idp.example", "abc123"), ErrNotFound)
	require.NoError(t, s.DeleteOIDCLink(ctx, "alice", "https://idp.example", "abc123"))
}

func TestStore_Ceremonies(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	rec := &CeremonyRecord{
		Key:       "k1",
		Kind:      "passkey.register",
		Payload:   []byte(`{"challenge":"abc"}`),
		CreatedAt: testTime,
		ExpiresAt: testTime.Add(5 * time.Minute),
	}
	require.NoError(t, s.PutCeremony(ctx, rec))

	got, err := s.TakeCeremony(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, rec.Kind, got.Kind)
	assert.Equal(t, rec.Payload, got.Payload)
	assert.True(t, rec.ExpiresAt.Equal(got.ExpiresAt))

	_, err = s.TakeCeremony(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound, "records are single use")
}

func TestStore_DeleteExpiredCeremonies(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i, ttl := range []time.Duration{time.Minute, 5 * time.Minute, 10 * time.Minute} {
		require.NoError(t, s.PutCeremony(ctx, &CeremonyRecord{
			Key:       string(rune('a' + i)),
			Kind:      "oidc",
			Payload:   []byte("{}"),
			CreatedAt: testTime,
			ExpiresAt: testTime.Add(ttl),
		}))
	}
	require.NoError(t, s.PutPendingTOTP(ctx, &PendingTOTP{
		Identity: "alice", Label: "x", Secret: []byte("s"), Algorithm: "SHA1", Digits: 6, Period: 30,
		CreatedAt: testTime, ExpiresAt: testTime.Add(time.Minute),
	}))

	removed, err := s.DeleteExpiredCeremonies(ctx, testTime.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed, "two ceremonies and one pending enrollment")

	_, err = s.TakeCeremony(ctx, "c")
	assert.NoError(t, err, "unexpired record survives the sweep")
}

func TestStore_EnrolledKinds(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	kinds, err := s.EnrolledKinds(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, kinds)

	require.NoError(t, s.PutPassword(ctx, &PasswordCredential{
		Identity: "alice", Algorithm: "argon2id", Hash: []byte{1}, CreatedAt: testTime, UpdatedAt: testTime,
	}))
	require.NoError(t, s.CreateWebAuthnKey(ctx, &WebAuthnKey{
		ID: "k1", Identity: "alice", Label: "a", CredentialID: []byte{1}, PublicKey: []byte{2},
		AttestationType: "none", CreatedAt: testTime,
	}))
	require.NoError(t, s.CreateWebAuthnKey(ctx, &WebAuthnKey{
		ID: "k2", Identity: "alice", Label: "b", CredentialID: []byte{3}, PublicKey: []byte{4},
		AttestationType: "none", CreatedAt: testTime,
	}))
	require.NoError(t, s.CreateOIDCLink(ctx, &OIDCLink{
		Identity: "alice", Issuer: "https://idp.example", Subject: "s", CreatedAt: testTime,
	}))

	kinds, err = s.EnrolledKinds(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{KindPassword, KindPasskey, KindOIDC}, kinds)
}
