// ABOUTME: Ceremony state manager for multi-request WebAuthn and OIDC protocols
// ABOUTME: Records are JSON payloads keyed by a hashed random token, single-use and TTL-bound

package ceremony

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-auth/internal/authn"
	"github.com/2389/coven-auth/internal/store"
)

// DefaultTTL bounds how long a ceremony may stay open.
const DefaultTTL = 5 * time.Minute

// tokenBytes is the entropy of a ceremony token (256 bits).
const tokenBytes = 32

// Ceremony kinds.
const (
	KindPasskeyRegister = "passkey.register"
	KindPasskeyLogin    = "passkey.login"
	KindOIDCLogin       = "oidc.login"
	KindOIDCLink        = "oidc.link"
)

// Manager creates and consumes ceremony records.
type Manager struct {
	store  store.CeremonyStore
	clock  authn.Clock
	random authn.Random
	ttl    time.Duration
	logger *slog.Logger
}

// Config configures a Manager. Zero values fall back to system defaults.
type Config struct {
	TTL    time.Duration
	Clock  authn.Clock
	Random authn.Random
	Logger *slog.Logger
}

// NewManager creates a Manager backed by st.
func NewManager(st store.CeremonyStore, cfg Config) *Manager {
	m := &Manager{
		store:  st,
		clock:  cfg.Clock,
		random: cfg.Random,
		ttl:    cfg.TTL,
		logger: cfg.Logger,
	}
	if m.clock == nil {
		m.clock = authn.SystemClock{}
	}
	if m.random == nil {
		m.random = authn.SystemRandom{}
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "ceremony")
	return m
}

// TTL returns the default lifetime of new ceremonies.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Create stores payload under a new token and returns the token. A ttl of
// zero uses the manager's default.
func (m *Manager) Create(ctx context.Context, kind string, payload any, ttl time.Duration) (string, error) {
	if kind == "" {
		return "", fmt.Errorf("%w: ceremony kind is required", authn.ErrInvalidInput)
	}
	if ttl <= 0 {
		ttl = m.ttl
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding ceremony payload: %w", err)
	}

	now, err := authn.Now(m.clock)
	if err != nil {
		return "", err
	}

	token, err := authn.RandomToken(m.random, tokenBytes)
	if err != nil {
		return "", fmt.Errorf("generating ceremony token: %w", err)
	}

	rec := &store.CeremonyRecord{
		Key:       hashToken(token),
		Kind:      kind,
		Payload:   data,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := m.store.PutCeremony(ctx, rec); err != nil {
		return "", authn.StoreError("storing ceremony", err)
	}

	m.logger.Debug("ceremony created", "kind", kind, "expires_at", rec.ExpiresAt)
	return token, nil
}

// Consume atomically removes the ceremony for token and decodes its payload
// into out. A token presented for the wrong kind is treated as unknown, and
// the record is gone either way.
func (m *Manager) Consume(ctx context.Context, token, kind string, out any) error {
	if token == "" {
		return authn.ErrCeremonyNotFound
	}

	rec, err := m.store.TakeCeremony(ctx, hashToken(token))
	if errors.Is(err, store.ErrNotFound) {
		return authn.ErrCeremonyNotFound
	}
	if err != nil {
		return authn.StoreError("taking ceremony", err)
	}

	if rec.Kind != kind {
		m.logger.Warn("ceremony kind mismatch", "want", kind, "got", rec.Kind)
		return authn.ErrCeremonyNotFound
	}

	now, err := authn.Now(m.clock)
	if err != nil {
		return err
	}
	if !now.Before(rec.ExpiresAt) {
		m.logger.Debug("ceremony expired", "kind", kind, "expired_at", rec.ExpiresAt)
		return authn.ErrCeremonyExpired
	}

	if out != nil {
		if err := json.Unmarshal(rec.Payload, out); err != nil {
			return fmt.Errorf("decoding ceremony payload: %w", err)
		}
	}
	return nil
}

// Sweep deletes expired records. Expiry is enforced at consumption, so this
// only reclaims space.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	now, err := authn.Now(m.clock)
	if err != nil {
		return 0, err
	}
	n, err := m.store.DeleteExpiredCeremonies(ctx, now)
	if err != nil {
		return n, authn.StoreError("sweeping ceremonies", err)
	}
	return n, nil
}

// Run sweeps every interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Sweep(ctx)
			if err != nil {
				m.logger.Warn("ceremony sweep failed", "error", err)
				continue
			}
			if n > 0 {
				m.logger.Info("swept expired ceremonies", "removed", n)
			}
		}
	}
}

// hashToken derives the storage key for a token so a database dump does not
// expose live ceremony tokens.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
