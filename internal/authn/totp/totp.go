// ABOUTME: TOTP factor with pending enrollment, confirmation and monotonic anti-replay verification
// ABOUTME: Provisioning URIs and code derivation come from pquerna/otp; step advancement is a store CAS

package totp

import (
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	pqtotp "github.com/pquerna/otp/totp"

	"github.com/2389/coven-auth/internal/authn"
	"github.com/2389/coven-auth/internal/store"
)

// Defaults for Config fields left at their zero value.
const (
	DefaultIssuer     = "Coven"
	DefaultDigits     = 6
	DefaultPeriod     = 30
	DefaultSkew       = 1
	DefaultAlgorithm  = "SHA1"
	DefaultSecretSize = 20
	DefaultPendingTTL = 5 * time.Minute
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Config configures code shape and the acceptance window.
type Config struct {
	Issuer     string
	Digits     int
	Period     uint
	// Skew is the number of steps tolerated either side of the current
	// one. Nil means DefaultSkew; zero accepts the current step only.
	Skew       *uint
	Algorithm  string
	SecretSize uint
	PendingTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.Issuer == "" {
		c.Issuer = DefaultIssuer
	}
	if c.Digits == 0 {
		c.Digits = DefaultDigits
	}
	if c.Period == 0 {
		c.Period = DefaultPeriod
	}
	if c.Skew == nil {
		skew := uint(DefaultSkew)
		c.Skew = &skew
	}
	if c.Algorithm == "" {
		c.Algorithm = DefaultAlgorithm
	}
	if c.SecretSize == 0 {
		c.SecretSize = DefaultSecretSize
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = DefaultPendingTTL
	}
}

// ParseAlgorithm maps a configuration name to an otp.Algorithm.
func ParseAlgorithm(name string) (otp.Algorithm, error) {
	switch strings.ToUpper(name) {
	case "SHA1":
		return otp.AlgorithmSHA1, nil
	case "SHA256":
		return otp.AlgorithmSHA256, nil
	case "SHA512":
		return otp.AlgorithmSHA512, nil
	default:
		return 0, fmt.Errorf("unsupported totp algorithm %q", name)
	}
}

// Provisioning is handed to the user once, during enrollment.
type Provisioning struct {
	Secret    string    `json:"secret"`
	URI       string    `json:"uri"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Factor enrolls and verifies TOTP codes.
type Factor struct {
	store  store.TOTPStore
	cfg    Config
	clock  authn.Clock
	random authn.Random
	logger *slog.Logger
}

var _ authn.Factor = (*Factor)(nil)

// New creates a TOTP factor. It fails on an unsupported algorithm or digit count.
func New(st store.TOTPStore, cfg Config, clock authn.Clock, random authn.Random, logger *slog.Logger) (*Factor, error) {
	cfg.applyDefaults()
	if _, err := ParseAlgorithm(cfg.Algorithm); err != nil {
		return nil, err
	}
	if cfg.Digits != 6 && cfg.Digits != 8 {
		return nil, fmt.Errorf("totp digits must be 6 or 8, got %d", cfg.Digits)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Factor{
		store:  st,
		cfg:    cfg,
		clock:  clock,
		random: random,
		logger: logger.With("component", "totp"),
	}, nil
}

// Kind returns authn.KindTOTP.
func (f *Factor) Kind() authn.Kind {
	return authn.KindTOTP
}

// Enroll generates a fresh secret and stores it as a pending enrollment. The
// identity has no TOTP credential until Confirm succeeds.
func (f *Factor) Enroll(ctx context.Context, identity, label string) (*Provisioning, error) {
	if identity == "" {
		return nil, fmt.Errorf("%w: identity is required", authn.ErrInvalidInput)
	}
	if label == "" {
		label = identity
	}

	now, err := authn.Now(f.clock)
	if err != nil {
		return nil, err
	}
	alg, _ := ParseAlgorithm(f.cfg.Algorithm)

	key, err := pqtotp.Generate(pqtotp.GenerateOpts{
		Issuer:      f.cfg.Issuer,
		AccountName: label,
		Period:      f.cfg.Period,
		SecretSize:  f.cfg.SecretSize,
		Digits:      otp.Digits(f.cfg.Digits),
		Algorithm:   alg,
		Rand:        authn.Reader(f.random),
	})
	if err != nil {
		return nil, fmt.Errorf("generating totp secret: %w", err)
	}
	secret, err := b32.DecodeString(key.Secret())
	if err != nil {
		return nil, fmt.Errorf("decoding totp secret: %w", err)
	}

	pending := &store.PendingTOTP{
		Identity:  identity,
		Label:     label,
		Secret:    secret,
		Algorithm: alg.String(),
		Digits:    f.cfg.Digits,
		Period:    f.cfg.Period,
		CreatedAt: now,
		ExpiresAt: now.Add(f.cfg.PendingTTL),
	}
	if err := f.store.PutPendingTOTP(ctx, pending); err != nil {
		return nil, authn.StoreError("storing pending totp", err)
	}

	f.logger.Info("totp enrollment started", "identity", identity)
	return &Provisioning{
		Secret:    key.Secret(),
		URI:       key.URL(),
		ExpiresAt: pending.ExpiresAt,
	}, nil
}

// Confirm checks one code against the pending secret and, on success,
// promotes it to the identity's TOTP credential. The confirming step is
// recorded so the same code cannot be replayed through Verify.
func (f *Factor) Confirm(ctx context.Context, identity, code string) (*authn.VerificationResult, error) {
	now, err := authn.Now(f.clock)
	if err != nil {
		return nil, err
	}

	pending, err := f.store.GetPendingTOTP(ctx, identity)
	if errors.Is(err, store.ErrNotFound) {
		return nil, authn.ErrCeremonyNotFound
	}
	if err != nil {
		return nil, authn.StoreError("reading pending totp", err)
	}
	if !now.Before(pending.ExpiresAt) {
		if err := f.store.DeletePendingTOTP(ctx, identity); err != nil && !errors.Is(err, store.ErrNotFound) {
			f.logger.Warn("failed to delete expired totp enrollment", "identity", identity, "error", err)
		}
		return nil, authn.ErrCeremonyExpired
	}

	if err := checkCode(code, pending.Digits); err != nil {
		return nil, err
	}
	matched, ok := matchStep(code, pending.Secret, pending.Algorithm, pending.Digits, pending.Period, *f.cfg.Skew, now)
	if !ok {
		return nil, authn.ErrMismatch
	}

	cred := &store.TOTPCredential{
		Identity:  identity,
		Label:     pending.Label,
		Secret:    pending.Secret,
		Algorithm: pending.Algorithm,
		Digits:    pending.Digits,
		Period:    pending.Period,
		LastStep:  matched,
		CreatedAt: now,
	}
	if err := f.store.CommitTOTP(ctx, cred); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, authn.ErrCeremonyNotFound
		}
		return nil, authn.StoreError("committing totp", err)
	}

	f.logger.Info("totp enrollment confirmed", "identity", identity)
	return &authn.VerificationResult{Identity: identity, Kind: authn.KindTOTP, VerifiedAt: now}, nil
}

// Verify implements authn.Factor using proof.Secret as the code.
func (f *Factor) Verify(ctx context.Context, identity string, proof authn.Proof) (*authn.VerificationResult, error) {
	return f.VerifyCode(ctx, identity, proof.Secret)
}

// VerifyCode accepts code if it matches a step in the window that is newer
// than the last accepted step. Each step is usable once.
func (f *Factor) VerifyCode(ctx context.Context, identity, code string) (*authn.VerificationResult, error) {
	now, err := authn.Now(f.clock)
	if err != nil {
		return nil, err
	}

	cred, err := f.store.GetTOTP(ctx, identity)
	if errors.Is(err, store.ErrNotFound) || identity == "" {
		if err := checkCode(code, f.cfg.Digits); err != nil {
			return nil, err
		}
		return nil, authn.ErrMismatch
	}
	if err != nil {
		return nil, authn.StoreError("reading totp", err)
	}
	if err := checkCode(code, cred.Digits); err != nil {
		return nil, err
	}

	var (
		accepted = int64(-1)
		replayed bool
	)
	for _, step := range window(now, cred.Period, *f.cfg.Skew) {
		if !validAt(code, cred.Secret, cred.Algorithm, cred.Digits, step) {
			continue
		}
		if step <= cred.LastStep {
			replayed = true
			continue
		}
		if step > accepted {
			accepted = step
		}
	}

	switch {
	case accepted >= 0:
	case replayed:
		return nil, authn.ErrReplayed
	default:
		return nil, authn.ErrMismatch
	}

	if err := f.store.AdvanceTOTPStep(ctx, identity, accepted); err != nil {
		if errors.Is(err, store.ErrStale) {
			// A concurrent verification consumed this step first
			return nil, authn.ErrReplayed
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, authn.ErrMismatch
		}
		return nil, authn.StoreError("advancing totp step", err)
	}

	return &authn.VerificationResult{Identity: identity, Kind: authn.KindTOTP, VerifiedAt: now}, nil
}

// Remove deletes the identity's TOTP credential and any pending enrollment.
func (f *Factor) Remove(ctx context.Context, identity string) error {
	if err := f.store.DeletePendingTOTP(ctx, identity); err != nil && !errors.Is(err, store.ErrNotFound) {
		return authn.StoreError("deleting pending totp", err)
	}
	if err := f.store.DeleteTOTP(ctx, identity); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: no totp enrolled", authn.ErrInvalidInput)
		}
		return authn.StoreError("deleting totp", err)
	}
	f.logger.Info("totp removed", "identity", identity)
	return nil
}

// checkCode rejects codes that could never be valid.
func checkCode(code string, digits int) error {
	if len(code) != digits {
		return fmt.Errorf("%w: code must be %d digits", authn.ErrInvalidInput, digits)
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: code must be numeric", authn.ErrInvalidInput)
		}
	}
	return nil
}

// window lists the steps within skew of now, oldest first.
func window(now time.Time, period, skew uint) []int64 {
	current := now.Unix() / int64(period)
	steps := make([]int64, 0, 2*skew+1)
	for i := -int64(skew); i <= int64(skew); i++ {
		if s := current + i; s >= 0 {
			steps = append(steps, s)
		}
	}
	return steps
}

func validAt(code string, secret []byte, algorithm string, digits int, step int64) bool {
	alg, err := ParseAlgorithm(algorithm)
	if err != nil {
		return false
	}
	ok, err := hotp.ValidateCustom(code, uint64(step), b32.EncodeToString(secret), hotp.ValidateOpts{
		Digits:    otp.Digits(digits),
		Algorithm: alg,
	})
	return err == nil && ok
}

// matchStep returns the newest step in the window at which code is valid.
func matchStep(code string, secret []byte, algorithm string, digits int, period, skew uint, now time.Time) (int64, bool) {
	matched, found := int64(-1), false
	for _, step := range window(now, period, skew) {
		if validAt(code, secret, algorithm, digits, step) {
			matched, found = step, true
		}
	}
	return matched, found
}
