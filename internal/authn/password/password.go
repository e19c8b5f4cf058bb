// ABOUTME: Password factor hashing memorized secrets with argon2id and verifying in constant time
// ABOUTME: Weaker or legacy bcrypt hashes are transparently rehashed after a successful verify

package password

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/coven-auth/internal/authn"
	"github.com/2389/coven-auth/internal/store"
)

// Hash algorithm identifiers.
const (
	AlgorithmArgon2id = "argon2id"
	AlgorithmBcrypt   = "bcrypt"
)

// DefaultMaxLength bounds plaintext size so hashing cost stays predictable.
const DefaultMaxLength = 1024

const saltLen = 16

// Params are the argon2id cost parameters.
type Params struct {
	Memory  uint32 // KiB
	Time    uint32
	Threads uint8
	KeyLen  uint32
}

// DefaultParams follow the OWASP argon2id baseline.
var DefaultParams = Params{Memory: 64 * 1024, Time: 3, Threads: 2, KeyLen: 32}

// weakerThan reports whether any cost of p is below target.
func (p Params) weakerThan(target Params) bool {
	return p.Memory < target.Memory ||
		p.Time < target.Time ||
		p.Threads < target.Threads ||
		p.KeyLen < target.KeyLen
}

// atLeast returns p with every cost raised to at least floor.
func (p Params) atLeast(floor Params) Params {
	return Params{
		Memory:  max(p.Memory, floor.Memory),
		Time:    max(p.Time, floor.Time),
		Threads: max(p.Threads, floor.Threads),
		KeyLen:  max(p.KeyLen, floor.KeyLen),
	}
}

// Store is the persistence the password factor needs.
type Store interface {
	store.PasswordStore
	EnrolledKinds(ctx context.Context, identity string) ([]string, error)
}

// Config configures the password factor.
type Config struct {
	Params    Params
	MaxLength int
}

// Factor enrolls and verifies passwords.
type Factor struct {
	store  Store
	params Params
	maxLen int
	clock  authn.Clock
	random authn.Random
	logger *slog.Logger

	// dummySalt is hashed against when no credential exists so that a
	// missing enrollment costs the same as a wrong password.
	dummySalt []byte
}

var _ authn.Factor = (*Factor)(nil)

// New creates a password factor.
func New(st Store, cfg Config, clock authn.Clock, random authn.Random, logger *slog.Logger) *Factor {
	if cfg.Params == (Params{}) {
		cfg.Params = DefaultParams
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Factor{
		store:     st,
		params:    cfg.Params,
		maxLen:    cfg.MaxLength,
		clock:     clock,
		random:    random,
		logger:    logger.With("component", "password"),
		dummySalt: make([]byte, saltLen),
	}
}

// Kind returns authn.KindPassword.
func (f *Factor) Kind() authn.Kind {
	return authn.KindPassword
}

func (f *Factor) checkInput(plaintext string) error {
	if plaintext == "" {
		return fmt.Errorf("%w: password is empty", authn.ErrInvalidInput)
	}
	if len(plaintext) > f.maxLen {
		return fmt.Errorf("%w: password exceeds %d bytes", authn.ErrInvalidInput, f.maxLen)
	}
	return nil
}

// Enroll hashes plaintext with a fresh salt and stores it as the identity's
// password, replacing any previous one.
func (f *Factor) Enroll(ctx context.Context, identity, plaintext string) (*store.PasswordCredential, error) {
	if identity == "" {
		return nil, fmt.Errorf("%w: identity is required", authn.ErrInvalidInput)
	}
	if err := f.checkInput(plaintext); err != nil {
		return nil, err
	}

	cred, err := f.hash(identity, plaintext, f.params)
	if err != nil {
		return nil, err
	}
	if err := f.store.PutPassword(ctx, cred); err != nil {
		return nil, authn.StoreError("storing password", err)
	}

	f.logger.Info("password enrolled", "identity", identity)
	return cred, nil
}

// ImportBcrypt stores an existing bcrypt hash. It is upgraded to argon2id on
// the next successful verification.
func (f *Factor) ImportBcrypt(ctx context.Context, identity, hash string) error {
	if identity == "" {
		return fmt.Errorf("%w: identity is required", authn.ErrInvalidInput)
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return fmt.Errorf("%w: not a bcrypt hash: %v", authn.ErrInvalidInput, err)
	}
	now, err := authn.Now(f.clock)
	if err != nil {
		return err
	}
	cred := &store.PasswordCredential{
		Identity:  identity,
		Algorithm: AlgorithmBcrypt,
		Hash:      []byte(hash),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.store.PutPassword(ctx, cred); err != nil {
		return authn.StoreError("storing password", err)
	}
	return nil
}

// Verify implements authn.Factor using proof.Secret as the password.
func (f *Factor) Verify(ctx context.Context, identity string, proof authn.Proof) (*authn.VerificationResult, error) {
	return f.VerifyPassword(ctx, identity, proof.Secret)
}

// VerifyPassword checks plaintext against the stored hash.
func (f *Factor) VerifyPassword(ctx context.Context, identity, plaintext string) (*authn.VerificationResult, error) {
	if err := f.checkInput(plaintext); err != nil {
		return nil, err
	}

	now, err := authn.Now(f.clock)
	if err != nil {
		return nil, err
	}

	cred, err := f.store.GetPassword(ctx, identity)
	if errors.Is(err, store.ErrNotFound) || identity == "" {
		f.burn(plaintext)
		return nil, authn.ErrMismatch
	}
	if err != nil {
		return nil, authn.StoreError("reading password", err)
	}

	ok, err := f.compare(cred, plaintext)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, authn.ErrMismatch
	}

	if f.needsRehash(cred) {
		f.rehash(ctx, identity, plaintext, cred)
	}

	return &authn.VerificationResult{
		Identity:   identity,
		Kind:       authn.KindPassword,
		VerifiedAt: now,
	}, nil
}

// Remove deletes the identity's password if another factor remains.
func (f *Factor) Remove(ctx context.Context, identity string) error {
	kinds, err := f.store.EnrolledKinds(ctx, identity)
	if err != nil {
		return authn.StoreError("listing enrolled kinds", err)
	}
	hasPassword, others := false, 0
	for _, k := range kinds {
		if k == store.KindPassword {
			hasPassword = true
		} else {
			others++
		}
	}
	if !hasPassword {
		return fmt.Errorf("%w: no password enrolled", authn.ErrInvalidInput)
	}
	if others == 0 {
		return fmt.Errorf("%w: password is the only enrolled factor", authn.ErrInvalidInput)
	}
	if err := f.store.DeletePassword(ctx, identity); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: no password enrolled", authn.ErrInvalidInput)
		}
		return authn.StoreError("deleting password", err)
	}
	f.logger.Info("password removed", "identity", identity)
	return nil
}

func (f *Factor) hash(identity, plaintext string, p Params) (*store.PasswordCredential, error) {
	now, err := authn.Now(f.clock)
	if err != nil {
		return nil, err
	}
	salt, err := authn.RandomBytes(f.random, saltLen)
	if err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return &store.PasswordCredential{
		Identity:  identity,
		Algorithm: AlgorithmArgon2id,
		Salt:      salt,
		Hash:      argon2.IDKey([]byte(plaintext), salt, p.Time, p.Memory, p.Threads, p.KeyLen),
		Memory:    p.Memory,
		Time:      p.Time,
		Threads:   p.Threads,
		KeyLen:    p.KeyLen,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (f *Factor) compare(cred *store.PasswordCredential, plaintext string) (bool, error) {
	switch cred.Algorithm {
	case AlgorithmArgon2id:
		if cred.KeyLen == 0 || len(cred.Hash) != int(cred.KeyLen) {
			return false, fmt.Errorf("corrupt argon2id credential for %q", cred.Identity)
		}
		computed := argon2.IDKey([]byte(plaintext), cred.Salt, cred.Time, cred.Memory, cred.Threads, cred.KeyLen)
		return subtle.ConstantTimeCompare(computed, cred.Hash) == 1, nil
	case AlgorithmBcrypt:
		err := bcrypt.CompareHashAndPassword(cred.Hash, []byte(plaintext))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("corrupt bcrypt credential for %q: %w", cred.Identity, err)
		}
		return true, nil
	default:
		return false, fmt.Errorf("unknown password algorithm %q", cred.Algorithm)
	}
}

// burn spends the same work as a real verification.
func (f *Factor) burn(plaintext string) {
	p := f.params
	computed := argon2.IDKey([]byte(plaintext), f.dummySalt, p.Time, p.Memory, p.Threads, p.KeyLen)
	subtle.ConstantTimeCompare(computed, make([]byte, len(computed)))
}

func (f *Factor) needsRehash(cred *store.PasswordCredential) bool {
	if cred.Algorithm != AlgorithmArgon2id {
		return true
	}
	stored := Params{Memory: cred.Memory, Time: cred.Time, Threads: cred.Threads, KeyLen: cred.KeyLen}
	return stored.weakerThan(f.params)
}

// rehash upgrades a verified credential. No stored argon2id cost is ever
// lowered. Failure is logged, not returned: the user proved knowledge of the
// password and the old hash still works.
func (f *Factor) rehash(ctx context.Context, identity, plaintext string, old *store.PasswordCredential) {
	target := f.params
	if old.Algorithm == AlgorithmArgon2id {
		target = target.atLeast(Params{Memory: old.Memory, Time: old.Time, Threads: old.Threads, KeyLen: old.KeyLen})
	}
	cred, err := f.hash(identity, plaintext, target)
	if err != nil {
		f.logger.Warn("password rehash failed", "identity", identity, "error", err)
		return
	}
	cred.CreatedAt = old.CreatedAt
	if err := f.store.PutPassword(ctx, cred); err != nil {
		f.logger.Warn("password rehash failed", "identity", identity, "error", err)
		return
	}
	f.logger.Info("password rehashed", "identity", identity, "from", old.Algorithm)
}
