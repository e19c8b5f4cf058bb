// ABOUTME: HS256 session tokens issued once an authentication attempt satisfies policy
// ABOUTME: Implements authn.SessionIssuer and verifies tokens presented on later requests

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/2389/coven-auth/internal/authn"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// TokenIssuer is the iss claim on every session token.
const TokenIssuer = "coven-auth"

// MinSecretLen is the shortest accepted HMAC secret.
const MinSecretLen = 32

// DefaultTTL is the session lifetime when none is configured.
const DefaultTTL = 12 * time.Hour

// Claims are the session token claims. Methods lists the factor kinds that
// were verified to obtain the session (RFC 8176 amr).
type Claims struct {
	jwt.RegisteredClaims
	Methods []string `json:"amr,omitempty"`
}

// Session is a freshly minted token.
type Session struct {
	Token     string
	Identity  string
	Methods   []string
	ExpiresAt time.Time
}

// Sink receives sessions as they are issued, e.g. to set a cookie.
type Sink func(ctx context.Context, s *Session) error

// Issuer mints and verifies HS256 session tokens.
type Issuer struct {
	secret  []byte
	ttl     time.Duration
	clock   authn.Clock
	deliver Sink
	logger  *slog.Logger
}

var _ authn.SessionIssuer = (*Issuer)(nil)

// NewIssuer creates a session issuer. deliver may be nil, in which case
// issued sessions are only logged.
func NewIssuer(secret []byte, ttl time.Duration, clock authn.Clock, deliver Sink, logger *slog.Logger) (*Issuer, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("session secret must be at least %d bytes", MinSecretLen)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		secret:  secret,
		ttl:     ttl,
		clock:   clock,
		deliver: deliver,
		logger:  logger.With("component", "session"),
	}, nil
}

// Issue mints a session for a completed attempt and hands it to the sink.
func (i *Issuer) Issue(ctx context.Context, identity string, decision authn.Decision) error {
	if !decision.Satisfied() || decision.Identity != identity {
		return fmt.Errorf("refusing to issue session for unsatisfied decision")
	}

	methods := make([]string, len(decision.Verified))
	for n, k := range decision.Verified {
		methods[n] = k.String()
	}

	s, err := i.Generate(identity, methods)
	if err != nil {
		return err
	}
	i.logger.Info("session issued", "identity", identity, "methods", methods, "expires_at", s.ExpiresAt)

	if i.deliver == nil {
		return nil
	}
	return i.deliver(ctx, s)
}

// Generate creates a signed token for identity.
func (i *Issuer) Generate(identity string, methods []string) (*Session, error) {
	if identity == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	now, err := authn.Now(i.clock)
	if err != nil {
		return nil, err
	}
	exp := now.Add(i.ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    TokenIssuer,
			Subject:   identity,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Methods: methods,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return nil, fmt.Errorf("signing session token: %w", err)
	}
	return &Session{Token: token, Identity: identity, Methods: methods, ExpiresAt: exp}, nil
}

// Verify validates a session token and returns its claims.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	now, err := authn.Now(i.clock)
	if err != nil {
		return nil, err
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HMAC
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		// Check if it's specifically an expiration error
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return claims, nil
}
