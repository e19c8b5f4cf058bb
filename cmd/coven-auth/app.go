// ABOUTME: Wires configuration into the store, ceremony manager, factors, orchestrator and session issuer
// ABOUTME: Every subcommand that touches credentials goes through an app

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/coven-auth/internal/authn"
	"github.com/2389/coven-auth/internal/authn/oidc"
	"github.com/2389/coven-auth/internal/authn/passkey"
	"github.com/2389/coven-auth/internal/authn/password"
	"github.com/2389/coven-auth/internal/authn/totp"
	"github.com/2389/coven-auth/internal/ceremony"
	"github.com/2389/coven-auth/internal/config"
	"github.com/2389/coven-auth/internal/session"
	"github.com/2389/coven-auth/internal/store"
)

type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *store.SQLiteStore
	ceremonies *ceremony.Manager

	password *password.Factor
	totp     *totp.Factor
	passkey  *passkey.Factor
	oidc     *oidc.Factor // nil unless oidc.enabled

	orchestrator *authn.Orchestrator
	sessions     *session.Issuer

	// issued receives sessions minted by the orchestrator during login.
	issued []*session.Session
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := store.NewSQLiteStoreWithDriver(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: st}
	if err := a.wire(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	clock := authn.SystemClock{}
	random := authn.SystemRandom{}

	a.ceremonies = ceremony.NewManager(a.store, ceremony.Config{
		TTL:    cfg.Ceremony.TTL,
		Clock:  clock,
		Random: random,
		Logger: a.logger,
	})

	a.password = password.New(a.store, password.Config{
		Params: password.Params{
			Memory:  cfg.Password.Memory,
			Time:    cfg.Password.Time,
			Threads: cfg.Password.Threads,
			KeyLen:  cfg.Password.KeyLen,
		},
		MaxLength: cfg.Password.MaxLength,
	}, clock, random, a.logger)

	var err error
	a.totp, err = totp.New(a.store, totp.Config{
		Issuer:     cfg.TOTP.Issuer,
		Digits:     cfg.TOTP.Digits,
		Period:     cfg.TOTP.Period,
		Skew:       cfg.TOTP.Skew,
		Algorithm:  cfg.TOTP.Algorithm,
		PendingTTL: cfg.Ceremony.TTL,
	}, clock, random, a.logger)
	if err != nil {
		return fmt.Errorf("configuring totp: %w", err)
	}

	rp, err := passkey.NewRelyingParty(passkey.Config{
		BaseURL:       cfg.WebAuthn.BaseURL,
		RPID:          cfg.WebAuthn.RPID,
		RPDisplayName: cfg.WebAuthn.RPDisplayName,
		RPOrigins:     cfg.WebAuthn.RPOrigins,
	})
	if err != nil {
		return fmt.Errorf("configuring webauthn: %w", err)
	}
	a.passkey = passkey.New(a.store, a.ceremonies, rp, clock, a.logger)

	factors := []authn.Factor{a.password, a.totp, a.passkey}
	if cfg.OIDC.Enabled {
		a.oidc, err = oidc.New(ctx, oidc.Config{
			IssuerURL:    cfg.OIDC.IssuerURL,
			ClientID:     cfg.OIDC.ClientID,
			ClientSecret: cfg.OIDC.ClientSecret,
			RedirectURL:  cfg.OIDC.RedirectURL,
			Scopes:       cfg.OIDC.Scopes,
		}, a.store, a.ceremonies, clock, random, a.logger)
		if err != nil {
			return fmt.Errorf("configuring oidc: %w", err)
		}
		factors = append(factors, a.oidc)
	}

	a.sessions, err = session.NewIssuer([]byte(cfg.Session.JWTSecret), cfg.Session.TTL, clock, a.collect, a.logger)
	if err != nil {
		return fmt.Errorf("configuring sessions: %w", err)
	}

	policy, err := authn.ParsePolicy(cfg.Policy.Rule, cfg.Policy.MaxResultAge)
	if err != nil {
		return fmt.Errorf("parsing policy: %w", err)
	}
	a.orchestrator, err = authn.NewOrchestrator(policy, factors, a.sessions,
		authn.WithClock(clock),
		authn.WithLogger(a.logger),
		authn.WithAuditor(auditLog{st: a.store}),
	)
	if err != nil {
		return fmt.Errorf("building orchestrator: %w", err)
	}
	return nil
}

func (a *app) collect(_ context.Context, s *session.Session) error {
	a.issued = append(a.issued, s)
	return nil
}

// audit records an enrollment change. Failures are logged only.
func (a *app) audit(ctx context.Context, action store.AuditAction, identity string, kind authn.Kind, detail map[string]any) {
	entry := &store.AuditEntry{Identity: identity, Action: action, Kind: kind.String(), Detail: detail}
	if err := a.store.AppendAuditLog(ctx, entry); err != nil {
		a.logger.Warn("failed to record audit entry", "action", action, "identity", identity, "error", err)
	}
}

// auditLog writes orchestrator events to the store's audit table.
type auditLog struct {
	st store.AuditStore
}

func (l auditLog) Record(ctx context.Context, e authn.Event) error {
	entry := &store.AuditEntry{
		Identity:  e.Identity,
		Action:    store.AuditAction(e.Action),
		Kind:      e.Kind.String(),
		AttemptID: e.AttemptID,
		Timestamp: e.At,
	}
	detail := map[string]any{}
	if e.Reason != "" {
		detail["reason"] = e.Reason
	}
	if len(e.Verified) > 0 {
		names := make([]string, len(e.Verified))
		for i, k := range e.Verified {
			names[i] = k.String()
		}
		detail["verified"] = names
	}
	if len(detail) > 0 {
		entry.Detail = detail
	}
	return l.st.AppendAuditLog(ctx, entry)
}

// Close releases the orchestrator and the database.
func (a *app) Close() {
	if a.orchestrator != nil {
		a.orchestrator.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", "error", err)
	}
}
