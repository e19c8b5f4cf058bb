// ABOUTME: Credential management subcommands: password, totp, passkey, link, session and housekeeping
// ABOUTME: Errors from the engine are printed with their internal detail; this is an operator tool

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-auth/internal/authn"
	"github.com/2389/coven-auth/internal/session"
	"github.com/2389/coven-auth/internal/store"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	gray   = color.New(color.FgHiBlack)
)

func need(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: coven-auth %s", usage)
	}
	return nil
}

func runMigrate(_ context.Context, a *app) error {
	green.Print("    ▶ ")
	fmt.Printf("Database ready: %s (%s)\n", a.cfg.Database.Path, a.cfg.Database.Driver)
	return nil
}

func runSweep(ctx context.Context, a *app) error {
	n, err := a.ceremonies.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d expired ceremonies\n", n)
	return nil
}

func runSweeper(ctx context.Context, a *app) error {
	printBanner()
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", a.cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Interval:  %s\n\n", a.cfg.Ceremony.SweepInterval)

	a.logger.Info("starting ceremony sweeper", "interval", a.cfg.Ceremony.SweepInterval)
	a.ceremonies.Run(ctx, a.cfg.Ceremony.SweepInterval)
	a.logger.Info("ceremony sweeper stopped")
	return nil
}

func runPolicy(_ context.Context, a *app) error {
	p := a.orchestrator.Policy()
	fmt.Printf("rule: %s\n", p)
	fmt.Printf("max result age: %s\n", p.MaxAge())
	for i, clause := range p.Clauses() {
		fmt.Printf("  flow %d: %s\n", i+1, joinKinds(clause))
	}
	return nil
}

func runFlows(ctx context.Context, a *app, args []string) error {
	if err := need(args, 1, "flows IDENTITY"); err != nil {
		return err
	}
	flows, err := a.orchestrator.Flows(ctx, a.store, args[0])
	if err != nil {
		return err
	}
	if len(flows) == 0 {
		yellow.Println("no login flow is available for this identity")
		return nil
	}
	for _, f := range flows {
		fmt.Println(joinKinds(f))
	}
	return nil
}

func runPassword(ctx context.Context, a *app, args []string) error {
	if err := need(args, 2, "password set|import|remove IDENTITY"); err != nil {
		return err
	}
	identity := args[1]
	in := newConsole(os.Stdin)

	switch args[0] {
	case "set":
		pw, err := in.secret("New password")
		if err != nil {
			return err
		}
		if _, err := a.password.Enroll(ctx, identity, pw); err != nil {
			return err
		}
		a.audit(ctx, store.AuditFactorEnrolled, identity, authn.KindPassword, nil)
		green.Println("password set")
	case "import":
		hash, err := in.secret("bcrypt hash")
		if err != nil {
			return err
		}
		if err := a.password.ImportBcrypt(ctx, identity, hash); err != nil {
			return err
		}
		a.audit(ctx, store.AuditFactorEnrolled, identity, authn.KindPassword, map[string]any{"algorithm": "bcrypt"})
		green.Println("bcrypt hash imported; it is upgraded to argon2id on next login")
	case "remove":
		if err := a.password.Remove(ctx, identity); err != nil {
			return err
		}
		a.audit(ctx, store.AuditFactorRemoved, identity, authn.KindPassword, nil)
		green.Println("password removed")
	default:
		return fmt.Errorf("unknown password command %q", args[0])
	}
	return nil
}

func runTOTP(ctx context.Context, a *app, args []string) error {
	if err := need(args, 2, "totp enroll|confirm|remove IDENTITY [CODE]"); err != nil {
		return err
	}
	identity := args[1]

	switch args[0] {
	case "enroll":
		p, err := a.totp.Enroll(ctx, identity, identity)
		if err != nil {
			return err
		}
		fmt.Printf("secret: %s\n", p.Secret)
		fmt.Printf("uri:    %s\n", p.URI)
		gray.Printf("confirm before %s with: coven-auth totp confirm %s CODE\n", p.ExpiresAt.Local().Format(time.Kitchen), identity)
	case "confirm":
		if err := need(args, 3, "totp confirm IDENTITY CODE"); err != nil {
			return err
		}
		if _, err := a.totp.Confirm(ctx, identity, args[2]); err != nil {
			return err
		}
		a.audit(ctx, store.AuditFactorEnrolled, identity, authn.KindTOTP, nil)
		green.Println("totp enrolled")
	case "remove":
		if err := a.totp.Remove(ctx, identity); err != nil {
			return err
		}
		a.audit(ctx, store.AuditFactorRemoved, identity, authn.KindTOTP, nil)
		green.Println("totp removed")
	default:
		return fmt.Errorf("unknown totp command %q", args[0])
	}
	return nil
}

func runPasskey(ctx context.Context, a *app, args []string) error {
	if err := need(args, 2, "passkey list|remove IDENTITY [KEY_ID]"); err != nil {
		return err
	}
	identity := args[1]

	switch args[0] {
	case "list":
		keys, err := a.passkey.Keys(ctx, identity)
		if err != nil {
			return err
		}
		for _, k := range keys {
			last := "never"
			if k.LastUsedAt != nil {
				last = k.LastUsedAt.Local().Format(time.RFC3339)
			}
			fmt.Printf("%s  %-20s  created %s  last used %s  count %d\n",
				k.ID, k.Label, k.CreatedAt.Local().Format(time.RFC3339), last, k.SignCount)
		}
	case "remove":
		if err := need(args, 3, "passkey remove IDENTITY KEY_ID"); err != nil {
			return err
		}
		if err := a.passkey.RemoveKey(ctx, identity, args[2]); err != nil {
			return err
		}
		a.audit(ctx, store.AuditFactorRemoved, identity, authn.KindPasskey, map[string]any{"key_id": args[2]})
		green.Println("passkey removed")
	default:
		return fmt.Errorf("unknown passkey command %q", args[0])
	}
	return nil
}

func runLink(ctx context.Context, a *app, args []string) error {
	if err := need(args, 2, "link add TOKEN | link list|remove IDENTITY [SUBJECT]"); err != nil {
		return err
	}
	identity := args[1]

	switch args[0] {
	case "add":
		// Linking needs a session for the identity, not just its name
		claims, err := a.sessions.Verify(args[1])
		if err != nil {
			return err
		}
		return linkAccount(session.WithSession(ctx, session.FromClaims(claims)), a)
	case "list":
		links, err := a.store.ListOIDCLinks(ctx, identity)
		if err != nil {
			return authn.StoreError("listing oidc links", err)
		}
		for _, l := range links {
			fmt.Printf("%s  %s  linked %s\n", l.Issuer, l.Subject, l.CreatedAt.Local().Format(time.RFC3339))
		}
	case "remove":
		if err := need(args, 3, "link remove IDENTITY SUBJECT"); err != nil {
			return err
		}
		if a.oidc == nil {
			return fmt.Errorf("oidc is not enabled")
		}
		if err := a.oidc.Unlink(ctx, identity, args[2]); err != nil {
			return err
		}
		a.audit(ctx, store.AuditFactorRemoved, identity, authn.KindOIDC, map[string]any{"issuer": a.oidc.Issuer(), "subject": args[2]})
		green.Println("link removed")
	default:
		return fmt.Errorf("unknown link command %q", args[0])
	}
	return nil
}

func runAudit(ctx context.Context, a *app, args []string) error {
	if err := need(args, 1, "audit IDENTITY [LIMIT]"); err != nil {
		return err
	}
	filter := store.AuditFilter{Identity: &args[0], Limit: 20}
	if len(args) > 1 {
		if _, err := fmt.Sscanf(args[1], "%d", &filter.Limit); err != nil {
			return fmt.Errorf("invalid limit %q", args[1])
		}
	}
	entries, err := a.store.ListAuditLog(ctx, filter)
	if err != nil {
		return authn.StoreError("listing audit log", err)
	}
	for _, e := range entries {
		gray.Printf("%s  ", e.Timestamp.Local().Format(time.RFC3339))
		fmt.Printf("%-16s %-8s", e.Action, e.Kind)
		if reason, ok := e.Detail["reason"].(string); ok {
			yellow.Printf("  %s", reason)
		}
		fmt.Println()
	}
	return nil
}

func runSession(a *app, args []string) error {
	if err := need(args, 2, "session verify TOKEN"); err != nil {
		return err
	}
	if args[0] != "verify" {
		return fmt.Errorf("unknown session command %q", args[0])
	}
	claims, err := a.sessions.Verify(args[1])
	if err != nil {
		return err
	}
	sess := session.FromClaims(claims)
	fmt.Printf("identity: %s\n", sess.Identity)
	fmt.Printf("methods:  %s\n", strings.Join(sess.Methods, ", "))
	fmt.Printf("mfa:      %t\n", sess.MultiFactor())
	fmt.Printf("token id: %s\n", sess.TokenID)
	fmt.Printf("expires:  %s\n", claims.ExpiresAt.Local().Format(time.RFC3339))
	return nil
}

// linkAccount attaches a provider account to the identity of the session in ctx.
func linkAccount(ctx context.Context, a *app) error {
	if a.oidc == nil {
		return fmt.Errorf("oidc is not enabled")
	}
	identity := session.MustFromContext(ctx).Identity

	authURL, token, err := a.oidc.BeginLink(ctx, identity)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Open this URL to sign in with the account to link:\n\n  %s\n\n", authURL)
	redirected, err := newConsole(os.Stdin).line("Paste the URL you were redirected to")
	if err != nil {
		return err
	}
	state, code, err := callbackParams(redirected)
	if err != nil {
		return err
	}
	if _, err := a.oidc.FinishLink(ctx, token, state, code); err != nil {
		return err
	}
	a.audit(ctx, store.AuditFactorEnrolled, identity, authn.KindOIDC, map[string]any{"issuer": a.oidc.Issuer()})
	green.Printf("provider account linked to %s\n", identity)
	return nil
}

func joinKinds(kinds []authn.Kind) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return strings.Join(names, " AND ")
}
