// ABOUTME: Interactive terminal login driven by the orchestrator
// ABOUTME: Prompts for each factor of the first usable flow and prints the issued session token

package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"

	"github.com/2389/coven-auth/internal/authn"
)

const maxLoginFailures = 3

func runLogin(ctx context.Context, a *app, args []string) error {
	in := newConsole(os.Stdin)

	identity := ""
	if len(args) > 0 {
		identity = args[0]
	}

	attempt, err := a.orchestrator.Start(identity)
	if err != nil {
		return err
	}
	defer a.orchestrator.Abandon(attempt)

	failures := 0
	for !attempt.State.Terminal() {
		kind, err := a.nextKind(ctx, attempt)
		if err != nil {
			return err
		}
		proof, err := a.collectProof(ctx, in, kind)
		if err != nil {
			return err
		}

		decision, err := a.orchestrator.Submit(ctx, attempt, kind, proof)
		if err != nil {
			failures++
			yellow.Fprintf(os.Stderr, "%s\n", authn.PublicMessage(err))
			if failures >= maxLoginFailures || !retryable(err) {
				return errors.New(authn.MsgAuthenticationFailed)
			}
			continue
		}
		if !decision.Satisfied() {
			gray.Fprintf(os.Stderr, "%s verified\n", kind)
		}
	}

	if attempt.State != authn.AttemptCompleted || len(a.issued) == 0 {
		return errors.New(authn.MsgAuthenticationFailed)
	}
	s := a.issued[len(a.issued)-1]
	green.Fprintf(os.Stderr, "logged in as %s (expires %s)\n", s.Identity, s.ExpiresAt.Local().Format("Jan 02 15:04"))
	fmt.Println(s.Token)
	return nil
}

// retryable reports whether prompting again can help.
func retryable(err error) bool {
	return errors.Is(err, authn.ErrMismatch) ||
		errors.Is(err, authn.ErrReplayed) ||
		errors.Is(err, authn.ErrInvalidInput) ||
		errors.Is(err, authn.ErrStateMismatch) ||
		errors.Is(err, authn.ErrCeremonyExpired)
}

// terminalKinds are the factors that can be completed without a browser
// authenticator. OIDC works by pasting the redirect URL back.
var terminalKinds = []authn.Kind{authn.KindPassword, authn.KindTOTP, authn.KindOIDC}

// nextKind picks the next factor to ask for from the first flow the
// identity can complete in a terminal.
func (a *app) nextKind(ctx context.Context, attempt *authn.Attempt) (authn.Kind, error) {
	if attempt.Identity == "" {
		if a.oidc != nil && a.orchestrator.Policy().Requires(authn.KindOIDC) {
			return authn.KindOIDC, nil
		}
		return "", fmt.Errorf("an identity is required unless oidc login is enabled")
	}

	flows, err := a.orchestrator.Flows(ctx, a.store, attempt.Identity)
	if err != nil {
		return "", err
	}
	for _, flow := range flows {
		usable := true
		for _, k := range flow {
			if !slices.Contains(terminalKinds, k) || (k == authn.KindOIDC && a.oidc == nil) {
				usable = false
				break
			}
		}
		if !usable {
			continue
		}
		for _, k := range flow {
			if !slices.Contains(attempt.Decision.Verified, k) {
				return k, nil
			}
		}
	}
	return "", errors.New("no login flow for this identity can be completed from a terminal")
}

// collectProof prompts for kind. An OIDC login never links the provider
// account to the attempt's identity; only an existing link is accepted.
func (a *app) collectProof(ctx context.Context, in *console, kind authn.Kind) (authn.Proof, error) {
	switch kind {
	case authn.KindPassword:
		pw, err := in.secret("Password")
		return authn.Proof{Secret: pw}, err
	case authn.KindTOTP:
		code, err := in.secret("Authenticator code")
		return authn.Proof{Secret: code}, err
	case authn.KindOIDC:
		authURL, token, err := a.oidc.Begin(ctx)
		if err != nil {
			return authn.Proof{}, err
		}
		fmt.Fprintf(os.Stderr, "Open this URL to sign in:\n\n  %s\n\n", authURL)
		redirected, err := in.line("Paste the URL you were redirected to")
		if err != nil {
			return authn.Proof{}, err
		}
		state, code, err := callbackParams(redirected)
		if err != nil {
			return authn.Proof{}, err
		}
		return authn.Proof{Ceremony: token, State: state, Code: code}, nil
	default:
		return authn.Proof{}, fmt.Errorf("%s cannot be completed from a terminal", kind)
	}
}

// callbackParams extracts state and code from a pasted redirect URL.
func callbackParams(raw string) (state, code string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: not a URL", authn.ErrInvalidInput)
	}
	q := u.Query()
	if e := q.Get("error"); e != "" {
		return "", "", fmt.Errorf("provider returned %s: %s", e, q.Get("error_description"))
	}
	return q.Get("state"), q.Get("code"), nil
}
