// ABOUTME: Authentication orchestrator driving per-attempt login state machines
// ABOUTME: Dispatches to factors by kind, evaluates policy and hands completed logins off once

package authn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-auth/internal/dedupe"
)

// AttemptState is the state of a login attempt.
type AttemptState string

// Attempt states.
const (
	AttemptStarted         AttemptState = "started"
	AttemptFactorPending   AttemptState = "factor_pending"
	AttemptFactorVerified  AttemptState = "factor_verified"
	AttemptPolicyPending   AttemptState = "policy_pending"
	AttemptPolicySatisfied AttemptState = "policy_satisfied"
	AttemptCompleted       AttemptState = "completed"
	AttemptAbandoned       AttemptState = "abandoned"
)

// Terminal reports whether no further transitions are possible.
func (s AttemptState) Terminal() bool {
	return s == AttemptCompleted || s == AttemptAbandoned
}

// Attempt is a single login attempt. It is owned by the caller, who may
// serialize it between requests.
type Attempt struct {
	ID        string               `json:"id"`
	Identity  string               `json:"identity,omitempty"`
	State     AttemptState         `json:"state"`
	Pending   Kind                 `json:"pending,omitempty"`
	Results   []VerificationResult `json:"results,omitempty"`
	Decision  Decision             `json:"decision"`
	StartedAt time.Time            `json:"started_at"`
	EndedAt   time.Time            `json:"ended_at,omitempty"`
}

// SessionIssuer receives completed logins. It is called at most once per
// successfully completed attempt.
type SessionIssuer interface {
	Issue(ctx context.Context, identity string, decision Decision) error
}

// Enrollments reports which factor kinds an identity has enrolled.
type Enrollments interface {
	EnrolledKinds(ctx context.Context, identity string) ([]string, error)
}

// Audit event actions.
const (
	EventLoginCompleted = "login_completed"
	EventFactorFailed   = "factor_failed"
)

// Event is a security-relevant orchestrator event.
type Event struct {
	Action    string
	Identity  string
	Kind      Kind   // factor that failed
	Verified  []Kind // kinds that completed the login
	AttemptID string
	Reason    string
	At        time.Time
}

// Auditor records orchestrator events. Recording failures are logged and
// never fail the login.
type Auditor interface {
	Record(ctx context.Context, e Event) error
}

// Orchestrator composes factors under a policy.
type Orchestrator struct {
	policy  *Policy
	factors map[Kind]Factor
	issuer  SessionIssuer
	clock   Clock
	handoff *dedupe.Cache
	auditor Auditor
	logger  *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithClock sets the orchestrator's time source.
func WithClock(c Clock) OrchestratorOption {
	return func(o *Orchestrator) { o.clock = c }
}

// WithLogger sets the orchestrator's logger.
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l.With("component", "orchestrator") }
}

// WithAuditor records login events with a.
func WithAuditor(a Auditor) OrchestratorOption {
	return func(o *Orchestrator) { o.auditor = a }
}

// WithHandoffCache replaces the default exactly-once hand-off guard.
func WithHandoffCache(c *dedupe.Cache) OrchestratorOption {
	return func(o *Orchestrator) { o.handoff = c }
}

// NewOrchestrator builds an orchestrator. Every kind the policy references
// must have a factor.
func NewOrchestrator(policy *Policy, factors []Factor, issuer SessionIssuer, opts ...OrchestratorOption) (*Orchestrator, error) {
	if policy == nil {
		return nil, errors.New("orchestrator: policy is required")
	}
	if issuer == nil {
		return nil, errors.New("orchestrator: session issuer is required")
	}

	o := &Orchestrator{
		policy:  policy,
		factors: make(map[Kind]Factor, len(factors)),
		issuer:  issuer,
		clock:   SystemClock{},
		logger:  slog.Default().With("component", "orchestrator"),
	}
	for _, f := range factors {
		if f == nil {
			continue
		}
		if _, dup := o.factors[f.Kind()]; dup {
			return nil, fmt.Errorf("orchestrator: duplicate factor %q", f.Kind())
		}
		o.factors[f.Kind()] = f
	}
	for _, k := range policy.Kinds() {
		if _, ok := o.factors[k]; !ok {
			return nil, fmt.Errorf("orchestrator: policy requires %q: %w", k, ErrFactorNotConfigured)
		}
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.handoff == nil {
		o.handoff = dedupe.New(24*time.Hour, 100_000, dedupe.WithClock(o.clock.Now))
	}
	return o, nil
}

// Close releases background resources.
func (o *Orchestrator) Close() {
	o.handoff.Close()
}

// Policy returns the orchestrator's policy.
func (o *Orchestrator) Policy() *Policy {
	return o.policy
}

// Start opens a new attempt. identity may be empty when the first factor
// identifies the user itself (discoverable passkeys, OIDC).
func (o *Orchestrator) Start(identity string) (*Attempt, error) {
	now, err := Now(o.clock)
	if err != nil {
		return nil, err
	}
	a := &Attempt{
		ID:        uuid.New().String(),
		Identity:  identity,
		State:     AttemptStarted,
		StartedAt: now,
	}
	a.Decision = o.policy.Evaluate(identity, nil, now)
	return a, nil
}

// Begin marks kind as the factor the attempt is waiting on.
func (o *Orchestrator) Begin(a *Attempt, kind Kind) error {
	if err := o.checkOpen(a); err != nil {
		return err
	}
	if _, err := o.factor(kind); err != nil {
		return err
	}
	a.State = AttemptFactorPending
	a.Pending = kind
	return nil
}

// Submit verifies proof with the factor for kind and folds the result into
// the attempt. On failure the attempt stays pending on kind. A verified
// factor moves the attempt to AttemptFactorVerified and then through
// Evaluate; the attempt is left there only if evaluation itself fails.
func (o *Orchestrator) Submit(ctx context.Context, a *Attempt, kind Kind, proof Proof) (Decision, error) {
	if err := o.checkOpen(a); err != nil {
		return Decision{}, err
	}
	f, err := o.factor(kind)
	if err != nil {
		return Decision{}, err
	}
	a.State = AttemptFactorPending
	a.Pending = kind

	result, err := f.Verify(ctx, a.Identity, proof)
	if err != nil {
		o.logger.Info("factor verification failed", "attempt", a.ID, "kind", kind, "error", err)
		o.failed(ctx, a, kind, err)
		return a.Decision, err
	}
	if result == nil || result.Kind != kind {
		err := fmt.Errorf("%w: factor %q returned no result", ErrMismatch, kind)
		o.failed(ctx, a, kind, err)
		return a.Decision, err
	}

	if a.Identity == "" {
		a.Identity = result.Identity
	} else if result.Identity != a.Identity {
		o.logger.Warn("factor verified a different identity", "attempt", a.ID, "kind", kind)
		err := fmt.Errorf("%w: result identity does not match attempt", ErrMismatch)
		o.failed(ctx, a, kind, err)
		return a.Decision, err
	}

	a.Results = append(a.Results, *result)
	a.State = AttemptFactorVerified
	a.Pending = ""
	o.logger.Debug("factor verified", "attempt", a.ID, "identity", a.Identity, "kind", kind)

	return o.Evaluate(ctx, a)
}

// Evaluate recomputes the attempt's decision and completes it when the policy
// is satisfied. Calling it again after completion returns the stored decision
// without side effects.
func (o *Orchestrator) Evaluate(ctx context.Context, a *Attempt) (Decision, error) {
	if a == nil {
		return Decision{}, fmt.Errorf("%w: nil attempt", ErrInvalidInput)
	}
	if a.State.Terminal() {
		return a.Decision, nil
	}

	now, err := Now(o.clock)
	if err != nil {
		return a.Decision, err
	}
	d := o.policy.Evaluate(a.Identity, a.Results, now)
	a.Decision = d

	if !d.Satisfied() {
		if a.Pending == "" {
			a.State = AttemptPolicyPending
		}
		return d, nil
	}

	a.State = AttemptPolicySatisfied
	if err := o.complete(ctx, a, now); err != nil {
		return d, err
	}
	return a.Decision, nil
}

func (o *Orchestrator) complete(ctx context.Context, a *Attempt, now time.Time) error {
	if !o.handoff.Claim(a.ID) {
		// Another caller already handed this attempt off.
		a.State = AttemptCompleted
		a.EndedAt = now
		return nil
	}
	if err := o.issuer.Issue(ctx, a.Identity, a.Decision); err != nil {
		o.handoff.Release(a.ID)
		o.logger.Error("session issue failed", "attempt", a.ID, "identity", a.Identity, "error", err)
		return fmt.Errorf("issuing session: %w", err)
	}
	a.State = AttemptCompleted
	a.EndedAt = now
	o.logger.Info("login completed", "attempt", a.ID, "identity", a.Identity, "kinds", a.Decision.Verified)
	o.record(ctx, Event{
		Action:    EventLoginCompleted,
		Identity:  a.Identity,
		Verified:  a.Decision.Verified,
		AttemptID: a.ID,
		At:        now,
	})
	return nil
}

func (o *Orchestrator) failed(ctx context.Context, a *Attempt, kind Kind, err error) {
	o.record(ctx, Event{
		Action:    EventFactorFailed,
		Identity:  a.Identity,
		Kind:      kind,
		AttemptID: a.ID,
		Reason:    err.Error(),
		At:        o.clock.Now(),
	})
}

func (o *Orchestrator) record(ctx context.Context, e Event) {
	if o.auditor == nil {
		return
	}
	if err := o.auditor.Record(ctx, e); err != nil {
		o.logger.Warn("failed to record audit event", "action", e.Action, "attempt", e.AttemptID, "error", err)
	}
}

// Abandon ends an attempt without issuing a session.
func (o *Orchestrator) Abandon(a *Attempt) {
	if a == nil || a.State.Terminal() {
		return
	}
	a.State = AttemptAbandoned
	a.Pending = ""
	a.EndedAt = o.clock.Now()
	o.logger.Debug("login abandoned", "attempt", a.ID)
}

// Flows returns the policy clauses the identity can complete with what it
// has enrolled.
func (o *Orchestrator) Flows(ctx context.Context, enrollments Enrollments, identity string) ([][]Kind, error) {
	names, err := enrollments.EnrolledKinds(ctx, identity)
	if err != nil {
		return nil, StoreError("listing enrolled kinds", err)
	}
	var kinds []Kind
	for _, n := range names {
		if k := Kind(n); k.Valid() {
			kinds = append(kinds, k)
		}
	}
	return o.policy.Flows(kinds), nil
}

func (o *Orchestrator) factor(kind Kind) (Factor, error) {
	if !o.policy.Requires(kind) {
		return nil, fmt.Errorf("%w: %q is not part of the login policy", ErrFactorNotConfigured, kind)
	}
	f, ok := o.factors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFactorNotConfigured, kind)
	}
	return f, nil
}

func (o *Orchestrator) checkOpen(a *Attempt) error {
	if a == nil {
		return fmt.Errorf("%w: nil attempt", ErrInvalidInput)
	}
	if a.State.Terminal() {
		return fmt.Errorf("%w: attempt is %s", ErrInvalidInput, a.State)
	}
	return nil
}
