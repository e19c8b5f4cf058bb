// ABOUTME: Login policy parsed from configuration as an OR of AND clauses over factor kinds
// ABOUTME: Evaluate is pure and fails closed on foreign, unknown, stale or future results

package authn

import (
	"fmt"
	"strings"
	"time"
)

// Outcome is the result of evaluating a policy.
type Outcome string

// Policy outcomes.
const (
	OutcomePending   Outcome = "pending"
	OutcomeSatisfied Outcome = "satisfied"
)

// Decision is the result of Policy.Evaluate.
type Decision struct {
	Outcome  Outcome `json:"outcome"`
	Identity string  `json:"identity,omitempty"`
	// Verified lists the distinct kinds that counted towards the decision.
	Verified []Kind `json:"verified,omitempty"`
	// Remaining lists the kinds still needed by the closest clause. Empty
	// when the policy is satisfied.
	Remaining []Kind `json:"remaining,omitempty"`
}

// Satisfied reports whether the decision allows the login to complete.
func (d Decision) Satisfied() bool {
	return d.Outcome == OutcomeSatisfied
}

// Policy is a disjunction of clauses. A clause is satisfied when every kind in
// it has a valid verification result.
type Policy struct {
	clauses [][]Kind
	maxAge  time.Duration
}

// DefaultMaxResultAge bounds result age when a policy is built with zero.
const DefaultMaxResultAge = 5 * time.Minute

// NewPolicy builds a policy from explicit clauses. A zero maxAge means
// DefaultMaxResultAge; results older than the max age never count.
func NewPolicy(clauses [][]Kind, maxAge time.Duration) (*Policy, error) {
	if len(clauses) == 0 {
		return nil, fmt.Errorf("%w: policy has no clauses", ErrInvalidInput)
	}
	if maxAge < 0 {
		return nil, fmt.Errorf("%w: negative max result age", ErrInvalidInput)
	}
	if maxAge == 0 {
		maxAge = DefaultMaxResultAge
	}
	p := &Policy{maxAge: maxAge}
	for _, clause := range clauses {
		if len(clause) == 0 {
			return nil, fmt.Errorf("%w: empty policy clause", ErrInvalidInput)
		}
		seen := make(map[Kind]bool, len(clause))
		var c []Kind
		for _, k := range clause {
			if !k.Valid() {
				return nil, fmt.Errorf("%w: unknown factor kind %q", ErrInvalidInput, k)
			}
			if seen[k] {
				continue
			}
			seen[k] = true
			c = append(c, k)
		}
		p.clauses = append(p.clauses, c)
	}
	return p, nil
}

// ParsePolicy parses rules such as "password AND totp" or "passkey OR oidc".
// AND binds tighter than OR. Keywords are case-insensitive.
func ParsePolicy(rule string, maxAge time.Duration) (*Policy, error) {
	fields := strings.Fields(rule)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty policy", ErrInvalidInput)
	}

	var clauses [][]Kind
	var current []Kind
	expectKind := true
	for _, f := range fields {
		word := strings.ToLower(f)
		if expectKind {
			k, err := ParseKind(word)
			if err != nil {
				return nil, fmt.Errorf("parsing policy %q: %w", rule, err)
			}
			current = append(current, k)
			expectKind = false
			continue
		}
		switch word {
		case "and", "&&":
		case "or", "||":
			clauses = append(clauses, current)
			current = nil
		default:
			return nil, fmt.Errorf("%w: parsing policy %q: expected AND or OR, got %q", ErrInvalidInput, rule, f)
		}
		expectKind = true
	}
	if expectKind {
		return nil, fmt.Errorf("%w: parsing policy %q: dangling operator", ErrInvalidInput, rule)
	}
	clauses = append(clauses, current)

	return NewPolicy(clauses, maxAge)
}

// MaxAge is the oldest a verification result may be and still count.
// Zero disables the age check.
func (p *Policy) MaxAge() time.Duration {
	return p.maxAge
}

// Clauses returns a copy of the policy's clauses.
func (p *Policy) Clauses() [][]Kind {
	out := make([][]Kind, len(p.clauses))
	for i, c := range p.clauses {
		out[i] = append([]Kind(nil), c...)
	}
	return out
}

// Kinds returns every kind referenced by the policy in first-seen order.
func (p *Policy) Kinds() []Kind {
	seen := make(map[Kind]bool)
	var out []Kind
	for _, c := range p.clauses {
		for _, k := range c {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}

// Requires reports whether k appears in any clause.
func (p *Policy) Requires(k Kind) bool {
	for _, c := range p.clauses {
		for _, ck := range c {
			if ck == k {
				return true
			}
		}
	}
	return false
}

func (p *Policy) String() string {
	parts := make([]string, len(p.clauses))
	for i, c := range p.clauses {
		names := make([]string, len(c))
		for j, k := range c {
			names[j] = string(k)
		}
		parts[i] = strings.Join(names, " AND ")
	}
	return strings.Join(parts, " OR ")
}

// Evaluate decides whether results satisfy the policy for identity at now.
// It has no side effects.
func (p *Policy) Evaluate(identity string, results []VerificationResult, now time.Time) Decision {
	verified := p.acceptedKinds(identity, results, now)

	var best []Kind
	for i, clause := range p.clauses {
		var remaining []Kind
		for _, k := range clause {
			if !verified[k] {
				remaining = append(remaining, k)
			}
		}
		if len(remaining) == 0 {
			return Decision{
				Outcome:  OutcomeSatisfied,
				Identity: identity,
				Verified: p.orderedKinds(verified),
			}
		}
		if i == 0 || len(remaining) < len(best) {
			best = remaining
		}
	}

	return Decision{
		Outcome:   OutcomePending,
		Identity:  identity,
		Verified:  p.orderedKinds(verified),
		Remaining: best,
	}
}

// acceptedKinds filters results down to the kinds that may be trusted.
func (p *Policy) acceptedKinds(identity string, results []VerificationResult, now time.Time) map[Kind]bool {
	accepted := make(map[Kind]bool)
	if identity == "" || now.IsZero() {
		return accepted
	}
	for _, r := range results {
		if r.Identity != identity || !p.Requires(r.Kind) {
			continue
		}
		if r.VerifiedAt.IsZero() || r.VerifiedAt.After(now) {
			continue
		}
		if now.Sub(r.VerifiedAt) > p.maxAge {
			continue
		}
		accepted[r.Kind] = true
	}
	return accepted
}

func (p *Policy) orderedKinds(set map[Kind]bool) []Kind {
	var out []Kind
	for _, k := range p.Kinds() {
		if set[k] {
			out = append(out, k)
		}
	}
	return out
}

// Flows returns the clauses an identity could complete with the kinds it has
// enrolled. OIDC needs no prior enrollment because a first login creates the
// link.
func (p *Policy) Flows(enrolled []Kind) [][]Kind {
	have := map[Kind]bool{KindOIDC: true}
	for _, k := range enrolled {
		have[k] = true
	}
	var out [][]Kind
	for _, c := range p.clauses {
		ok := true
		for _, k := range c {
			if !have[k] {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, append([]Kind(nil), c...))
		}
	}
	return out
}
