// ABOUTME: Tests for login policy parsing and evaluation
// ABOUTME: Evaluate is checked for purity and for ignoring foreign, stale and future results

package authn_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-auth/internal/authn"
	"github.com/2389/coven-auth/internal/authn/authntest"
)

func result(identity string, kind authn.Kind, at time.Time) authn.VerificationResult {
	return authn.VerificationResult{Identity: identity, Kind: kind, VerifiedAt: at}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		rule string
		want [][]authn.Kind
	}{
		{"password AND totp", [][]authn.Kind{{authn.KindPassword, authn.KindTOTP}}},
		{"passkey OR oidc", [][]authn.Kind{{authn.KindPasskey}, {authn.KindOIDC}}},
		{"password and totp or passkey", [][]authn.Kind{{authn.KindPassword, authn.KindTOTP}, {authn.KindPasskey}}},
		{"Password && TOTP || Passkey", [][]authn.Kind{{authn.KindPassword, authn.KindTOTP}, {authn.KindPasskey}}},
		{"password AND password", [][]authn.Kind{{authn.KindPassword}}},
		{"  oidc  ", [][]authn.Kind{{authn.KindOIDC}}},
	}
	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			p, err := authn.ParsePolicy(tt.rule, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Clauses())
		})
	}
}

func TestParsePolicy_Invalid(t *testing.T) {
	for _, rule := range []string{
		"",
		"password AND",
		"AND totp",
		"password XOR totp",
		"password AND sms",
		"password totp",
		"password OR OR totp",
	} {
		t.Run(rule, func(t *testing.T) {
			_, err := authn.ParsePolicy(rule, 0)
			assert.ErrorIs(t, err, authn.ErrInvalidInput)
		})
	}
}

func TestNewPolicy_Invalid(t *testing.T) {
	_, err := authn.NewPolicy(nil, 0)
	assert.ErrorIs(t, err, authn.ErrInvalidInput)

	_, err = authn.NewPolicy([][]authn.Kind{{}}, 0)
	assert.ErrorIs(t, err, authn.ErrInvalidInput)

	_, err = authn.NewPolicy([][]authn.Kind{{"sms"}}, 0)
	assert.ErrorIs(t, err, authn.ErrInvalidInput)

	_, err = authn.NewPolicy([][]authn.Kind{{authn.KindPassword}}, -time.Second)
	assert.ErrorIs(t, err, authn.ErrInvalidInput)
}

func TestPolicy_StringAndKinds(t *testing.T) {
	p, err := authn.ParsePolicy("password and totp or passkey or totp", 0)
	require.NoError(t, err)

	assert.Equal(t, "password AND totp OR passkey OR totp", p.String())
	assert.Equal(t, []authn.Kind{authn.KindPassword, authn.KindTOTP, authn.KindPasskey}, p.Kinds())
	assert.True(t, p.Requires(authn.KindTOTP))
	assert.False(t, p.Requires(authn.KindOIDC))

	again, err := authn.ParsePolicy(p.String(), 0)
	require.NoError(t, err)
	assert.Equal(t, p.Clauses(), again.Clauses())
}

func TestEvaluate_PendingThenSatisfied(t *testing.T) {
	p, err := authn.ParsePolicy("password AND totp", 0)
	require.NoError(t, err)
	now := authntest.Epoch

	d := p.Evaluate("alice", nil, now)
	assert.Equal(t, authn.OutcomePending, d.Outcome)
	assert.Equal(t, []authn.Kind{authn.KindPassword, authn.KindTOTP}, d.Remaining)

	d = p.Evaluate("alice", []authn.VerificationResult{result("alice", authn.KindPassword, now)}, now)
	assert.Equal(t, authn.OutcomePending, d.Outcome)
	assert.Equal(t, []authn.Kind{authn.KindPassword}, d.Verified)
	assert.Equal(t, []authn.Kind{authn.KindTOTP}, d.Remaining)

	d = p.Evaluate("alice", []authn.VerificationResult{
		result("alice", authn.KindTOTP, now),
		result("alice", authn.KindPassword, now),
	}, now)
	assert.True(t, d.Satisfied())
	assert.Equal(t, "alice", d.Identity)
	assert.Equal(t, []authn.Kind{authn.KindPassword, authn.KindTOTP}, d.Verified)
	assert.Empty(t, d.Remaining)
}

func TestEvaluate_RemainingFollowsClosestClause(t *testing.T) {
	p, err := authn.ParsePolicy("password AND totp AND passkey OR oidc AND totp", 0)
	require.NoError(t, err)
	now := authntest.Epoch

	d := p.Evaluate("alice", []authn.VerificationResult{result("alice", authn.KindTOTP, now)}, now)
	assert.Equal(t, []authn.Kind{authn.KindOIDC}, d.Remaining)
}

func TestEvaluate_IgnoresUntrustedResults(t *testing.T) {
	p, err := authn.ParsePolicy("password", 5*time.Minute)
	require.NoError(t, err)
	now := authntest.Epoch

	tests := []struct {
		name     string
		identity string
		results  []authn.VerificationResult
		now      time.Time
	}{
		{"other identity", "alice", []authn.VerificationResult{result("bob", authn.KindPassword, now)}, now},
		{"kind outside policy", "alice", []authn.VerificationResult{result("alice", authn.KindTOTP, now)}, now},
		{"from the future", "alice", []authn.VerificationResult{result("alice", authn.KindPassword, now.Add(time.Second))}, now},
		{"too old", "alice", []authn.VerificationResult{result("alice", authn.KindPassword, now.Add(-6*time.Minute))}, now},
		{"zero verified time", "alice", []authn.VerificationResult{result("alice", authn.KindPassword, time.Time{})}, now},
		{"no identity", "", []authn.VerificationResult{result("", authn.KindPassword, now)}, now},
		{"zero now", "alice", []authn.VerificationResult{result("alice", authn.KindPassword, now)}, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Evaluate(tt.identity, tt.results, tt.now)
			assert.False(t, d.Satisfied())
			assert.Empty(t, d.Verified)
		})
	}

	d := p.Evaluate("alice", []authn.VerificationResult{result("alice", authn.KindPassword, now.Add(-5*time.Minute))}, now)
	assert.True(t, d.Satisfied(), "a result exactly max age old still counts")
}

func TestEvaluate_IsPure(t *testing.T) {
	p, err := authn.ParsePolicy("password AND totp OR passkey", 0)
	require.NoError(t, err)
	now := authntest.Epoch

	results := []authn.VerificationResult{
		result("alice", authn.KindTOTP, now),
		result("bob", authn.KindPasskey, now),
		result("alice", authn.KindPassword, now),
	}
	snapshot := append([]authn.VerificationResult(nil), results...)

	first := p.Evaluate("alice", results, now)
	second := p.Evaluate("alice", results, now)
	assert.Equal(t, first, second)
	assert.Equal(t, snapshot, results)
}

func TestPolicy_Flows(t *testing.T) {
	p, err := authn.ParsePolicy("password AND totp OR passkey OR oidc", 0)
	require.NoError(t, err)

	assert.Equal(t, [][]authn.Kind{{authn.KindOIDC}}, p.Flows(nil))
	assert.Equal(t, [][]authn.Kind{{authn.KindOIDC}}, p.Flows([]authn.Kind{authn.KindPassword}))
	assert.Equal(t,
		[][]authn.Kind{{authn.KindPassword, authn.KindTOTP}, {authn.KindPasskey}, {authn.KindOIDC}},
		p.Flows([]authn.Kind{authn.KindTOTP, authn.KindPasskey, authn.KindPassword}))
}

func TestParseKind(t *testing.T) {
	k, err := authn.ParseKind(" TOTP ")
	require.NoError(t, err)
	assert.Equal(t, authn.KindTOTP, k)

	_, err = authn.ParseKind("sms")
	assert.ErrorIs(t, err, authn.ErrInvalidInput)
}

func TestEvaluate_DefaultMaxResultAge(t *testing.T) {
	p, err := authn.ParsePolicy("password", 0)
	require.NoError(t, err)
	assert.Equal(t, authn.DefaultMaxResultAge, p.MaxAge())
	now := authntest.Epoch

	stale := result("alice", authn.KindPassword, now.Add(-authn.DefaultMaxResultAge-time.Second))
	d := p.Evaluate("alice", []authn.VerificationResult{stale}, now)
	assert.False(t, d.Satisfied(), "a result older than the default max age is ignored")
	assert.Empty(t, d.Verified)

	fresh := result("alice", authn.KindPassword, now.Add(-authn.DefaultMaxResultAge))
	d = p.Evaluate("alice", []authn.VerificationResult{fresh}, now)
	assert.True(t, d.Satisfied())
}
