// ABOUTME: Tests for audit log store operations
// ABOUTME: Covers Append and List with filtering for the audit_log table, against SQLite and MockStore

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// auditStores runs fn against both implementations.
func auditStores(t *testing.T, fn func(t *testing.T, s AuditStore)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, setupTestStore(t)) })
	t.Run("mock", func(t *testing.T) { fn(t, NewMockStore()) })
}

func TestAuditStore_Append(t *testing.T) {
	auditStores(t, func(t *testing.T, s AuditStore) {
		ctx := context.Background()

		entry := &AuditEntry{
			Identity:  "alice",
			Action:    AuditFactorFailed,
			Kind:      "totp",
			AttemptID: "attempt-1",
			Detail:    map[string]any{"reason": "one-time code replayed"},
		}
		require.NoError(t, s.AppendAuditLog(ctx, entry))

		// Should have generated ID and timestamp
		assert.NotEmpty(t, entry.ID)
		assert.False(t, entry.Timestamp.IsZero())

		entries, err := s.ListAuditLog(ctx, AuditFilter{})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		got := entries[0]
		assert.Equal(t, entry.ID, got.ID)
		assert.Equal(t, "alice", got.Identity)
		assert.Equal(t, AuditFactorFailed, got.Action)
		assert.Equal(t, "totp", got.Kind)
		assert.Equal(t, "attempt-1", got.AttemptID)
		assert.Equal(t, "one-time code replayed", got.Detail["reason"])
		assert.True(t, entry.Timestamp.Equal(got.Timestamp))
	})
}

func TestAuditStore_AppendRequiresAction(t *testing.T) {
	auditStores(t, func(t *testing.T, s AuditStore) {
		assert.Error(t, s.AppendAuditLog(context.Background(), &AuditEntry{Identity: "alice"}))
	})
}

func TestAuditStore_ListNewestFirst(t *testing.T) {
	auditStores(t, func(t *testing.T, s AuditStore) {
		ctx := context.Background()
		actions := []AuditAction{AuditFactorEnrolled, AuditFactorFailed, AuditLoginCompleted}
		for i, action := range actions {
			require.NoError(t, s.AppendAuditLog(ctx, &AuditEntry{
				Identity:  "alice",
				Action:    action,
				Timestamp: testTime.Add(time.Duration(i) * time.Second),
			}))
		}

		entries, err := s.ListAuditLog(ctx, AuditFilter{})
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, AuditLoginCompleted, entries[0].Action)
		assert.Equal(t, AuditFactorEnrolled, entries[2].Action)

		limited, err := s.ListAuditLog(ctx, AuditFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})
}

func TestAuditStore_ListFilters(t *testing.T) {
	auditStores(t, func(t *testing.T, s AuditStore) {
		ctx := context.Background()
		seed := []AuditEntry{
			{Identity: "alice", Action: AuditLoginCompleted, Timestamp: testTime},
			{Identity: "bob", Action: AuditFactorFailed, Timestamp: testTime.Add(time.Minute)},
			{Identity: "alice", Action: AuditFactorFailed, Timestamp: testTime.Add(2 * time.Minute)},
			{Identity: "alice", Action: AuditFactorRemoved, Timestamp: testTime.Add(3 * time.Minute)},
		}
		for i := range seed {
			require.NoError(t, s.AppendAuditLog(ctx, &seed[i]))
		}

		alice := "alice"
		failed := AuditFactorFailed
		since := testTime.Add(time.Minute)
		until := testTime.Add(2 * time.Minute)

		tests := []struct {
			name   string
			filter AuditFilter
			want   int
		}{
			{"no filter", AuditFilter{}, 4},
			{"by identity", AuditFilter{Identity: &alice}, 3},
			{"by action", AuditFilter{Action: &failed}, 2},
			{"identity and action", AuditFilter{Identity: &alice, Action: &failed}, 1},
			{"since", AuditFilter{Since: &since}, 3},
			{"until", AuditFilter{Until: &until}, 3},
			{"window", AuditFilter{Since: &since, Until: &until}, 2},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				entries, err := s.ListAuditLog(ctx, tt.filter)
				require.NoError(t, err)
				assert.Len(t, entries, tt.want)
			})
		}
	})
}

func TestAuditStore_ListEmpty(t *testing.T) {
	auditStores(t, func(t *testing.T, s AuditStore) {
		entries, err := s.ListAuditLog(context.Background(), AuditFilter{})
		require.NoError(t, err)
		assert.NotNil(t, entries)
		assert.Empty(t, entries)
	})
}

func TestNormalizeAuditLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeAuditLimit(0))
	assert.Equal(t, 100, normalizeAuditLimit(-5))
	assert.Equal(t, 50, normalizeAuditLimit(50))
	assert.Equal(t, 1000, normalizeAuditLimit(5000))
}
