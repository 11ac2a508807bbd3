package agentossvc

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"fleet_ops/internal/api/agentos/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadPolicyFile(t *testing.T) {
	t.Run("File seed của repo khớp với DefaultPolicies", func(t *testing.T) {
		rules, err := LoadPolicyFile(filepath.Join("..", "..", "..", "..", "config", "policies.yaml"))
		require.NoError(t, err)
		assert.Equal(t, DefaultPolicies(), rules)
	})

	t.Run("Action không hợp lệ", func(t *testing.T) {
		path := writeSeed(t, "policies:\n  - policy_id: p1\n    action_type: fleet.teleport\n    max_targets: 1\n")
		_, err := LoadPolicyFile(path)
		assert.ErrorContains(t, err, "'action_type' tag")
	})

	t.Run("min_confidence ngoài [0,1]", func(t *testing.T) {
		path := writeSeed(t, "policies:\n  - policy_id: p1\n    action_type: fleet.add_driver\n    min_confidence: 1.5\n    max_targets: 1\n")
		_, err := LoadPolicyFile(path)
		assert.ErrorContains(t, err, "MinConfidence")
	})

	t.Run("Trùng action", func(t *testing.T) {
		path := writeSeed(t, `policies:
  - policy_id: p1
    action_type: dispatch.assign_loads
    max_targets: 1
  - policy_id: p2
    action_type: dispatch.assign_loads
    max_targets: 1
`)
		_, err := LoadPolicyFile(path)
		assert.ErrorContains(t, err, "duplicate policy")
	})

	t.Run("Thiếu file", func(t *testing.T) {
		_, err := LoadPolicyFile(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}

func TestSeedPoliciesFromFile(t *testing.T) {
	ctx := context.Background()

	t.Run("Fallback về DefaultPolicies", func(t *testing.T) {
		svc := NewAgentOSService(store.NewMemoryStore(), &fakeActions{}, &fakeActions{}, Options{})
		defer svc.Idempotency().Close()
		inserted, err := svc.SeedPoliciesFromFile(ctx, filepath.Join(t.TempDir(), "missing.yaml"))
		require.NoError(t, err)
		assert.Equal(t, len(DefaultPolicies()), inserted)
	})

	t.Run("Seed lại không ghi đè", func(t *testing.T) {
		path := writeSeed(t, `policies:
  - policy_id: policy.dispatch.assign
    action_type: dispatch.assign_loads
    enabled: false
    min_confidence: 0.5
    max_targets: 3
`)
		svc := NewAgentOSService(store.NewMemoryStore(), &fakeActions{}, &fakeActions{}, Options{})
		defer svc.Idempotency().Close()
		inserted, err := svc.SeedPoliciesFromFile(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, 1, inserted)

		inserted, err = svc.SeedPoliciesFromFile(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, len(DefaultPolicies())-1, inserted)

		rules, err := svc.ListPolicies(ctx)
		require.NoError(t, err)
		for _, r := range rules {
			if r.PolicyID == "policy.dispatch.assign" {
				assert.False(t, r.Enabled)
				assert.Equal(t, 3, r.MaxTargets)
			}
		}
	})
}
