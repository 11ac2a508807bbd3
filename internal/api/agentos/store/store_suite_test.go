package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	agentosmodels "fleet_ops/internal/api/agentos/models"
	"fleet_ops/internal/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicies() []agentosmodels.PolicyRule {
	return []agentosmodels.PolicyRule{
		{PolicyID: "policy.dispatch.assign", ActionType: agentosmodels.ActionDispatchAssignLoads, Enabled: true, MinConfidence: 0.85, MaxTargets: 40},
		{PolicyID: "policy.system.reset", ActionType: agentosmodels.ActionSystemResetDemoData, Enabled: true, RequiresAdminApproval: true, Destructive: true, MinConfidence: 0.99, MaxTargets: 1},
	}
}

func newRun(id, tenant string, status agentosmodels.RunStatus, updatedAt int64) *agentosmodels.AgentRun {
	return &agentosmodels.AgentRun{
		RunID:     id,
		TenantID:  tenant,
		Objective: "assign loads",
		Status:    status,
		Summary:   agentosmodels.RunProgress{PlanActions: []agentosmodels.ActionType{agentosmodels.ActionDispatchAssignLoads}},
		CreatedAt: updatedAt,
		UpdatedAt: updatedAt,
	}
}

func pendingApproval(id, runID, tenant string, requestedAt int64) *agentosmodels.AgentApproval {
	return &agentosmodels.AgentApproval{
		ApprovalID:  id,
		RunID:       runID,
		StepID:      "ASTEP-" + id,
		TenantID:    tenant,
		PolicyID:    "policy.system.reset",
		Status:      agentosmodels.ApprovalStatusPending,
		RequestedBy: "agent",
		RequestedAt: requestedAt,
		Note:        "Approval required",
	}
}

// runStoreSuite kiểm tra hành vi chung mà mọi backend StateStore phải thoả
func runStoreSuite(t *testing.T, newStore func(t *testing.T) StateStore) {
	ctx := context.Background()

	t.Run("Sequence tăng đơn điệu theo định dạng", func(t *testing.T) {
		s := newStore(t)
		id1, err := s.NextRunID(ctx)
		require.NoError(t, err)
		id2, err := s.NextRunID(ctx)
		require.NoError(t, err)
		assert.Equal(t, "ARUN-000001", id1)
		assert.Equal(t, "ARUN-000002", id2)

		stepID, err := s.NextStepID(ctx)
		require.NoError(t, err)
		assert.Equal(t, "ASTEP-000001", stepID)

		apprID, err := s.NextApprovalID(ctx)
		require.NoError(t, err)
		assert.Equal(t, "AAPR-000001", apprID)
	})

	t.Run("Sequence an toàn khi gọi đồng thời", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		var mu sync.Mutex
		seen := map[string]bool{}
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id, err := s.NextStepID(ctx)
				assert.NoError(t, err)
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}()
		}
		wg.Wait()
		assert.Len(t, seen, 20)
	})

	t.Run("Run upsert, get và list theo updatedAt giảm dần", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.UpsertRun(ctx, newRun("ARUN-000001", "t1", agentosmodels.RunStatusCompleted, 100)))
		require.NoError(t, s.UpsertRun(ctx, newRun("ARUN-000002", "t1", agentosmodels.RunStatusRunning, 300)))
		require.NoError(t, s.UpsertRun(ctx, newRun("ARUN-000003", "t2", agentosmodels.RunStatusRunning, 200)))

		updated := newRun("ARUN-000001", "t1", agentosmodels.RunStatusFailed, 400)
		updated.Errors = []string{"Approval rejected: AAPR-000001"}
		require.NoError(t, s.UpsertRun(ctx, updated))

		got, err := s.GetRun(ctx, "ARUN-000001")
		require.NoError(t, err)
		assert.Equal(t, agentosmodels.RunStatusFailed, got.Status)
		assert.Equal(t, []string{"Approval rejected: AAPR-000001"}, got.Errors)
		assert.Equal(t, []agentosmodels.ActionType{agentosmodels.ActionDispatchAssignLoads}, got.Summary.PlanActions)

		runs, err := s.ListRuns(ctx, "t1", 50)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "ARUN-000001", runs[0].RunID)
		assert.Equal(t, "ARUN-000002", runs[1].RunID)

		runs, err = s.ListRuns(ctx, "t1", 1)
		require.NoError(t, err)
		assert.Len(t, runs, 1)

		_, err = s.GetRun(ctx, "ARUN-999999")
		assert.True(t, errors.Is(err, common.ErrNotFound))
	})

	t.Run("Step upsert giữ step_index duy nhất", func(t *testing.T) {
		s := newStore(t)
		step := &agentosmodels.AgentStep{StepID: "ASTEP-000002", RunID: "ARUN-000001", StepIndex: 1, Status: agentosmodels.StepStatusRunning}
		require.NoError(t, s.UpsertStep(ctx, step))
		require.NoError(t, s.UpsertStep(ctx, &agentosmodels.AgentStep{StepID: "ASTEP-000001", RunID: "ARUN-000001", StepIndex: 0, Status: agentosmodels.StepStatusCompleted}))

		step.Status = agentosmodels.StepStatusCompleted
		step.Output = agentosmodels.StepOutput{ActionExecuted: true, Result: map[string]interface{}{}}
		require.NoError(t, s.UpsertStep(ctx, step))

		steps, err := s.ListSteps(ctx, "ARUN-000001")
		require.NoError(t, err)
		require.Len(t, steps, 2)
		assert.Equal(t, 0, steps[0].StepIndex)
		assert.Equal(t, 1, steps[1].StepIndex)
		assert.Equal(t, agentosmodels.StepStatusCompleted, steps[1].Status)
		assert.False(t, steps[0].Output.Executed())
		assert.True(t, steps[1].Output.Executed())

		dup := &agentosmodels.AgentStep{StepID: "ASTEP-000009", RunID: "ARUN-000001", StepIndex: 1}
		assert.Error(t, s.UpsertStep(ctx, dup))
	})

	t.Run("Một run chỉ có một approval pending", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertApproval(ctx, pendingApproval("AAPR-000001", "ARUN-000001", "t1", 10)))
		err := s.InsertApproval(ctx, pendingApproval("AAPR-000002", "ARUN-000001", "t1", 11))
		assert.True(t, errors.Is(err, common.ErrPendingApprovalExists))

		// Run khác không bị ảnh hưởng
		require.NoError(t, s.InsertApproval(ctx, pendingApproval("AAPR-000003", "ARUN-000002", "t1", 12)))
	})

	t.Run("ResolveApproval là compare-and-swap", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertApproval(ctx, pendingApproval("AAPR-000001", "ARUN-000001", "t1", 10)))

		res := agentosmodels.ApprovalResolution{Status: agentosmodels.ApprovalStatusApproved, ResolvedBy: "ops", ResolvedAt: 20}
		got, err := s.ResolveApproval(ctx, "AAPR-000001", res)
		require.NoError(t, err)
		assert.Equal(t, agentosmodels.ApprovalStatusApproved, got.Status)
		assert.Equal(t, "ops", got.ResolvedBy)
		assert.Equal(t, "Approval required", got.Note)

		_, err = s.ResolveApproval(ctx, "AAPR-000001", agentosmodels.ApprovalResolution{Status: agentosmodels.ApprovalStatusRejected, ResolvedAt: 30})
		assert.True(t, errors.Is(err, common.ErrApprovalResolved))

		_, err = s.ResolveApproval(ctx, "AAPR-404", res)
		assert.True(t, errors.Is(err, common.ErrNotFound))

		// Sau khi resolve có thể mở approval pending mới cho cùng run
		require.NoError(t, s.InsertApproval(ctx, pendingApproval("AAPR-000002", "ARUN-000001", "t1", 40)))
	})

	t.Run("ResolveApproval đồng thời chỉ một bên thắng", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertApproval(ctx, pendingApproval("AAPR-000001", "ARUN-000001", "t1", 10)))

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins, losses := 0, 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.ResolveApproval(ctx, "AAPR-000001", agentosmodels.ApprovalResolution{
					Status: agentosmodels.ApprovalStatusApproved, ResolvedBy: fmt.Sprintf("actor-%d", i), ResolvedAt: 20,
				})
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
				} else if errors.Is(err, common.ErrApprovalResolved) {
					losses++
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, 7, losses)
	})

	t.Run("List approvals theo run và pending theo tenant", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertApproval(ctx, pendingApproval("AAPR-000002", "ARUN-000002", "t1", 50)))
		require.NoError(t, s.InsertApproval(ctx, pendingApproval("AAPR-000001", "ARUN-000001", "t1", 40)))
		require.NoError(t, s.InsertApproval(ctx, pendingApproval("AAPR-000003", "ARUN-000003", "t2", 30)))

		pending, err := s.ListPendingApprovals(ctx, "t1", 100)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "AAPR-000001", pending[0].ApprovalID)

		_, err = s.ResolveApproval(ctx, "AAPR-000001", agentosmodels.ApprovalResolution{Status: agentosmodels.ApprovalStatusRejected, ResolvedAt: 60})
		require.NoError(t, err)
		pending, err = s.ListPendingApprovals(ctx, "t1", 100)
		require.NoError(t, err)
		assert.Len(t, pending, 1)

		byRun, err := s.ListApprovals(ctx, "ARUN-000001")
		require.NoError(t, err)
		require.Len(t, byRun, 1)
		assert.Equal(t, agentosmodels.ApprovalStatusRejected, byRun[0].Status)
	})

	t.Run("Policy seed không ghi đè và patch", func(t *testing.T) {
		s := newStore(t)
		n, err := s.SeedPolicies(ctx, testPolicies())
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		disabled := false
		_, err = s.UpdatePolicy(ctx, "policy.dispatch.assign", agentosmodels.PolicyPatch{Enabled: &disabled})
		require.NoError(t, err)

		n, err = s.SeedPolicies(ctx, testPolicies())
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		p, err := s.GetPolicyForAction(ctx, agentosmodels.ActionDispatchAssignLoads)
		require.NoError(t, err)
		assert.False(t, p.Enabled)
		assert.Equal(t, 40, p.MaxTargets)

		all, err := s.ListPolicies(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "policy.dispatch.assign", all[0].PolicyID)

		_, err = s.GetPolicyForAction(ctx, agentosmodels.ActionFleetAddDriver)
		assert.True(t, errors.Is(err, common.ErrNotFound))
		_, err = s.UpdatePolicy(ctx, "policy.none", agentosmodels.PolicyPatch{})
		assert.True(t, errors.Is(err, common.ErrNotFound))
		_, err = s.GetPolicy(ctx, "policy.none")
		assert.True(t, errors.Is(err, common.ErrNotFound))
	})

	t.Run("GetPolicyForAction chọn policy_id nhỏ nhất", func(t *testing.T) {
		s := newStore(t)
		_, err := s.SeedPolicies(ctx, []agentosmodels.PolicyRule{
			{PolicyID: "policy.z", ActionType: agentosmodels.ActionBillingExportReady, Enabled: false, MaxTargets: 1},
			{PolicyID: "policy.a", ActionType: agentosmodels.ActionBillingExportReady, Enabled: true, MaxTargets: 1},
		})
		require.NoError(t, err)
		p, err := s.GetPolicyForAction(ctx, agentosmodels.ActionBillingExportReady)
		require.NoError(t, err)
		assert.Equal(t, "policy.a", p.PolicyID)
	})

	t.Run("Idempotency lưu nguyên byte và hết hạn", func(t *testing.T) {
		s := newStore(t)
		body := []byte(`{"code":200,"data":{"run":{"runId":"ARUN-000001"}}}`)
		require.NoError(t, s.SetIdempotent(ctx, "t1", "agent_os_run:k1", body, time.Hour))

		got, ok, err := s.GetIdempotent(ctx, "t1", "agent_os_run:k1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, body, got)

		_, ok, err = s.GetIdempotent(ctx, "t2", "agent_os_run:k1")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.SetIdempotent(ctx, "t1", "agent_os_run:k2", body, time.Hour))
		removed, err := s.PruneIdempotency(ctx, time.Now().Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2), removed)

		_, ok, err = s.GetIdempotent(ctx, "t1", "agent_os_run:k1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Metrics", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.UpsertRun(ctx, newRun("ARUN-000001", "t1", agentosmodels.RunStatusCompleted, 1)))
		require.NoError(t, s.UpsertRun(ctx, newRun("ARUN-000002", "t1", agentosmodels.RunStatusCompletedWithWarnings, 2)))
		require.NoError(t, s.UpsertRun(ctx, newRun("ARUN-000003", "t1", agentosmodels.RunStatusWaitingApproval, 3)))
		require.NoError(t, s.UpsertRun(ctx, newRun("ARUN-000004", "t1", agentosmodels.RunStatusFailed, 4)))
		require.NoError(t, s.UpsertRun(ctx, newRun("ARUN-000005", "t2", agentosmodels.RunStatusCompleted, 5)))

		steps := []agentosmodels.AgentStep{
			{StepID: "S1", RunID: "ARUN-000001", StepIndex: 0, Status: agentosmodels.StepStatusCompleted, LatencyMs: 10},
			{StepID: "S2", RunID: "ARUN-000001", StepIndex: 1, Status: agentosmodels.StepStatusCompleted, LatencyMs: 30},
			{StepID: "S3", RunID: "ARUN-000002", StepIndex: 0, Status: agentosmodels.StepStatusFailed, LatencyMs: 20},
			{StepID: "S4", RunID: "ARUN-000003", StepIndex: 0, Status: agentosmodels.StepStatusWaitingApproval},
			{StepID: "S5", RunID: "ARUN-000005", StepIndex: 0, Status: agentosmodels.StepStatusCompleted, LatencyMs: 999},
		}
		for i := range steps {
			require.NoError(t, s.UpsertStep(ctx, &steps[i]))
		}

		m, err := s.RunMetrics(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, 4, m.RunsTotal)
		assert.Equal(t, 2, m.RunsCompleted)
		assert.Equal(t, 1, m.RunsWaitingApproval)
		assert.Equal(t, 1, m.RunsFailed)
		assert.Equal(t, 4, m.StepsTotal)
		assert.Equal(t, 2, m.StepsCompleted)
		assert.Equal(t, 0.5, m.StepSuccessRate)
		// latencies [10 20 30]: idx = round(0.95*2) = 2
		assert.Equal(t, 30.0, m.P95StepLatencyMs)

		empty, err := s.RunMetrics(ctx, "nobody")
		require.NoError(t, err)
		assert.Equal(t, 0, empty.RunsTotal)
		assert.Equal(t, 0.0, empty.StepSuccessRate)
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(ctx))
	})
}
