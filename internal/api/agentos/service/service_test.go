package agentossvc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fleet_ops/internal/api/agentos/action"
	agentosmodels "fleet_ops/internal/api/agentos/models"
	"fleet_ops/internal/api/agentos/store"
	"fleet_ops/internal/common"
	"fleet_ops/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	_ = logger.Init(&logger.LogConfig{Level: "error", Format: "text", Output: "stdout", BufferSize: 100})
	os.Exit(m.Run())
}

// fakeActions ghi lại số lần gọi mỗi action, confidence và lỗi cấu hình được theo từng loại
type fakeActions struct {
	mu         sync.Mutex
	calls      map[agentosmodels.ActionType]int
	confidence map[agentosmodels.ActionType]float64
	errs       map[agentosmodels.ActionType]error
	delay      time.Duration
	nilOutput  bool
	lastReq    action.Request
}

func newFakeActions() *fakeActions {
	return &fakeActions{
		calls:      map[agentosmodels.ActionType]int{},
		confidence: map[agentosmodels.ActionType]float64{},
		errs:       map[agentosmodels.ActionType]error{},
	}
}

func (f *fakeActions) Execute(ctx context.Context, at agentosmodels.ActionType, req action.Request) (map[string]interface{}, float64, error) {
	f.mu.Lock()
	f.calls[at]++
	f.lastReq = req
	conf, ok := f.confidence[at]
	err := f.errs[at]
	delay := f.delay
	nilOutput := f.nilOutput
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		conf = 1.0
	}
	if nilOutput {
		return nil, conf, nil
	}
	return map[string]interface{}{"action": string(at), "max_targets": req.MaxTargets}, conf, nil
}

func (f *fakeActions) Snapshot(_ context.Context, tenantID string) (map[string]interface{}, error) {
	return map[string]interface{}{"tenant": tenantID}, nil
}

func (f *fakeActions) count(at agentosmodels.ActionType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[at]
}

// testBackends: các state machine test chạy trên cả store dùng chung con trỏ lẫn store serialize xuống đĩa
var testBackends = []string{"memory", "sqlite"}

func newTestStore(t *testing.T, backend string) store.StateStore {
	t.Helper()
	switch backend {
	case "sqlite":
		st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "agent_os.db"))
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		return st
	default:
		return store.NewMemoryStore()
	}
}

func newTestService(t *testing.T, backend string, actions *fakeActions, rules []agentosmodels.PolicyRule) (*AgentOSService, store.StateStore) {
	t.Helper()
	st := newTestStore(t, backend)
	if rules == nil {
		rules = DefaultPolicies()
	}
	_, err := st.SeedPolicies(context.Background(), rules)
	require.NoError(t, err)
	svc := NewAgentOSService(st, actions, actions, Options{ActionTimeout: time.Second, IdempotencyTTL: time.Hour})
	t.Cleanup(svc.Idempotency().Close)
	return svc, st
}

func runRequest(objective string) RunRequest {
	return RunRequest{TenantID: "t1", Actor: "ops@t1", Role: "admin", Objective: objective, MaxSteps: 12}
}

func boolPtr(v bool) *bool { return &v }

// assertPendingInvariant: run waiting_approval khi và chỉ khi có đúng một approval pending
func assertPendingInvariant(t *testing.T, view *agentosmodels.RunView) {
	t.Helper()
	pending := 0
	for _, a := range view.Approvals {
		if a.Status == agentosmodels.ApprovalStatusPending {
			pending++
		}
	}
	if view.Run.Status == agentosmodels.RunStatusWaitingApproval {
		assert.Equal(t, 1, pending)
	} else {
		assert.Equal(t, 0, pending)
	}
	for i, s := range view.Steps {
		assert.Equal(t, i, s.StepIndex)
	}
}

func TestBuildPlan(t *testing.T) {
	cases := []struct {
		name      string
		objective string
		maxSteps  int
		want      []agentosmodels.ActionType
	}{
		{"dispatch", "assign loads now", 12, []agentosmodels.ActionType{agentosmodels.ActionDispatchAssignLoads}},
		{"reset", "wipe reset all demo data", 12, []agentosmodels.ActionType{agentosmodels.ActionSystemResetDemoData}},
		{"mặc định", "hello there", 12, DefaultPlan()},
		{"nhiều ý định theo thứ tự cố định", "Export billing, then add a new driver named John and dispatch loads", 12,
			[]agentosmodels.ActionType{
				agentosmodels.ActionFleetAddDriver,
				agentosmodels.ActionDispatchAssignLoads,
				agentosmodels.ActionBillingExportReady,
			}},
		{"xoá tài xế và review", "remove the driver DRV-101 and review tickets", 12,
			[]agentosmodels.ActionType{agentosmodels.ActionFleetRemoveDriver, agentosmodels.ActionTicketsReviewPending}},
		{"không trùng", "assign, dispatch and schedule", 12, []agentosmodels.ActionType{agentosmodels.ActionDispatchAssignLoads}},
		{"cắt theo maxSteps", "hello there", 2, DefaultPlan()[:2]},
		{"maxSteps tối thiểu 1", "hello there", 0, DefaultPlan()[:1]},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, BuildPlan(tc.objective, tc.maxSteps))
		})
	}
}

func TestPolicyEngine(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	rules := DefaultPolicies()[:5] // không có policy cho system.reset_demo_data
	rules[2].Enabled = false
	_, err := st.SeedPolicies(ctx, rules)
	require.NoError(t, err)
	engine := NewPolicyEngine(st)

	t.Run("Cho phép", func(t *testing.T) {
		d, rule, err := engine.Evaluate(ctx, agentosmodels.ActionTicketsReviewPending)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.False(t, d.RequiresApproval)
		assert.Equal(t, "Policy check passed", d.Reason)
		assert.Equal(t, 40, rule.MaxTargets)
	})

	t.Run("Cần duyệt", func(t *testing.T) {
		d, _, err := engine.Evaluate(ctx, agentosmodels.ActionFleetRemoveDriver)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.True(t, d.RequiresApproval)
		assert.Equal(t, "policy.fleet.remove_driver", d.PolicyID)
	})

	t.Run("Bị tắt", func(t *testing.T) {
		d, _, err := engine.Evaluate(ctx, agentosmodels.ActionDispatchAssignLoads)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, "Policy 'policy.dispatch.assign' disabled action 'dispatch.assign_loads'", d.Reason)
	})

	t.Run("Thiếu policy", func(t *testing.T) {
		_, _, err := engine.Evaluate(ctx, agentosmodels.ActionSystemResetDemoData)
		require.Error(t, err)
		assert.True(t, errors.Is(err, common.ErrMissingPolicy))
		assert.Equal(t, "Missing policy for action system.reset_demo_data", err.Error())
	})
}

func TestRunExecutor_DefaultPlan(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			actions := newFakeActions()
			svc, _ := newTestService(t, backend, actions, nil)

			view, err := svc.CreateRun(ctx, runRequest("hello there"))
			require.NoError(t, err)

			assert.Equal(t, agentosmodels.RunStatusCompleted, view.Run.Status)
			assert.Equal(t, DefaultPlan(), view.Run.Summary.PlanActions)
			assert.Equal(t, 3, view.Run.Summary.NextIndex)
			assert.Equal(t, agentosmodels.AutonomyL3, view.Run.AutonomyLevel)
			assert.Equal(t, agentosmodels.ExecutionHybrid, view.Run.ExecutionMode)
			require.Len(t, view.Steps, 3)
			for _, s := range view.Steps {
				assert.Equal(t, agentosmodels.StepStatusCompleted, s.Status)
				assert.True(t, s.Output.Executed())
				assert.Equal(t, map[string]interface{}{"tenant": "t1"}, s.Output.Before)
				assert.Equal(t, "hello there", s.Input.Objective)
			}
			assert.Equal(t, 40, actions.lastReq.MaxTargets)
			assert.Equal(t, "ops@t1", actions.lastReq.Actor)
			assertPendingInvariant(t, view)
		})
	}
}

func TestRunExecutor_ApprovalGate(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()

			t.Run("Duyệt trước khi chạy", func(t *testing.T) {
				actions := newFakeActions()
				rules := DefaultPolicies()
				rules[2].RequiresAdminApproval = true
				svc, _ := newTestService(t, backend, actions, rules)

				view, err := svc.CreateRun(ctx, runRequest("assign loads now"))
				require.NoError(t, err)
				assert.Equal(t, agentosmodels.RunStatusWaitingApproval, view.Run.Status)
				require.Len(t, view.Approvals, 1)
				require.Len(t, view.Steps, 1)
				assert.Equal(t, agentosmodels.StepStatusWaitingApproval, view.Steps[0].Status)
				assert.False(t, view.Steps[0].Output.Executed())
				assert.Equal(t, view.Approvals[0].ApprovalID, view.Run.BlockedApprovalID)
				assert.Equal(t, view.Steps[0].StepID, view.Run.Summary.BlockedStepID)
				assert.Equal(t, 0, view.Run.Summary.NextIndex)
				assert.Equal(t, "agent", view.Approvals[0].RequestedBy)
				assert.Equal(t, "Approval required for action dispatch.assign_loads", view.Approvals[0].Note)
				assert.Equal(t, 0, actions.count(agentosmodels.ActionDispatchAssignLoads))
				assertPendingInvariant(t, view)

				pending, err := svc.ListPendingApprovals(ctx, "t1", 0)
				require.NoError(t, err)
				require.Len(t, pending, 1)

				stepID := view.Steps[0].StepID
				view, err = svc.DecideApproval(ctx, DecisionRequest{
					TenantID: "t1", RunID: view.Run.RunID, ApprovalID: view.Approvals[0].ApprovalID,
					Actor: "boss@t1", Role: "admin", Approve: true,
				})
				require.NoError(t, err)
				assert.Equal(t, agentosmodels.RunStatusCompleted, view.Run.Status)
				require.Len(t, view.Steps, 1)
				assert.Equal(t, stepID, view.Steps[0].StepID)
				assert.Equal(t, agentosmodels.StepStatusCompleted, view.Steps[0].Status)
				assert.Equal(t, agentosmodels.ApprovalStatusApproved, view.Approvals[0].Status)
				assert.Equal(t, "boss@t1", view.Approvals[0].ResolvedBy)
				assert.Equal(t, "boss@t1", view.Run.Actor)
				assert.Equal(t, []int{0}, view.Run.Summary.ApprovedStepIndices)
				assert.Empty(t, view.Run.BlockedApprovalID)
				assert.Equal(t, 1, actions.count(agentosmodels.ActionDispatchAssignLoads))
				assertPendingInvariant(t, view)
			})

			t.Run("Từ chối action phá huỷ", func(t *testing.T) {
				actions := newFakeActions()
				svc, _ := newTestService(t, backend, actions, nil)

				view, err := svc.CreateRun(ctx, runRequest("wipe reset all demo data"))
				require.NoError(t, err)
				assert.Equal(t, []agentosmodels.ActionType{agentosmodels.ActionSystemResetDemoData}, view.Run.Summary.PlanActions)
				assert.Equal(t, agentosmodels.RunStatusWaitingApproval, view.Run.Status)

				approvalID := view.Approvals[0].ApprovalID
				view, err = svc.DecideApproval(ctx, DecisionRequest{
					TenantID: "t1", RunID: view.Run.RunID, ApprovalID: approvalID,
					Actor: "boss@t1", Role: "admin", Approve: false, Note: "not today",
				})
				require.NoError(t, err)
				assert.Equal(t, agentosmodels.RunStatusFailed, view.Run.Status)
				assert.Contains(t, view.Run.Errors, "Approval rejected: "+approvalID)
				assert.Equal(t, agentosmodels.StepStatusFailed, view.Steps[0].Status)
				assert.Equal(t, agentosmodels.ApprovalStatusRejected, view.Approvals[0].Status)
				assert.Equal(t, "not today", view.Approvals[0].Note)
				assert.Equal(t, 0, actions.count(agentosmodels.ActionSystemResetDemoData))
				assertPendingInvariant(t, view)
			})
		})
	}
}

func TestRunExecutor_LowConfidence(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			actions := newFakeActions()
			actions.confidence[agentosmodels.ActionDispatchAssignLoads] = 0.5
			svc, _ := newTestService(t, backend, actions, nil)

			view, err := svc.CreateRun(ctx, runRequest("hello there"))
			require.NoError(t, err)
			assert.Equal(t, agentosmodels.RunStatusWaitingApproval, view.Run.Status)
			require.Len(t, view.Steps, 1)
			step := view.Steps[0]
			assert.Equal(t, agentosmodels.StepStatusWaitingApproval, step.Status)
			assert.True(t, step.Output.Executed())
			assert.Equal(t, 0.5, step.Confidence)
			require.Len(t, view.Approvals, 1)
			assert.Equal(t, "Low confidence 0.500 below threshold 0.850 for dispatch.assign_loads", view.Approvals[0].Note)
			assert.Equal(t, 1, actions.count(agentosmodels.ActionDispatchAssignLoads))
			assertPendingInvariant(t, view)

			view, err = svc.DecideApproval(ctx, DecisionRequest{
				TenantID: "t1", RunID: view.Run.RunID, ApprovalID: view.Approvals[0].ApprovalID,
				Actor: "boss@t1", Role: "admin", Approve: true,
			})
			require.NoError(t, err)
			assert.Equal(t, agentosmodels.RunStatusCompleted, view.Run.Status)
			require.Len(t, view.Steps, 3)
			assert.Equal(t, step.StepID, view.Steps[0].StepID)
			assert.Equal(t, agentosmodels.StepStatusCompleted, view.Steps[0].Status)
			assert.Equal(t, 1, actions.count(agentosmodels.ActionDispatchAssignLoads))
			assert.Equal(t, 1, actions.count(agentosmodels.ActionBillingExportReady))
			assertPendingInvariant(t, view)
		})
	}
}

func TestRunExecutor_LowConfidenceEmptyOutput(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			actions := newFakeActions()
			actions.nilOutput = true
			actions.confidence[agentosmodels.ActionDispatchAssignLoads] = 0.5
			svc, _ := newTestService(t, backend, actions, nil)

			view, err := svc.CreateRun(ctx, runRequest("assign loads now"))
			require.NoError(t, err)
			require.Equal(t, agentosmodels.RunStatusWaitingApproval, view.Run.Status)
			require.Len(t, view.Steps, 1)
			assert.True(t, view.Steps[0].Output.Executed())
			assert.Equal(t, map[string]interface{}{}, view.Steps[0].Output.Result)

			view, err = svc.DecideApproval(ctx, DecisionRequest{
				TenantID: "t1", RunID: view.Run.RunID, ApprovalID: view.Approvals[0].ApprovalID,
				Actor: "boss@t1", Role: "admin", Approve: true,
			})
			require.NoError(t, err)
			assert.Equal(t, agentosmodels.RunStatusCompleted, view.Run.Status)
			assert.Len(t, view.Approvals, 1)
			assert.Equal(t, agentosmodels.StepStatusCompleted, view.Steps[0].Status)
			assert.Equal(t, 1, actions.count(agentosmodels.ActionDispatchAssignLoads))
			assertPendingInvariant(t, view)
		})
	}
}

func TestRunExecutor_StepFailures(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()

			t.Run("Policy bị tắt", func(t *testing.T) {
				actions := newFakeActions()
				svc, _ := newTestService(t, backend, actions, nil)
				_, err := svc.PatchPolicy(ctx, "policy.billing.export", agentosmodels.PolicyPatch{Enabled: boolPtr(false)})
				require.NoError(t, err)

				view, err := svc.CreateRun(ctx, runRequest("hello there"))
				require.NoError(t, err)
				assert.Equal(t, agentosmodels.RunStatusCompleted, view.Run.Status)
				require.Len(t, view.Run.Warnings, 1)
				assert.Equal(t, "Policy 'policy.billing.export' disabled action 'billing.export_ready'", view.Run.Warnings[0])
				billing := view.Steps[2]
				assert.Equal(t, agentosmodels.StepStatusFailed, billing.Status)
				require.NotNil(t, billing.Compensation)
				assert.Equal(t, agentosmodels.CompensationContinue, billing.Compensation.Strategy)
				assert.Equal(t, "skipped_action", billing.Compensation.Result)
				assert.Equal(t, 0, actions.count(agentosmodels.ActionBillingExportReady))
			})

			t.Run("Action lỗi", func(t *testing.T) {
				actions := newFakeActions()
				actions.errs[agentosmodels.ActionTicketsReviewPending] = errors.New("boom")
				svc, _ := newTestService(t, backend, actions, nil)

				view, err := svc.CreateRun(ctx, runRequest("hello there"))
				require.NoError(t, err)
				assert.Equal(t, agentosmodels.RunStatusCompletedWithWarnings, view.Run.Status)
				assert.Equal(t, []string{"tickets.review_pending: boom"}, view.Run.Errors)
				tickets := view.Steps[1]
				assert.Equal(t, agentosmodels.StepStatusFailed, tickets.Status)
				assert.Equal(t, "boom", tickets.Error)
				require.NotNil(t, tickets.Compensation)
				assert.Equal(t, agentosmodels.CompensationCompensateAndContinue, tickets.Compensation.Strategy)
				assert.Equal(t, "logged_only", tickets.Compensation.Result)
				assert.Equal(t, agentosmodels.StepStatusCompleted, view.Steps[2].Status)
			})

			t.Run("Action quá hạn", func(t *testing.T) {
				actions := newFakeActions()
				actions.delay = time.Second
				st := newTestStore(t, backend)
				_, err := st.SeedPolicies(ctx, DefaultPolicies())
				require.NoError(t, err)
				executor := NewRunExecutor(st, actions, actions, 20*time.Millisecond)

				view, err := executor.RunObjective(ctx, runRequest("assign loads"))
				require.NoError(t, err)
				assert.Equal(t, agentosmodels.RunStatusCompletedWithWarnings, view.Run.Status)
				require.Len(t, view.Steps, 1)
				assert.Equal(t, agentosmodels.StepStatusFailed, view.Steps[0].Status)
				assert.Contains(t, view.Steps[0].Error, "Action execution timed out")
			})

			t.Run("Thiếu policy", func(t *testing.T) {
				actions := newFakeActions()
				svc, _ := newTestService(t, backend, actions, DefaultPolicies()[:4])

				view, err := svc.CreateRun(ctx, runRequest("hello there"))
				require.NoError(t, err)
				assert.Equal(t, agentosmodels.RunStatusCompletedWithWarnings, view.Run.Status)
				assert.Equal(t, []string{"Missing policy for action billing.export_ready"}, view.Run.Errors)
				assert.Equal(t, agentosmodels.StepStatusFailed, view.Steps[2].Status)
				assert.Equal(t, 0, actions.count(agentosmodels.ActionBillingExportReady))
			})

			t.Run("Dry run", func(t *testing.T) {
				actions := newFakeActions()
				svc, _ := newTestService(t, backend, actions, nil)
				req := runRequest("assign loads")
				req.DryRun = true

				view, err := svc.CreateRun(ctx, req)
				require.NoError(t, err)
				assert.Equal(t, agentosmodels.RunStatusCompleted, view.Run.Status)
				assert.Equal(t, map[string]interface{}{"dry_run": true, "action_type": "dispatch.assign_loads"}, view.Steps[0].Output.Result)
				assert.Equal(t, 1.0, view.Steps[0].Confidence)
				assert.Equal(t, 0, actions.count(agentosmodels.ActionDispatchAssignLoads))
			})
		})
	}
}

func TestDecideApproval_Errors(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			actions := newFakeActions()
			svc, _ := newTestService(t, backend, actions, nil)

			view, err := svc.CreateRun(ctx, runRequest("wipe everything"))
			require.NoError(t, err)
			runID := view.Run.RunID
			approvalID := view.Approvals[0].ApprovalID

			t.Run("Approval không tồn tại", func(t *testing.T) {
				_, err := svc.DecideApproval(ctx, DecisionRequest{TenantID: "t1", RunID: runID, ApprovalID: "AAPR-999999", Approve: true})
				assert.True(t, errors.Is(err, common.ErrApprovalNotFound))
			})

			t.Run("Tenant khác", func(t *testing.T) {
				_, err := svc.DecideApproval(ctx, DecisionRequest{TenantID: "t2", RunID: runID, ApprovalID: approvalID, Approve: true})
				assert.True(t, errors.Is(err, common.ErrApprovalNotFound))
			})

			t.Run("Run không khớp", func(t *testing.T) {
				_, err := svc.DecideApproval(ctx, DecisionRequest{TenantID: "t1", RunID: "ARUN-999999", ApprovalID: approvalID, Approve: true})
				assert.True(t, errors.Is(err, common.ErrApprovalNotFound))
			})

			t.Run("Quyết định đồng thời", func(t *testing.T) {
				var wg sync.WaitGroup
				results := make([]error, 4)
				for i := range results {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						_, results[i] = svc.DecideApproval(ctx, DecisionRequest{
							TenantID: "t1", RunID: runID, ApprovalID: approvalID, Actor: "boss", Role: "admin", Approve: true,
						})
					}(i)
				}
				wg.Wait()

				ok := 0
				for _, err := range results {
					if err == nil {
						ok++
						continue
					}
					assert.True(t, errors.Is(err, common.ErrApprovalResolved))
				}
				assert.Equal(t, 1, ok)
				assert.Equal(t, 1, actions.count(agentosmodels.ActionSystemResetDemoData))
			})
		})
	}
}

func TestAgentOSService_Queries(t *testing.T) {
	ctx := context.Background()
	actions := newFakeActions()
	svc, _ := newTestService(t, "memory", actions, nil)

	first, err := svc.CreateRun(ctx, runRequest("assign loads"))
	require.NoError(t, err)
	second, err := svc.CreateRun(ctx, runRequest("export billing"))
	require.NoError(t, err)

	t.Run("ListRuns mới nhất trước", func(t *testing.T) {
		runs, err := svc.ListRuns(ctx, "t1", 0)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, second.Run.RunID, runs[0].RunID)

		runs, err = svc.ListRuns(ctx, "t1", 1)
		require.NoError(t, err)
		assert.Len(t, runs, 1)

		runs, err = svc.ListRuns(ctx, "t2", 10)
		require.NoError(t, err)
		assert.Empty(t, runs)
	})

	t.Run("GetRun theo tenant", func(t *testing.T) {
		view, err := svc.GetRun(ctx, "t1", first.Run.RunID)
		require.NoError(t, err)
		assert.Equal(t, first.Run.RunID, view.Run.RunID)

		_, err = svc.Timeline(ctx, "t2", first.Run.RunID)
		assert.True(t, errors.Is(err, common.ErrRunNotFound))
		_, err = svc.GetRun(ctx, "t1", "ARUN-999999")
		assert.True(t, errors.Is(err, common.ErrRunNotFound))
	})

	t.Run("PatchPolicy", func(t *testing.T) {
		minConf := 0.7
		rule, err := svc.PatchPolicy(ctx, "policy.dispatch.assign", agentosmodels.PolicyPatch{MinConfidence: &minConf})
		require.NoError(t, err)
		assert.Equal(t, 0.7, rule.MinConfidence)
		assert.Equal(t, 40, rule.MaxTargets)

		_, err = svc.PatchPolicy(ctx, "policy.unknown", agentosmodels.PolicyPatch{})
		assert.True(t, errors.Is(err, common.ErrPolicyNotFound))

		rules, err := svc.ListPolicies(ctx)
		require.NoError(t, err)
		assert.Len(t, rules, 6)
	})

	t.Run("Metrics", func(t *testing.T) {
		m, err := svc.Metrics(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, 2, m.RunsTotal)
		assert.Equal(t, 2, m.RunsCompleted)
		assert.Equal(t, 2, m.StepsTotal)
		assert.Equal(t, 1.0, m.StepSuccessRate)
	})
}

func TestIdempotencyService(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	idem := NewIdempotencyService(st, time.Hour)
	defer idem.Close()

	calls := 0
	fn := func() ([]byte, error) {
		calls++
		return []byte(`{"n":` + string(rune('0'+calls)) + `}`), nil
	}

	t.Run("Phát lại response", func(t *testing.T) {
		key := RunIdempotencyKey(" k1 ")
		assert.Equal(t, "agent_os_run:k1", key)

		first, replayed, err := idem.Do(ctx, "t1", key, fn)
		require.NoError(t, err)
		assert.False(t, replayed)
		second, replayed, err := idem.Do(ctx, "t1", key, fn)
		require.NoError(t, err)
		assert.True(t, replayed)
		assert.Equal(t, first, second)
		assert.Equal(t, 1, calls)

		_, replayed, err = idem.Do(ctx, "t2", key, fn)
		require.NoError(t, err)
		assert.False(t, replayed)
		assert.Equal(t, 2, calls)
	})

	t.Run("Không lưu khi lỗi", func(t *testing.T) {
		key := ApprovalIdempotencyKey("ARUN-000001", "AAPR-000001", "k2")
		assert.Equal(t, "agent_os_approval:ARUN-000001:AAPR-000001:k2", key)

		_, _, err := idem.Do(ctx, "t1", key, func() ([]byte, error) { return nil, errors.New("fail") })
		require.Error(t, err)
		_, ok, err := st.GetIdempotent(ctx, "t1", key)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Request đồng thời chỉ chạy một lần", func(t *testing.T) {
		var mu sync.Mutex
		n := 0
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, err := idem.Do(ctx, "t1", RunIdempotencyKey("k3"), func() ([]byte, error) {
					mu.Lock()
					n++
					mu.Unlock()
					time.Sleep(5 * time.Millisecond)
					return []byte(`{}`), nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, n)
	})
}
