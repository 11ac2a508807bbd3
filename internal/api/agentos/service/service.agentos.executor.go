package agentossvc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleet_ops/internal/api/agentos/action"
	agentosmodels "fleet_ops/internal/api/agentos/models"
	"fleet_ops/internal/api/agentos/store"
	"fleet_ops/internal/api/events"
	"fleet_ops/internal/common"
	"fleet_ops/internal/logger"
	"fleet_ops/internal/registry"
	"fleet_ops/internal/utility"

	"github.com/sirupsen/logrus"
)

// DefaultActionTimeout là deadline mặc định cho mỗi lần gọi action
const DefaultActionTimeout = 30 * time.Second

// ActionExecutor thực thi một action nghiệp vụ
type ActionExecutor interface {
	Execute(ctx context.Context, actionType agentosmodels.ActionType, req action.Request) (map[string]interface{}, float64, error)
}

// Snapshotter chụp trạng thái nghiệp vụ của tenant trước/sau mỗi action
type Snapshotter interface {
	Snapshot(ctx context.Context, tenantID string) (map[string]interface{}, error)
}

// RunRequest là tham số tạo run mới
type RunRequest struct {
	TenantID      string
	Actor         string
	Role          string
	Objective     string
	AutonomyLevel agentosmodels.AutonomyLevel
	ExecutionMode agentosmodels.ExecutionMode
	DryRun        bool
	MaxSteps      int
}

// RunExecutor là state machine đưa một run tới khi hoàn thành hoặc dừng ở cổng phê duyệt.
// Mọi thay đổi trạng thái được ghi xuống store ngay để có thể chạy tiếp sau khi khởi động lại.
type RunExecutor struct {
	store     store.StateStore
	policy    *PolicyEngine
	actions   ActionExecutor
	snapshots Snapshotter
	timeout   time.Duration
	locks     *registry.KeyedLocker
	now       func() time.Time
}

// NewRunExecutor tạo RunExecutor. timeout <= 0 dùng DefaultActionTimeout.
func NewRunExecutor(st store.StateStore, actions ActionExecutor, snapshots Snapshotter, timeout time.Duration) *RunExecutor {
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	return &RunExecutor{
		store:     st,
		policy:    NewPolicyEngine(st),
		actions:   actions,
		snapshots: snapshots,
		timeout:   timeout,
		locks:     registry.NewKeyedLocker(),
		now:       time.Now,
	}
}

func (e *RunExecutor) nowMilli() int64 {
	return e.now().UnixMilli()
}

func runLog(ctx context.Context, run *agentosmodels.AgentRun) *logrus.Entry {
	return logger.WithContext(ctx).WithFields(logrus.Fields{
		"module":    "agent_os",
		"tenant_id": run.TenantID,
		"run_id":    run.RunID,
	})
}

// RunObjective tạo run từ objective rồi chạy đồng bộ tới khi kết thúc hoặc dừng chờ duyệt
func (e *RunExecutor) RunObjective(ctx context.Context, req RunRequest) (*agentosmodels.RunView, error) {
	runID, err := e.store.NextRunID(ctx)
	if err != nil {
		return nil, err
	}
	if req.AutonomyLevel == "" {
		req.AutonomyLevel = agentosmodels.AutonomyL3
	}
	if req.ExecutionMode == "" {
		req.ExecutionMode = agentosmodels.ExecutionHybrid
	}
	if req.MaxSteps < 1 {
		req.MaxSteps = 1
	}

	now := e.nowMilli()
	run := &agentosmodels.AgentRun{
		RunID:         runID,
		TenantID:      req.TenantID,
		Actor:         req.Actor,
		Role:          req.Role,
		Objective:     req.Objective,
		AutonomyLevel: req.AutonomyLevel,
		ExecutionMode: req.ExecutionMode,
		DryRun:        req.DryRun,
		MaxSteps:      req.MaxSteps,
		Status:        agentosmodels.RunStatusPending,
		Summary: agentosmodels.RunProgress{
			PlanActions:         BuildPlan(req.Objective, req.MaxSteps),
			ApprovedStepIndices: []int{},
		},
		Warnings:  []string{},
		Errors:    []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.UpsertRun(ctx, run); err != nil {
		return nil, err
	}
	runLog(ctx, run).WithField("plan", run.Summary.PlanActions).Info("Agent run created")

	unlock := e.locks.Lock(run.RunID)
	defer unlock()
	if _, err := e.Execute(ctx, run); err != nil {
		return nil, err
	}
	return e.View(ctx, run.RunID)
}

// Execute chạy các step từ Summary.NextIndex. Gọi được cho run mới hoặc run vừa được duyệt.
// Người gọi phải giữ lock của run.
func (e *RunExecutor) Execute(ctx context.Context, run *agentosmodels.AgentRun) (*agentosmodels.AgentRun, error) {
	run.Status = agentosmodels.RunStatusRunning
	if err := e.saveRun(ctx, run); err != nil {
		return nil, err
	}

	existing, err := e.store.ListSteps(ctx, run.RunID)
	if err != nil {
		return nil, err
	}
	byIndex := make(map[int]agentosmodels.AgentStep, len(existing))
	for _, s := range existing {
		byIndex[s.StepIndex] = s
	}

	plan := run.Summary.PlanActions
	for idx := run.Summary.NextIndex; idx < len(plan); idx++ {
		actionType := plan[idx]
		log := runLog(ctx, run).WithFields(logrus.Fields{"step_index": idx, "action_type": actionType})

		step, err := e.newStep(ctx, run, idx, actionType, byIndex)
		if err != nil {
			return nil, err
		}

		decision, rule, err := e.policy.Evaluate(ctx, actionType)
		switch {
		case errors.Is(err, common.ErrMissingPolicy):
			// Lỗi cấu hình: step thất bại, run vẫn chạy tiếp
			step.Status = agentosmodels.StepStatusFailed
			step.PolicyDecision = agentosmodels.PolicyDecision{Reason: err.Error()}
			step.Error = err.Error()
			step.Compensation = &agentosmodels.StepCompensation{
				Strategy: agentosmodels.CompensationContinue,
				Result:   "skipped_action",
			}
			run.Errors = append(run.Errors, err.Error())
			log.WithError(err).Error("Agent step failed on policy lookup")
			if err := e.finishStep(ctx, run, step); err != nil {
				return nil, err
			}
			continue
		case err != nil:
			return nil, err
		}
		step.PolicyDecision = decision

		if !decision.Allowed {
			step.Status = agentosmodels.StepStatusFailed
			step.Error = decision.Reason
			step.Compensation = &agentosmodels.StepCompensation{
				Strategy: agentosmodels.CompensationContinue,
				Result:   "skipped_action",
			}
			run.Warnings = append(run.Warnings, decision.Reason)
			log.WithField("policy_id", decision.PolicyID).Warn("Agent step denied by policy")
			if err := e.finishStep(ctx, run, step); err != nil {
				return nil, err
			}
			continue
		}

		if decision.RequiresApproval && !run.Summary.IsApproved(idx) {
			note := fmt.Sprintf("Approval required for action %s", actionType)
			if err := e.pause(ctx, run, step, decision.PolicyID, note); err != nil {
				return nil, err
			}
			log.Info("Agent run waiting for approval before execution")
			return run, nil
		}

		paused, err := e.runStep(ctx, run, step, rule)
		if err != nil {
			return nil, err
		}
		if paused {
			log.WithField("confidence", step.Confidence).Info("Agent run escalated on low confidence")
			return run, nil
		}
		if err := e.finishStep(ctx, run, step); err != nil {
			return nil, err
		}
	}

	run.BlockedApprovalID = ""
	run.Summary.BlockedStepID = ""
	if len(run.Errors) > 0 {
		run.Status = agentosmodels.RunStatusCompletedWithWarnings
	} else {
		run.Status = agentosmodels.RunStatusCompleted
	}
	if err := e.saveRun(ctx, run); err != nil {
		return nil, err
	}
	runLog(ctx, run).WithField("status", run.Status).Info("Agent run finished")
	e.emitFinished(ctx, run)
	return run, nil
}

// newStep tạo step cho index, dùng lại step_id nếu index đã có bản ghi (run được chạy tiếp)
func (e *RunExecutor) newStep(ctx context.Context, run *agentosmodels.AgentRun, idx int, actionType agentosmodels.ActionType, byIndex map[int]agentosmodels.AgentStep) (*agentosmodels.AgentStep, error) {
	now := e.nowMilli()
	step := &agentosmodels.AgentStep{
		RunID:      run.RunID,
		TenantID:   run.TenantID,
		StepIndex:  idx,
		ActionType: actionType,
		Status:     agentosmodels.StepStatusRunning,
		Prompt:     run.Objective,
		Input: agentosmodels.StepInput{
			Objective:     run.Objective,
			ExecutionMode: run.ExecutionMode,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if prev, ok := byIndex[idx]; ok {
		step.StepID = prev.StepID
		step.CreatedAt = prev.CreatedAt
		return step, nil
	}
	id, err := e.store.NextStepID(ctx)
	if err != nil {
		return nil, err
	}
	step.StepID = id
	return step, nil
}

// runStep chạy action của step. paused = true khi confidence thấp và run đã dừng chờ duyệt.
func (e *RunExecutor) runStep(ctx context.Context, run *agentosmodels.AgentRun, step *agentosmodels.AgentStep, rule *agentosmodels.PolicyRule) (paused bool, err error) {
	started := e.now()
	before, snapErr := e.snapshots.Snapshot(ctx, run.TenantID)

	var (
		output     map[string]interface{}
		confidence float64
		actErr     = snapErr
	)
	if actErr == nil {
		if run.DryRun {
			output = map[string]interface{}{"dry_run": true, "action_type": string(step.ActionType)}
			confidence = 1.0
		} else {
			output, confidence, actErr = e.callAction(ctx, step.ActionType, action.Request{
				TenantID:   run.TenantID,
				Actor:      run.Actor,
				Objective:  run.Objective,
				MaxTargets: rule.MaxTargets,
			})
		}
	}
	step.LatencyMs = utility.Round(float64(e.now().Sub(started).Microseconds())/1000.0, 2)

	if actErr != nil {
		step.Status = agentosmodels.StepStatusFailed
		step.Error = actErr.Error()
		step.Output = agentosmodels.StepOutput{Before: before}
		step.Compensation = &agentosmodels.StepCompensation{
			Strategy: agentosmodels.CompensationCompensateAndContinue,
			Result:   "logged_only",
			Note:     "No reversible compensation available for this action.",
		}
		run.Errors = append(run.Errors, fmt.Sprintf("%s: %s", step.ActionType, actErr))
		runLog(ctx, run).WithFields(logrus.Fields{
			"step_index":  step.StepIndex,
			"action_type": step.ActionType,
		}).WithError(actErr).Error("Agent step failed")
		return false, nil
	}

	if output == nil {
		output = map[string]interface{}{}
	}
	after, snapErr := e.snapshots.Snapshot(ctx, run.TenantID)
	if snapErr != nil {
		runLog(ctx, run).WithError(snapErr).Warn("Post-action snapshot failed")
	}
	step.Status = agentosmodels.StepStatusCompleted
	step.Confidence = utility.Round(confidence, 4)
	step.Output = agentosmodels.StepOutput{ActionExecuted: true, Result: output, Before: before, After: after}

	if confidence < rule.MinConfidence {
		note := fmt.Sprintf("Low confidence %.3f below threshold %.3f for %s", confidence, rule.MinConfidence, step.ActionType)
		if err := e.pause(ctx, run, step, rule.PolicyID, note); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

type actionResult struct {
	output     map[string]interface{}
	confidence float64
	err        error
}

// callAction gọi ActionExecutor dưới deadline. Action treo quá deadline được coi là lỗi thực thi.
func (e *RunExecutor) callAction(ctx context.Context, actionType agentosmodels.ActionType, req action.Request) (map[string]interface{}, float64, error) {
	actx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan actionResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- actionResult{err: fmt.Errorf("action panicked: %v", r)}
			}
		}()
		out, conf, err := e.actions.Execute(actx, actionType, req)
		done <- actionResult{output: out, confidence: conf, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) {
			return nil, 0, fmt.Errorf("%w after %s", common.ErrActionTimeout, e.timeout)
		}
		return res.output, res.confidence, res.err
	case <-actx.Done():
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, 0, fmt.Errorf("%w after %s", common.ErrActionTimeout, e.timeout)
		}
		return nil, 0, actx.Err()
	}
}

// pause tạo approval pending cho step và chuyển run sang waiting_approval.
// NextIndex giữ nguyên tại step đang bị chặn.
func (e *RunExecutor) pause(ctx context.Context, run *agentosmodels.AgentRun, step *agentosmodels.AgentStep, policyID, note string) error {
	approvalID, err := e.store.NextApprovalID(ctx)
	if err != nil {
		return err
	}
	now := e.nowMilli()
	approval := &agentosmodels.AgentApproval{
		ApprovalID:  approvalID,
		RunID:       run.RunID,
		StepID:      step.StepID,
		TenantID:    run.TenantID,
		PolicyID:    policyID,
		Status:      agentosmodels.ApprovalStatusPending,
		RequestedBy: "agent",
		RequestedAt: now,
		Note:        note,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.InsertApproval(ctx, approval); err != nil {
		return err
	}

	step.Status = agentosmodels.StepStatusWaitingApproval
	step.Output.ApprovalID = approvalID
	if err := e.saveStep(ctx, step); err != nil {
		return err
	}

	run.Status = agentosmodels.RunStatusWaitingApproval
	run.BlockedApprovalID = approvalID
	run.Summary.NextIndex = step.StepIndex
	run.Summary.BlockedStepID = step.StepID
	if err := e.saveRun(ctx, run); err != nil {
		return err
	}
	events.EmitRunEvent(ctx, events.RunEvent{
		Type:       events.TypeApprovalRequested,
		TenantID:   run.TenantID,
		RunID:      run.RunID,
		StepID:     step.StepID,
		ApprovalID: approvalID,
		Status:     string(run.Status),
		Actor:      approval.RequestedBy,
		At:         now,
	})
	return nil
}

func (e *RunExecutor) emitFinished(ctx context.Context, run *agentosmodels.AgentRun) {
	events.EmitRunEvent(ctx, events.RunEvent{
		Type:     events.TypeRunFinished,
		TenantID: run.TenantID,
		RunID:    run.RunID,
		Status:   string(run.Status),
		Actor:    run.Actor,
		At:       run.UpdatedAt,
	})
}

// finishStep lưu step đã kết thúc và chuyển con trỏ sang step kế tiếp
func (e *RunExecutor) finishStep(ctx context.Context, run *agentosmodels.AgentRun, step *agentosmodels.AgentStep) error {
	if err := e.saveStep(ctx, step); err != nil {
		return err
	}
	run.Summary.NextIndex = step.StepIndex + 1
	run.Summary.BlockedStepID = ""
	return e.saveRun(ctx, run)
}

func (e *RunExecutor) saveRun(ctx context.Context, run *agentosmodels.AgentRun) error {
	run.UpdatedAt = e.nowMilli()
	return e.store.UpsertRun(ctx, run)
}

func (e *RunExecutor) saveStep(ctx context.Context, step *agentosmodels.AgentStep) error {
	step.UpdatedAt = e.nowMilli()
	return e.store.UpsertStep(ctx, step)
}

// View trả về run cùng các step và approval của nó
func (e *RunExecutor) View(ctx context.Context, runID string) (*agentosmodels.RunView, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	approvals, err := e.store.ListApprovals(ctx, runID)
	if err != nil {
		return nil, err
	}
	if steps == nil {
		steps = []agentosmodels.AgentStep{}
	}
	if approvals == nil {
		approvals = []agentosmodels.AgentApproval{}
	}
	return &agentosmodels.RunView{Run: *run, Steps: steps, Approvals: approvals}, nil
}
