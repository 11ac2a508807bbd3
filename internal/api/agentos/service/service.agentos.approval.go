package agentossvc

import (
	"context"
	"errors"
	"fmt"

	agentosmodels "fleet_ops/internal/api/agentos/models"
	"fleet_ops/internal/api/events"
	"fleet_ops/internal/common"
)

// DecisionRequest là quyết định của admin cho một approval
type DecisionRequest struct {
	TenantID   string
	RunID      string
	ApprovalID string
	Actor      string
	Role       string
	Approve    bool
	Note       string
}

// DecideApproval ghi nhận quyết định cho approval rồi chạy tiếp run (khi duyệt) hoặc kết thúc run (khi từ chối).
// Approval phải thuộc run và run phải thuộc tenant, ngược lại trả common.ErrApprovalNotFound.
// Hai quyết định đồng thời cho cùng approval: bên thua nhận common.ErrApprovalResolved.
func (e *RunExecutor) DecideApproval(ctx context.Context, req DecisionRequest) (*agentosmodels.RunView, error) {
	unlock := e.locks.Lock(req.RunID)
	defer unlock()

	approval, err := e.store.GetApproval(ctx, req.ApprovalID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.ErrApprovalNotFound
		}
		return nil, err
	}
	if approval.RunID != req.RunID {
		return nil, common.ErrApprovalNotFound
	}
	run, err := e.store.GetRun(ctx, req.RunID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.ErrApprovalNotFound
		}
		return nil, err
	}
	if run.TenantID != req.TenantID {
		return nil, common.ErrApprovalNotFound
	}

	if approval.Status != agentosmodels.ApprovalStatusPending {
		return nil, common.ErrApprovalResolved
	}
	if run.Status != agentosmodels.RunStatusWaitingApproval {
		return nil, common.ErrRunNotWaiting
	}

	status := agentosmodels.ApprovalStatusRejected
	if req.Approve {
		status = agentosmodels.ApprovalStatusApproved
	}
	resolvedAt := e.nowMilli()
	if _, err := e.store.ResolveApproval(ctx, req.ApprovalID, agentosmodels.ApprovalResolution{
		Status:     status,
		ResolvedBy: req.Actor,
		ResolvedAt: resolvedAt,
		Note:       req.Note,
	}); err != nil {
		return nil, err
	}
	events.EmitRunEvent(ctx, events.RunEvent{
		Type:       events.TypeApprovalResolved,
		TenantID:   run.TenantID,
		RunID:      run.RunID,
		StepID:     approval.StepID,
		ApprovalID: req.ApprovalID,
		Status:     string(status),
		Actor:      req.Actor,
		At:         resolvedAt,
	})

	step, err := e.findStep(ctx, run.RunID, approval.StepID)
	if err != nil {
		return nil, err
	}

	log := runLog(ctx, run).WithFields(map[string]interface{}{
		"approval_id": req.ApprovalID,
		"decision":    status,
		"resolved_by": req.Actor,
	})

	run.BlockedApprovalID = ""
	run.Summary.BlockedStepID = ""

	if !req.Approve {
		reason := fmt.Sprintf("Approval rejected: %s", req.ApprovalID)
		run.Status = agentosmodels.RunStatusFailed
		run.Errors = append(run.Errors, reason)
		if step != nil {
			step.Status = agentosmodels.StepStatusFailed
			step.Error = reason
			if err := e.saveStep(ctx, step); err != nil {
				return nil, err
			}
		}
		if err := e.saveRun(ctx, run); err != nil {
			return nil, err
		}
		log.Warn("Agent run rejected")
		e.emitFinished(ctx, run)
		return e.View(ctx, run.RunID)
	}

	run.Actor = req.Actor
	run.Role = req.Role
	if step != nil {
		run.Summary.MarkApproved(step.StepIndex)
		if step.Output.Executed() {
			// Action đã chạy trước khi escalate: chỉ đánh dấu hoàn thành, không chạy lại
			step.Status = agentosmodels.StepStatusCompleted
			if err := e.saveStep(ctx, step); err != nil {
				return nil, err
			}
			run.Summary.NextIndex = step.StepIndex + 1
		} else {
			run.Summary.NextIndex = step.StepIndex
		}
	}
	log.Info("Agent run approved, resuming")

	if _, err := e.Execute(ctx, run); err != nil {
		return nil, err
	}
	return e.View(ctx, run.RunID)
}

func (e *RunExecutor) findStep(ctx context.Context, runID, stepID string) (*agentosmodels.AgentStep, error) {
	steps, err := e.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	for i := range steps {
		if steps[i].StepID == stepID {
			return &steps[i], nil
		}
	}
	return nil, nil
}
