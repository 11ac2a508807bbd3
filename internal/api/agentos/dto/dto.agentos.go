package agentosdto

import (
	"strings"

	agentosmodels "fleet_ops/internal/api/agentos/models"
)

// RunCreateInput là input để tạo agent run
type RunCreateInput struct {
	Objective     string `json:"objective" validate:"required,min=3,max=4000,no_xss"`
	AutonomyLevel string `json:"autonomyLevel,omitempty" validate:"omitempty,oneof=L1 L2 L3"`
	ExecutionMode string `json:"executionMode,omitempty" validate:"omitempty,oneof=state_first ui_first hybrid"`
	DryRun        bool   `json:"dryRun,omitempty"`
	MaxSteps      int    `json:"maxSteps,omitempty" validate:"omitempty,min=1,max=100"`
}

// Normalize trim objective và điền giá trị mặc định
func (in *RunCreateInput) Normalize() {
	in.Objective = strings.TrimSpace(in.Objective)
	if in.AutonomyLevel == "" {
		in.AutonomyLevel = string(agentosmodels.AutonomyL3)
	}
	if in.ExecutionMode == "" {
		in.ExecutionMode = string(agentosmodels.ExecutionHybrid)
	}
	if in.MaxSteps == 0 {
		in.MaxSteps = 12
	}
}

// ApprovalDecisionInput là quyết định cho approval đang chặn run. Approve bỏ trống = duyệt.
type ApprovalDecisionInput struct {
	ApprovalID string `json:"approvalId" validate:"required"`
	Approve    *bool  `json:"approve,omitempty"`
	Note       string `json:"note,omitempty" validate:"max=2000,no_xss"`
}

// Approved trả về quyết định, mặc định true
func (in *ApprovalDecisionInput) Approved() bool {
	return in.Approve == nil || *in.Approve
}

// PolicyPatchInput là input sửa policy, chỉ các trường được gửi mới thay đổi
type PolicyPatchInput struct {
	Enabled               *bool    `json:"enabled,omitempty"`
	RequiresAdminApproval *bool    `json:"requiresAdminApproval,omitempty"`
	Destructive           *bool    `json:"destructive,omitempty"`
	MinConfidence         *float64 `json:"minConfidence,omitempty" validate:"omitempty,min=0,max=1"`
	MaxTargets            *int     `json:"maxTargets,omitempty" validate:"omitempty,min=1"`
	Notes                 *string  `json:"notes,omitempty" validate:"omitempty,max=2000,no_xss"`
}

// ToPatch chuyển sang PolicyPatch của model
func (in *PolicyPatchInput) ToPatch() agentosmodels.PolicyPatch {
	return agentosmodels.PolicyPatch{
		Enabled:               in.Enabled,
		RequiresAdminApproval: in.RequiresAdminApproval,
		Destructive:           in.Destructive,
		MinConfidence:         in.MinConfidence,
		MaxTargets:            in.MaxTargets,
		Notes:                 in.Notes,
	}
}
