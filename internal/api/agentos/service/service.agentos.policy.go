package agentossvc

import (
	"context"
	"errors"
	"fmt"

	agentosmodels "fleet_ops/internal/api/agentos/models"
	"fleet_ops/internal/api/agentos/store"
	"fleet_ops/internal/common"
)

// PolicyEngine đánh giá policy cho từng step. Luôn đọc bảng policy mới nhất, không cache.
type PolicyEngine struct {
	store store.StateStore
}

// NewPolicyEngine tạo PolicyEngine trên state store
func NewPolicyEngine(st store.StateStore) *PolicyEngine {
	return &PolicyEngine{store: st}
}

// Evaluate trả về quyết định và policy áp dụng cho action.
// Không có policy: trả lỗi bọc common.ErrMissingPolicy.
func (e *PolicyEngine) Evaluate(ctx context.Context, actionType agentosmodels.ActionType) (agentosmodels.PolicyDecision, *agentosmodels.PolicyRule, error) {
	rule, err := e.store.GetPolicyForAction(ctx, actionType)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return agentosmodels.PolicyDecision{}, nil, fmt.Errorf("%w for action %s", common.ErrMissingPolicy, actionType)
		}
		return agentosmodels.PolicyDecision{}, nil, err
	}

	if !rule.Enabled {
		return agentosmodels.PolicyDecision{
			Allowed:  false,
			Reason:   fmt.Sprintf("Policy '%s' disabled action '%s'", rule.PolicyID, actionType),
			PolicyID: rule.PolicyID,
		}, rule, nil
	}

	return agentosmodels.PolicyDecision{
		Allowed:          true,
		RequiresApproval: rule.RequiresAdminApproval,
		Reason:           "Policy check passed",
		PolicyID:         rule.PolicyID,
	}, rule, nil
}

// DefaultPolicies là bảng policy mặc định, dùng khi không có file seed
func DefaultPolicies() []agentosmodels.PolicyRule {
	return []agentosmodels.PolicyRule{
		{
			PolicyID:      "policy.fleet.add_driver",
			ActionType:    agentosmodels.ActionFleetAddDriver,
			Enabled:       true,
			MinConfidence: 0.95,
			MaxTargets:    1,
			Notes:         "Adds a single driver record. Low-risk and reversible by remove_driver.",
		},
		{
			PolicyID:              "policy.fleet.remove_driver",
			ActionType:            agentosmodels.ActionFleetRemoveDriver,
			Enabled:               true,
			RequiresAdminApproval: true,
			Destructive:           true,
			MinConfidence:         0.99,
			MaxTargets:            1,
			Notes:                 "Removes a driver from the active roster. Requires admin approval.",
		},
		{
			PolicyID:      "policy.dispatch.assign",
			ActionType:    agentosmodels.ActionDispatchAssignLoads,
			Enabled:       true,
			MinConfidence: 0.85,
			MaxTargets:    40,
			Notes:         "Auto-assign planned loads to available drivers.",
		},
		{
			PolicyID:      "policy.tickets.review",
			ActionType:    agentosmodels.ActionTicketsReviewPending,
			Enabled:       true,
			MinConfidence: 0.9,
			MaxTargets:    40,
			Notes:         "Review delivery tickets for loads in transit.",
		},
		{
			PolicyID:      "policy.billing.export",
			ActionType:    agentosmodels.ActionBillingExportReady,
			Enabled:       true,
			MinConfidence: 0.9,
			MaxTargets:    40,
			Notes:         "Export billing-ready loads to McLeod.",
		},
		{
			PolicyID:              "policy.system.reset",
			ActionType:            agentosmodels.ActionSystemResetDemoData,
			Enabled:               true,
			RequiresAdminApproval: true,
			Destructive:           true,
			MinConfidence:         0.99,
			MaxTargets:            1,
			Notes:                 "Clears tenant operational data. Destructive, always gated by an admin.",
		},
	}
}
