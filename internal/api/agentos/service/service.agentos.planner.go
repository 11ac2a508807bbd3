package agentossvc

import (
	"regexp"
	"strings"

	agentosmodels "fleet_ops/internal/api/agentos/models"
)

var (
	driverAddIntentPattern    = regexp.MustCompile(`(?i)\b(?:add|hire|onboard)\s+(?:a\s+|new\s+)?driver\b|\bnew\s+driver\b`)
	driverRemoveIntentPattern = regexp.MustCompile(`(?i)\b(?:remove|delete|fire|offboard)\s+(?:the\s+)?driver\b`)
)

// Các cụm từ nhận diện ý định, so khớp chuỗi con trên objective đã lower-case
var (
	destructiveTokens = []string{"wipe", "reset all", "delete all", "clear all"}
	dispatchTokens    = []string{"assign", "dispatch", "schedule"}
	ticketTokens      = []string{"ticket", "audit", "review", "tkt"}
	billingTokens     = []string{"billing", "invoice", "export", "mcleod"}
)

// DefaultPlan là kế hoạch khi objective không chứa ý định nào nhận diện được
func DefaultPlan() []agentosmodels.ActionType {
	return []agentosmodels.ActionType{
		agentosmodels.ActionDispatchAssignLoads,
		agentosmodels.ActionTicketsReviewPending,
		agentosmodels.ActionBillingExportReady,
	}
}

func containsAny(s string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// BuildPlan chuyển objective thành danh sách action có thứ tự, không trùng, tối đa max(1, maxSteps) phần tử.
// Thứ tự quét cố định: reset, thêm tài xế, xoá tài xế, dispatch, ticket, billing.
func BuildPlan(objective string, maxSteps int) []agentosmodels.ActionType {
	q := strings.TrimSpace(objective)
	lower := strings.ToLower(q)

	plan := make([]agentosmodels.ActionType, 0, len(agentosmodels.AllActionTypes))
	add := func(at agentosmodels.ActionType) {
		for _, existing := range plan {
			if existing == at {
				return
			}
		}
		plan = append(plan, at)
	}

	if containsAny(lower, destructiveTokens) {
		add(agentosmodels.ActionSystemResetDemoData)
	}
	if driverAddIntentPattern.MatchString(q) {
		add(agentosmodels.ActionFleetAddDriver)
	}
	if driverRemoveIntentPattern.MatchString(q) {
		add(agentosmodels.ActionFleetRemoveDriver)
	}
	if containsAny(lower, dispatchTokens) {
		add(agentosmodels.ActionDispatchAssignLoads)
	}
	if containsAny(lower, ticketTokens) {
		add(agentosmodels.ActionTicketsReviewPending)
	}
	if containsAny(lower, billingTokens) {
		add(agentosmodels.ActionBillingExportReady)
	}

	if len(plan) == 0 {
		plan = DefaultPlan()
	}
	if maxSteps < 1 {
		maxSteps = 1
	}
	if len(plan) > maxSteps {
		plan = plan[:maxSteps]
	}
	return plan
}
