package agentoshdl

import (
	"context"
	"fmt"
	"strings"

	agentosdto "fleet_ops/internal/api/agentos/dto"
	agentosmodels "fleet_ops/internal/api/agentos/models"
	agentossvc "fleet_ops/internal/api/agentos/service"
	basehdl "fleet_ops/internal/api/base/handler"
	"fleet_ops/internal/api/middleware"
	"fleet_ops/internal/common"
	"fleet_ops/internal/logger"

	"github.com/gofiber/fiber/v3"
)

// Header chứa key idempotent của request
const IdempotencyHeader = "Idempotency-Key"

// AgentOSHandler xử lý các route của Agent OS
type AgentOSHandler struct {
	*basehdl.BaseHandler
	AgentOSService *agentossvc.AgentOSService
}

// NewAgentOSHandler tạo mới AgentOSHandler
func NewAgentOSHandler(service *agentossvc.AgentOSService) (*AgentOSHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("agent os service is required")
	}
	return &AgentOSHandler{BaseHandler: basehdl.NewBaseHandler(), AgentOSService: service}, nil
}

func (h *AgentOSHandler) tenant(c fiber.Ctx) (middleware.TenantContext, error) {
	tc, ok := middleware.GetTenantContext(c)
	if !ok {
		return tc, common.ErrTokenMissing
	}
	return tc, nil
}

// requestContext gắn request id, tenant và actor vào context để log của service mang theo
func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	requestID := c.Get("X-Request-ID")
	if requestID == "" {
		requestID = c.GetRespHeader("X-Request-ID")
	}
	if requestID != "" {
		ctx = context.WithValue(ctx, logger.RequestIDKey, requestID)
	}
	if tc, ok := middleware.GetTenantContext(c); ok {
		ctx = context.WithValue(ctx, logger.TenantIDKey, tc.TenantID)
		if tc.Actor != "" {
			ctx = context.WithValue(ctx, logger.ActorKey, tc.Actor)
		}
	}
	return ctx
}

// respondIdempotent chạy fn một lần cho mỗi Idempotency-Key và ghi nguyên văn response đã lưu
func (h *AgentOSHandler) respondIdempotent(c fiber.Ctx, tenantID, opKey string, fn func() ([]byte, error)) error {
	var (
		body     []byte
		replayed bool
		err      error
	)
	if opKey == "" {
		body, err = fn()
	} else {
		body, replayed, err = h.AgentOSService.Idempotency().Do(requestContext(c), tenantID, opKey, fn)
	}
	if err != nil {
		h.HandleResponse(c, nil, err)
		return nil
	}
	if replayed {
		c.Set("Idempotent-Replayed", "true")
	}
	return basehdl.RawJSONResponse(c, common.StatusOK, body)
}

// HandleCreateRun tạo run từ objective và chạy đồng bộ tới khi xong hoặc dừng chờ duyệt
func (h *AgentOSHandler) HandleCreateRun(c fiber.Ctx) error {
	return h.SafeHandler(c, func() error {
		tc, err := h.tenant(c)
		if err != nil {
			h.HandleResponse(c, nil, err)
			return nil
		}
		var input agentosdto.RunCreateInput
		if err := h.ParseRequestBody(c, &input); err != nil {
			h.HandleResponse(c, nil, err)
			return nil
		}
		input.Normalize()
		if len(input.Objective) < 3 {
			h.HandleResponse(c, nil, common.NewError(common.ErrCodeValidationInput, common.MsgValidationError, common.StatusBadRequest, "objective must have at least 3 characters"))
			return nil
		}

		opKey := ""
		if key := strings.TrimSpace(c.Get(IdempotencyHeader)); key != "" {
			opKey = agentossvc.RunIdempotencyKey(key)
		}
		return h.respondIdempotent(c, tc.TenantID, opKey, func() ([]byte, error) {
			view, err := h.AgentOSService.CreateRun(requestContext(c), agentossvc.RunRequest{
				TenantID:      tc.TenantID,
				Actor:         tc.Actor,
				Role:          tc.Role,
				Objective:     input.Objective,
				AutonomyLevel: agentosmodels.AutonomyLevel(input.AutonomyLevel),
				ExecutionMode: agentosmodels.ExecutionMode(input.ExecutionMode),
				DryRun:        input.DryRun,
				MaxSteps:      input.MaxSteps,
			})
			if err != nil {
				logger.WithRequest(c).WithError(err).Error("Agent run creation failed")
				return nil, err
			}
			logger.LogAction("agent_run_create", "agent_run", view.Run.RunID, c, map[string]interface{}{
				"objective": view.Run.Objective,
				"status":    view.Run.Status,
				"dry_run":   view.Run.DryRun,
			})
			return basehdl.EncodeSuccess(view)
		})
	})
}

// HandleListRuns trả về các run mới nhất của tenant
func (h *AgentOSHandler) HandleListRuns(c fiber.Ctx) error {
	return h.SafeHandler(c, func() error {
		tc, err := h.tenant(c)
		if err != nil {
			h.HandleResponse(c, nil, err)
			return nil
		}
		limit, err := h.ParseQueryInt(c, "limit", agentossvc.DefaultRunsLimit)
		if err != nil {
			h.HandleResponse(c, nil, err)
			return nil
		}
		runs, err := h.AgentOSService.ListRuns(requestContext(c), tc.TenantID, limit)
		if err != nil {
			h.HandleResponse(c, nil, err)
			return nil
		}
		h.HandleResponse(c, fiber.Map{"items": runs, "tenantId": tc.TenantID}, nil)
		return nil
	})
}

// HandleGetRun trả về run kèm steps và approvals
func (h *AgentOSHandler) HandleGetRun(c fiber.Ctx) error {
	return h.SafeHandler(c, func() error {
		tc, err := h.tenant(c)
		if err != nil {
			h.HandleResponse(c, nil, err)
			return nil
		}
		view, err := h.AgentOSService.GetRun(requestContext(c), tc.TenantID, c.Params("runId"))
		h.HandleResponse(c, view, err)
		return nil
	})
}

// HandleTimeline trả về timeline {run, steps, approvals}
func (h *AgentOSHandler) HandleTimeline(c fiber.Ctx) error {
	return h.SafeHandler(c, func() error {
		tc, err := h.tenant(c)
		if err != nil {
			h.HandleResponse(c, nil, err)
			return nil
		}
		view, err := h.AgentOSService.Timeline(requestContext(c), tc.TenantID, c.Params("runId"))
		h.HandleResponse(c, view, err)
		return nil
	})
}

// HandlePendingApprovals trả về các approval đang chờ của tenant
func (h *AgentOSHandler) HandlePendingApprovals(c fiber.Ctx) error {
	return h.SafeHandler(c, func() error {
		tc, err := h.tenant(c)
		if err != nil {
			h.HandleResponse(c, nil, err)
			return nil
		}
		limit, err := h.ParseQueryInt(c, "limit", agentossvc.DefaultPendingLimit)
		if err != nil {
			h.HandleResponse(c, nil, err)
			return nil
		}
		rows, err := h.AgentOSService.ListPendingApprovals(requestContext(c), tc.TenantID, limit)
		if err != nil {
			h.HandleResponse(c, nil, err)
			return nil
		}
		h.HandleResponse(c, fiber.Map{"items": rows, "tenantId": tc.TenantID}, nil)
		return nil
	})
}

// HandleDecideApproval duyệt hoặc từ chối approval rồi chạy tiếp run
func (h *AgentOSHandler) HandleDecideApproval(c fiber.Ctx) error {
	return h.SafeHandler(c, func() error {
		tc, err := h.tenant(c)
		if err != nil {
			h.HandleResponse(c, nil, err)
			return nil
		}
		var input agentosdto.ApprovalDecisionInput
		if err := h.ParseRequestBody(c, &input); err != nil {
			h.HandleResponse(c, nil, err)
			return nil
		}
		runID := c.Params("runId")

		opKey := ""
		if key := strings.TrimSpace(c.Get(IdempotencyHeader)); key != "" {
			opKey = agentossvc.ApprovalIdempotencyKey(runID, input.ApprovalID, key)
		}
		return h.respondIdempotent(c, tc.TenantID, opKey, func() ([]byte, error) {
			view, err := h.AgentOSService.DecideApproval(requestContext(c), agentossvc.DecisionRequest{
				TenantID:   tc.TenantID,
				RunID:      runID,
				ApprovalID: input.ApprovalID,
				Actor:      tc.Actor,
				Role:       tc.Role,
				Approve:    input.Approved(),
				Note:       input.Note,
			})
			if err != nil {
				logger.WithRequest(c).WithError(err).WithField("run_id", runID).Error("Approval decision failed")
				return nil, err
			}
			logger.LogAction("agent_approval_decide", "agent_approval", input.ApprovalID, c, map[string]interface{}{
				"run_id":     runID,
				"approve":    input.Approved(),
				"run_status": view.Run.Status,
			})
			return basehdl.EncodeSuccess(view)
		})
	})
}

// HandleListPolicies trả về toàn bộ policy
func (h *AgentOSHandler) HandleListPolicies(c fiber.Ctx) error {
	return h.SafeHandler(c, func() error {
		tc, err := h.tenant(c)
		if err != nil {
			h.HandleResponse(c, nil, err)
			return nil
		}
		rows, err := h.AgentOSService.ListPolicies(requestContext(c))
		if err != nil {
			h.HandleResponse(c, nil, err)
			return nil
		}
		h.HandleResponse(c, fiber.Map{"items": rows, "tenantId": tc.TenantID}, nil)
		return nil
	})
}

// HandlePatchPolicy sửa các trường của policy
func (h *AgentOSHandler) HandlePatchPolicy(c fiber.Ctx) error {
	return h.SafeHandler(c, func() error {
		var input agentosdto.PolicyPatchInput
		if err := h.ParseRequestBody(c, &input); err != nil {
			h.HandleResponse(c, nil, err)
			return nil
		}
		policyID := c.Params("policyId")
		rule, err := h.AgentOSService.PatchPolicy(requestContext(c), policyID, input.ToPatch())
		if err != nil {
			logger.WithRequest(c).WithError(err).WithField("policy_id", policyID).Warn("Policy update failed")
			h.HandleResponse(c, nil, err)
			return nil
		}
		logger.LogAction("agent_policy_patch", "agent_policy", policyID, c, map[string]interface{}{
			"enabled":                 rule.Enabled,
			"requires_admin_approval": rule.RequiresAdminApproval,
			"min_confidence":          rule.MinConfidence,
			"max_targets":             rule.MaxTargets,
		})
		h.HandleResponse(c, rule, nil)
		return nil
	})
}

// HandleMetrics trả về số liệu run/step của tenant
func (h *AgentOSHandler) HandleMetrics(c fiber.Ctx) error {
	return h.SafeHandler(c, func() error {
		tc, err := h.tenant(c)
		if err != nil {
			h.HandleResponse(c, nil, err)
			return nil
		}
		metrics, err := h.AgentOSService.Metrics(requestContext(c), tc.TenantID)
		h.HandleResponse(c, metrics, err)
		return nil
	})
}
