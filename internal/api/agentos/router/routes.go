// Package router đăng ký các route của Agent OS dưới /api/v1/agent-os.
package router

import (
	"fmt"

	"github.com/gofiber/fiber/v3"

	agentoshdl "fleet_ops/internal/api/agentos/handler"
	agentossvc "fleet_ops/internal/api/agentos/service"
	"fleet_ops/internal/api/middleware"
	apirouter "fleet_ops/internal/api/router"
)

const prefix = "/agent-os"

// NewRegister trả về hàm đăng ký route Agent OS trên service cho trước.
// Mọi route yêu cầu role admin.
func NewRegister(service *agentossvc.AgentOSService) apirouter.RegisterFunc {
	return func(v1 fiber.Router, r *apirouter.Router) error {
		h, err := agentoshdl.NewAgentOSHandler(service)
		if err != nil {
			return fmt.Errorf("create agent os handler: %w", err)
		}
		admin := r.Guard(middleware.RoleAdmin)

		apirouter.RegisterRouteWithMiddleware(v1, prefix, "POST", "/runs", admin, h.HandleCreateRun)
		apirouter.RegisterRouteWithMiddleware(v1, prefix, "GET", "/runs", admin, h.HandleListRuns)
		apirouter.RegisterRouteWithMiddleware(v1, prefix, "GET", "/runs/:runId", admin, h.HandleGetRun)
		apirouter.RegisterRouteWithMiddleware(v1, prefix, "GET", "/runs/:runId/timeline", admin, h.HandleTimeline)
		apirouter.RegisterRouteWithMiddleware(v1, prefix, "POST", "/runs/:runId/approve", admin, h.HandleDecideApproval)
		apirouter.RegisterRouteWithMiddleware(v1, prefix, "GET", "/approvals/pending", admin, h.HandlePendingApprovals)
		apirouter.RegisterRouteWithMiddleware(v1, prefix, "GET", "/policies", admin, h.HandleListPolicies)
		apirouter.RegisterRouteWithMiddleware(v1, prefix, "PATCH", "/policies/:policyId", admin, h.HandlePatchPolicy)
		apirouter.RegisterRouteWithMiddleware(v1, prefix, "GET", "/metrics", admin, h.HandleMetrics)
		return nil
	}
}
