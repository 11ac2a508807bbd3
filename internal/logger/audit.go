package logger

import (
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

// AuditAction là một bản ghi audit
type AuditAction struct {
	Action       string                 `json:"action"`        // Tên hành động (ví dụ: "agent_run_create")
	TenantID     string                 `json:"tenant_id"`     // Tenant thực hiện
	Actor        string                 `json:"actor"`         // Người/token thực hiện
	Role         string                 `json:"role"`          // Vai trò khi thực hiện
	ResourceID   string                 `json:"resource_id"`   // ID tài nguyên bị ảnh hưởng
	ResourceType string                 `json:"resource_type"` // Loại tài nguyên (run, approval, policy)
	IP           string                 `json:"ip"`
	Details      map[string]interface{} `json:"details"`
	Timestamp    time.Time              `json:"timestamp"`
}

// LogAction ghi một hành động audit, tenant/actor/role lấy từ Locals do middleware tenant đặt
func LogAction(action, resourceType, resourceID string, c fiber.Ctx, details map[string]interface{}) {
	if details == nil {
		details = make(map[string]interface{})
	}

	audit := AuditAction{
		Action:       action,
		ResourceID:   resourceID,
		ResourceType: resourceType,
		IP:           c.IP(),
		Details:      details,
		Timestamp:    time.Now(),
	}
	if v, ok := c.Locals("tenant_id").(string); ok {
		audit.TenantID = v
	}
	if v, ok := c.Locals("actor").(string); ok {
		audit.Actor = v
	}
	if v, ok := c.Locals("role").(string); ok {
		audit.Role = v
	}
	if requestID := c.Get("X-Request-ID"); requestID != "" {
		audit.Details["request_id"] = requestID
	}

	GetAuditLogger().WithFields(logrus.Fields{
		"action":        audit.Action,
		"tenant_id":     audit.TenantID,
		"actor":         audit.Actor,
		"role":          audit.Role,
		"resource_id":   audit.ResourceID,
		"resource_type": audit.ResourceType,
		"ip":            audit.IP,
		"details":       audit.Details,
		"timestamp":     audit.Timestamp,
	}).Info("Audit log")
}
