package main

import (
	"context"

	"fleet_ops/internal/api/events"
	"fleet_ops/internal/logger"
)

// InitEventHandlers đăng ký các handler cho event của agent run
func InitEventHandlers() {
	// Ghi audit log cho mọi thay đổi trạng thái quan trọng của run
	events.OnRunEvent(func(_ context.Context, e events.RunEvent) {
		logger.GetAuditLogger().WithFields(map[string]interface{}{
			"event":       e.Type,
			"tenant_id":   e.TenantID,
			"run_id":      e.RunID,
			"step_id":     e.StepID,
			"approval_id": e.ApprovalID,
			"status":      e.Status,
			"actor":       e.Actor,
			"at":          e.At,
		}).Info("Agent run event")
	})
	logger.GetAppLogger().Info("Initialized run event handlers")
}
