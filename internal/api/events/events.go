// Package events cung cấp cơ chế event trung tâm cho vòng đời của agent run.
// RunExecutor phát event khi run dừng chờ duyệt, khi approval được quyết định và khi run kết thúc.
// Logic phản ứng (audit log, thông báo, ...) đăng ký qua OnRunEvent.
package events

import (
	"context"
	"sync"

	"fleet_ops/internal/logger"
)

// Các loại event của run
const (
	TypeApprovalRequested = "approval.requested"
	TypeApprovalResolved  = "approval.resolved"
	TypeRunFinished       = "run.finished"
)

// RunEvent mô tả một thay đổi trạng thái của run.
// StepID và ApprovalID rỗng với run.finished.
type RunEvent struct {
	Type       string `json:"type"`
	TenantID   string `json:"tenantId"`
	RunID      string `json:"runId"`
	StepID     string `json:"stepId,omitempty"`
	ApprovalID string `json:"approvalId,omitempty"`
	Status     string `json:"status"` // trạng thái run, hoặc trạng thái approval với approval.resolved
	Actor      string `json:"actor,omitempty"`
	At         int64  `json:"at"`
}

// RunEventHandler xử lý event của run
type RunEventHandler func(ctx context.Context, e RunEvent)

var (
	handlers   []RunEventHandler
	handlersMu sync.RWMutex
)

// OnRunEvent đăng ký handler. Gọi khi init (ví dụ từ cmd/server).
func OnRunEvent(h RunEventHandler) {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	handlers = append(handlers, h)
}

// EmitRunEvent phát event. Mỗi handler chạy trong goroutine riêng, không bị huỷ theo request,
// panic được recover để không ảnh hưởng handler khác.
func EmitRunEvent(ctx context.Context, e RunEvent) {
	handlersMu.RLock()
	list := make([]RunEventHandler, len(handlers))
	copy(list, handlers)
	handlersMu.RUnlock()

	detached := context.WithoutCancel(ctx)
	for _, h := range list {
		go func(fn RunEventHandler) {
			defer func() {
				if r := recover(); r != nil {
					logger.WithModule("events").WithFields(map[string]interface{}{
						"panic":  r,
						"type":   e.Type,
						"run_id": e.RunID,
					}).Error("Run event handler panicked")
				}
			}()
			fn(detached, e)
		}(h)
	}
}
