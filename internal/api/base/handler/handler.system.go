package basehdl

import (
	"context"
	"time"

	"fleet_ops/internal/common"

	"github.com/gofiber/fiber/v3"
)

// Pinger là thành phần có thể kiểm tra kết nối
type Pinger interface {
	Ping(ctx context.Context) error
}

// SystemHandler xử lý các route liên quan đến system operations
type SystemHandler struct {
	*BaseHandler
	store Pinger
}

// NewSystemHandler tạo một instance mới của SystemHandler
func NewSystemHandler(store Pinger) (*SystemHandler, error) {
	return &SystemHandler{BaseHandler: NewBaseHandler(), store: store}, nil
}

// HandleHealth kiểm tra tình trạng API và state store
func (h *SystemHandler) HandleHealth(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	services := fiber.Map{"api": "ok"}
	healthData := fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"services":  services,
	}

	if h.store == nil {
		healthData["status"] = "degraded"
		services["store"] = "not_initialized"
	} else if err := h.store.Ping(ctx); err != nil {
		healthData["status"] = "degraded"
		services["store"] = "error"
		healthData["store_error"] = err.Error()
		return JSONResponse(c, common.StatusServiceUnavailable, fiber.Map{
			"code":    common.StatusServiceUnavailable,
			"message": "Service degraded",
			"data":    healthData,
			"status":  "error",
		})
	} else {
		services["store"] = "ok"
	}

	return JSONResponse(c, common.StatusOK, SuccessBody(healthData))
}
