package router

import (
	"fmt"

	"github.com/gofiber/fiber/v3"

	basehdl "fleet_ops/internal/api/base/handler"
)

// NewSystemRegister đăng ký route /system/health, không yêu cầu xác thực
func NewSystemRegister(store basehdl.Pinger) RegisterFunc {
	return func(v1 fiber.Router, r *Router) error {
		systemHandler, err := basehdl.NewSystemHandler(store)
		if err != nil {
			return fmt.Errorf("create system handler: %w", err)
		}
		v1.Get("/system/health", systemHandler.HandleHealth)
		return nil
	}
}
