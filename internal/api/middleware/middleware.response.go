package middleware

import (
	basehdl "fleet_ops/internal/api/base/handler"

	"github.com/gofiber/fiber/v3"
)

// HandleErrorResponse trả về error response cho client theo cùng envelope với handler
func HandleErrorResponse(c fiber.Ctx, err error) error {
	status, body := basehdl.ErrorBody(err)
	return basehdl.JSONResponse(c, status, body)
}
