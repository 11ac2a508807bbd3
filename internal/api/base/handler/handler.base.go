// Package basehdl cung cấp phần dùng chung cho các Fiber handler: parse và validate request,
// chuẩn hoá response, bắt panic.
package basehdl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"fleet_ops/internal/common"
	"fleet_ops/internal/global"

	"github.com/gofiber/fiber/v3"
)

// BaseHandler được embed vào các domain handler
type BaseHandler struct{}

// NewBaseHandler tạo BaseHandler
func NewBaseHandler() *BaseHandler {
	return &BaseHandler{}
}

// ValidateInput validate struct theo tag `validate` bằng validator toàn cục
func (h *BaseHandler) ValidateInput(input interface{}) error {
	if global.Validate == nil {
		global.InitValidator()
	}
	if err := global.Validate.Struct(input); err != nil {
		return common.NewError(common.ErrCodeValidationInput, common.MsgValidationError, common.StatusBadRequest, err.Error())
	}
	return nil
}

// ParseRequestBody parse và validate dữ liệu từ request body.
// Sử dụng json.Decoder với UseNumber() để xử lý chính xác các số.
func (h *BaseHandler) ParseRequestBody(c fiber.Ctx, input interface{}) error {
	reader := bytes.NewReader(c.Body())
	decoder := json.NewDecoder(reader)
	decoder.UseNumber()
	if err := decoder.Decode(input); err != nil {
		return common.NewError(common.ErrCodeValidationFormat, common.MsgValidationError, common.StatusBadRequest, err.Error())
	}
	return h.ValidateInput(input)
}

// ParseQueryInt đọc tham số query kiểu số nguyên, rỗng thì trả def
func (h *BaseHandler) ParseQueryInt(c fiber.Ctx, key string, def int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, common.NewError(
			common.ErrCodeValidationFormat,
			fmt.Sprintf("Query parameter '%s' must be an integer", key),
			common.StatusBadRequest,
			raw,
		)
	}
	return v, nil
}
