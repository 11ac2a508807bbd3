package basehdl

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"fleet_ops/internal/common"
	"fleet_ops/internal/logger"

	"github.com/gofiber/fiber/v3"
)

// JSONResponse trả về JSON response với Content-Type: application/json; charset=utf-8
func JSONResponse(c fiber.Ctx, statusCode int, data interface{}) error {
	c.Set("Content-Type", "application/json; charset=utf-8")
	return c.Status(statusCode).JSON(data)
}

// RawJSONResponse ghi nguyên văn body JSON đã encode sẵn (dùng khi phát lại response idempotent)
func RawJSONResponse(c fiber.Ctx, statusCode int, body []byte) error {
	c.Set("Content-Type", "application/json; charset=utf-8")
	return c.Status(statusCode).Send(body)
}

// SuccessBody là envelope thành công
func SuccessBody(data interface{}) fiber.Map {
	return fiber.Map{
		"code":    common.StatusOK,
		"message": common.MsgSuccess,
		"data":    data,
		"status":  "success",
	}
}

// EncodeSuccess encode envelope thành công thành bytes để lưu idempotent
func EncodeSuccess(data interface{}) ([]byte, error) {
	return json.Marshal(SuccessBody(data))
}

// ErrorBody chuyển error thành status code và envelope lỗi.
// Lỗi không thuộc common.Error được coi là lỗi nghiệp vụ (400).
func ErrorBody(err error) (int, fiber.Map) {
	var customErr *common.Error
	if errors.As(err, &customErr) {
		message := customErr.Message
		// Sentinel được bọc thêm ngữ cảnh thì giữ message đầy đủ
		if err.Error() != customErr.Message {
			message = err.Error()
		}
		return customErr.StatusCode, fiber.Map{
			"code":    customErr.Code.Code,
			"message": message,
			"details": customErr.Details,
			"status":  "error",
		}
	}
	return common.StatusBadRequest, fiber.Map{
		"code":    common.ErrCodeBusinessOperation.Code,
		"message": err.Error(),
		"status":  "error",
	}
}

// HandleResponse xử lý và chuẩn hóa response trả về cho client
func (h *BaseHandler) HandleResponse(c fiber.Ctx, data interface{}, err error) {
	if err != nil {
		status, body := ErrorBody(err)
		if status >= common.StatusInternalServerError {
			logger.WithRequest(c).WithError(err).Error("Request failed")
		}
		JSONResponse(c, status, body)
		return
	}
	JSONResponse(c, common.StatusOK, SuccessBody(data))
}

// SafeHandler bọc handler với recover để server luôn trả response cho client kể cả khi panic
func (h *BaseHandler) SafeHandler(c fiber.Ctx, handler func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.GetErrorLogger().WithFields(map[string]interface{}{
				"method": c.Method(),
				"path":   c.Path(),
				"stack":  string(debug.Stack()),
			}).Errorf("Handler panic: %v", r)
			h.HandleResponse(c, nil, common.NewError(
				common.ErrCodeInternalServer,
				fmt.Sprintf("Unexpected server error: %v", r),
				common.StatusInternalServerError,
				nil,
			))
			err = nil
		}
	}()
	return handler()
}
