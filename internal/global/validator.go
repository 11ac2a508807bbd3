package global

import (
	"regexp"
	"strings"

	"fleet_ops/internal/api/agentos/models"

	"github.com/go-playground/validator/v10"
)

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,63}$`)

// InitValidator khởi tạo và đăng ký các custom validator
func InitValidator() {
	Validate = validator.New()

	_ = Validate.RegisterValidation("no_xss", validateNoXSS)
	_ = Validate.RegisterValidation("action_type", validateActionType)
	_ = Validate.RegisterValidation("tenant_id", validateTenantID)
}

// validateNoXSS kiểm tra XSS
func validateNoXSS(fl validator.FieldLevel) bool {
	dangerousPatterns := []string{
		"<script",
		"javascript:",
		"onerror=",
		"onload=",
		"<iframe",
		"<object",
		"<embed",
		"document.cookie",
	}
	value := strings.ToLower(fl.Field().String())
	for _, pattern := range dangerousPatterns {
		if strings.Contains(value, pattern) {
			return false
		}
	}
	return true
}

// validateActionType kiểm tra giá trị thuộc tập action cố định
func validateActionType(fl validator.FieldLevel) bool {
	return models.ActionType(fl.Field().String()).Valid()
}

// validateTenantID kiểm tra định dạng tenant id
func validateTenantID(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	return tenantIDPattern.MatchString(value)
}
