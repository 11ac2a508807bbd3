package common

import (
	"database/sql"
	"errors"

	"go.mongodb.org/mongo-driver/mongo"
)

// HTTP Status Code Constants
const (
	// Success Codes (2xx)
	StatusOK = 200 // Thành công

	// Client Error Codes (4xx)
	StatusBadRequest      = 400 // Yêu cầu không hợp lệ
	StatusUnauthorized    = 401 // Chưa xác thực
	StatusForbidden       = 403 // Không có quyền truy cập
	StatusNotFound        = 404 // Không tìm thấy tài nguyên
	StatusConflict        = 409 // Xung đột dữ liệu
	StatusTooManyRequests = 429 // Quá nhiều yêu cầu

	// Server Error Codes (5xx)
	StatusInternalServerError = 500 // Lỗi server
	StatusServiceUnavailable  = 503 // Dịch vụ không khả dụng
	StatusGatewayTimeout      = 504 // Gateway timeout
)

// Response Messages
const (
	MsgSuccess = "Thao tác thành công"

	MsgTooManyRequests = "Quá nhiều yêu cầu, vui lòng thử lại sau"
	MsgInternalError   = "Lỗi hệ thống"

	MsgValidationError = "Dữ liệu không hợp lệ"
	MsgDatabaseError   = "Lỗi tương tác với cơ sở dữ liệu"
)

// ErrorCode định nghĩa mã lỗi chi tiết
type ErrorCode struct {
	Code        string // Mã lỗi (ví dụ: AUTH_001)
	Category    string // Phân loại lỗi (ví dụ: Authentication)
	SubCategory string // Phân loại con (ví dụ: Token)
	Description string // Mô tả chi tiết
}

// Định nghĩa các mã lỗi theo hệ thống phân cấp
var (
	// System Errors (SYS_xxx)
	ErrCodeInternalServer = ErrorCode{
		Code:        "SYS_001",
		Category:    "System",
		SubCategory: "Internal",
		Description: "Lỗi hệ thống nội bộ",
	}

	ErrCodeTimeout = ErrorCode{
		Code:        "SYS_002",
		Category:    "System",
		SubCategory: "Timeout",
		Description: "Thao tác vượt quá thời gian cho phép",
	}

	// Authentication Errors (AUTH_xxx)
	ErrCodeAuthToken = ErrorCode{
		Code:        "AUTH_001",
		Category:    "Authentication",
		SubCategory: "Token",
		Description: "Lỗi liên quan đến token",
	}

	ErrCodeAuthTenant = ErrorCode{
		Code:        "AUTH_002",
		Category:    "Authentication",
		SubCategory: "Tenant",
		Description: "Lỗi liên quan đến tenant của token",
	}

	ErrCodeAuthRole = ErrorCode{
		Code:        "AUTH_003",
		Category:    "Authentication",
		SubCategory: "Role",
		Description: "Lỗi liên quan đến vai trò người dùng",
	}

	// Validation Errors (VAL_xxx)
	ErrCodeValidationInput = ErrorCode{
		Code:        "VAL_001",
		Category:    "Validation",
		SubCategory: "Input",
		Description: "Lỗi dữ liệu đầu vào",
	}

	ErrCodeValidationFormat = ErrorCode{
		Code:        "VAL_002",
		Category:    "Validation",
		SubCategory: "Format",
		Description: "Lỗi định dạng dữ liệu",
	}

	// Database Errors (DB_xxx)
	ErrCodeDatabase = ErrorCode{
		Code:        "DB",
		Category:    "Database",
		SubCategory: "General",
		Description: "Lỗi cơ sở dữ liệu chung",
	}

	ErrCodeDatabaseConnection = ErrorCode{
		Code:        "DB_001",
		Category:    "Database",
		SubCategory: "Connection",
		Description: "Lỗi kết nối cơ sở dữ liệu",
	}

	ErrCodeDatabaseQuery = ErrorCode{
		Code:        "DB_002",
		Category:    "Database",
		SubCategory: "Query",
		Description: "Lỗi truy vấn dữ liệu",
	}

	// Business Logic Errors (BIZ_xxx)
	ErrCodeBusinessState = ErrorCode{
		Code:        "BIZ_001",
		Category:    "Business",
		SubCategory: "State",
		Description: "Lỗi trạng thái nghiệp vụ",
	}

	ErrCodeBusinessOperation = ErrorCode{
		Code:        "BIZ_002",
		Category:    "Business",
		SubCategory: "Operation",
		Description: "Lỗi thao tác nghiệp vụ",
	}
)

// Error định nghĩa cấu trúc lỗi chi tiết
type Error struct {
	Code       ErrorCode // Mã lỗi chi tiết
	Message    string    // Thông báo lỗi
	StatusCode int       // HTTP status code
	Details    any       // Thông tin chi tiết thêm về lỗi
}

// Error trả về message của lỗi
func (e *Error) Error() string {
	return e.Message
}

// Is so sánh theo mã lỗi và message để errors.Is nhận ra các bản sao của cùng một sentinel
func (e *Error) Is(target error) bool {
	var targetErr *Error
	if !errors.As(target, &targetErr) {
		return false
	}
	return e.Code.Code == targetErr.Code.Code && e.Message == targetErr.Message
}

// NewError tạo một error mới với đầy đủ thông tin
func NewError(code ErrorCode, message string, statusCode int, details any) error {
	return &Error{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Details:    details,
	}
}

// Custom errors
var (
	// Authentication Errors
	ErrTokenMissing   = NewError(ErrCodeAuthToken, "Bearer token required", StatusUnauthorized, nil)
	ErrTokenInvalid   = NewError(ErrCodeAuthToken, "Invalid bearer token", StatusForbidden, nil)
	ErrTenantMismatch = NewError(ErrCodeAuthTenant, "Token tenant mismatch", StatusForbidden, nil)
	ErrRoleMismatch   = NewError(ErrCodeAuthRole, "Token role mismatch", StatusForbidden, nil)

	ErrInvalidTenantID = NewError(ErrCodeAuthTenant, "Invalid X-Tenant-ID header", StatusBadRequest, nil)

	// Validation Errors
	ErrRequiredField = NewError(ErrCodeValidationInput, "Thiếu thông tin bắt buộc", StatusBadRequest, nil)

	// Database Errors
	ErrNotFound   = NewError(ErrCodeDatabaseQuery, "Không tìm thấy dữ liệu", StatusNotFound, nil)
	ErrDuplicate  = NewError(ErrCodeDatabaseQuery, "Dữ liệu đã tồn tại", StatusConflict, nil)
	ErrConnection = NewError(ErrCodeDatabaseConnection, "Lỗi kết nối cơ sở dữ liệu", StatusServiceUnavailable, nil)
)

// Agent OS Errors
var (
	ErrRunNotFound           = NewError(ErrCodeDatabaseQuery, "Run not found", StatusNotFound, nil)
	ErrApprovalNotFound      = NewError(ErrCodeDatabaseQuery, "Run or approval not found", StatusNotFound, nil)
	ErrPolicyNotFound        = NewError(ErrCodeDatabaseQuery, "Policy not found", StatusNotFound, nil)
	ErrApprovalResolved      = NewError(ErrCodeBusinessState, "Approval already resolved", StatusConflict, nil)
	ErrPendingApprovalExists = NewError(ErrCodeBusinessState, "Run already has a pending approval", StatusConflict, nil)
	ErrRunNotWaiting         = NewError(ErrCodeBusinessState, "Run is not waiting for approval", StatusConflict, nil)
	ErrActionTimeout         = NewError(ErrCodeTimeout, "Action execution timed out", StatusGatewayTimeout, nil)
	ErrMissingPolicy         = NewError(ErrCodeBusinessOperation, "Missing policy", StatusInternalServerError, nil) // Dùng dạng fmt.Errorf("%w for action %s", ...)
)

// ConvertStoreError chuyển lỗi của driver lưu trữ (mongo, database/sql) sang lỗi hệ thống
func ConvertStoreError(err error) error {
	if err == nil {
		return nil
	}

	// Lỗi đã là lỗi hệ thống thì giữ nguyên
	var customErr *Error
	if errors.As(err, &customErr) {
		return err
	}

	switch {
	case errors.Is(err, mongo.ErrNoDocuments), errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return ErrDuplicate
	case mongo.IsNetworkError(err), mongo.IsTimeout(err):
		return ErrConnection
	}

	return NewError(ErrCodeDatabase, MsgDatabaseError, StatusInternalServerError, err.Error())
}
