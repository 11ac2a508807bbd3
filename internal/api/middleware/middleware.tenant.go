package middleware

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"fleet_ops/internal/common"
	"fleet_ops/internal/global"
	"fleet_ops/internal/logger"

	"github.com/dgrijalva/jwt-go"
	"github.com/gofiber/fiber/v3"
)

// Các role được hỗ trợ
const (
	RoleDispatcher = "dispatcher"
	RoleBilling    = "billing"
	RoleAdmin      = "admin"
)

var supportedRoles = map[string]bool{RoleDispatcher: true, RoleBilling: true, RoleAdmin: true}

// Key lưu TenantContext trong fiber Locals
const tenantContextKey = "tenant_context"

// TenantContext là danh tính của request sau khi xác thực
type TenantContext struct {
	TenantID      string `json:"tenantId"`
	Authenticated bool   `json:"authenticated"`
	Actor         string `json:"actor"`
	Role          string `json:"role"`
}

// AuthConfig cấu hình xác thực tenant
type AuthConfig struct {
	Enabled         bool
	DefaultTenantID string
	Tokens          map[string]string // token tĩnh -> tenant
	JwtSecret       string            // rỗng = không nhận JWT
}

// TenantClaims là claims của JWT HS256 dùng làm bearer token
type TenantClaims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role,omitempty"`
	jwt.StandardClaims
}

// ParseTenantTokens parse chuỗi "token:tenant,token2:tenant2", bỏ qua phần tử sai định dạng
func ParseTenantTokens(raw string) map[string]string {
	mapping := map[string]string{}
	for _, segment := range strings.Split(raw, ",") {
		item := strings.TrimSpace(segment)
		if item == "" {
			continue
		}
		token, tenant, ok := strings.Cut(item, ":")
		if !ok {
			logger.WithModule("auth").WithField("entry", item).Warn("Ignoring malformed tenant token mapping entry")
			continue
		}
		token, tenant = strings.TrimSpace(token), strings.TrimSpace(tenant)
		if token != "" && tenant != "" {
			mapping[token] = tenant
		}
	}
	return mapping
}

// IssueToken ký JWT HS256 cho tenant
func IssueToken(secret, tenantID, actor, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := TenantClaims{
		TenantID: tenantID,
		Role:     role,
		StandardClaims: jwt.StandardClaims{
			Subject:   actor,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseJWT(secret, raw string) (*TenantClaims, error) {
	claims := &TenantClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.TenantID == "" {
		return nil, fmt.Errorf("invalid tenant claims")
	}
	return claims, nil
}

// normalizeRole: rỗng -> admin, không hỗ trợ -> lỗi 400
func normalizeRole(value string) (string, error) {
	role := strings.ToLower(strings.TrimSpace(value))
	if role == "" {
		return RoleAdmin, nil
	}
	if !supportedRoles[role] {
		roles := make([]string, 0, len(supportedRoles))
		for r := range supportedRoles {
			roles = append(roles, r)
		}
		sort.Strings(roles)
		return "", common.NewError(
			common.ErrCodeAuthRole,
			fmt.Sprintf("Unsupported role '%s'. Expected one of: %v", value, roles),
			common.StatusBadRequest,
			nil,
		)
	}
	return role, nil
}

// resolveTenant xác định TenantContext từ header của request
func resolveTenant(c fiber.Ctx, cfg AuthConfig) (TenantContext, error) {
	headerTenant := strings.TrimSpace(c.Get("X-Tenant-ID"))
	headerRole := c.Get("X-Actor-Role")
	if headerTenant != "" {
		if global.Validate == nil {
			global.InitValidator()
		}
		if err := global.Validate.Var(headerTenant, "tenant_id"); err != nil {
			return TenantContext{}, common.ErrInvalidTenantID
		}
	}

	if !cfg.Enabled {
		tenant := headerTenant
		if tenant == "" {
			tenant = strings.TrimSpace(cfg.DefaultTenantID)
		}
		if tenant == "" {
			tenant = "demo"
		}
		role, err := normalizeRole(headerRole)
		if err != nil {
			return TenantContext{}, err
		}
		return TenantContext{TenantID: tenant, Actor: "anonymous", Role: role}, nil
	}

	auth := strings.TrimSpace(c.Get("Authorization"))
	bearer := ""
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		bearer = strings.TrimSpace(auth[7:])
	}
	if bearer == "" {
		return TenantContext{}, common.ErrTokenMissing
	}

	ctx := TenantContext{Authenticated: true}
	claimRole := ""
	if tenant, ok := cfg.Tokens[bearer]; ok {
		ctx.TenantID = tenant
		ctx.Actor = "token"
	} else if cfg.JwtSecret != "" {
		claims, err := parseJWT(cfg.JwtSecret, bearer)
		if err != nil {
			return TenantContext{}, common.ErrTokenInvalid
		}
		ctx.TenantID = claims.TenantID
		ctx.Actor = claims.Subject
		if ctx.Actor == "" {
			ctx.Actor = "token"
		}
		if strings.TrimSpace(claims.Role) != "" {
			// Role đã ký trong JWT thắng header X-Actor-Role
			if claimRole, err = normalizeRole(claims.Role); err != nil {
				return TenantContext{}, common.ErrTokenInvalid
			}
		}
	} else {
		return TenantContext{}, common.ErrTokenInvalid
	}

	if headerTenant != "" && headerTenant != ctx.TenantID {
		return TenantContext{}, common.ErrTenantMismatch
	}
	role, err := normalizeRole(headerRole)
	if err != nil {
		return TenantContext{}, err
	}
	if claimRole != "" {
		if strings.TrimSpace(headerRole) != "" && role != claimRole {
			return TenantContext{}, common.ErrRoleMismatch
		}
		role = claimRole
	}
	ctx.Role = role
	return ctx, nil
}

// TenantContextMiddleware xác thực request và lưu TenantContext vào Locals
func TenantContextMiddleware(cfg AuthConfig) fiber.Handler {
	return func(c fiber.Ctx) error {
		tc, err := resolveTenant(c, cfg)
		if err != nil {
			return HandleErrorResponse(c, err)
		}
		c.Locals(tenantContextKey, tc)
		c.Locals("tenant_id", tc.TenantID)
		c.Locals("actor", tc.Actor)
		c.Locals("role", tc.Role)
		return c.Next()
	}
}

// GetTenantContext lấy TenantContext đã được middleware lưu. ok = false khi route không qua middleware.
func GetTenantContext(c fiber.Ctx) (TenantContext, bool) {
	tc, ok := c.Locals(tenantContextKey).(TenantContext)
	return tc, ok
}

// RequireRoles chỉ cho phép các role được liệt kê. Phải đứng sau TenantContextMiddleware.
func RequireRoles(roles ...string) fiber.Handler {
	allowed := map[string]bool{}
	for _, r := range roles {
		if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
			allowed[r] = true
		}
	}
	if len(allowed) == 0 {
		panic("RequireRoles: at least one role is required")
	}

	return func(c fiber.Ctx) error {
		tc, ok := GetTenantContext(c)
		if !ok {
			return HandleErrorResponse(c, common.ErrTokenMissing)
		}
		if !allowed[tc.Role] {
			return HandleErrorResponse(c, common.NewError(
				common.ErrCodeAuthRole,
				fmt.Sprintf("Role '%s' not permitted for this operation", tc.Role),
				common.StatusForbidden,
				nil,
			))
		}
		return c.Next()
	}
}
