// Package router chứa phần đăng ký route dùng chung: prefix /api/v1, helper gắn middleware theo nhóm,
// và SetupRoutes gọi Register của từng domain.
package router

import (
	"github.com/gofiber/fiber/v3"

	"fleet_ops/internal/api/middleware"
)

// RoutePrefix chứa các prefix cho API routes
type RoutePrefix struct {
	Base string // Prefix cơ bản (/api)
	V1   string // Prefix cho API version 1 (/api/v1)
}

// NewRoutePrefix tạo mới RoutePrefix với các giá trị mặc định
func NewRoutePrefix() RoutePrefix {
	base := "/api"
	return RoutePrefix{
		Base: base,
		V1:   base + "/v1",
	}
}

// Router giữ các middleware dùng chung cho các domain router
type Router struct {
	app    *fiber.App
	tenant fiber.Handler
}

// NewRouter tạo Router. tenant là middleware xác định TenantContext cho các route cần tenant.
func NewRouter(app *fiber.App, tenant fiber.Handler) *Router {
	return &Router{app: app, tenant: tenant}
}

// Guard trả về chuỗi middleware: xác định tenant rồi kiểm tra role
func (r *Router) Guard(roles ...string) []fiber.Handler {
	return []fiber.Handler{r.tenant, middleware.RequireRoles(roles...)}
}

// RegisterRouteWithMiddleware đăng ký route dưới prefix, middleware gắn ở mức route nên chỉ chạy một lần cho mỗi request
func RegisterRouteWithMiddleware(router fiber.Router, prefix string, method string, path string, middlewares []fiber.Handler, handler fiber.Handler) {
	routeGroup := router.Group(prefix)
	chain := make([]fiber.Handler, len(middlewares))
	copy(chain, middlewares)
	routeGroup.Add([]string{method}, path, handler, chain...)
}

// RegisterFunc là hàm đăng ký route của một domain (do domain/router export).
type RegisterFunc func(v1 fiber.Router, r *Router) error

// SetupRoutes thiết lập tất cả các route cho ứng dụng. Caller truyền lần lượt Register của từng domain để tránh import cycle.
func SetupRoutes(app *fiber.App, tenant fiber.Handler, regs ...RegisterFunc) error {
	prefix := NewRoutePrefix()
	v1 := app.Group(prefix.V1)
	r := NewRouter(app, tenant)
	for _, reg := range regs {
		if err := reg(v1, r); err != nil {
			return err
		}
	}
	return nil
}
