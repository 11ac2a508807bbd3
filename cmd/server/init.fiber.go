package main

import (
	"fmt"
	"strings"
	"time"

	"fleet_ops/config"
	agentosrouter "fleet_ops/internal/api/agentos/router"
	agentossvc "fleet_ops/internal/api/agentos/service"
	"fleet_ops/internal/api/middleware"
	apirouter "fleet_ops/internal/api/router"
	"fleet_ops/internal/common"
	"fleet_ops/internal/logger"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/google/uuid"
)

// errorCodeForStatus map HTTP status của fiber.Error sang mã lỗi nội bộ
func errorCodeForStatus(status int) string {
	switch status {
	case fiber.StatusBadRequest:
		return common.ErrCodeValidationInput.Code
	case fiber.StatusUnauthorized:
		return common.ErrCodeAuthToken.Code
	case fiber.StatusForbidden:
		return common.ErrCodeAuthRole.Code
	case fiber.StatusNotFound, fiber.StatusConflict:
		return common.ErrCodeDatabaseQuery.Code
	}
	return common.ErrCodeInternalServer.Code
}

// InitFiberApp khởi tạo ứng dụng Fiber với các middleware cần thiết và route của Agent OS
func InitFiberApp(cfg *config.Configuration, svc *agentossvc.AgentOSService) (*fiber.App, error) {
	app := fiber.New(fiber.Config{
		// =========================================
		// 1. CẤU HÌNH CƠ BẢN
		// =========================================
		AppName:       "Fleet Ops Agent OS",
		ServerHeader:  "Fleet Ops Agent OS",
		StrictRouting: true,
		CaseSensitive: true,
		UnescapePath:  true,

		// =========================================
		// 2. CẤU HÌNH PERFORMANCE
		// =========================================
		BodyLimit:       1 * 1024 * 1024, // Objective tối đa 4000 ký tự, 1MB là dư
		Concurrency:     256 * 1024,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,

		// =========================================
		// 3. CẤU HÌNH TIMEOUT
		// =========================================
		// WriteTimeout phải lớn hơn tổng deadline của các step trong một run
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,

		// =========================================
		// 4. CẤU HÌNH ERROR HANDLING
		// =========================================
		ErrorHandler: func(c fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			message := common.MsgInternalError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
				message = e.Message
			}
			errorCode := errorCodeForStatus(code)

			if code >= fiber.StatusInternalServerError {
				logger.WithRequest(c).WithFields(map[string]interface{}{
					"code":      code,
					"errorCode": errorCode,
					"message":   message,
				}).WithError(err).Error("Request error")
			}

			return c.Status(code).JSON(fiber.Map{
				"code":    errorCode,
				"message": message,
				"status":  "error",
			})
		},
	})

	// =========================================
	// MIDDLEWARE STACK
	// =========================================

	// 1. Request ID Middleware - Tạo ID duy nhất cho mỗi request để trace
	app.Use(requestid.New(requestid.Config{
		Header:    "X-Request-ID",
		Generator: uuid.NewString,
	}))

	// 2. CORS Middleware - PHẢI ĐẶT Ở ĐẦU để xử lý preflight requests trước các middleware khác
	var allowOrigins []string
	if cfg.CORS_Origins == "*" {
		allowOrigins = []string{"*"}
	} else {
		for _, origin := range strings.Split(cfg.CORS_Origins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				allowOrigins = append(allowOrigins, origin)
			}
		}
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins,
		AllowMethods: []string{"GET", "POST", "PATCH", "HEAD", "OPTIONS"},
		AllowHeaders: []string{
			"Origin",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Request-ID",
			"X-Tenant-ID",
			"X-Actor-Role",
			"Idempotency-Key",
		},
		AllowCredentials: cfg.CORS_AllowCredentials,
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID", "Idempotent-Replayed"},
		MaxAge:           24 * 60 * 60,
	}))

	// 3. Security Headers Middleware
	app.Use(func(c fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		return c.Next()
	})

	// 4. Rate Limiting Middleware - chỉ bật khi được enable và Max > 0
	log := logger.GetAppLogger()
	if cfg.RateLimit_Enabled && cfg.RateLimit_Max > 0 {
		app.Use(limiter.New(limiter.Config{
			Max:        cfg.RateLimit_Max,
			Expiration: time.Duration(cfg.RateLimit_Window) * time.Second,
			KeyGenerator: func(c fiber.Ctx) string {
				// Giới hạn theo tenant nếu có, không thì theo IP
				if tenant := strings.TrimSpace(c.Get("X-Tenant-ID")); tenant != "" {
					return "tenant:" + tenant
				}
				return c.IP()
			},
			LimitReached: func(c fiber.Ctx) error {
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
					"code":    common.ErrCodeBusinessOperation.Code,
					"message": common.MsgTooManyRequests,
					"status":  "error",
				})
			},
			Next: func(c fiber.Ctx) bool {
				return c.Path() == "/api/v1/system/health" || c.Method() == "OPTIONS"
			},
		}))
		log.Infof("Rate limiting enabled: %d requests per %d seconds", cfg.RateLimit_Max, cfg.RateLimit_Window)
	} else {
		log.Info("Rate limiting disabled")
	}

	// 5. Recover Middleware
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c fiber.Ctx, e interface{}) {
			logger.WithRequest(c).WithFields(map[string]interface{}{
				"panic": e,
			}).Error("Panic recovered")
		},
	}))

	tenant := middleware.TenantContextMiddleware(middleware.AuthConfig{
		Enabled:         cfg.AuthEnabled,
		DefaultTenantID: cfg.DefaultTenantID,
		Tokens:          middleware.ParseTenantTokens(cfg.TenantTokens),
		JwtSecret:       cfg.JwtSecret,
	})
	if err := apirouter.SetupRoutes(app, tenant,
		apirouter.NewSystemRegister(svc),
		agentosrouter.NewRegister(svc),
	); err != nil {
		return nil, fmt.Errorf("setup routes: %w", err)
	}
	return app, nil
}
