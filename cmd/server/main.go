package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"

	"fleet_ops/internal/api/agentos/action"
	agentossvc "fleet_ops/internal/api/agentos/service"
	"fleet_ops/internal/database"
	"fleet_ops/internal/global"
	"fleet_ops/internal/logger"
	"fleet_ops/internal/opsboard"
	"fleet_ops/internal/worker"
)

// initLogger khởi tạo và cấu hình logger cho toàn bộ ứng dụng
func initLogger() {
	// Logger tự đọc environment variables để cấu hình
	if err := logger.Init(nil); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	logger.GetAppLogger().Info("Logger system initialized successfully")
}

// resolvePath resolve đường dẫn tương đối theo thư mục chứa config/env
func resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	currentDir, err := os.Getwd()
	if err != nil {
		return path
	}
	for {
		envDir := filepath.Join(currentDir, "config", "env")
		if _, err := os.Stat(envDir); err == nil {
			return filepath.Join(currentDir, path)
		}
		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			return path
		}
		currentDir = parentDir
	}
}

// main_thread chạy Fiber server tới khi nhận SIGINT/SIGTERM
func main_thread(ctx context.Context, app *fiber.App) {
	log := logger.GetAppLogger()
	address := ":" + global.ServerConfig.Address

	go func() {
		<-ctx.Done()
		log.Info("Shutting down Fiber server...")
		if err := app.Shutdown(); err != nil {
			log.WithError(err).Error("Error during Fiber shutdown")
		}
	}()

	log.WithFields(map[string]interface{}{
		"address":  address,
		"protocol": "HTTP",
	}).Info("Starting server with HTTP")

	if err := app.Listen(address, fiber.ListenConfig{}); err != nil {
		log.Fatalf("Error in Fiber Listen: %v", err)
	}
}

// Hàm main
func main() {
	initLogger()
	defer logger.Shutdown()

	// Khởi tạo các biến toàn cục
	InitGlobal()
	cfg := global.ServerConfig
	log := logger.GetAppLogger()

	// Khởi tạo state store
	st, err := InitStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize state store: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.WithError(err).Error("Failed to close state store")
		}
		_ = database.CloseInstance(global.MongoDB_Session)
	}()

	board := opsboard.NewMemoryBoard(cfg.IsDemoMode())
	catalog := action.NewCatalog(board)
	svc := agentossvc.NewAgentOSService(st, catalog, catalog, agentossvc.Options{
		ActionTimeout:  cfg.ActionTimeout(),
		IdempotencyTTL: cfg.IdempotencyTTL(),
	})
	defer svc.Idempotency().Close()

	// Khởi tạo dữ liệu mặc định
	InitDefaultData(svc, cfg.PolicySeedFile)
	InitEventHandlers()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Worker dọn idempotency chạy trong goroutine riêng với recover
	cleanup := worker.NewIdempotencyCleanupWorker(svc.Idempotency(), time.Duration(cfg.IdempotencyCleanupMinutes)*time.Minute)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(map[string]interface{}{
					"panic": r,
				}).Error("🧹 [IDEMPOTENCY_CLEANUP] Worker goroutine panic")
			}
		}()
		cleanup.Start(ctx)
	}()

	app, err := InitFiberApp(cfg, svc)
	if err != nil {
		log.Fatalf("Failed to initialize Fiber app: %v", err)
	}

	// Chạy Fiber server trên main thread
	main_thread(ctx, app)
}
