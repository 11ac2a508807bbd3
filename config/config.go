package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env"
	"github.com/joho/godotenv"
)

// Configuration chứa thông tin tĩnh cần thiết để chạy ứng dụng
type Configuration struct {
	AppMode               string `env:"APP_MODE" envDefault:"demo"`                // demo: seed dữ liệu ops board, production: không seed
	Address               string `env:"ADDRESS" envDefault:"8080"`                 // Cổng server
	CORS_Origins          string `env:"CORS_ORIGINS" envDefault:"*"`               // Các origins được phép (phân cách bởi dấu phẩy, * = tất cả)
	CORS_AllowCredentials bool   `env:"CORS_ALLOW_CREDENTIALS" envDefault:"false"` // Cho phép gửi credentials
	RateLimit_Max         int    `env:"RATE_LIMIT_MAX" envDefault:"100"`           // Số request tối đa trong window (0 = disable rate limit)
	RateLimit_Window      int    `env:"RATE_LIMIT_WINDOW" envDefault:"60"`         // Thời gian window (giây)
	RateLimit_Enabled     bool   `env:"RATE_LIMIT_ENABLED" envDefault:"true"`      // Bật/tắt rate limiting

	// State store
	StoreDriver           string `env:"STORE_DRIVER" envDefault:"sqlite"`                 // memory, sqlite, mongo
	SQLitePath            string `env:"SQLITE_PATH" envDefault:"./data/agent_os.db"`      // File SQLite khi STORE_DRIVER=sqlite
	MongoDB_ConnectionURI string `env:"MONGODB_CONNECTION_URI"`                           // Bắt buộc khi STORE_DRIVER=mongo
	MongoDB_DBName_Agent  string `env:"MONGODB_DBNAME_AGENT" envDefault:"fleet_agent_os"` // Tên database cho agent os

	// Tenant auth
	AuthEnabled     bool   `env:"AUTH_ENABLED" envDefault:"false"`   // Bắt buộc bearer token
	DefaultTenantID string `env:"DEFAULT_TENANT_ID" envDefault:"demo"` // Tenant khi tắt auth và không có X-Tenant-ID
	TenantTokens    string `env:"TENANT_TOKENS"`                     // "token:tenant,token2:tenant2"
	JwtSecret       string `env:"JWT_SECRET"`                        // Bí mật ký JWT HS256, rỗng = không nhận JWT

	// Orchestrator
	ActionTimeoutSeconds      int    `env:"ACTION_TIMEOUT_SECONDS" envDefault:"30"`               // Deadline cho mỗi lần gọi action
	IdempotencyTTLHours       int    `env:"IDEMPOTENCY_TTL_HOURS" envDefault:"72"`                // Thời gian giữ response idempotent
	IdempotencyCleanupMinutes int    `env:"IDEMPOTENCY_CLEANUP_MINUTES" envDefault:"30"`          // Chu kỳ worker dọn idempotency
	PolicySeedFile            string `env:"POLICY_SEED_FILE" envDefault:"config/policies.yaml"` // File seed policy mặc định
}

// ActionTimeout trả về deadline cho mỗi lần gọi action
func (c *Configuration) ActionTimeout() time.Duration {
	if c.ActionTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ActionTimeoutSeconds) * time.Second
}

// IdempotencyTTL trả về thời gian sống của một response idempotent
func (c *Configuration) IdempotencyTTL() time.Duration {
	if c.IdempotencyTTLHours <= 0 {
		return 72 * time.Hour
	}
	return time.Duration(c.IdempotencyTTLHours) * time.Hour
}

// IsDemoMode cho biết có seed dữ liệu demo hay không
func (c *Configuration) IsDemoMode() bool {
	return strings.EqualFold(strings.TrimSpace(c.AppMode), "demo")
}

// Validate kiểm tra các ràng buộc giữa các key
func (c *Configuration) Validate() error {
	switch c.StoreDriver {
	case "memory", "sqlite":
	case "mongo":
		if c.MongoDB_ConnectionURI == "" {
			return fmt.Errorf("MONGODB_CONNECTION_URI is required when STORE_DRIVER=mongo")
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q (expected memory, sqlite or mongo)", c.StoreDriver)
	}
	return nil
}

// getEnvPath tìm config/env/<GO_ENV>.env bằng cách đi lên từ thư mục hiện tại
func getEnvPath() string {
	goEnv := os.Getenv("GO_ENV")
	if goEnv == "" {
		goEnv = "development"
	}

	currentDir, err := os.Getwd()
	if err != nil {
		// Logger có thể chưa được init ở đây
		fmt.Printf("Không thể lấy được thư mục hiện tại: %v\n", err)
		return ""
	}

	for {
		envDir := filepath.Join(currentDir, "config", "env")
		if _, err := os.Stat(envDir); err == nil {
			return filepath.Join(envDir, fmt.Sprintf("%s.env", goEnv))
		}
		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			return ""
		}
		currentDir = parentDir
	}
}

// NewConfig đọc cấu hình từ file env (nếu có) rồi parse environment vào Configuration.
// files cho phép chỉ định file env thay cho file theo GO_ENV.
func NewConfig(files ...string) (*Configuration, error) {
	if len(files) == 0 {
		if envPath := getEnvPath(); envPath != "" {
			if _, err := os.Stat(envPath); err == nil {
				files = append(files, envPath)
			}
		}
	}

	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return nil, fmt.Errorf("load env file %v: %w", files, err)
		}
	}

	cfg := Configuration{}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
