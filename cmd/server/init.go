package main

import (
	"fleet_ops/config"
	"fleet_ops/internal/global"

	"github.com/sirupsen/logrus"
)

// Hàm khởi tạo các biến toàn cục
func InitGlobal() {
	initValidator() // Khởi tạo validator
	initConfig()    // Khởi tạo cấu hình server
}

// Hàm khởi tạo validator (dùng global.InitValidator để đăng ký custom validators: no_xss, action_type, tenant_id)
func initValidator() {
	global.InitValidator()
	logrus.Info("Initialized validator")
}

// Hàm khởi tạo cấu hình server
func initConfig() {
	cfg, err := config.NewConfig()
	if err != nil {
		logrus.Fatalf("Failed to initialize config: %v", err)
	}
	global.ServerConfig = cfg
	logrus.WithFields(logrus.Fields{
		"app_mode":     cfg.AppMode,
		"store_driver": cfg.StoreDriver,
		"auth_enabled": cfg.AuthEnabled,
	}).Info("Initialized server config")
}
