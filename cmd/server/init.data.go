package main

import (
	"context"
	"time"

	agentossvc "fleet_ops/internal/api/agentos/service"
	"fleet_ops/internal/logger"
)

// InitDefaultData seed policy mặc định. Policy đã có giữ nguyên để không ghi đè thay đổi của admin.
func InitDefaultData(svc *agentossvc.AgentOSService, policySeedFile string) {
	log := logger.GetAppLogger()
	log.Info("🔄 [INIT] Starting InitDefaultData...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	path := ""
	if policySeedFile != "" {
		path = resolvePath(policySeedFile)
	}
	if _, err := svc.SeedPoliciesFromFile(ctx, path); err != nil {
		log.Fatalf("Failed to seed agent policies: %v", err)
	}

	log.Info("✅ [INIT] InitDefaultData completed successfully")
}
