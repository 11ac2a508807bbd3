package global

import (
	"fleet_ops/config"
	"fleet_ops/internal/registry"

	"github.com/go-playground/validator/v10"
	"go.mongodb.org/mongo-driver/mongo"
)

// MongoDB_AgentOS_CollectionName chứa tên các collection của Agent OS trong MongoDB
type MongoDB_AgentOS_CollectionName struct {
	AgentRuns        string // agent_runs
	AgentSteps       string // agent_steps
	AgentApprovals   string // agent_approvals
	AgentPolicies    string // agent_policies
	AgentSequences   string // agent_sequences: sequence sinh id
	AgentIdempotency string // agent_idempotency: response đã lưu theo key
}

// Các biến toàn cục
var Validate *validator.Validate              // Biến để xác thực dữ liệu
var MongoDB_Session *mongo.Client             // Phiên kết nối tới MongoDB (nil khi dùng sqlite/memory)
var ServerConfig *config.Configuration        // Cấu hình của server
var MongoDB_ColNames = MongoDB_AgentOS_CollectionName{
	AgentRuns:        "agent_runs",
	AgentSteps:       "agent_steps",
	AgentApprovals:   "agent_approvals",
	AgentPolicies:    "agent_policies",
	AgentSequences:   "agent_sequences",
	AgentIdempotency: "agent_idempotency",
}

// Các Registry
var RegistryCollections = registry.NewRegistry[*mongo.Collection]() // Registry chứa các collections
var RegistryDatabase = registry.NewRegistry[*mongo.Database]()      // Registry chứa các databases
