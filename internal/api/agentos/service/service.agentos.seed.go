package agentossvc

import (
	"context"
	"fmt"
	"os"

	agentosmodels "fleet_ops/internal/api/agentos/models"
	"fleet_ops/internal/global"
	"fleet_ops/internal/logger"

	"gopkg.in/yaml.v3"
)

// policySeedFile là cấu trúc file config/policies.yaml
type policySeedFile struct {
	Policies []agentosmodels.PolicyRule `yaml:"policies"`
}

// LoadPolicyFile đọc bảng policy từ file yaml. Mỗi action chỉ được có một policy.
func LoadPolicyFile(path string) ([]agentosmodels.PolicyRule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy seed %s: %w", path, err)
	}
	var file policySeedFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse policy seed %s: %w", path, err)
	}

	if global.Validate == nil {
		global.InitValidator()
	}
	seenIDs := map[string]bool{}
	seenActions := map[agentosmodels.ActionType]bool{}
	for i, rule := range file.Policies {
		if err := global.Validate.Struct(rule); err != nil {
			return nil, fmt.Errorf("policy seed %s: entry %d (%s): %w", path, i, rule.PolicyID, err)
		}
		if seenIDs[rule.PolicyID] || seenActions[rule.ActionType] {
			return nil, fmt.Errorf("policy seed %s: duplicate policy %s for action %s", path, rule.PolicyID, rule.ActionType)
		}
		seenIDs[rule.PolicyID] = true
		seenActions[rule.ActionType] = true
	}
	return file.Policies, nil
}

// SeedPoliciesFromFile seed policy từ file, file không đọc được thì dùng DefaultPolicies.
// Policy đã tồn tại giữ nguyên.
func (s *AgentOSService) SeedPoliciesFromFile(ctx context.Context, path string) (int, error) {
	log := logger.WithModule("agent_os")
	rules := DefaultPolicies()
	if path != "" {
		loaded, err := LoadPolicyFile(path)
		if err != nil {
			log.WithError(err).Warn("Policy seed file unavailable, using built-in defaults")
		} else {
			rules = loaded
		}
	}
	inserted, err := s.SeedPolicies(ctx, rules)
	if err != nil {
		return 0, err
	}
	log.WithFields(map[string]interface{}{
		"source":   path,
		"total":    len(rules),
		"inserted": inserted,
	}).Info("Seeded agent policies")
	return inserted, nil
}
