package models

// PolicyRule là cấu hình quản trị cho một loại action, dùng chung mọi tenant
// Collection: agent_policies
type PolicyRule struct {
	PolicyID              string     `json:"policyId" bson:"_id" yaml:"policy_id" validate:"required"`
	ActionType            ActionType `json:"actionType" bson:"actionType" yaml:"action_type" index:"single:1" validate:"required,action_type"`
	Enabled               bool       `json:"enabled" bson:"enabled" yaml:"enabled"`
	RequiresAdminApproval bool       `json:"requiresAdminApproval" bson:"requiresAdminApproval" yaml:"requires_admin_approval"`
	Destructive           bool       `json:"destructive" bson:"destructive" yaml:"destructive"`
	MinConfidence         float64    `json:"minConfidence" bson:"minConfidence" yaml:"min_confidence" validate:"min=0,max=1"`
	MaxTargets            int        `json:"maxTargets" bson:"maxTargets" yaml:"max_targets" validate:"min=1"`
	Notes                 string     `json:"notes" bson:"notes" yaml:"notes"`
	UpdatedAt             int64      `json:"updatedAt" bson:"updatedAt" yaml:"-"`
}

// PolicyDecision là kết quả đánh giá policy cho một step
type PolicyDecision struct {
	Allowed          bool   `json:"allowed" bson:"allowed"`
	RequiresApproval bool   `json:"requiresApproval" bson:"requiresApproval"`
	Reason           string `json:"reason" bson:"reason"`
	PolicyID         string `json:"policyId" bson:"policyId"`
}

// PolicyPatch chứa các trường được phép sửa, nil = giữ nguyên
type PolicyPatch struct {
	Enabled               *bool
	RequiresAdminApproval *bool
	Destructive           *bool
	MinConfidence         *float64
	MaxTargets            *int
	Notes                 *string
}

// Apply áp dụng patch lên bản sao của policy
func (p PolicyPatch) Apply(rule PolicyRule) PolicyRule {
	if p.Enabled != nil {
		rule.Enabled = *p.Enabled
	}
	if p.RequiresAdminApproval != nil {
		rule.RequiresAdminApproval = *p.RequiresAdminApproval
	}
	if p.Destructive != nil {
		rule.Destructive = *p.Destructive
	}
	if p.MinConfidence != nil {
		rule.MinConfidence = *p.MinConfidence
	}
	if p.MaxTargets != nil {
		rule.MaxTargets = *p.MaxTargets
	}
	if p.Notes != nil {
		rule.Notes = *p.Notes
	}
	return rule
}
