package models

// ApprovalStatus là trạng thái của cổng phê duyệt
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

// AgentApproval là cổng phê duyệt của con người gắn với đúng một step
// Collection: agent_approvals
type AgentApproval struct {
	ApprovalID string         `json:"approvalId" bson:"_id"`
	RunID      string         `json:"runId" bson:"runId" index:"compound:run_status"`
	StepID     string         `json:"stepId" bson:"stepId"`
	TenantID   string         `json:"tenantId" bson:"tenantId" index:"compound:tenant_status"`
	PolicyID   string         `json:"policyId" bson:"policyId"`
	Status     ApprovalStatus `json:"status" bson:"status" index:"compound:tenant_status;compound:run_status"`

	RequestedBy string `json:"requestedBy" bson:"requestedBy"`
	RequestedAt int64  `json:"requestedAt" bson:"requestedAt"`
	ResolvedBy  string `json:"resolvedBy,omitempty" bson:"resolvedBy,omitempty"`
	ResolvedAt  int64  `json:"resolvedAt,omitempty" bson:"resolvedAt,omitempty"`
	Note        string `json:"note" bson:"note"`

	CreatedAt int64 `json:"createdAt" bson:"createdAt"`
	UpdatedAt int64 `json:"updatedAt" bson:"updatedAt"`
}

// ApprovalResolution là quyết định áp dụng cho một approval đang pending
type ApprovalResolution struct {
	Status     ApprovalStatus
	ResolvedBy string
	ResolvedAt int64
	Note       string // Rỗng thì giữ note cũ
}
