package models

// RunStatus là trạng thái của một agent run
type RunStatus string

const (
	RunStatusPending               RunStatus = "pending"                 // Vừa tạo, chưa chạy
	RunStatusRunning               RunStatus = "running"                 // Đang thực hiện các step
	RunStatusWaitingApproval       RunStatus = "waiting_approval"        // Dừng tại cổng phê duyệt
	RunStatusCompleted             RunStatus = "completed"               // Hoàn thành không lỗi
	RunStatusCompletedWithWarnings RunStatus = "completed_with_warnings" // Hoàn thành nhưng có step lỗi
	RunStatusFailed                RunStatus = "failed"                  // Bị từ chối phê duyệt
	RunStatusCanceled              RunStatus = "canceled"                // Chưa có luồng nào tạo ra trạng thái này
)

// Terminal cho biết run đã kết thúc hay chưa
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusCompletedWithWarnings, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

// AutonomyLevel là mức tin cậy người vận hành khai báo cho run
type AutonomyLevel string

const (
	AutonomyL1 AutonomyLevel = "L1"
	AutonomyL2 AutonomyLevel = "L2"
	AutonomyL3 AutonomyLevel = "L3"
)

// ExecutionMode là cách action tương tác với hệ thống nghiệp vụ
type ExecutionMode string

const (
	ExecutionStateFirst ExecutionMode = "state_first"
	ExecutionUIFirst    ExecutionMode = "ui_first"
	ExecutionHybrid     ExecutionMode = "hybrid"
)

// RunProgress là tiến độ có kiểu của một run
type RunProgress struct {
	PlanActions         []ActionType `json:"planActions" bson:"planActions"`                 // Danh sách action theo thứ tự
	NextIndex           int          `json:"nextIndex" bson:"nextIndex"`                     // Step đầu tiên chưa thực hiện
	ApprovedStepIndices []int        `json:"approvedStepIndices" bson:"approvedStepIndices"` // Các index đã được duyệt trước khi chạy
	BlockedStepID       string       `json:"blockedStepId,omitempty" bson:"blockedStepId,omitempty"`
}

// IsApproved kiểm tra index đã được duyệt hay chưa
func (p *RunProgress) IsApproved(idx int) bool {
	for _, i := range p.ApprovedStepIndices {
		if i == idx {
			return true
		}
	}
	return false
}

// MarkApproved thêm index vào danh sách đã duyệt (không trùng)
func (p *RunProgress) MarkApproved(idx int) {
	if !p.IsApproved(idx) {
		p.ApprovedStepIndices = append(p.ApprovedStepIndices, idx)
	}
}

// AgentRun đại diện cho một phiên thực thi tự động
// Collection: agent_runs
type AgentRun struct {
	RunID    string `json:"runId" bson:"_id"`
	TenantID string `json:"tenantId" bson:"tenantId" index:"compound:tenant_updated"`
	Actor    string `json:"actor" bson:"actor"`
	Role     string `json:"role" bson:"role"`

	// ===== INPUTS =====
	Objective     string        `json:"objective" bson:"objective"`
	AutonomyLevel AutonomyLevel `json:"autonomyLevel" bson:"autonomyLevel"`
	ExecutionMode ExecutionMode `json:"executionMode" bson:"executionMode"`
	DryRun        bool          `json:"dryRun" bson:"dryRun"`
	MaxSteps      int           `json:"maxSteps" bson:"maxSteps"`

	// ===== PROGRESS =====
	Status            RunStatus   `json:"status" bson:"status" index:"single:1"`
	BlockedApprovalID string      `json:"blockedApprovalId" bson:"blockedApprovalId"`
	Summary           RunProgress `json:"summary" bson:"summary"`

	// ===== ACCUMULATORS =====
	Warnings []string `json:"warnings" bson:"warnings"`
	Errors   []string `json:"errors" bson:"errors"`

	// ===== TIMESTAMPS (unix milli) =====
	CreatedAt int64 `json:"createdAt" bson:"createdAt"`
	UpdatedAt int64 `json:"updatedAt" bson:"updatedAt" index:"compound:tenant_updated,order:-1"`
}

// Clone trả về bản sao độc lập (slice không dùng chung)
func (r *AgentRun) Clone() *AgentRun {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Summary.PlanActions = make([]ActionType, len(r.Summary.PlanActions))
	copy(cp.Summary.PlanActions, r.Summary.PlanActions)
	cp.Summary.ApprovedStepIndices = make([]int, len(r.Summary.ApprovedStepIndices))
	copy(cp.Summary.ApprovedStepIndices, r.Summary.ApprovedStepIndices)
	cp.Warnings = cloneStrings(r.Warnings)
	cp.Errors = cloneStrings(r.Errors)
	return &cp
}

// cloneStrings giữ slice rỗng là rỗng để JSON ra [] thay vì null
func cloneStrings(src []string) []string {
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}
