package models

// StepStatus là trạng thái của một step
type StepStatus string

const (
	StepStatusPending         StepStatus = "pending"
	StepStatusRunning         StepStatus = "running"
	StepStatusWaitingApproval StepStatus = "waiting_approval"
	StepStatusCompleted       StepStatus = "completed"
	StepStatusFailed          StepStatus = "failed"
	StepStatusSkipped         StepStatus = "skipped" // Chưa có luồng nào tạo ra trạng thái này
)

// StepInput là dữ liệu đầu vào ghi lại cho step
type StepInput struct {
	Objective     string        `json:"objective" bson:"objective"`
	ExecutionMode ExecutionMode `json:"executionMode" bson:"executionMode"`
}

// StepOutput là kết quả của step. ActionExecuted được lưu cùng step để khi resume không chạy lại action.
type StepOutput struct {
	ActionExecuted bool                   `json:"executed" bson:"executed"`
	Result         map[string]interface{} `json:"result" bson:"result"`
	Before         map[string]interface{} `json:"before,omitempty" bson:"before,omitempty"`
	After          map[string]interface{} `json:"after,omitempty" bson:"after,omitempty"`
	ApprovalID     string                 `json:"approvalId,omitempty" bson:"approvalId,omitempty"`
}

// Executed cho biết action của step đã chạy hay chưa
func (o StepOutput) Executed() bool {
	return o.ActionExecuted
}

// Compensation strategies
const (
	CompensationContinue              = "continue"
	CompensationCompensateAndContinue = "compensate_and_continue"
	CompensationHalt                  = "halt"
)

// StepCompensation ghi chú cách xử lý bù khi step không thành công
type StepCompensation struct {
	Strategy string `json:"strategy" bson:"strategy"`
	Result   string `json:"result" bson:"result"`
	Note     string `json:"note,omitempty" bson:"note,omitempty"`
}

// AgentStep là một action đã lập kế hoạch trong run
// Collection: agent_steps
type AgentStep struct {
	StepID    string `json:"stepId" bson:"_id"`
	RunID     string `json:"runId" bson:"runId" index:"compound:run_step_unique"`
	TenantID  string `json:"tenantId" bson:"tenantId"`
	StepIndex int    `json:"stepIndex" bson:"stepIndex" index:"compound:run_step_unique"`

	ActionType     ActionType        `json:"actionType" bson:"actionType"`
	Status         StepStatus        `json:"status" bson:"status"`
	Prompt         string            `json:"prompt" bson:"prompt"`
	PolicyDecision PolicyDecision    `json:"policyDecision" bson:"policyDecision"`
	Input          StepInput         `json:"input" bson:"input"`
	Output         StepOutput        `json:"output" bson:"output"`
	Compensation   *StepCompensation `json:"compensation,omitempty" bson:"compensation,omitempty"`
	Error          string            `json:"error,omitempty" bson:"error,omitempty"`
	Confidence     float64           `json:"confidence" bson:"confidence"`
	LatencyMs      float64           `json:"latencyMs" bson:"latencyMs"`

	CreatedAt int64 `json:"createdAt" bson:"createdAt"`
	UpdatedAt int64 `json:"updatedAt" bson:"updatedAt"`
}
