package models

// RunView là response đầy đủ của một run: run + steps + approvals
type RunView struct {
	Run       AgentRun        `json:"run"`
	Steps     []AgentStep     `json:"steps"`
	Approvals []AgentApproval `json:"approvals"`
}

// RunMetrics là số liệu tổng hợp các run của một tenant
type RunMetrics struct {
	RunsTotal           int     `json:"runsTotal"`
	RunsCompleted       int     `json:"runsCompleted"`
	RunsWaitingApproval int     `json:"runsWaitingApproval"`
	RunsFailed          int     `json:"runsFailed"`
	StepsTotal          int     `json:"stepsTotal"`
	StepsCompleted      int     `json:"stepsCompleted"`
	StepSuccessRate     float64 `json:"stepSuccessRate"`
	P95StepLatencyMs    float64 `json:"p95StepLatencyMs"`
}
