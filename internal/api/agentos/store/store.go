// Package store lưu trữ bền vững Run, Step, Approval, PolicyRule và response idempotent của Agent OS.
// Có ba backend: memory (test, CLI), sqlite (mặc định) và mongo.
package store

import (
	"context"
	"fmt"
	"time"

	agentosmodels "fleet_ops/internal/api/agentos/models"
	"fleet_ops/internal/utility"
)

// Giới hạn truy vấn
const (
	MaxIdempotencyPerTenant = 10000 // Số response idempotent tối đa giữ cho mỗi tenant
	MetricsRunWindow        = 500   // Số run gần nhất dùng để tính metrics
)

// Tên sequence sinh id
const (
	seqRun      = "run"
	seqStep     = "step"
	seqApproval = "approval"
)

// StateStore là kho trạng thái của Agent OS. Mọi thao tác ghi là nguyên tử.
// Lỗi không tìm thấy bọc common.ErrNotFound.
type StateStore interface {
	NextRunID(ctx context.Context) (string, error)
	NextStepID(ctx context.Context) (string, error)
	NextApprovalID(ctx context.Context) (string, error)

	UpsertRun(ctx context.Context, run *agentosmodels.AgentRun) error
	GetRun(ctx context.Context, runID string) (*agentosmodels.AgentRun, error)
	ListRuns(ctx context.Context, tenantID string, limit int) ([]agentosmodels.AgentRun, error)

	UpsertStep(ctx context.Context, step *agentosmodels.AgentStep) error
	ListSteps(ctx context.Context, runID string) ([]agentosmodels.AgentStep, error)

	// InsertApproval trả common.ErrPendingApprovalExists nếu run đã có approval pending
	InsertApproval(ctx context.Context, approval *agentosmodels.AgentApproval) error
	GetApproval(ctx context.Context, approvalID string) (*agentosmodels.AgentApproval, error)
	// ResolveApproval chuyển pending -> approved|rejected nguyên tử, bên thua nhận common.ErrApprovalResolved
	ResolveApproval(ctx context.Context, approvalID string, res agentosmodels.ApprovalResolution) (*agentosmodels.AgentApproval, error)
	ListApprovals(ctx context.Context, runID string) ([]agentosmodels.AgentApproval, error)
	ListPendingApprovals(ctx context.Context, tenantID string, limit int) ([]agentosmodels.AgentApproval, error)

	// SeedPolicies chỉ thêm policy chưa có, không ghi đè
	SeedPolicies(ctx context.Context, rules []agentosmodels.PolicyRule) (int, error)
	ListPolicies(ctx context.Context) ([]agentosmodels.PolicyRule, error)
	GetPolicy(ctx context.Context, policyID string) (*agentosmodels.PolicyRule, error)
	GetPolicyForAction(ctx context.Context, actionType agentosmodels.ActionType) (*agentosmodels.PolicyRule, error)
	UpdatePolicy(ctx context.Context, policyID string, patch agentosmodels.PolicyPatch) (*agentosmodels.PolicyRule, error)

	GetIdempotent(ctx context.Context, tenantID, key string) ([]byte, bool, error)
	SetIdempotent(ctx context.Context, tenantID, key string, response []byte, ttl time.Duration) error
	PruneIdempotency(ctx context.Context, now time.Time) (int64, error)

	RunMetrics(ctx context.Context, tenantID string) (*agentosmodels.RunMetrics, error)
	Ping(ctx context.Context) error
	Close() error
}

// idGenerator sinh id dạng PREFIX-%06d từ sequence của backend
type idGenerator struct {
	next func(ctx context.Context, name string) (int64, error)
}

func (g idGenerator) format(ctx context.Context, name, prefix string) (string, error) {
	n, err := g.next(ctx, name)
	if err != nil {
		return "", fmt.Errorf("next %s sequence: %w", name, err)
	}
	return fmt.Sprintf("%s-%06d", prefix, n), nil
}

func (g idGenerator) NextRunID(ctx context.Context) (string, error) {
	return g.format(ctx, seqRun, "ARUN")
}

func (g idGenerator) NextStepID(ctx context.Context) (string, error) {
	return g.format(ctx, seqStep, "ASTEP")
}

func (g idGenerator) NextApprovalID(ctx context.Context) (string, error) {
	return g.format(ctx, seqApproval, "AAPR")
}

// buildMetrics tổng hợp metrics từ các run gần nhất và step của chúng
func buildMetrics(runs []agentosmodels.AgentRun, steps []agentosmodels.AgentStep) *agentosmodels.RunMetrics {
	m := &agentosmodels.RunMetrics{RunsTotal: len(runs)}
	for _, r := range runs {
		switch r.Status {
		case agentosmodels.RunStatusCompleted, agentosmodels.RunStatusCompletedWithWarnings:
			m.RunsCompleted++
		case agentosmodels.RunStatusWaitingApproval:
			m.RunsWaitingApproval++
		case agentosmodels.RunStatusFailed:
			m.RunsFailed++
		}
	}

	latencies := []float64{}
	for _, s := range steps {
		m.StepsTotal++
		if s.Status == agentosmodels.StepStatusCompleted {
			m.StepsCompleted++
		}
		if s.LatencyMs > 0 {
			latencies = append(latencies, s.LatencyMs)
		}
	}
	denom := m.StepsTotal
	if denom < 1 {
		denom = 1
	}
	m.StepSuccessRate = utility.Round(float64(m.StepsCompleted)/float64(denom), 4)
	m.P95StepLatencyMs = utility.Round(utility.Percentile(latencies, 0.95), 2)
	return m
}
