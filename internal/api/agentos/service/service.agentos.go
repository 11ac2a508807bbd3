// Package agentossvc chứa logic điều phối của Agent OS: lập kế hoạch, policy, state machine của run,
// quyết định phê duyệt và các truy vấn.
package agentossvc

import (
	"context"
	"errors"
	"time"

	agentosmodels "fleet_ops/internal/api/agentos/models"
	"fleet_ops/internal/api/agentos/store"
	"fleet_ops/internal/common"
	"fleet_ops/internal/utility"
)

// Giới hạn các truy vấn danh sách
const (
	DefaultRunsLimit    = 50
	MaxRunsLimit        = 500
	DefaultPendingLimit = 100
	MaxPendingLimit     = 1000
)

// Options cấu hình AgentOSService
type Options struct {
	ActionTimeout  time.Duration // Deadline mỗi lần gọi action
	IdempotencyTTL time.Duration // Thời gian giữ response idempotent
}

// AgentOSService xử lý logic cho Agent OS: tạo và duyệt run, truy vấn, policy, metrics
type AgentOSService struct {
	store       store.StateStore
	executor    *RunExecutor
	idempotency *IdempotencyService
}

// NewAgentOSService tạo service với store và các action được tiêm vào
func NewAgentOSService(st store.StateStore, actions ActionExecutor, snapshots Snapshotter, opts Options) *AgentOSService {
	return &AgentOSService{
		store:       st,
		executor:    NewRunExecutor(st, actions, snapshots, opts.ActionTimeout),
		idempotency: NewIdempotencyService(st, opts.IdempotencyTTL),
	}
}

// Executor trả về state machine dùng bởi service
func (s *AgentOSService) Executor() *RunExecutor {
	return s.executor
}

// Idempotency trả về service idempotency
func (s *AgentOSService) Idempotency() *IdempotencyService {
	return s.idempotency
}

// CreateRun tạo và chạy đồng bộ một run
func (s *AgentOSService) CreateRun(ctx context.Context, req RunRequest) (*agentosmodels.RunView, error) {
	return s.executor.RunObjective(ctx, req)
}

// DecideApproval duyệt hoặc từ chối approval đang chặn run
func (s *AgentOSService) DecideApproval(ctx context.Context, req DecisionRequest) (*agentosmodels.RunView, error) {
	return s.executor.DecideApproval(ctx, req)
}

// ListRuns trả về các run mới cập nhật nhất của tenant
func (s *AgentOSService) ListRuns(ctx context.Context, tenantID string, limit int) ([]agentosmodels.AgentRun, error) {
	runs, err := s.store.ListRuns(ctx, tenantID, utility.ClampInt(limit, DefaultRunsLimit, 1, MaxRunsLimit))
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []agentosmodels.AgentRun{}
	}
	return runs, nil
}

// GetRun trả về run kèm step và approval. Run của tenant khác coi như không tồn tại.
func (s *AgentOSService) GetRun(ctx context.Context, tenantID, runID string) (*agentosmodels.RunView, error) {
	view, err := s.executor.View(ctx, runID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.ErrRunNotFound
		}
		return nil, err
	}
	if view.Run.TenantID != tenantID {
		return nil, common.ErrRunNotFound
	}
	return view, nil
}

// Timeline trả về {run, steps, approvals} của run
func (s *AgentOSService) Timeline(ctx context.Context, tenantID, runID string) (*agentosmodels.RunView, error) {
	return s.GetRun(ctx, tenantID, runID)
}

// ListPendingApprovals trả về approval đang chờ của tenant, cũ nhất trước
func (s *AgentOSService) ListPendingApprovals(ctx context.Context, tenantID string, limit int) ([]agentosmodels.AgentApproval, error) {
	rows, err := s.store.ListPendingApprovals(ctx, tenantID, utility.ClampInt(limit, DefaultPendingLimit, 1, MaxPendingLimit))
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []agentosmodels.AgentApproval{}
	}
	return rows, nil
}

// ListPolicies trả về toàn bộ policy
func (s *AgentOSService) ListPolicies(ctx context.Context) ([]agentosmodels.PolicyRule, error) {
	rows, err := s.store.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []agentosmodels.PolicyRule{}
	}
	return rows, nil
}

// PatchPolicy cập nhật các trường được gửi của policy
func (s *AgentOSService) PatchPolicy(ctx context.Context, policyID string, patch agentosmodels.PolicyPatch) (*agentosmodels.PolicyRule, error) {
	rule, err := s.store.UpdatePolicy(ctx, policyID, patch)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.ErrPolicyNotFound
		}
		return nil, err
	}
	return rule, nil
}

// SeedPolicies thêm các policy mặc định còn thiếu
func (s *AgentOSService) SeedPolicies(ctx context.Context, rules []agentosmodels.PolicyRule) (int, error) {
	return s.store.SeedPolicies(ctx, rules)
}

// Metrics trả về số liệu tổng hợp run/step của tenant
func (s *AgentOSService) Metrics(ctx context.Context, tenantID string) (*agentosmodels.RunMetrics, error) {
	return s.store.RunMetrics(ctx, tenantID)
}

// Ping kiểm tra store còn hoạt động
func (s *AgentOSService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
