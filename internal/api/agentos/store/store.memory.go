package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	agentosmodels "fleet_ops/internal/api/agentos/models"
	"fleet_ops/internal/common"
)

type memIdempotent struct {
	response  []byte
	seq       int64 // thứ tự ghi, dùng khi cắt bớt
	createdAt time.Time
	expiresAt time.Time
}

// MemoryStore là StateStore trong bộ nhớ. Bản ghi được sao chép khi đọc và ghi.
type MemoryStore struct {
	idGenerator
	mu          sync.RWMutex
	sequences   map[string]int64
	runs        map[string]*agentosmodels.AgentRun
	steps       map[string]*agentosmodels.AgentStep
	approvals   map[string]*agentosmodels.AgentApproval
	policies    map[string]*agentosmodels.PolicyRule
	idempotency map[string]map[string]memIdempotent // tenant -> key -> response
	idemSeq     int64
	now         func() time.Time
}

// NewMemoryStore tạo store rỗng
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		sequences:   map[string]int64{},
		runs:        map[string]*agentosmodels.AgentRun{},
		steps:       map[string]*agentosmodels.AgentStep{},
		approvals:   map[string]*agentosmodels.AgentApproval{},
		policies:    map[string]*agentosmodels.PolicyRule{},
		idempotency: map[string]map[string]memIdempotent{},
		now:         time.Now,
	}
	s.idGenerator = idGenerator{next: s.nextSequence}
	return s
}

func (s *MemoryStore) nextSequence(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences[name]++
	return s.sequences[name], nil
}

func (s *MemoryStore) UpsertRun(_ context.Context, run *agentosmodels.AgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.RunID] = run.Clone()
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (*agentosmodels.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, common.ErrNotFound)
	}
	return run.Clone(), nil
}

func (s *MemoryStore) ListRuns(_ context.Context, tenantID string, limit int) ([]agentosmodels.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listRunsLocked(tenantID, limit), nil
}

func (s *MemoryStore) listRunsLocked(tenantID string, limit int) []agentosmodels.AgentRun {
	out := []agentosmodels.AgentRun{}
	for _, r := range s.runs {
		if r.TenantID == tenantID {
			out = append(out, *r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].RunID > out[j].RunID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) UpsertStep(_ context.Context, step *agentosmodels.AgentStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.steps {
		if existing.RunID == step.RunID && existing.StepIndex == step.StepIndex && existing.StepID != step.StepID {
			return fmt.Errorf("step index %d of run %s: %w", step.StepIndex, step.RunID, common.ErrDuplicate)
		}
	}
	cp := *step
	s.steps[step.StepID] = &cp
	return nil
}

func (s *MemoryStore) ListSteps(_ context.Context, runID string) ([]agentosmodels.AgentStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listStepsLocked(map[string]bool{runID: true}), nil
}

func (s *MemoryStore) listStepsLocked(runIDs map[string]bool) []agentosmodels.AgentStep {
	out := []agentosmodels.AgentStep{}
	for _, st := range s.steps {
		if runIDs[st.RunID] {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RunID != out[j].RunID {
			return out[i].RunID < out[j].RunID
		}
		return out[i].StepIndex < out[j].StepIndex
	})
	return out
}

func (s *MemoryStore) InsertApproval(_ context.Context, approval *agentosmodels.AgentApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.approvals[approval.ApprovalID]; exists {
		return fmt.Errorf("approval %s: %w", approval.ApprovalID, common.ErrDuplicate)
	}
	if approval.Status == agentosmodels.ApprovalStatusPending {
		for _, a := range s.approvals {
			if a.RunID == approval.RunID && a.Status == agentosmodels.ApprovalStatusPending {
				return common.ErrPendingApprovalExists
			}
		}
	}
	cp := *approval
	s.approvals[approval.ApprovalID] = &cp
	return nil
}

func (s *MemoryStore) GetApproval(_ context.Context, approvalID string) (*agentosmodels.AgentApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.approvals[approvalID]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", approvalID, common.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ResolveApproval(_ context.Context, approvalID string, res agentosmodels.ApprovalResolution) (*agentosmodels.AgentApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[approvalID]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", approvalID, common.ErrNotFound)
	}
	if a.Status != agentosmodels.ApprovalStatusPending {
		return nil, common.ErrApprovalResolved
	}
	a.Status = res.Status
	a.ResolvedBy = res.ResolvedBy
	a.ResolvedAt = res.ResolvedAt
	a.UpdatedAt = res.ResolvedAt
	if res.Note != "" {
		a.Note = res.Note
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListApprovals(_ context.Context, runID string) ([]agentosmodels.AgentApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []agentosmodels.AgentApproval{}
	for _, a := range s.approvals {
		if a.RunID == runID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ApprovalID < out[j].ApprovalID })
	return out, nil
}

func (s *MemoryStore) ListPendingApprovals(_ context.Context, tenantID string, limit int) ([]agentosmodels.AgentApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []agentosmodels.AgentApproval{}
	for _, a := range s.approvals {
		if a.TenantID == tenantID && a.Status == agentosmodels.ApprovalStatusPending {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt != out[j].RequestedAt {
			return out[i].RequestedAt < out[j].RequestedAt
		}
		return out[i].ApprovalID < out[j].ApprovalID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SeedPolicies(_ context.Context, rules []agentosmodels.PolicyRule) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, rule := range rules {
		if _, exists := s.policies[rule.PolicyID]; exists {
			continue
		}
		cp := rule
		s.policies[rule.PolicyID] = &cp
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) ListPolicies(_ context.Context) ([]agentosmodels.PolicyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []agentosmodels.PolicyRule{}
	for _, p := range s.policies {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyID < out[j].PolicyID })
	return out, nil
}

func (s *MemoryStore) GetPolicy(_ context.Context, policyID string) (*agentosmodels.PolicyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[policyID]
	if !ok {
		return nil, fmt.Errorf("policy %s: %w", policyID, common.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetPolicyForAction(ctx context.Context, actionType agentosmodels.ActionType) (*agentosmodels.PolicyRule, error) {
	all, _ := s.ListPolicies(ctx)
	for _, p := range all {
		if p.ActionType == actionType {
			cp := p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("policy for action %s: %w", actionType, common.ErrNotFound)
}

func (s *MemoryStore) UpdatePolicy(_ context.Context, policyID string, patch agentosmodels.PolicyPatch) (*agentosmodels.PolicyRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[policyID]
	if !ok {
		return nil, fmt.Errorf("policy %s: %w", policyID, common.ErrNotFound)
	}
	updated := patch.Apply(*p)
	updated.UpdatedAt = s.now().UnixMilli()
	s.policies[policyID] = &updated
	cp := updated
	return &cp, nil
}

func (s *MemoryStore) GetIdempotent(_ context.Context, tenantID, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.idempotency[tenantID][key]
	if !ok || !s.now().Before(rec.expiresAt) {
		return nil, false, nil
	}
	return append([]byte(nil), rec.response...), true, nil
}

func (s *MemoryStore) SetIdempotent(_ context.Context, tenantID, key string, response []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.idempotency[tenantID]
	if !ok {
		bucket = map[string]memIdempotent{}
		s.idempotency[tenantID] = bucket
	}
	now := s.now()
	s.idemSeq++
	bucket[key] = memIdempotent{response: append([]byte(nil), response...), seq: s.idemSeq, createdAt: now, expiresAt: now.Add(ttl)}

	// Giữ tối đa MaxIdempotencyPerTenant bản ghi mới nhất
	if over := len(bucket) - MaxIdempotencyPerTenant; over > 0 {
		keys := make([]string, 0, len(bucket))
		for k := range bucket {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return bucket[keys[i]].seq < bucket[keys[j]].seq })
		for _, k := range keys[:over] {
			delete(bucket, k)
		}
	}
	return nil
}

func (s *MemoryStore) PruneIdempotency(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for _, bucket := range s.idempotency {
		for k, rec := range bucket {
			if !now.Before(rec.expiresAt) {
				delete(bucket, k)
				removed++
			}
		}
	}
	return removed, nil
}

func (s *MemoryStore) RunMetrics(_ context.Context, tenantID string) (*agentosmodels.RunMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := s.listRunsLocked(tenantID, MetricsRunWindow)
	ids := make(map[string]bool, len(runs))
	for _, r := range runs {
		ids[r.RunID] = true
	}
	return buildMetrics(runs, s.listStepsLocked(ids)), nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
