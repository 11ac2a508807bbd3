package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	agentosmodels "fleet_ops/internal/api/agentos/models"
	"fleet_ops/internal/common"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agent_sequences (
	name TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_runs (
	run_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	status TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	data_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_steps (
	step_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	step_index INTEGER NOT NULL,
	status TEXT NOT NULL,
	data_json TEXT NOT NULL,
	UNIQUE(run_id, step_index)
);

CREATE TABLE IF NOT EXISTS agent_approvals (
	approval_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	status TEXT NOT NULL,
	requested_at INTEGER NOT NULL,
	data_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_policies (
	policy_id TEXT PRIMARY KEY,
	action_type TEXT NOT NULL,
	data_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_idempotency (
	tenant_id TEXT NOT NULL,
	idem_key TEXT NOT NULL,
	response BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, idem_key)
);

CREATE INDEX IF NOT EXISTS idx_agent_runs_tenant_updated ON agent_runs(tenant_id, updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_agent_steps_run ON agent_steps(run_id, step_index);
CREATE INDEX IF NOT EXISTS idx_agent_approvals_run ON agent_approvals(run_id);
CREATE INDEX IF NOT EXISTS idx_agent_approvals_tenant_status ON agent_approvals(tenant_id, status, requested_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_approvals_one_pending ON agent_approvals(run_id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_agent_policies_action ON agent_policies(action_type, policy_id);
CREATE INDEX IF NOT EXISTS idx_agent_idempotency_expires ON agent_idempotency(expires_at);
`

// SQLiteStore là StateStore trên SQLite (modernc.org/sqlite, không cần cgo).
// Một kết nối duy nhất nên mọi ghi được tuần tự hoá.
type SQLiteStore struct {
	idGenerator
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore mở (hoặc tạo) file SQLite và chạy migrate
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create sqlite dir: %w", err)
			}
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	s.idGenerator = idGenerator{next: s.nextSequence}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}
	return nil
}

// convertSQLiteError chuyển lỗi ràng buộc của SQLite sang lỗi hệ thống
func convertSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%s: %w", err.Error(), common.ErrDuplicate)
	}
	return common.ConvertStoreError(err)
}

func (s *SQLiteStore) nextSequence(ctx context.Context, name string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO agent_sequences (name, value) VALUES (?, 1)
		 ON CONFLICT(name) DO UPDATE SET value = value + 1
		 RETURNING value`, name,
	).Scan(&value)
	if err != nil {
		return 0, convertSQLiteError(err)
	}
	return value, nil
}

func (s *SQLiteStore) UpsertRun(ctx context.Context, run *agentosmodels.AgentRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_runs (run_id, tenant_id, status, updated_at, data_json) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at, data_json = excluded.data_json`,
		run.RunID, run.TenantID, string(run.Status), run.UpdatedAt, string(data),
	)
	return convertSQLiteError(err)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*agentosmodels.AgentRun, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data_json FROM agent_runs WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, common.ErrNotFound)
	}
	if err != nil {
		return nil, convertSQLiteError(err)
	}
	var run agentosmodels.AgentRun
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", runID, err)
	}
	return &run, nil
}

// queryJSON chạy truy vấn trả về một cột data_json và giải mã từng dòng
func queryJSON[T any](ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, convertSQLiteError(err)
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, convertSQLiteError(err)
		}
		var item T
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			return nil, fmt.Errorf("failed to decode row: %w", err)
		}
		out = append(out, item)
	}
	return out, convertSQLiteError(rows.Err())
}

func (s *SQLiteStore) ListRuns(ctx context.Context, tenantID string, limit int) ([]agentosmodels.AgentRun, error) {
	return queryJSON[agentosmodels.AgentRun](ctx, s.db,
		`SELECT data_json FROM agent_runs WHERE tenant_id = ? ORDER BY updated_at DESC, run_id DESC LIMIT ?`,
		tenantID, limit)
}

func (s *SQLiteStore) UpsertStep(ctx context.Context, step *agentosmodels.AgentStep) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("failed to encode step: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_steps (step_id, run_id, step_index, status, data_json) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(step_id) DO UPDATE SET status = excluded.status, data_json = excluded.data_json`,
		step.StepID, step.RunID, step.StepIndex, string(step.Status), string(data),
	)
	return convertSQLiteError(err)
}

func (s *SQLiteStore) ListSteps(ctx context.Context, runID string) ([]agentosmodels.AgentStep, error) {
	return queryJSON[agentosmodels.AgentStep](ctx, s.db,
		`SELECT data_json FROM agent_steps WHERE run_id = ? ORDER BY step_index ASC`, runID)
}

func (s *SQLiteStore) InsertApproval(ctx context.Context, approval *agentosmodels.AgentApproval) error {
	data, err := json.Marshal(approval)
	if err != nil {
		return fmt.Errorf("failed to encode approval: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_approvals (approval_id, run_id, tenant_id, status, requested_at, data_json) VALUES (?, ?, ?, ?, ?, ?)`,
		approval.ApprovalID, approval.RunID, approval.TenantID, string(approval.Status), approval.RequestedAt, string(data),
	)
	if err != nil && strings.Contains(err.Error(), "agent_approvals.run_id") {
		return common.ErrPendingApprovalExists
	}
	return convertSQLiteError(err)
}

func (s *SQLiteStore) GetApproval(ctx context.Context, approvalID string) (*agentosmodels.AgentApproval, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data_json FROM agent_approvals WHERE approval_id = ?`, approvalID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval %s: %w", approvalID, common.ErrNotFound)
	}
	if err != nil {
		return nil, convertSQLiteError(err)
	}
	var a agentosmodels.AgentApproval
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return nil, fmt.Errorf("failed to decode approval %s: %w", approvalID, err)
	}
	return &a, nil
}

func (s *SQLiteStore) ResolveApproval(ctx context.Context, approvalID string, res agentosmodels.ApprovalResolution) (*agentosmodels.AgentApproval, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, convertSQLiteError(err)
	}
	defer tx.Rollback()

	var data string
	err = tx.QueryRowContext(ctx, `SELECT data_json FROM agent_approvals WHERE approval_id = ?`, approvalID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval %s: %w", approvalID, common.ErrNotFound)
	}
	if err != nil {
		return nil, convertSQLiteError(err)
	}
	var a agentosmodels.AgentApproval
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return nil, fmt.Errorf("failed to decode approval %s: %w", approvalID, err)
	}

	a.Status = res.Status
	a.ResolvedBy = res.ResolvedBy
	a.ResolvedAt = res.ResolvedAt
	a.UpdatedAt = res.ResolvedAt
	if res.Note != "" {
		a.Note = res.Note
	}
	updated, err := json.Marshal(&a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode approval: %w", err)
	}

	// Điều kiện status = 'pending' là compare-and-swap
	result, err := tx.ExecContext(ctx,
		`UPDATE agent_approvals SET status = ?, data_json = ? WHERE approval_id = ? AND status = 'pending'`,
		string(a.Status), string(updated), approvalID,
	)
	if err != nil {
		return nil, convertSQLiteError(err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, common.ErrApprovalResolved
	}
	if err := tx.Commit(); err != nil {
		return nil, convertSQLiteError(err)
	}
	return &a, nil
}

func (s *SQLiteStore) ListApprovals(ctx context.Context, runID string) ([]agentosmodels.AgentApproval, error) {
	return queryJSON[agentosmodels.AgentApproval](ctx, s.db,
		`SELECT data_json FROM agent_approvals WHERE run_id = ? ORDER BY approval_id ASC`, runID)
}

func (s *SQLiteStore) ListPendingApprovals(ctx context.Context, tenantID string, limit int) ([]agentosmodels.AgentApproval, error) {
	return queryJSON[agentosmodels.AgentApproval](ctx, s.db,
		`SELECT data_json FROM agent_approvals WHERE tenant_id = ? AND status = 'pending'
		 ORDER BY requested_at ASC, approval_id ASC LIMIT ?`, tenantID, limit)
}

func (s *SQLiteStore) SeedPolicies(ctx context.Context, rules []agentosmodels.PolicyRule) (int, error) {
	inserted := 0
	for i := range rules {
		data, err := json.Marshal(&rules[i])
		if err != nil {
			return inserted, fmt.Errorf("failed to encode policy: %w", err)
		}
		result, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO agent_policies (policy_id, action_type, data_json) VALUES (?, ?, ?)`,
			rules[i].PolicyID, string(rules[i].ActionType), string(data),
		)
		if err != nil {
			return inserted, convertSQLiteError(err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, nil
}

func (s *SQLiteStore) ListPolicies(ctx context.Context) ([]agentosmodels.PolicyRule, error) {
	return queryJSON[agentosmodels.PolicyRule](ctx, s.db, `SELECT data_json FROM agent_policies ORDER BY policy_id ASC`)
}

func (s *SQLiteStore) getPolicyWhere(ctx context.Context, where string, arg interface{}) (*agentosmodels.PolicyRule, error) {
	rows, err := queryJSON[agentosmodels.PolicyRule](ctx, s.db,
		`SELECT data_json FROM agent_policies WHERE `+where+` ORDER BY policy_id ASC LIMIT 1`, arg)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("policy %v: %w", arg, common.ErrNotFound)
	}
	return &rows[0], nil
}

func (s *SQLiteStore) GetPolicy(ctx context.Context, policyID string) (*agentosmodels.PolicyRule, error) {
	return s.getPolicyWhere(ctx, "policy_id = ?", policyID)
}

func (s *SQLiteStore) GetPolicyForAction(ctx context.Context, actionType agentosmodels.ActionType) (*agentosmodels.PolicyRule, error) {
	return s.getPolicyWhere(ctx, "action_type = ?", string(actionType))
}

func (s *SQLiteStore) UpdatePolicy(ctx context.Context, policyID string, patch agentosmodels.PolicyPatch) (*agentosmodels.PolicyRule, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, convertSQLiteError(err)
	}
	defer tx.Rollback()

	var data string
	err = tx.QueryRowContext(ctx, `SELECT data_json FROM agent_policies WHERE policy_id = ?`, policyID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("policy %s: %w", policyID, common.ErrNotFound)
	}
	if err != nil {
		return nil, convertSQLiteError(err)
	}
	var rule agentosmodels.PolicyRule
	if err := json.Unmarshal([]byte(data), &rule); err != nil {
		return nil, fmt.Errorf("failed to decode policy %s: %w", policyID, err)
	}
	rule = patch.Apply(rule)
	rule.UpdatedAt = s.now().UnixMilli()
	updated, err := json.Marshal(&rule)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE agent_policies SET data_json = ? WHERE policy_id = ?`, string(updated), policyID); err != nil {
		return nil, convertSQLiteError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, convertSQLiteError(err)
	}
	return &rule, nil
}

func (s *SQLiteStore) GetIdempotent(ctx context.Context, tenantID, key string) ([]byte, bool, error) {
	var response []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT response FROM agent_idempotency WHERE tenant_id = ? AND idem_key = ? AND expires_at > ?`,
		tenantID, key, s.now().UnixMilli(),
	).Scan(&response)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, convertSQLiteError(err)
	}
	return response, true, nil
}

func (s *SQLiteStore) SetIdempotent(ctx context.Context, tenantID, key string, response []byte, ttl time.Duration) error {
	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return convertSQLiteError(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agent_idempotency (tenant_id, idem_key, response, created_at, expires_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, idem_key) DO UPDATE SET response = excluded.response, created_at = excluded.created_at, expires_at = excluded.expires_at`,
		tenantID, key, response, now.UnixMilli(), now.Add(ttl).UnixMilli(),
	); err != nil {
		return convertSQLiteError(err)
	}
	// Giữ tối đa MaxIdempotencyPerTenant bản ghi mới nhất
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM agent_idempotency WHERE tenant_id = ? AND rowid NOT IN (
			SELECT rowid FROM agent_idempotency WHERE tenant_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?
		)`, tenantID, tenantID, MaxIdempotencyPerTenant,
	); err != nil {
		return convertSQLiteError(err)
	}
	return convertSQLiteError(tx.Commit())
}

func (s *SQLiteStore) PruneIdempotency(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agent_idempotency WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, convertSQLiteError(err)
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) RunMetrics(ctx context.Context, tenantID string) (*agentosmodels.RunMetrics, error) {
	runs, err := s.ListRuns(ctx, tenantID, MetricsRunWindow)
	if err != nil {
		return nil, err
	}
	steps, err := queryJSON[agentosmodels.AgentStep](ctx, s.db,
		`SELECT data_json FROM agent_steps WHERE run_id IN (
			SELECT run_id FROM agent_runs WHERE tenant_id = ? ORDER BY updated_at DESC, run_id DESC LIMIT ?
		)`, tenantID, MetricsRunWindow)
	if err != nil {
		return nil, err
	}
	return buildMetrics(runs, steps), nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return convertSQLiteError(s.db.PingContext(ctx))
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
