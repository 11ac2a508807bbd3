// Package action chứa các action nghiệp vụ mà Agent OS điều phối.
// Mỗi loại action là một kiểu riêng cài đặt interface Action.
package action

import (
	"context"
	"fmt"

	agentosmodels "fleet_ops/internal/api/agentos/models"
	"fleet_ops/internal/opsboard"
	"fleet_ops/internal/utility"
)

// Request là ngữ cảnh gọi một action
type Request struct {
	TenantID   string
	Actor      string
	Objective  string
	MaxTargets int
}

// Action là tập đóng các action nghiệp vụ. Chỉ các kiểu trong package này cài đặt được.
type Action interface {
	Type() agentosmodels.ActionType
	Execute(ctx context.Context) (output map[string]interface{}, confidence float64, err error)
	sealed()
}

func maxTargets(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// ratio tính tỉ lệ done / max(1, min(candidates, limit)), làm tròn 4 chữ số
func ratio(done, candidates, limit int) float64 {
	denom := candidates
	if limit < denom {
		denom = limit
	}
	if denom < 1 {
		denom = 1
	}
	return utility.Round(float64(done)/float64(denom), 4)
}

// AddDriver thêm tài xế được nêu tên trong objective
type AddDriver struct {
	board opsboard.Board
	req   Request
}

func (a *AddDriver) Type() agentosmodels.ActionType { return agentosmodels.ActionFleetAddDriver }
func (a *AddDriver) sealed()                         {}

func (a *AddDriver) Execute(ctx context.Context) (map[string]interface{}, float64, error) {
	dr := ExtractDriverRequest(a.req.Objective)
	if dr.Name == "" {
		return nil, 0, fmt.Errorf("add-driver objective must include a name (example: named Ale Eddie)")
	}
	res, err := a.board.AddDriver(ctx, a.req.TenantID, opsboard.DriverInput{Name: dr.Name, TruckID: dr.TruckID, TrailerID: dr.TrailerID})
	if err != nil {
		return nil, 0, err
	}
	confidence := 0.98
	if res.Changed {
		confidence = 1.0
	}
	return map[string]interface{}{"created": res.Changed, "driver": res.Driver, "reason": res.Reason}, confidence, nil
}

// RemoveDriver xoá tài xế theo mã DRV hoặc tên
type RemoveDriver struct {
	board opsboard.Board
	req   Request
}

func (a *RemoveDriver) Type() agentosmodels.ActionType { return agentosmodels.ActionFleetRemoveDriver }
func (a *RemoveDriver) sealed()                         {}

func (a *RemoveDriver) Execute(ctx context.Context) (map[string]interface{}, float64, error) {
	ref := ExtractDriverRef(a.req.Objective)
	if ref == "" {
		return nil, 0, fmt.Errorf("remove-driver objective must include driver name or ID (example: remove driver Ale Eddie)")
	}
	res, err := a.board.RemoveDriver(ctx, a.req.TenantID, ref)
	if err != nil {
		return nil, 0, err
	}
	confidence := 0.9
	if res.Changed {
		confidence = 1.0
	}
	return map[string]interface{}{"removed": res.Changed, "driver": res.Driver, "reason": res.Reason}, confidence, nil
}

// AssignLoads gán tài xế cho các chuyến đang planned
type AssignLoads struct {
	board opsboard.Board
	req   Request
}

func (a *AssignLoads) Type() agentosmodels.ActionType { return agentosmodels.ActionDispatchAssignLoads }
func (a *AssignLoads) sealed()                         {}

func (a *AssignLoads) Execute(ctx context.Context) (map[string]interface{}, float64, error) {
	limit := maxTargets(a.req.MaxTargets)
	res, err := a.board.AssignPlannedLoads(ctx, a.req.TenantID, ExtractLoadIDs(a.req.Objective), limit)
	if err != nil {
		return nil, 0, err
	}
	out := map[string]interface{}{"assigned": res.Items, "errors": res.Errors, "candidates": res.Candidates}
	return out, ratio(len(res.Items), res.Candidates, limit), nil
}

// ReviewTickets duyệt chứng từ cho các chuyến đang chạy chưa được duyệt
type ReviewTickets struct {
	board opsboard.Board
	req   Request
}

func (a *ReviewTickets) Type() agentosmodels.ActionType { return agentosmodels.ActionTicketsReviewPending }
func (a *ReviewTickets) sealed()                         {}

func (a *ReviewTickets) Execute(ctx context.Context) (map[string]interface{}, float64, error) {
	res, err := a.board.ReviewPendingTickets(ctx, a.req.TenantID, ExtractLoadIDs(a.req.Objective), maxTargets(a.req.MaxTargets))
	if err != nil {
		return nil, 0, err
	}
	total := 0.0
	for _, r := range res.Items {
		total += r.FinalConfidence
	}
	n := len(res.Items)
	if n < 1 {
		n = 1
	}
	out := map[string]interface{}{"reviewed": res.Items, "errors": res.Errors, "candidates": res.Candidates}
	return out, utility.Round(total/float64(n), 4), nil
}

// ExportBilling xuất billing cho các chuyến sẵn sàng
type ExportBilling struct {
	board opsboard.Board
	req   Request
}

func (a *ExportBilling) Type() agentosmodels.ActionType { return agentosmodels.ActionBillingExportReady }
func (a *ExportBilling) sealed()                         {}

func (a *ExportBilling) Execute(ctx context.Context) (map[string]interface{}, float64, error) {
	limit := maxTargets(a.req.MaxTargets)
	res, err := a.board.ExportBillingReady(ctx, a.req.TenantID, a.req.Actor, ExtractLoadIDs(a.req.Objective), limit)
	if err != nil {
		return nil, 0, err
	}
	out := map[string]interface{}{"exports": res.Items, "errors": res.Errors, "candidates": res.Candidates}
	return out, ratio(len(res.Items), res.Candidates, limit), nil
}

// ResetDemoData xoá dữ liệu vận hành của tenant
type ResetDemoData struct {
	board opsboard.Board
	req   Request
}

func (a *ResetDemoData) Type() agentosmodels.ActionType { return agentosmodels.ActionSystemResetDemoData }
func (a *ResetDemoData) sealed()                         {}

func (a *ResetDemoData) Execute(ctx context.Context) (map[string]interface{}, float64, error) {
	if err := a.board.Reset(ctx, a.req.TenantID); err != nil {
		return nil, 0, err
	}
	return map[string]interface{}{"reset": true, "tenantId": a.req.TenantID}, 1.0, nil
}
