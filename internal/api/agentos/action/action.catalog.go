package action

import (
	"context"
	"fmt"

	agentosmodels "fleet_ops/internal/api/agentos/models"
	"fleet_ops/internal/opsboard"
)

// Catalog tạo action theo loại và chụp snapshot board trước/sau khi chạy
type Catalog struct {
	board opsboard.Board
}

// NewCatalog tạo catalog trên board cho trước
func NewCatalog(board opsboard.Board) *Catalog {
	return &Catalog{board: board}
}

// Build tạo action tương ứng với loại action
func (c *Catalog) Build(actionType agentosmodels.ActionType, req Request) (Action, error) {
	switch actionType {
	case agentosmodels.ActionFleetAddDriver:
		return &AddDriver{board: c.board, req: req}, nil
	case agentosmodels.ActionFleetRemoveDriver:
		return &RemoveDriver{board: c.board, req: req}, nil
	case agentosmodels.ActionDispatchAssignLoads:
		return &AssignLoads{board: c.board, req: req}, nil
	case agentosmodels.ActionTicketsReviewPending:
		return &ReviewTickets{board: c.board, req: req}, nil
	case agentosmodels.ActionBillingExportReady:
		return &ExportBilling{board: c.board, req: req}, nil
	case agentosmodels.ActionSystemResetDemoData:
		return &ResetDemoData{board: c.board, req: req}, nil
	}
	return nil, fmt.Errorf("unsupported action type: %s", actionType)
}

// Execute tạo và chạy action
func (c *Catalog) Execute(ctx context.Context, actionType agentosmodels.ActionType, req Request) (map[string]interface{}, float64, error) {
	a, err := c.Build(actionType, req)
	if err != nil {
		return nil, 0, err
	}
	return a.Execute(ctx)
}

// Snapshot trả về trạng thái tóm tắt của board cho tenant
func (c *Catalog) Snapshot(ctx context.Context, tenantID string) (map[string]interface{}, error) {
	snap, err := c.board.Snapshot(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return snap.Map(), nil
}
