package models

// ActionType là loại hành động nghiệp vụ mà orchestrator có thể thực hiện (tập đóng)
type ActionType string

const (
	ActionFleetAddDriver       ActionType = "fleet.add_driver"
	ActionFleetRemoveDriver    ActionType = "fleet.remove_driver"
	ActionDispatchAssignLoads  ActionType = "dispatch.assign_loads"
	ActionTicketsReviewPending ActionType = "tickets.review_pending"
	ActionBillingExportReady   ActionType = "billing.export_ready"
	ActionSystemResetDemoData  ActionType = "system.reset_demo_data"
)

// AllActionTypes liệt kê toàn bộ action theo thứ tự cố định
var AllActionTypes = []ActionType{
	ActionFleetAddDriver,
	ActionFleetRemoveDriver,
	ActionDispatchAssignLoads,
	ActionTicketsReviewPending,
	ActionBillingExportReady,
	ActionSystemResetDemoData,
}

// Valid kiểm tra action có thuộc tập đóng hay không
func (a ActionType) Valid() bool {
	for _, t := range AllActionTypes {
		if t == a {
			return true
		}
	}
	return false
}

func (a ActionType) String() string {
	return string(a)
}
