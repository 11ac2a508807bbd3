// Package opsboard là hệ thống nghiệp vụ vận tải (tài xế, chuyến hàng, duyệt ticket, xuất billing)
// mà các action của Agent OS thao tác lên.
package opsboard

import "context"

// Trạng thái tài xế
const (
	DriverStatusAvailable = "available"
	DriverStatusAssigned  = "assigned"
)

// Trạng thái chuyến hàng
const (
	LoadStatusPlanned   = "planned"
	LoadStatusAssigned  = "assigned"
	LoadStatusEnRoute   = "en_route"
	LoadStatusDelivered = "delivered"
	LoadStatusInvoiced  = "invoiced"
)

// Trạng thái duyệt ticket
const (
	ReviewStatusApproved  = "approved"
	ReviewStatusException = "exception"
)

// Driver là tài xế trong đội xe của tenant
type Driver struct {
	DriverID        string `json:"driverId" bson:"driverId"`
	Name            string `json:"name" bson:"name"`
	TruckID         string `json:"truckId" bson:"truckId"`
	TrailerID       string `json:"trailerId" bson:"trailerId"`
	Status          string `json:"status" bson:"status"`
	HomeRegion      string `json:"homeRegion" bson:"homeRegion"`
	AssignmentCount int    `json:"assignmentCount" bson:"assignmentCount"`
}

// Load là một chuyến hàng
type Load struct {
	LoadID         string `json:"loadId" bson:"loadId"`
	Customer       string `json:"customer" bson:"customer"`
	PickupLocation string `json:"pickupLocation" bson:"pickupLocation"`
	Status         string `json:"status" bson:"status"`
	DriverID       string `json:"driverId,omitempty" bson:"driverId,omitempty"`
	DocsComplete   bool   `json:"docsComplete" bson:"docsComplete"`
	BillingReady   bool   `json:"billingReady" bson:"billingReady"`
}

// Assignment là kết quả gán tài xế cho chuyến
type Assignment struct {
	LoadID     string `json:"loadId" bson:"loadId"`
	DriverID   string `json:"driverId" bson:"driverId"`
	DriverName string `json:"driverName" bson:"driverName"`
	TruckID    string `json:"truckId" bson:"truckId"`
	TrailerID  string `json:"trailerId" bson:"trailerId"`
	Mode       string `json:"mode" bson:"mode"`
}

// TicketReview là kết quả duyệt chứng từ của một chuyến
type TicketReview struct {
	ReviewID        string  `json:"reviewId" bson:"reviewId"`
	LoadID          string  `json:"loadId" bson:"loadId"`
	Status          string  `json:"status" bson:"status"`
	FinalConfidence float64 `json:"finalConfidence" bson:"finalConfidence"`
	Reason          string  `json:"reason,omitempty" bson:"reason,omitempty"`
}

// BillingExport là bản xuất hoá đơn sang hệ thống kế toán
type BillingExport struct {
	ExportID string `json:"exportId" bson:"exportId"`
	LoadID   string `json:"loadId" bson:"loadId"`
	Customer string `json:"customer" bson:"customer"`
	Actor    string `json:"actor" bson:"actor"`
}

// DriverInput là dữ liệu tạo tài xế
type DriverInput struct {
	Name      string
	TruckID   string
	TrailerID string
}

// DriverResult là kết quả thêm hoặc xoá tài xế
type DriverResult struct {
	Changed bool    `json:"changed"`
	Driver  *Driver `json:"driver"`
	Reason  string  `json:"reason"`
}

// BatchResult là kết quả một thao tác hàng loạt, Candidates là số ứng viên trước khi giới hạn
type BatchResult[T any] struct {
	Items      []T      `json:"items"`
	Errors     []string `json:"errors"`
	Candidates int      `json:"candidates"`
}

// Snapshot là trạng thái tóm tắt của board, ghi lại trước/sau mỗi action
type Snapshot struct {
	LoadsTotal       int            `json:"loadsTotal"`
	DriversTotal     int            `json:"driversTotal"`
	DriversAvailable int            `json:"driversAvailable"`
	CountsByStatus   map[string]int `json:"countsByStatus"`
}

// Map chuyển snapshot sang map để lưu vào step output
func (s Snapshot) Map() map[string]interface{} {
	counts := make(map[string]interface{}, len(s.CountsByStatus))
	for k, v := range s.CountsByStatus {
		counts[k] = v
	}
	return map[string]interface{}{
		"loadsTotal":       s.LoadsTotal,
		"driversTotal":     s.DriversTotal,
		"driversAvailable": s.DriversAvailable,
		"countsByStatus":   counts,
	}
}

// Board là hệ thống nghiệp vụ phía sau các action
type Board interface {
	AddDriver(ctx context.Context, tenantID string, in DriverInput) (DriverResult, error)
	RemoveDriver(ctx context.Context, tenantID, ref string) (DriverResult, error)
	AssignPlannedLoads(ctx context.Context, tenantID string, scope []string, limit int) (BatchResult[Assignment], error)
	ReviewPendingTickets(ctx context.Context, tenantID string, scope []string, limit int) (BatchResult[TicketReview], error)
	ExportBillingReady(ctx context.Context, tenantID, actor string, scope []string, limit int) (BatchResult[BillingExport], error)
	Reset(ctx context.Context, tenantID string) error
	Snapshot(ctx context.Context, tenantID string) (Snapshot, error)
}
