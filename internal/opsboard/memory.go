package opsboard

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

const loadSequenceStart = 1000

type tenantState struct {
	drivers   []*Driver
	loads     []*Load
	reviews   map[string]*TicketReview // theo load id
	exports   []*BillingExport
	loadSeq   int
	driverSeq int
	reviewSeq int
	exportSeq int
}

// MemoryBoard là Board trong bộ nhớ, mỗi tenant được khởi tạo lười khi truy cập lần đầu
type MemoryBoard struct {
	mu      sync.Mutex
	tenants map[string]*tenantState
	demo    bool
}

// NewMemoryBoard tạo board. demo = true thì nạp thêm chuyến hàng mẫu.
func NewMemoryBoard(demo bool) *MemoryBoard {
	return &MemoryBoard{tenants: make(map[string]*tenantState), demo: demo}
}

func (b *MemoryBoard) tenant(tenantID string) *tenantState {
	st, ok := b.tenants[tenantID]
	if !ok {
		st = &tenantState{reviews: make(map[string]*TicketReview), loadSeq: loadSequenceStart}
		b.seedTenant(st)
		b.tenants[tenantID] = st
	}
	return st
}

// AddLoad thêm chuyến hàng (dùng cho dữ liệu khởi tạo và test)
func (b *MemoryBoard) AddLoad(tenantID string, load Load) Load {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.tenant(tenantID)
	if load.LoadID == "" {
		st.loadSeq++
		load.LoadID = fmt.Sprintf("LOAD%05d", st.loadSeq)
	}
	if load.Status == "" {
		load.Status = LoadStatusPlanned
	}
	cp := load
	st.loads = append(st.loads, &cp)
	return cp
}

// Drivers trả về bản sao danh sách tài xế
func (b *MemoryBoard) Drivers(tenantID string) []Driver {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []Driver{}
	for _, d := range b.tenant(tenantID).drivers {
		out = append(out, *d)
	}
	return out
}

// Loads trả về bản sao danh sách chuyến hàng
func (b *MemoryBoard) Loads(tenantID string) []Load {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []Load{}
	for _, l := range b.tenant(tenantID).loads {
		out = append(out, *l)
	}
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// AddDriver thêm tài xế. Trùng tên thì trả về tài xế đã có với Changed = false.
func (b *MemoryBoard) AddDriver(ctx context.Context, tenantID string, in DriverInput) (DriverResult, error) {
	if err := ctx.Err(); err != nil {
		return DriverResult{}, err
	}
	name := strings.Join(strings.Fields(in.Name), " ")
	if len(name) < 3 {
		return DriverResult{}, fmt.Errorf("driver name must be at least 3 characters")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.tenant(tenantID)

	for _, d := range st.drivers {
		if normalizeName(d.Name) == normalizeName(name) {
			cp := *d
			return DriverResult{Changed: false, Driver: &cp, Reason: "driver already exists"}, nil
		}
	}

	var driverID string
	for {
		st.driverSeq++
		driverID = fmt.Sprintf("DRV-%03d", 200+st.driverSeq)
		if b.findDriver(st, driverID) == nil {
			break
		}
	}
	driver := &Driver{
		DriverID:   driverID,
		Name:       name,
		TruckID:    in.TruckID,
		TrailerID:  in.TrailerID,
		Status:     DriverStatusAvailable,
		HomeRegion: "FL-West",
	}
	if driver.TruckID == "" {
		driver.TruckID = fmt.Sprintf("F%d", 600+st.driverSeq)
	}
	if driver.TrailerID == "" {
		driver.TrailerID = fmt.Sprintf("%d", 48000+st.driverSeq)
	}
	st.drivers = append(st.drivers, driver)
	cp := *driver
	return DriverResult{Changed: true, Driver: &cp, Reason: "driver added"}, nil
}

func (b *MemoryBoard) findDriver(st *tenantState, ref string) *Driver {
	for _, d := range st.drivers {
		if strings.EqualFold(d.DriverID, ref) || normalizeName(d.Name) == normalizeName(ref) {
			return d
		}
	}
	return nil
}

// RemoveDriver xoá tài xế theo id hoặc tên. Tài xế còn chuyến đang chạy thì không xoá.
func (b *MemoryBoard) RemoveDriver(ctx context.Context, tenantID, ref string) (DriverResult, error) {
	if err := ctx.Err(); err != nil {
		return DriverResult{}, err
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return DriverResult{}, fmt.Errorf("driver reference is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.tenant(tenantID)

	target := b.findDriver(st, ref)
	if target == nil {
		return DriverResult{Changed: false, Reason: fmt.Sprintf("driver '%s' not found", ref)}, nil
	}

	active := []string{}
	for _, l := range st.loads {
		if l.DriverID == target.DriverID && (l.Status == LoadStatusAssigned || l.Status == LoadStatusEnRoute) {
			active = append(active, l.LoadID)
		}
	}
	cp := *target
	if len(active) > 0 {
		if len(active) > 5 {
			active = active[:5]
		}
		return DriverResult{Changed: false, Driver: &cp, Reason: "driver has active loads: " + strings.Join(active, ", ")}, nil
	}

	kept := st.drivers[:0]
	for _, d := range st.drivers {
		if d != target {
			kept = append(kept, d)
		}
	}
	st.drivers = kept
	return DriverResult{Changed: true, Driver: &cp, Reason: "driver removed"}, nil
}

// regionHint suy ra vùng ưu tiên từ điểm lấy hàng
func regionHint(pickup string) string {
	text := strings.ToLower(pickup)
	hints := []struct {
		region string
		tokens []string
	}{
		{"FL-Central", []string{"tampa", "plant", "polk"}},
		{"FL-West", []string{"naples", "ft myers", "fort myers", "cape"}},
		{"FL-South", []string{"miami", "broward", "palm"}},
		{"GA-Coastal", []string{"savannah", "rincon", ", ga"}},
	}
	for _, h := range hints {
		for _, token := range h.tokens {
			if strings.Contains(text, token) {
				return h.region
			}
		}
	}
	return ""
}

// pickDriver chọn tài xế: rảnh trước, đúng vùng trước, ít chuyến trước, rồi theo id
func (b *MemoryBoard) pickDriver(st *tenantState, load *Load) *Driver {
	if len(st.drivers) == 0 {
		return nil
	}
	region := regionHint(load.PickupLocation)
	rank := func(d *Driver) [3]int {
		r := [3]int{1, 1, d.AssignmentCount}
		if d.Status == DriverStatusAvailable {
			r[0] = 0
		}
		if region != "" && d.HomeRegion == region {
			r[1] = 0
		}
		return r
	}
	candidates := append([]*Driver(nil), st.drivers...)
	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := rank(candidates[i]), rank(candidates[j])
		for k := 0; k < 3; k++ {
			if ri[k] != rj[k] {
				return ri[k] < rj[k]
			}
		}
		return candidates[i].DriverID < candidates[j].DriverID
	})
	return candidates[0]
}

func (b *MemoryBoard) assign(st *tenantState, load *Load, driver *Driver) Assignment {
	driver.Status = DriverStatusAssigned
	driver.AssignmentCount++
	load.DriverID = driver.DriverID
	load.Status = LoadStatusAssigned
	return Assignment{
		LoadID:     load.LoadID,
		DriverID:   driver.DriverID,
		DriverName: driver.Name,
		TruckID:    driver.TruckID,
		TrailerID:  driver.TrailerID,
		Mode:       "autonomous",
	}
}

func inScope(scope []string, loadID string) bool {
	if len(scope) == 0 {
		return true
	}
	for _, id := range scope {
		if strings.EqualFold(id, loadID) {
			return true
		}
	}
	return false
}

// AssignPlannedLoads gán tài xế cho tối đa limit chuyến đang planned
func (b *MemoryBoard) AssignPlannedLoads(ctx context.Context, tenantID string, scope []string, limit int) (BatchResult[Assignment], error) {
	result := BatchResult[Assignment]{Items: []Assignment{}, Errors: []string{}}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.tenant(tenantID)

	planned := []*Load{}
	for _, l := range st.loads {
		if l.Status == LoadStatusPlanned && inScope(scope, l.LoadID) {
			planned = append(planned, l)
		}
	}
	result.Candidates = len(planned)
	for i, l := range planned {
		if i >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		driver := b.pickDriver(st, l)
		if driver == nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: no drivers configured", l.LoadID))
			continue
		}
		result.Items = append(result.Items, b.assign(st, l, driver))
	}
	return result, nil
}

// reviewConfidence tính độ tin cậy cuối cùng của việc duyệt chứng từ
func reviewConfidence(load *Load) float64 {
	if !load.DocsComplete {
		return 0.72
	}
	if load.DriverID == "" {
		return 0.88
	}
	return 0.96
}

// ReviewPendingTickets duyệt chứng từ cho các chuyến assigned/en_route chưa được duyệt
func (b *MemoryBoard) ReviewPendingTickets(ctx context.Context, tenantID string, scope []string, limit int) (BatchResult[TicketReview], error) {
	result := BatchResult[TicketReview]{Items: []TicketReview{}, Errors: []string{}}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.tenant(tenantID)

	candidates := []*Load{}
	for _, l := range st.loads {
		if l.Status != LoadStatusAssigned && l.Status != LoadStatusEnRoute {
			continue
		}
		if _, reviewed := st.reviews[l.LoadID]; reviewed || !inScope(scope, l.LoadID) {
			continue
		}
		candidates = append(candidates, l)
	}
	result.Candidates = len(candidates)
	for i, l := range candidates {
		if i >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		st.reviewSeq++
		review := &TicketReview{
			ReviewID:        fmt.Sprintf("REV-%05d", st.reviewSeq),
			LoadID:          l.LoadID,
			FinalConfidence: reviewConfidence(l),
		}
		if l.DocsComplete {
			review.Status = ReviewStatusApproved
			l.Status = LoadStatusDelivered
			l.BillingReady = true
			if d := b.findDriver(st, l.DriverID); d != nil {
				d.Status = DriverStatusAvailable
			}
		} else {
			review.Status = ReviewStatusException
			review.Reason = "missing delivery ticket"
		}
		st.reviews[l.LoadID] = review
		result.Items = append(result.Items, *review)
	}
	return result, nil
}

// ExportBillingReady xuất billing cho các chuyến đã sẵn sàng
func (b *MemoryBoard) ExportBillingReady(ctx context.Context, tenantID, actor string, scope []string, limit int) (BatchResult[BillingExport], error) {
	result := BatchResult[BillingExport]{Items: []BillingExport{}, Errors: []string{}}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.tenant(tenantID)

	ready := []*Load{}
	for _, l := range st.loads {
		if l.BillingReady && l.Status != LoadStatusInvoiced && inScope(scope, l.LoadID) {
			ready = append(ready, l)
		}
	}
	result.Candidates = len(ready)
	for i, l := range ready {
		if i >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		st.exportSeq++
		export := &BillingExport{
			ExportID: fmt.Sprintf("EXP-%05d", st.exportSeq),
			LoadID:   l.LoadID,
			Customer: l.Customer,
			Actor:    actor,
		}
		l.Status = LoadStatusInvoiced
		st.exports = append(st.exports, export)
		result.Items = append(result.Items, *export)
	}
	return result, nil
}

// Reset xoá dữ liệu vận hành của tenant (chuyến, duyệt, export) và trả tài xế về trạng thái rảnh
func (b *MemoryBoard) Reset(ctx context.Context, tenantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.tenant(tenantID)
	st.loads = nil
	st.reviews = make(map[string]*TicketReview)
	st.exports = nil
	st.loadSeq = loadSequenceStart
	st.reviewSeq = 0
	st.exportSeq = 0
	for _, d := range st.drivers {
		d.Status = DriverStatusAvailable
		d.AssignmentCount = 0
	}
	return nil
}

// Snapshot tóm tắt trạng thái board của tenant
func (b *MemoryBoard) Snapshot(ctx context.Context, tenantID string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.tenant(tenantID)

	snap := Snapshot{
		LoadsTotal:     len(st.loads),
		DriversTotal:   len(st.drivers),
		CountsByStatus: map[string]int{},
	}
	for _, l := range st.loads {
		snap.CountsByStatus[l.Status]++
	}
	for _, d := range st.drivers {
		if d.Status == DriverStatusAvailable {
			snap.DriversAvailable++
		}
	}
	return snap, nil
}
