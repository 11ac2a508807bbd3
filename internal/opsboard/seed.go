package opsboard

import "fmt"

// defaultDrivers là đội xe mặc định của mỗi tenant
func defaultDrivers() []*Driver {
	return []*Driver{
		{DriverID: "DRV-101", Name: "Carlos Rodriguez", TruckID: "F682", TrailerID: "48124", Status: DriverStatusAvailable, HomeRegion: "FL-West"},
		{DriverID: "DRV-102", Name: "Yoan Soto", TruckID: "F336", TrailerID: "48053", Status: DriverStatusAvailable, HomeRegion: "FL-Central"},
		{DriverID: "DRV-103", Name: "Javier Morales", TruckID: "F1471", TrailerID: "48611", Status: DriverStatusAvailable, HomeRegion: "FL-South"},
		{DriverID: "DRV-104", Name: "Roberto Diaz", TruckID: "F516", TrailerID: "48906", Status: DriverStatusAvailable, HomeRegion: "GA-Coastal"},
	}
}

type seedLoad struct {
	customer string
	pickup   string
	status   string
	docs     bool
}

// demoLoads là kịch bản chuyến hàng cho chế độ demo
var demoLoads = []seedLoad{
	{"Sunshine Aggregates", "Tampa, FL", LoadStatusPlanned, true},
	{"Gulf Coast Materials", "Fort Myers, FL", LoadStatusPlanned, true},
	{"Palm Ready Mix", "Miami, FL", LoadStatusPlanned, false},
	{"Coastal Paving", "Savannah, GA", LoadStatusPlanned, true},
	{"Sunshine Aggregates", "Plant City, FL", LoadStatusAssigned, true},
	{"Gulf Coast Materials", "Naples, FL", LoadStatusEnRoute, false},
	{"Palm Ready Mix", "Broward, FL", LoadStatusDelivered, true},
	{"Coastal Paving", "Rincon, GA", LoadStatusDelivered, true},
}

// seedTenant nạp dữ liệu demo cho một tenant trống
func (b *MemoryBoard) seedTenant(st *tenantState) {
	st.drivers = append(st.drivers, defaultDrivers()...)
	if !b.demo {
		return
	}
	for _, s := range demoLoads {
		st.loadSeq++
		load := &Load{
			LoadID:         fmt.Sprintf("LOAD%05d", st.loadSeq),
			Customer:       s.customer,
			PickupLocation: s.pickup,
			Status:         s.status,
			DocsComplete:   s.docs,
			BillingReady:   s.status == LoadStatusDelivered,
		}
		if s.status == LoadStatusAssigned || s.status == LoadStatusEnRoute {
			b.assign(st, load, b.pickDriver(st, load))
			load.Status = s.status
		}
		st.loads = append(st.loads, load)
	}
}
