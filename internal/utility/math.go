package utility

import (
	"math"
	"sort"
)

// Round làm tròn half-away-from-zero tới số chữ số thập phân cho trước
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// Percentile tính phân vị q (0..1) theo nearest-rank trên bản sao đã sắp xếp.
// Chỉ số = round(q*(n-1)). Danh sách rỗng trả về 0.
func Percentile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Round(q * float64(len(sorted)-1)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// ClampInt giới hạn v trong [lo, hi], v <= 0 dùng def
func ClampInt(v, def, lo, hi int) int {
	if v <= 0 {
		v = def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

