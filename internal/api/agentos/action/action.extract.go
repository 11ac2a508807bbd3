package action

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	loadIDPattern       = regexp.MustCompile(`(?i)\bLOAD[-_ ]?(\d{3,}[A-Z0-9]*)\b`)
	loadSuffixPattern   = regexp.MustCompile(`^0*(\d+)([A-Z0-9]*)$`)
	driverNamePattern   = regexp.MustCompile(`(?i)\bnamed\s+([a-z][a-z'\-]*(?:\s+[a-z][a-z'\-]*){0,3})\b`)
	driverAddFallback   = regexp.MustCompile(`(?i)\b(?:add|hire|onboard)\s+(?:a\s+|new\s+)?driver(?:\s+to\s+\w+)?\s+([a-z][a-z'\-]*(?:\s+[a-z][a-z'\-]*){0,3})\b`)
	driverRemoveName    = regexp.MustCompile(`(?i)\b(?:remove|delete)\s+(?:the\s+)?driver(?:\s+named)?\s+([a-z][a-z'\-]*(?:\s+[a-z][a-z'\-]*){0,3})\b`)
	driverIDPattern     = regexp.MustCompile(`(?i)\bDRV[-_ ]?(\d{2,6})\b`)
	driverTruckPattern  = regexp.MustCompile(`(?i)\b(?:truck|unit)\s*#?\s*([A-Z]\d{2,5})\b`)
	driverTrailerPattern = regexp.MustCompile(`(?i)\btrailer\s*#?\s*(\d{3,6})\b`)
)

// NormalizeLoadID chuẩn hoá mã chuyến về dạng LOAD + 5 chữ số + phần đuôi
func NormalizeLoadID(candidate string) string {
	cleaned := strings.ToUpper(strings.TrimSpace(candidate))
	cleaned = strings.NewReplacer("-", "", "_", "", " ", "").Replace(cleaned)
	if !strings.HasPrefix(cleaned, "LOAD") {
		cleaned = "LOAD" + cleaned
	}
	m := loadSuffixPattern.FindStringSubmatch(cleaned[4:])
	if m == nil {
		return cleaned
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return cleaned
	}
	return fmt.Sprintf("LOAD%05d%s", n, m[2])
}

// ExtractLoadIDs lấy các mã chuyến nhắc tới trong objective (không trùng, giữ thứ tự)
func ExtractLoadIDs(text string) []string {
	ids := []string{}
	seen := map[string]bool{}
	for _, m := range loadIDPattern.FindAllStringSubmatch(text, -1) {
		id := NormalizeLoadID("LOAD" + m[1])
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// titleName viết hoa chữ cái đầu mỗi từ
func titleName(value string) string {
	parts := strings.Fields(value)
	for i, p := range parts {
		parts[i] = strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
	}
	return strings.Join(parts, " ")
}

// DriverRequest là thông tin tài xế đọc được từ objective
type DriverRequest struct {
	Name      string
	TruckID   string
	TrailerID string
}

// ExtractDriverRequest đọc tên, xe và rơ-moóc cho thao tác thêm tài xế
func ExtractDriverRequest(objective string) DriverRequest {
	text := strings.TrimSpace(objective)
	var req DriverRequest
	if m := driverNamePattern.FindStringSubmatch(text); m != nil {
		req.Name = titleName(m[1])
	}
	if req.Name == "" {
		if m := driverAddFallback.FindStringSubmatch(text); m != nil {
			req.Name = titleName(m[1])
		}
	}
	if m := driverTruckPattern.FindStringSubmatch(text); m != nil {
		req.TruckID = strings.ToUpper(m[1])
	}
	if m := driverTrailerPattern.FindStringSubmatch(text); m != nil {
		req.TrailerID = m[1]
	}
	return req
}

// ExtractDriverRef đọc mã hoặc tên tài xế cần xoá, ưu tiên mã DRV
func ExtractDriverRef(objective string) string {
	text := strings.TrimSpace(objective)
	if m := driverIDPattern.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return fmt.Sprintf("DRV-%03d", n)
		}
	}
	if m := driverRemoveName.FindStringSubmatch(text); m != nil {
		return titleName(m[1])
	}
	return ""
}
