package agentossvc

import (
	"context"
	"strings"
	"time"

	"fleet_ops/internal/api/agentos/store"
	"fleet_ops/internal/logger"
	"fleet_ops/internal/registry"
	"fleet_ops/internal/utility"
)

// Tham số cache idempotency trong tiến trình
const (
	idempotencyCacheTTL     = 5 * time.Minute
	idempotencyCacheCleanup = time.Minute
	idempotencyCacheMax     = 2000
)

// RunIdempotencyKey là key idempotent cho thao tác tạo run
func RunIdempotencyKey(key string) string {
	return "agent_os_run:" + strings.TrimSpace(key)
}

// ApprovalIdempotencyKey là key idempotent cho quyết định phê duyệt
func ApprovalIdempotencyKey(runID, approvalID, key string) string {
	return "agent_os_approval:" + runID + ":" + approvalID + ":" + strings.TrimSpace(key)
}

// IdempotencyService lưu và phát lại nguyên văn response của các request có Idempotency-Key.
// Request trùng key của cùng tenant được xếp hàng nên thao tác chỉ chạy một lần.
type IdempotencyService struct {
	store store.StateStore
	cache *utility.Cache
	locks *registry.KeyedLocker
	ttl   time.Duration
}

// NewIdempotencyService tạo service với thời gian sống ttl cho mỗi response
func NewIdempotencyService(st store.StateStore, ttl time.Duration) *IdempotencyService {
	cacheTTL := idempotencyCacheTTL
	if ttl > 0 && ttl < cacheTTL {
		cacheTTL = ttl
	}
	return &IdempotencyService{
		store: st,
		cache: utility.NewCache(cacheTTL, idempotencyCacheCleanup, idempotencyCacheMax),
		locks: registry.NewKeyedLocker(),
		ttl:   ttl,
	}
}

// Do trả response đã lưu cho (tenantID, opKey) nếu có, ngược lại chạy fn và lưu kết quả khi thành công.
// replayed = true khi response là bản đã lưu.
func (s *IdempotencyService) Do(ctx context.Context, tenantID, opKey string, fn func() ([]byte, error)) (response []byte, replayed bool, err error) {
	cacheKey := tenantID + "|" + opKey
	unlock := s.locks.Lock(cacheKey)
	defer unlock()

	if v, ok := s.cache.Get(cacheKey); ok {
		return v.([]byte), true, nil
	}
	stored, ok, err := s.store.GetIdempotent(ctx, tenantID, opKey)
	if err != nil {
		return nil, false, err
	}
	if ok {
		s.cache.Set(cacheKey, stored)
		return stored, true, nil
	}

	response, err = fn()
	if err != nil {
		return nil, false, err
	}
	if err := s.store.SetIdempotent(ctx, tenantID, opKey, response, s.ttl); err != nil {
		// Response đã tạo xong, chỉ mất khả năng phát lại
		logger.WithContext(ctx).WithField("module", "agent_os").WithError(err).WithField("tenant_id", tenantID).Warn("Failed to store idempotent response")
		return response, false, nil
	}
	s.cache.Set(cacheKey, response)
	return response, false, nil
}

// Prune xoá các response đã hết hạn khỏi store và cache
func (s *IdempotencyService) Prune(ctx context.Context, now time.Time) (int64, error) {
	s.cache.Purge()
	return s.store.PruneIdempotency(ctx, now)
}

// Close dừng vòng dọn cache
func (s *IdempotencyService) Close() {
	s.cache.Stop()
}
