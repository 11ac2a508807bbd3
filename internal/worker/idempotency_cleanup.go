package worker

import (
	"context"
	"time"

	"fleet_ops/internal/logger"
)

// IdempotencyPruner xoá các response idempotent đã hết hạn, trả số bản ghi bị xoá
type IdempotencyPruner interface {
	Prune(ctx context.Context, now time.Time) (int64, error)
}

// IdempotencyCleanupWorker worker dọn các response idempotent đã hết hạn
// Chạy định kỳ để bảng agent_idempotency không phình theo thời gian
type IdempotencyCleanupWorker struct {
	pruner   IdempotencyPruner
	interval time.Duration // Khoảng thời gian giữa các lần chạy
	now      func() time.Time
}

// NewIdempotencyCleanupWorker tạo mới IdempotencyCleanupWorker
// Tham số:
//   - pruner: thường là AgentOSService.Idempotency()
//   - interval: Khoảng thời gian giữa các lần chạy (mặc định: 30 phút, tối thiểu 1 phút)
func NewIdempotencyCleanupWorker(pruner IdempotencyPruner, interval time.Duration) *IdempotencyCleanupWorker {
	if interval < time.Minute {
		interval = 30 * time.Minute
	}
	return &IdempotencyCleanupWorker{
		pruner:   pruner,
		interval: interval,
		now:      time.Now,
	}
}

// RunOnce dọn một lần, panic được recover để worker chạy tiếp ở lần sau
func (w *IdempotencyCleanupWorker) RunOnce(ctx context.Context) (pruned int64) {
	log := logger.GetAppLogger()
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(map[string]interface{}{
				"panic": r,
			}).Error("🧹 [IDEMPOTENCY_CLEANUP] Panic khi dọn idempotency, sẽ tiếp tục ở lần chạy tiếp theo")
			pruned = 0
		}
	}()

	pruned, err := w.pruner.Prune(ctx, w.now())
	if err != nil {
		log.WithError(err).Error("🧹 [IDEMPOTENCY_CLEANUP] Failed to prune idempotency records")
		return 0
	}
	if pruned > 0 {
		log.WithFields(map[string]interface{}{
			"pruned": pruned,
		}).Info("🧹 [IDEMPOTENCY_CLEANUP] Pruned expired idempotency records")
	}
	// pruned = 0 thì không log (giảm log noise)
	return pruned
}

// Start chạy worker tới khi ctx bị huỷ
func (w *IdempotencyCleanupWorker) Start(ctx context.Context) {
	log := logger.GetAppLogger()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	log.WithFields(map[string]interface{}{
		"interval": w.interval.String(),
	}).Info("🧹 [IDEMPOTENCY_CLEANUP] Starting Idempotency Cleanup Worker...")

	for {
		select {
		case <-ctx.Done():
			log.Info("🧹 [IDEMPOTENCY_CLEANUP] Idempotency Cleanup Worker stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}
