package worker

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"fleet_ops/internal/logger"

	"github.com/stretchr/testify/assert"
)

func TestMain(m *testing.M) {
	_ = logger.Init(&logger.LogConfig{Level: "error", Format: "text", Output: "stdout", BufferSize: 100})
	os.Exit(m.Run())
}

type pruneFunc func(ctx context.Context, now time.Time) (int64, error)

func (f pruneFunc) Prune(ctx context.Context, now time.Time) (int64, error) { return f(ctx, now) }

func TestIdempotencyCleanupWorker(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("Interval mặc định", func(t *testing.T) {
		w := NewIdempotencyCleanupWorker(pruneFunc(nil), time.Second)
		assert.Equal(t, 30*time.Minute, w.interval)
	})

	t.Run("Truyền thời điểm hiện tại cho pruner", func(t *testing.T) {
		var got time.Time
		w := NewIdempotencyCleanupWorker(pruneFunc(func(_ context.Context, now time.Time) (int64, error) {
			got = now
			return 4, nil
		}), time.Hour)
		w.now = func() time.Time { return fixed }
		assert.Equal(t, int64(4), w.RunOnce(context.Background()))
		assert.Equal(t, fixed, got)
	})

	t.Run("Lỗi và panic không làm dừng worker", func(t *testing.T) {
		w := NewIdempotencyCleanupWorker(pruneFunc(func(context.Context, time.Time) (int64, error) {
			return 0, errors.New("store down")
		}), time.Hour)
		assert.Equal(t, int64(0), w.RunOnce(context.Background()))

		w = NewIdempotencyCleanupWorker(pruneFunc(func(context.Context, time.Time) (int64, error) {
			panic("boom")
		}), time.Hour)
		assert.NotPanics(t, func() { w.RunOnce(context.Background()) })
	})

	t.Run("Start dừng khi ctx huỷ", func(t *testing.T) {
		w := NewIdempotencyCleanupWorker(pruneFunc(func(context.Context, time.Time) (int64, error) { return 0, nil }), time.Minute)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			w.Start(ctx)
			close(done)
		}()
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not stop")
		}
	})
}
