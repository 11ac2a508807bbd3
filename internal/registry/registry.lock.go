package registry

import "sync"

// KeyedLocker cấp mutex riêng cho từng key (run id, idempotency key...).
// Mutex được tạo lười và giữ lại trong registry.
type KeyedLocker struct {
	locks *Registry[*sync.Mutex]
}

// NewKeyedLocker tạo locker rỗng
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: NewRegistry[*sync.Mutex]()}
}

// Lock khóa key và trả về hàm mở khóa
func (k *KeyedLocker) Lock(key string) func() {
	mu, err := k.locks.GetOrCreate(key, func() (*sync.Mutex, error) {
		return &sync.Mutex{}, nil
	})
	if err != nil {
		// key rỗng: dùng chung một mutex
		mu, _ = k.locks.GetOrCreate("_", func() (*sync.Mutex, error) {
			return &sync.Mutex{}, nil
		})
	}
	mu.Lock()
	return mu.Unlock
}
