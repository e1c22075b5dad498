package lock

import (
	"context"
	"sync"
	"time"
)

// 进程内按 key 互斥的锁
// 单实例部署或测试环境没有 Redis 时使用，语义与分布式锁一致（不可重入）

var (
	localMu   sync.Mutex
	localKeys = make(map[string]struct{})
)

// LocalLock 进程内锁，实现 Locker 接口
type LocalLock struct {
	key string
}

func NewLocalLock(key string) *LocalLock {
	return &LocalLock{key: key}
}

func (l *LocalLock) TryLock(ctx context.Context) (bool, error) {
	localMu.Lock()
	defer localMu.Unlock()

	if _, held := localKeys[l.key]; held {
		return false, nil
	}
	localKeys[l.key] = struct{}{}
	return true, nil
}

func (l *LocalLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
			// 继续重试
		}
	}
	return ErrLockFailed
}

func (l *LocalLock) Unlock(ctx context.Context) error {
	localMu.Lock()
	defer localMu.Unlock()

	delete(localKeys, l.key)
	return nil
}
