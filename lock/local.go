package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// NewLocalLock 进程内锁,适合单进程部署和测试
func NewLocalLock() Locker {
	return &localLock{
		locks: make(map[string]*localLockInfo),
	}
}

type localLock struct {
	mu    sync.Mutex
	locks map[string]*localLockInfo // key -> 持有信息
}

type localLockInfo struct {
	value    string    // 锁的值，用于验证是否是同一个持有者
	expireAt time.Time // 过期时间,过期后视为被遗弃
}

func (l *localLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	if held(ctx, key) {
		// 已经持有锁，可重入，直接执行
		return f(ctx)
	}
	value := randomValue()
	if !l.tryAcquire(key, value, maxLockTimeDuration) {
		return errors.WithMessage(ErrLockFailed, "[localLock.NonBlockingSynchronized] has been locked")
	}
	defer l.release(key, value)
	return f(withHolder(ctx, key, value))
}

func (l *localLock) tryAcquire(key string, value string, maxLockTimeDuration time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if info, ok := l.locks[key]; ok && (info.expireAt.IsZero() || now.Before(info.expireAt)) {
		return false
	}
	info := &localLockInfo{value: value}
	if maxLockTimeDuration > 0 {
		info.expireAt = now.Add(maxLockTimeDuration)
	}
	l.locks[key] = info
	return true
}

func (l *localLock) release(key string, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.locks[key]
	if !ok {
		return
	}
	if info.value != value {
		// 锁已经过期并被其他持有者回收
		slog.Warn("[localLock.release] value mismatch", "key", key, "expected", info.value, "got", value)
		return
	}
	delete(l.locks, key)
}
