package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const delCommand = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`

// NewRedisLock 基于redis的锁,多台机器共享同一个队列时使用
func NewRedisLock(redisClient redis.Cmdable, prefix string) Locker {
	return &redisLock{redisClient: redisClient, prefix: prefix}
}

type redisLock struct {
	redisClient redis.Cmdable
	prefix      string
}

func (d *redisLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	if held(ctx, key) {
		// 之前成功上锁了,继续执行即可
		return f(ctx)
	}
	value := randomValue()
	redisKey := d.prefix + key
	isLock, err := d.redisClient.SetNX(ctx, redisKey, value, maxLockTimeDuration).Result()
	if err != nil {
		return errors.Wrapf(err, "[redisLock.NonBlockingSynchronized] setnx failed, key: %s", redisKey)
	}
	if !isLock {
		return errors.WithMessage(ErrLockFailed, "[redisLock.NonBlockingSynchronized] has been locked")
	}
	defer d.releaseKey(redisKey, value)
	return f(withHolder(ctx, key, value))
}

func (d *redisLock) releaseKey(key string, value string) {
	// 释放锁, 因为context 可能会被cancel，确保释放锁需要新开一个context,不能用原来的
	reply, err := d.redisClient.Eval(context.Background(), delCommand, []string{key}, value).Int64()
	if err != nil {
		slog.Error("[redisLock.releaseKey] release key failed", "key", key, "err", err)
		return
	}
	if reply != 1 {
		// 锁已过期被回收,或者被其他持有者拿走
		slog.Warn("[redisLock.releaseKey] lock not released", "key", key, "reply", reply)
	}
}
