// Package lock 提供临界区互斥锁。
//
// 所有实现都遵循同一个约定：非阻塞获取，拿不到锁立刻返回 ErrLockFailed；
// 同一个 context 链路上可重入。需要等待的调用方使用 Synchronized，
// 它在非阻塞获取的基础上增加有限次数的退避重试。
package lock

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
)

var (
	ErrLockFailed  = errors.New("lock failed")
	ErrLockTimeout = errors.New("wait time out")
)

type Locker interface {
	// NonBlockingSynchronized
	//  @Description:  1.非阻塞同步块,如果没有拿到锁，立刻返回 ErrLockFailed
	//                 2.可以重入锁
	//  @param ctx 原来的ctx
	//  @param key 锁的key
	//  @param maxLockTimeDuration 锁最大的持有时间,超过后视为被遗弃,可以被其他持有者回收
	//  @param f 具体执行函数的闭包
	//  @return error
	NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error
}

type lockKey string

// held 检查当前ctx是否已经持有key对应的锁
func held(ctx context.Context, key string) bool {
	_, ok := ctx.Value(lockKey(key)).(string)
	return ok
}

func withHolder(ctx context.Context, key string, value string) context.Context {
	return context.WithValue(ctx, lockKey(key), value)
}

// randomValue 生成锁持有者标识
func randomValue() string {
	return fmt.Sprintf("%d_%d_%d", os.Getpid(), rand.Int(), time.Now().UnixNano())
}

// RetryPolicy 获取锁失败后的退避重试策略
type RetryPolicy struct {
	MaxTries        uint          `yaml:"max_tries" validate:"gte=0"`
	InitialInterval time.Duration `yaml:"initial_interval" validate:"gte=0"`
	MaxInterval     time.Duration `yaml:"max_interval" validate:"gte=0"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time" validate:"gte=0"`
	// OnRetry 每次重试前回调,用于打点
	OnRetry func(err error, wait time.Duration) `yaml:"-"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:        200,
		InitialInterval: 200 * time.Microsecond,
		MaxInterval:     20 * time.Millisecond,
		MaxElapsedTime:  10 * time.Second,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.RandomizationFactor = 0.5
	b.Multiplier = 1.6
	return b
}

// Synchronized 在locker上执行f,锁被占用时按policy退避重试,
// 重试耗尽返回 ErrLockTimeout。f 本身返回的错误不会触发重试。
func Synchronized(ctx context.Context, locker Locker, key string, maxLockTimeDuration time.Duration, policy RetryPolicy, f func(context.Context) error) error {
	if locker == nil {
		return errors.New("locker is nil")
	}
	opts := []backoff.RetryOption{backoff.WithBackOff(policy.backOff())}
	if policy.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(policy.MaxTries))
	}
	if policy.MaxElapsedTime > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(policy.MaxElapsedTime))
	}
	if policy.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(backoff.Notify(policy.OnRetry)))
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		var fnErr error
		lockErr := locker.NonBlockingSynchronized(ctx, key, maxLockTimeDuration, func(ctx context.Context) error {
			fnErr = f(ctx)
			return nil
		})
		if lockErr != nil {
			if errors.Is(lockErr, ErrLockFailed) {
				return struct{}{}, lockErr
			}
			return struct{}{}, backoff.Permanent(lockErr)
		}
		if fnErr != nil {
			return struct{}{}, backoff.Permanent(fnErr)
		}
		return struct{}{}, nil
	}, opts...)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		// 最后一次尝试返回的 permanent 错误不会被 backoff 解包
		err = permanent.Unwrap()
	}
	if err != nil && errors.Is(err, ErrLockFailed) {
		return errors.WithMessagef(ErrLockTimeout, "[lock.Synchronized] key: %s, last err: %v", key, err)
	}
	return err
}
