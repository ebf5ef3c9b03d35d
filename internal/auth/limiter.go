package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AttemptLimiter はログイン失敗回数をキー（クライアントIP）単位で数え、
// 上限に達したキーを一定時間ロックします。
type AttemptLimiter interface {
	// Locked はロック中なら残り時間を返します。ロックされていなければ 0 です。
	Locked(ctx context.Context, key string) (time.Duration, error)
	Fail(ctx context.Context, key string) error
	Reset(ctx context.Context, key string) error
}

// LimiterPolicy は試行制限の閾値です。
type LimiterPolicy struct {
	MaxAttempts  int
	Window       time.Duration
	LockDuration time.Duration
}

// DefaultLimiterPolicy は 15 分間に 5 回失敗で 10 分ロックです。
var DefaultLimiterPolicy = LimiterPolicy{
	MaxAttempts:  5,
	Window:       15 * time.Minute,
	LockDuration: 10 * time.Minute,
}

// sweepEvery 回の Fail ごとに期限切れのエントリをまとめて削除する
const sweepEvery = 256

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// expired はロックもウィンドウも過ぎ、保持する意味が無くなった状態かを返します。
func (s *attemptState) expired(now time.Time, window time.Duration) bool {
	if now.Before(s.lockedUntil) {
		return false
	}
	return s.count == 0 || now.Sub(s.firstAttempt) > window
}

// MemoryLimiter はプロセス内マップで失敗回数を保持します。単一インスタンス向けです。
// 期限切れのエントリは参照時と定期的な掃除で削除されます。
type MemoryLimiter struct {
	policy   LimiterPolicy
	now      func() time.Time
	lock     sync.Mutex
	attempts map[string]*attemptState
	fails    int
}

// NewMemoryLimiter は MemoryLimiter を作成します。
func NewMemoryLimiter(policy LimiterPolicy) *MemoryLimiter {
	return &MemoryLimiter{
		policy:   policy,
		now:      time.Now,
		attempts: make(map[string]*attemptState),
	}
}

func (l *MemoryLimiter) Locked(_ context.Context, key string) (time.Duration, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	state, ok := l.attempts[key]
	if !ok {
		return 0, nil
	}
	now := l.now()
	if !now.Before(state.lockedUntil) {
		if state.expired(now, l.policy.Window) {
			delete(l.attempts, key)
		}
		return 0, nil
	}
	return state.lockedUntil.Sub(now), nil
}

func (l *MemoryLimiter) Fail(_ context.Context, key string) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	now := l.now()
	l.fails++
	if l.fails%sweepEvery == 0 {
		l.sweep(now)
	}

	state, ok := l.attempts[key]
	if !ok || now.Sub(state.firstAttempt) > l.policy.Window {
		state = &attemptState{firstAttempt: now}
		l.attempts[key] = state
	}

	state.count++
	if state.count >= l.policy.MaxAttempts {
		state.lockedUntil = now.Add(l.policy.LockDuration)
		state.count = 0
		state.firstAttempt = now
	}
	return nil
}

func (l *MemoryLimiter) Reset(_ context.Context, key string) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	delete(l.attempts, key)
	return nil
}

// sweep は呼び出し側でロックを保持している前提です。
func (l *MemoryLimiter) sweep(now time.Time) {
	for key, state := range l.attempts {
		if state.expired(now, l.policy.Window) {
			delete(l.attempts, key)
		}
	}
}

// Len は保持しているキーの数を返します。
func (l *MemoryLimiter) Len() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.attempts)
}

// RedisLimiter は Redis のカウンターとロックキーで失敗回数を共有します。
// 複数インスタンスで同じ制限を適用できます。
type RedisLimiter struct {
	client *redis.Client
	policy LimiterPolicy
	prefix string
}

// NewRedisLimiter は RedisLimiter を作成します。
func NewRedisLimiter(client *redis.Client, policy LimiterPolicy) *RedisLimiter {
	return &RedisLimiter{client: client, policy: policy, prefix: "login"}
}

func (l *RedisLimiter) Locked(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := l.client.PTTL(ctx, l.lockKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis pttl: %w", err)
	}
	// キーが無い場合は負の値が返る
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}

func (l *RedisLimiter) Fail(ctx context.Context, key string) error {
	failKey := l.failKey(key)
	count, err := l.client.Incr(ctx, failKey).Result()
	if err != nil {
		return fmt.Errorf("redis incr: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, failKey, l.policy.Window).Err(); err != nil {
			return fmt.Errorf("redis expire: %w", err)
		}
	}
	if count < int64(l.policy.MaxAttempts) {
		return nil
	}

	pipe := l.client.TxPipeline()
	pipe.Set(ctx, l.lockKey(key), 1, l.policy.LockDuration)
	pipe.Del(ctx, failKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis lock: %w", err)
	}
	return nil
}

func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.failKey(key), l.lockKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (l *RedisLimiter) failKey(key string) string {
	return l.prefix + ":fail:" + key
}

func (l *RedisLimiter) lockKey(key string) string {
	return l.prefix + ":lock:" + key
}

var (
	_ AttemptLimiter = (*MemoryLimiter)(nil)
	_ AttemptLimiter = (*RedisLimiter)(nil)
)
