package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Revoker はログアウト済みセッションの ID を失効リストとして保持します。
// クッキーは署名付きでサーバー側に状態を持たないため、ログアウト前に
// 複製されたクッキーはこのリストで拒否します。
type Revoker interface {
	// Revoke は id を ttl の間だけ失効扱いにします。
	Revoke(ctx context.Context, id string, ttl time.Duration) error
	Revoked(ctx context.Context, id string) (bool, error)
}

// MemoryRevoker はプロセス内マップで失効リストを保持します。単一インスタンス向けです。
type MemoryRevoker struct {
	now     func() time.Time
	lock    sync.Mutex
	revoked map[string]time.Time
}

// NewMemoryRevoker は MemoryRevoker を作成します。
func NewMemoryRevoker() *MemoryRevoker {
	return &MemoryRevoker{
		now:     time.Now,
		revoked: make(map[string]time.Time),
	}
}

func (r *MemoryRevoker) Revoke(_ context.Context, id string, ttl time.Duration) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	now := r.now()
	// 期限を過ぎたエントリは追加のついでに捨てる
	for key, until := range r.revoked {
		if !now.Before(until) {
			delete(r.revoked, key)
		}
	}
	r.revoked[id] = now.Add(ttl)
	return nil
}

func (r *MemoryRevoker) Revoked(_ context.Context, id string) (bool, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	until, ok := r.revoked[id]
	if !ok {
		return false, nil
	}
	if !r.now().Before(until) {
		delete(r.revoked, id)
		return false, nil
	}
	return true, nil
}

// Len は保持している失効 ID の数を返します。
func (r *MemoryRevoker) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.revoked)
}

// RedisRevoker は Redis の TTL 付きキーで失効リストを共有します。
type RedisRevoker struct {
	client *redis.Client
	prefix string
}

// NewRedisRevoker は RedisRevoker を作成します。
func NewRedisRevoker(client *redis.Client) *RedisRevoker {
	return &RedisRevoker{client: client, prefix: "session:revoked:"}
}

func (r *RedisRevoker) Revoke(ctx context.Context, id string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+id, 1, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisRevoker) Revoked(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

var (
	_ Revoker = (*MemoryRevoker)(nil)
	_ Revoker = (*RedisRevoker)(nil)
)
