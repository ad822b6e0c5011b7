// Package runlock は複数インスタンス間でスキャンの同時実行を防ぐロックを提供する。
package runlock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker は名前付きロックを取得する。
// 取得できた場合は解放関数と true を返す。他が保持中なら false を返す。
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// Noop は常にロックを取得できるLocker。単一インスタンス構成で使う。
type Noop struct{}

// TryLock は常に成功する。
func (Noop) TryLock(context.Context, string, time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}

// releaseScript は自分が取得したロックのみを削除する。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis はRedisのSET NX PXによるLocker。
// ttl経過後はロックが自動的に失効するため、保持中のプロセスが落ちても次回実行を妨げない。
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis はaddrのRedisに接続するLockerを生成する。
func NewRedis(addr string) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: "coordinator:scan-lock:",
	}
}

// TryLock はロックの取得を試みる。
func (r *Redis) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	const op = "runlock.redis.TryLock"

	key := r.prefix + name
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// 呼び出し元のコンテキストが既に終了していても解放できるよう、独立したコンテキストを使う。
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, r.client, []string{key}, token).Err()
	}
	return release, true, nil
}

// Ping は接続を確認する。
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close は接続を閉じる。
func (r *Redis) Close() error {
	const op = "runlock.redis.Close"

	if err := r.client.Close(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
