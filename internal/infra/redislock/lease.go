// Package redislock はRedisのSET NX PXで取る単一実行者リース。
package redislock

import (
	"context"
	"errors"
	"time"

	"bookstore/internal/usecase"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 自分のトークンのときだけ消す
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Lease struct {
	rdb   redis.UniversalClient
	key   string
	token string
}

var _ usecase.Lease = (*Lease)(nil)

func New(rdb redis.UniversalClient, key string) *Lease {
	return &Lease{rdb: rdb, key: key, token: uuid.NewString()}
}

func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// 取れたらtrue。既に自分が持っていれば期限を延ばす。
func (l *Lease) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	cur, err := l.rdb.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if cur != l.token {
		return false, nil
	}
	if err := l.rdb.PExpire(ctx, l.key, ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (l *Lease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
}
