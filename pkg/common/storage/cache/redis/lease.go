package redis

import (
	"context"
	"time"

	"github.com/openimsdk/tools/errs"
	"github.com/redis/go-redis/v9"
)

// 比较值后续期/释放，持有者不匹配时不动作
var (
	leaseRenewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
	leaseReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// RoundLease 离线推送轮次的集群互斥租约
//
// 单个键上的SET NX租约，value为持有进程生成的UUID。续期与释放
// 均通过Lua脚本比较value后执行，避免误夺他人租约。
type RoundLease struct {
	rdb redis.UniversalClient
	key string
	ttl time.Duration
}

func NewRoundLease(rdb redis.UniversalClient, key string, ttl time.Duration) *RoundLease {
	return &RoundLease{rdb: rdb, key: key, ttl: ttl}
}

func (l *RoundLease) TTL() time.Duration {
	return l.ttl
}

// TryAcquire 尝试获取租约，返回是否成功
func (l *RoundLease) TryAcquire(ctx context.Context, value string) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, value, l.ttl).Result()
	if err != nil {
		return false, errs.Wrap(err)
	}
	return ok, nil
}

// Renew 续期，仅当仍为value持有时生效；返回是否仍持有
func (l *RoundLease) Renew(ctx context.Context, value string) (bool, error) {
	res, err := leaseRenewScript.Run(ctx, l.rdb, []string{l.key}, value, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, errs.Wrap(err)
	}
	return res == 1, nil
}

// Release 释放租约，仅当仍为value持有时删除
func (l *RoundLease) Release(ctx context.Context, value string) error {
	if err := leaseReleaseScript.Run(ctx, l.rdb, []string{l.key}, value).Err(); err != nil {
		return errs.Wrap(err)
	}
	return nil
}
