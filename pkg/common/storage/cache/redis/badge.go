// Package redis 提供基于Redis的缓存实现
package redis

import (
	"context"
	"errors"

	"github.com/openimsdk/tools/errs"
	"github.com/redis/go-redis/v9"

	"github.com/secimsdk/secure-im-server/pkg/common/storage/cache/cachekey"
)

// BadgeCache APNs角标计数缓存
//
// 每次构造厂商推送时递增，设备重新订阅（上线）时清零。
type BadgeCache struct {
	rdb redis.UniversalClient
}

func NewBadgeCache(rdb redis.UniversalClient) *BadgeCache {
	return &BadgeCache{rdb: rdb}
}

// Incr 递增并返回递增后的角标值
func (b *BadgeCache) Incr(ctx context.Context, uid string) (int64, error) {
	val, err := b.rdb.Incr(ctx, cachekey.GetBadgeKey(uid)).Result()
	if err != nil {
		return 0, errs.Wrap(err)
	}
	return val, nil
}

// Get 读取当前角标值，无记录返回0
func (b *BadgeCache) Get(ctx context.Context, uid string) (int64, error) {
	val, err := b.rdb.Get(ctx, cachekey.GetBadgeKey(uid)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, errs.Wrap(err)
	}
	return val, nil
}

// Del 清零角标
func (b *BadgeCache) Del(ctx context.Context, uid string) error {
	if err := b.rdb.Del(ctx, cachekey.GetBadgeKey(uid)).Err(); err != nil {
		return errs.Wrap(err)
	}
	return nil
}
