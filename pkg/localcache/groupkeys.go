// Package localcache 提供进程内只读热点缓存
package localcache

import (
	"context"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/secimsdk/secure-im-server/pkg/common/storage/database"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/model"
)

type groupKeysKey struct {
	gid     int64
	version int64
}

// GroupKeysCache 群密钥版本的进程内FIFO缓存
//
// 键为 (gid, version)，密钥记录不可变，无需失效。读取走Peek而非Get，
// 不提升命中项的新近度，淘汰顺序即插入顺序（FIFO）。latest读取
// 绕过缓存直达存储，保证版本切换立即可见。
type GroupKeysCache struct {
	mu    sync.Mutex
	cache *simplelru.LRU[groupKeysKey, *model.GroupKeys]
	db    database.GroupKeys
}

func NewGroupKeysCache(db database.GroupKeys, limit int) (*GroupKeysCache, error) {
	if limit <= 0 {
		limit = 1024
	}
	cache, err := simplelru.NewLRU[groupKeysKey, *model.GroupKeys](limit, nil)
	if err != nil {
		return nil, err
	}
	return &GroupKeysCache{cache: cache, db: db}, nil
}

// Take 取指定版本，优先命中缓存
func (c *GroupKeysCache) Take(ctx context.Context, gid int64, version int64) (*model.GroupKeys, error) {
	key := groupKeysKey{gid: gid, version: version}
	c.mu.Lock()
	if keys, ok := c.cache.Peek(key); ok {
		c.mu.Unlock()
		return keys, nil
	}
	c.mu.Unlock()

	keys, err := c.db.Take(ctx, gid, version)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if !c.cache.Contains(key) {
		c.cache.Add(key, keys)
	}
	c.mu.Unlock()
	return keys, nil
}

// TakeLatest 取最新版本，不经过缓存
func (c *GroupKeysCache) TakeLatest(ctx context.Context, gid int64) (*model.GroupKeys, error) {
	return c.db.TakeLatest(ctx, gid)
}

// Insert 写入新版本并预热缓存
func (c *GroupKeysCache) Insert(ctx context.Context, keys *model.GroupKeys) error {
	if err := c.db.Insert(ctx, keys); err != nil {
		return err
	}
	c.mu.Lock()
	c.cache.Add(groupKeysKey{gid: keys.GID, version: keys.Version}, keys)
	c.mu.Unlock()
	return nil
}

// Len 当前缓存条目数
func (c *GroupKeysCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}
