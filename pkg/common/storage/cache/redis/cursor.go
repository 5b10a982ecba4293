package redis

import (
	"context"
	"encoding/json"

	"github.com/openimsdk/tools/errs"
	"github.com/redis/go-redis/v9"

	"github.com/secimsdk/secure-im-server/pkg/common/storage/cache/cachekey"
)

// PushCursor 群成员推送游标
//
// 存储在 group_user_info:<gid> 哈希中，field为uid，value为本结构的
// JSON序列化。lastMid记录该成员已推送到的最大消息id，离线轮次据此
// 跳过已推送的消息；其余字段缓存主设备的厂商token与客户端版本，
// 避免轮次内反复回源账号库。
type PushCursor struct {
	LastMID    int64  `json:"lastMid"`
	APNSID     string `json:"apnsId,omitempty"`
	FCMID      string `json:"fcmId,omitempty"`
	UmengID    string `json:"umengId,omitempty"`
	OSType     int32  `json:"osType,omitempty"`
	OSVersion  string `json:"osVersion,omitempty"`
	PhoneModel string `json:"phoneModel,omitempty"`
	BuildCode  int64  `json:"buildCode,omitempty"`
}

// CursorCache 群成员推送游标缓存
type CursorCache struct {
	rdb redis.UniversalClient
}

func NewCursorCache(rdb redis.UniversalClient) *CursorCache {
	return &CursorCache{rdb: rdb}
}

// GetBatch 批量读取成员游标，无记录的uid映射为nil
func (c *CursorCache) GetBatch(ctx context.Context, gid int64, uids []string) (map[string]*PushCursor, error) {
	if len(uids) == 0 {
		return map[string]*PushCursor{}, nil
	}
	vals, err := c.rdb.HMGet(ctx, cachekey.GetGroupUserInfoKey(gid), uids...).Result()
	if err != nil {
		return nil, errs.Wrap(err)
	}
	result := make(map[string]*PushCursor, len(uids))
	for i, uid := range uids {
		result[uid] = nil
		raw, ok := vals[i].(string)
		if !ok || raw == "" {
			continue
		}
		var cursor PushCursor
		if err := json.Unmarshal([]byte(raw), &cursor); err != nil {
			// 脏数据按缺失处理，由写回路径覆盖
			continue
		}
		result[uid] = &cursor
	}
	return result, nil
}

// SetBatch 批量写回成员游标
func (c *CursorCache) SetBatch(ctx context.Context, gid int64, cursors map[string]*PushCursor) error {
	if len(cursors) == 0 {
		return nil
	}
	fields := make(map[string]any, len(cursors))
	for uid, cursor := range cursors {
		raw, err := json.Marshal(cursor)
		if err != nil {
			return errs.Wrap(err)
		}
		fields[uid] = string(raw)
	}
	if err := c.rdb.HSet(ctx, cachekey.GetGroupUserInfoKey(gid), fields).Err(); err != nil {
		return errs.Wrap(err)
	}
	return nil
}

// Scan 分页扫描群的全部游标，用于离线轮次与成员对账
//
// HSCAN返回field/value交替序列，解析为 uid → 游标；脏值按nil处理。
func (c *CursorCache) Scan(ctx context.Context, gid int64, cursor uint64, count int64) (map[string]*PushCursor, uint64, error) {
	fields, next, err := c.rdb.HScan(ctx, cachekey.GetGroupUserInfoKey(gid), cursor, "*", count).Result()
	if err != nil {
		return nil, 0, errs.Wrap(err)
	}
	result := make(map[string]*PushCursor, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		var pc PushCursor
		if err := json.Unmarshal([]byte(fields[i+1]), &pc); err != nil {
			result[fields[i]] = nil
			continue
		}
		result[fields[i]] = &pc
	}
	return result, next, nil
}

// Delete 删除已退群成员的游标
func (c *CursorCache) Delete(ctx context.Context, gid int64, uids []string) error {
	if len(uids) == 0 {
		return nil
	}
	if err := c.rdb.HDel(ctx, cachekey.GetGroupUserInfoKey(gid), uids...).Err(); err != nil {
		return errs.Wrap(err)
	}
	return nil
}
