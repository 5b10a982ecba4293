package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/openimsdk/tools/errs"
	"github.com/redis/go-redis/v9"

	"github.com/secimsdk/secure-im-server/pkg/common/storage/cache/cachekey"
)

// 推送类型，队列行第三段
const (
	PushTypeNormal    = 0 // 全员推送
	PushTypeMulticast = 1 // 定向推送，目标列表在补偿哈希中
)

// QueueRow 离线推送队列行
//
// 队列行以 gid_mid_pushType 格式存储在 group_msg_list 有序集合中，
// score为消息落地时间（秒）。
type QueueRow struct {
	Raw      string
	GID      int64
	MID      int64
	PushType int
	Score    float64
}

// ParseQueueRow 解析队列行，格式非法时返回错误
func ParseQueueRow(raw string) (*QueueRow, error) {
	parts := strings.Split(raw, "_")
	if len(parts) != 3 {
		return nil, errs.New("malformed queue row", "row", raw).Wrap()
	}
	gid, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, errs.WrapMsg(err, "malformed queue row gid", "row", raw)
	}
	mid, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, errs.WrapMsg(err, "malformed queue row mid", "row", raw)
	}
	pushType, err := strconv.Atoi(parts[2])
	if err != nil {
		return nil, errs.WrapMsg(err, "malformed queue row pushType", "row", raw)
	}
	return &QueueRow{Raw: raw, GID: gid, MID: mid, PushType: pushType}, nil
}

// FormatQueueRow 构造队列行
func FormatQueueRow(gid, mid int64, pushType int) string {
	return strconv.FormatInt(gid, 10) + "_" + strconv.FormatInt(mid, 10) + "_" + strconv.Itoa(pushType)
}

// OfflineQueue 单个群Redis分片上的离线推送队列
type OfflineQueue struct {
	rdb redis.UniversalClient
}

func NewOfflineQueue(rdb redis.UniversalClient) *OfflineQueue {
	return &OfflineQueue{rdb: rdb}
}

// Active 分片是否存在待推送数据
func (q *OfflineQueue) Active(ctx context.Context) (bool, error) {
	n, err := q.rdb.Exists(ctx, cachekey.GroupActiveKey).Result()
	if err != nil {
		return false, errs.Wrap(err)
	}
	return n > 0, nil
}

// Add 消息落地时入队，score为落地时间（秒）
func (q *OfflineQueue) Add(ctx context.Context, gid, mid int64, pushType int, landedAtSec int64) error {
	member := redis.Z{Score: float64(landedAtSec), Member: FormatQueueRow(gid, mid, pushType)}
	if err := q.rdb.ZAdd(ctx, cachekey.GroupMsgListKey, member).Err(); err != nil {
		return errs.Wrap(err)
	}
	return nil
}

// PageDue 按score窗口分页取到期行
//
// 窗口 [minSec, maxSec]：早于minSec的行视为超期放弃，晚于maxSec的
// 行留给后续轮次（给在线投递留出静默时间）。第二个返回值是窗口内
// 无法解析的行，调用方应连同已消费行一起删除，避免反复扫到。
func (q *OfflineQueue) PageDue(ctx context.Context, minSec, maxSec int64, offset, count int64) ([]*QueueRow, []string, error) {
	members, err := q.rdb.ZRangeByScoreWithScores(ctx, cachekey.GroupMsgListKey, &redis.ZRangeBy{
		Min:    strconv.FormatInt(minSec, 10),
		Max:    strconv.FormatInt(maxSec, 10),
		Offset: offset,
		Count:  count,
	}).Result()
	if err != nil {
		return nil, nil, errs.Wrap(err)
	}
	rows := make([]*QueueRow, 0, len(members))
	var malformed []string
	for _, member := range members {
		raw, ok := member.Member.(string)
		if !ok {
			continue
		}
		row, err := ParseQueueRow(raw)
		if err != nil {
			malformed = append(malformed, raw)
			continue
		}
		row.Score = member.Score
		rows = append(rows, row)
	}
	return rows, malformed, nil
}

// RemoveExpired 删除窗口左侧的超期行
func (q *OfflineQueue) RemoveExpired(ctx context.Context, minSec int64) error {
	err := q.rdb.ZRemRangeByScore(ctx, cachekey.GroupMsgListKey, "-inf", strconv.FormatInt(minSec-1, 10)).Err()
	if err != nil {
		return errs.Wrap(err)
	}
	return nil
}

// Remove 推送完成后删除队列行
func (q *OfflineQueue) Remove(ctx context.Context, rows []string) error {
	if len(rows) == 0 {
		return nil
	}
	members := make([]any, len(rows))
	for i, row := range rows {
		members[i] = row
	}
	if err := q.rdb.ZRem(ctx, cachekey.GroupMsgListKey, members...).Err(); err != nil {
		return errs.Wrap(err)
	}
	return nil
}

// MulticastBlob MULTICAST行的补偿记录
type MulticastBlob struct {
	FromUID string   `json:"fromUid"`
	Members []string `json:"members"`
}

// MulticastTargets 批量取MULTICAST行的补偿记录
//
// 无补偿记录或记录非法的行不在结果中。
func (q *OfflineQueue) MulticastTargets(ctx context.Context, rows []string) (map[string]*MulticastBlob, error) {
	if len(rows) == 0 {
		return map[string]*MulticastBlob{}, nil
	}
	vals, err := q.rdb.HMGet(ctx, cachekey.GroupMultiMsgListKey, rows...).Result()
	if err != nil {
		return nil, errs.Wrap(err)
	}
	result := make(map[string]*MulticastBlob, len(rows))
	for i, row := range rows {
		raw, ok := vals[i].(string)
		if !ok || raw == "" {
			continue
		}
		var blob MulticastBlob
		if err := json.Unmarshal([]byte(raw), &blob); err != nil {
			continue
		}
		result[row] = &blob
	}
	return result, nil
}

// RemoveMulticast 删除已消费的MULTICAST补偿记录
func (q *OfflineQueue) RemoveMulticast(ctx context.Context, rows []string) error {
	if len(rows) == 0 {
		return nil
	}
	if err := q.rdb.HDel(ctx, cachekey.GroupMultiMsgListKey, rows...).Err(); err != nil {
		return errs.Wrap(err)
	}
	return nil
}
