package offlinepush

import (
	"context"
	"time"

	"github.com/openimsdk/tools/log"
	"github.com/openimsdk/tools/utils/timeutil"
	"github.com/redis/go-redis/v9"

	redisCache "github.com/secimsdk/secure-im-server/pkg/common/storage/cache/redis"
)

const (
	// scanPageSize 单页扫描的队列行数
	scanPageSize = 100
	// minQueueAge 行最小滞留时间，给在线投递留静默窗口
	minQueueAge = 30 * time.Second
	// maxQueueAge 行最大滞留时间，超过即放弃推送
	maxQueueAge = 30 * time.Minute
)

// pushItem 解析后的待推送消息
type pushItem struct {
	row     *redisCache.QueueRow
	fromUID string   // 发送者，仅MULTICAST行可得
	targets []string // MULTICAST目标uid，BROADCAST为nil
}

// groupTask 同一群在本轮次中的全部待推送消息
type groupTask struct {
	gid   int64
	items []*pushItem
}

// Scanner 离线队列扫描器，聚合各分片的到期行为按群任务
type Scanner struct {
	shards []redis.UniversalClient
	nowSec func() int64
}

func NewScanner(shards []redis.UniversalClient) *Scanner {
	return &Scanner{
		shards: shards,
		nowSec: func() int64 { return timeutil.GetCurrentTimestampByMill() / 1000 },
	}
}

// Scan 扫描全部分片，返回 gid → 任务
//
// 每个分片：跳过无活跃标记的；清理窗口左侧的超期行；按页取窗口内
// 的行并解析，MULTICAST行回查补偿哈希取目标列表；已消费的行与
// 补偿记录随后删除。
func (s *Scanner) Scan(ctx context.Context) (map[int64]*groupTask, error) {
	// 队列score为秒级时间戳
	now := s.nowSec()
	minScore := now - int64(maxQueueAge.Seconds())
	maxScore := now - int64(minQueueAge.Seconds())

	tasks := make(map[int64]*groupTask)
	for shardIdx, shard := range s.shards {
		queue := redisCache.NewOfflineQueue(shard)
		active, err := queue.Active(ctx)
		if err != nil {
			log.ZWarn(ctx, "shard active check failed", err, "shard", shardIdx)
			continue
		}
		if !active {
			continue
		}
		if err := queue.RemoveExpired(ctx, minScore); err != nil {
			log.ZWarn(ctx, "shard expired cleanup failed", err, "shard", shardIdx)
		}

		var offset int64
		for {
			rows, malformed, err := queue.PageDue(ctx, minScore, maxScore, offset, scanPageSize)
			if err != nil {
				log.ZError(ctx, "shard queue page failed", err, "shard", shardIdx)
				break
			}
			if len(rows)+len(malformed) == 0 {
				break
			}

			// 非法行一并消费，否则会滞留到超期清理才消失
			consumed := append([]string(nil), malformed...)
			var multicastRows []string
			for _, row := range rows {
				consumed = append(consumed, row.Raw)
				if row.PushType == redisCache.PushTypeMulticast {
					multicastRows = append(multicastRows, row.Raw)
				}
			}
			targets := map[string]*redisCache.MulticastBlob{}
			if len(multicastRows) > 0 {
				if targets, err = queue.MulticastTargets(ctx, multicastRows); err != nil {
					log.ZError(ctx, "multicast targets load failed", err, "shard", shardIdx)
					targets = map[string]*redisCache.MulticastBlob{}
				}
			}

			for _, row := range rows {
				item := &pushItem{row: row}
				if row.PushType == redisCache.PushTypeMulticast {
					blob := targets[row.Raw]
					if blob == nil || len(blob.Members) == 0 {
						// 补偿记录缺失的定向行无法推送，直接消费掉
						continue
					}
					item.fromUID = blob.FromUID
					item.targets = blob.Members
				}
				task := tasks[row.GID]
				if task == nil {
					task = &groupTask{gid: row.GID}
					tasks[row.GID] = task
				}
				task.items = append(task.items, item)
			}

			if err := queue.Remove(ctx, consumed); err != nil {
				log.ZError(ctx, "queue rows remove failed", err, "shard", shardIdx)
			}
			if err := queue.RemoveMulticast(ctx, multicastRows); err != nil {
				log.ZError(ctx, "multicast rows remove failed", err, "shard", shardIdx)
			}

			if len(rows)+len(malformed) < scanPageSize {
				break
			}
			// 已删除本页已消费的行，窗口内剩余行前移，偏移无需推进
		}
	}
	return tasks, nil
}
