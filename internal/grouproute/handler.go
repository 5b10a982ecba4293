// Package grouproute 将 group_<gid> 频道上的群事件扇出为
// 按地址的下行投递，并维护成员推送游标与噪声注入。
package grouproute

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/openimsdk/tools/log"
	"github.com/openimsdk/tools/mcontext"

	"github.com/google/uuid"

	"github.com/secimsdk/secure-im-server/internal/dispatch"
	"github.com/secimsdk/secure-im-server/internal/membership"
	"github.com/secimsdk/secure-im-server/internal/onlineredis"
	"github.com/secimsdk/secure-im-server/pkg/apistruct"
	"github.com/secimsdk/secure-im-server/pkg/common/config"
	"github.com/secimsdk/secure-im-server/pkg/common/prommetrics"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/cache/cachekey"
	redisCache "github.com/secimsdk/secure-im-server/pkg/common/storage/cache/redis"
	"github.com/secimsdk/secure-im-server/pkg/localcache"
)

const groupChannelPrefix = "group_"

// Handler 群消息在线路由
//
// 实现成员索引的群订阅口与在线总线回调：索引在某群出现在线成员时
// 经本路由订阅 group_<gid>，事件到达后跳到gid对应的串行执行器完成
// 扇出。游标写在群Redis分区上，键按gid哈希选分区。
type Handler struct {
	cfg       *config.Config
	mgr       *dispatch.Manager
	index     *membership.Index
	onlineBus *onlineredis.Partitioner // group_<gid> 频道所在总线
	groupBus  *onlineredis.Partitioner // 游标与离线队列所在分区
	keys      *localcache.GroupKeysCache

	// 噪声游标：每群独立推进，扫描在线用户表的不同区段，避免固定
	// 用户总是成为噪声目标
	noiseMu      sync.Mutex
	noiseCursors map[int64]string
}

func NewHandler(cfg *config.Config, mgr *dispatch.Manager, index *membership.Index,
	onlineBus, groupBus *onlineredis.Partitioner, keys *localcache.GroupKeysCache) *Handler {
	return &Handler{
		cfg:          cfg,
		mgr:          mgr,
		index:        index,
		onlineBus:    onlineBus,
		groupBus:     groupBus,
		keys:         keys,
		noiseCursors: make(map[int64]string),
	}
}

// SubscribeGroup 订阅群频道，成员索引在空穿越时调用
func (h *Handler) SubscribeGroup(ctx context.Context, gid int64) error {
	return h.onlineBus.Subscribe(ctx, strconv.FormatInt(gid, 10), cachekey.GetGroupChannel(gid), h)
}

// UnsubscribeGroup 退订群频道
func (h *Handler) UnsubscribeGroup(ctx context.Context, gid int64) {
	h.onlineBus.Unsubscribe(ctx, strconv.FormatInt(gid, 10), cachekey.GetGroupChannel(gid))
}

// OnSubscribe 订阅确认，无需动作
func (h *Handler) OnSubscribe(channel string, count int64) {}

// OnUnsubscribe 退订确认，无需动作
func (h *Handler) OnUnsubscribe(channel string, count int64) {}

// OnMessage 群事件到达：解析gid后跳到对应执行器
func (h *Handler) OnMessage(channel string, payload []byte) {
	gid, err := strconv.ParseInt(strings.TrimPrefix(channel, groupChannelPrefix), 10, 64)
	if err != nil {
		log.ZWarn(context.Background(), "group event on malformed channel", err, "channel", channel)
		return
	}
	body := make([]byte, len(payload))
	copy(body, payload)
	h.index.PostGroupTask(gid, func() {
		ctx := mcontext.SetOperationID(context.Background(), uuid.New().String())
		h.handleEvent(ctx, gid, body)
	})
}

// handleEvent 单条群事件的扇出流程
func (h *Handler) handleEvent(ctx context.Context, gid int64, payload []byte) {
	var event apistruct.GroupEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		log.ZWarn(ctx, "malformed group event", err, "gid", gid)
		return
	}
	if event.GID == 0 {
		event.GID = gid
	}

	notify := h.buildNotify(&event)
	if notify == nil {
		log.ZDebug(ctx, "unknown group event type dropped", "gid", gid, "type", event.Type)
		return
	}
	if event.Type == apistruct.GroupEventSwitchGroupKeys && event.KeysVersion > 0 {
		// 预热目标版本密钥，客户端随后的拉取命中进程内缓存
		if _, err := h.keys.Take(ctx, gid, event.KeysVersion); err != nil {
			log.ZWarn(ctx, "announced group keys version not found", err,
				"gid", gid, "keysVersion", event.KeysVersion)
		}
	}

	recipients := h.index.GetGroupMembers(gid)
	if event.Type == apistruct.GroupEventMemberUpdate {
		// 新增成员可能尚未进入在线集合，按事件列出的uid补全
		seen := make(map[dispatch.Address]struct{}, len(recipients))
		for _, addr := range recipients {
			seen[addr] = struct{}{}
		}
		for _, uid := range event.Members {
			for _, addr := range h.index.GetUserAddresses(uid) {
				if _, ok := seen[addr]; !ok {
					seen[addr] = struct{}{}
					recipients = append(recipients, addr)
				}
			}
		}
	}
	if len(recipients) == 0 {
		return
	}

	body, err := json.Marshal(notify)
	if err != nil {
		log.ZError(ctx, "group notify marshal failed", err, "gid", gid)
		return
	}
	batch := make([]*dispatch.GroupDelivery, 0, len(recipients))
	for _, addr := range recipients {
		batch = append(batch, &dispatch.GroupDelivery{Addr: addr, Payload: body})
	}

	noiseBatch := h.buildNoise(ctx, gid, len(recipients))

	h.updateCursors(ctx, gid, event.MID, recipients)

	h.mgr.SendGroupMessage(ctx, batch)
	prommetrics.GroupMsgFanoutCounter.WithLabelValues("real").Add(float64(len(batch)))
	if len(noiseBatch) > 0 {
		h.mgr.SendGroupMessage(ctx, noiseBatch)
		prommetrics.GroupMsgFanoutCounter.WithLabelValues("noise").Add(float64(len(noiseBatch)))
	}
}

// buildNotify 按事件类型构造下行通知，未知类型返回nil
func (h *Handler) buildNotify(event *apistruct.GroupEvent) *apistruct.GroupMessageNotify {
	switch event.Type {
	case apistruct.GroupEventChat, apistruct.GroupEventChannel,
		apistruct.GroupEventInfoUpdate, apistruct.GroupEventMemberUpdate,
		apistruct.GroupEventRecall:
		return &apistruct.GroupMessageNotify{
			Type:      event.Type,
			GID:       event.GID,
			MID:       event.MID,
			FromUID:   event.FromUID,
			Content:   event.Content,
			Timestamp: event.Timestamp,
		}
	case apistruct.GroupEventSwitchGroupKeys, apistruct.GroupEventUpdateGroupKeysRequest:
		return &apistruct.GroupMessageNotify{
			Type:        event.Type,
			GID:         event.GID,
			MID:         event.MID,
			FromUID:     event.FromUID,
			KeysVersion: event.KeysVersion,
			Timestamp:   event.Timestamp,
		}
	default:
		return nil
	}
}

// updateCursors 为主设备接收方推进 lastMid 游标，保留已有的token字段
func (h *Handler) updateCursors(ctx context.Context, gid, mid int64, recipients []dispatch.Address) {
	if mid == 0 {
		return
	}
	uids := make([]string, 0, len(recipients))
	for _, addr := range recipients {
		if addr.IsMaster() {
			uids = append(uids, addr.UID)
		}
	}
	if len(uids) == 0 {
		return
	}
	cache := redisCache.NewCursorCache(h.groupBus.Primary(strconv.FormatInt(gid, 10)))
	cursors, err := cache.GetBatch(ctx, gid, uids)
	if err != nil {
		log.ZError(ctx, "cursor load failed", err, "gid", gid)
		return
	}
	updated := make(map[string]*redisCache.PushCursor, len(uids))
	for uid, cursor := range cursors {
		if cursor == nil {
			cursor = &redisCache.PushCursor{}
		}
		if cursor.LastMID < mid {
			cursor.LastMID = mid
			updated[uid] = cursor
		}
	}
	if err := cache.SetBatch(ctx, gid, updated); err != nil {
		log.ZError(ctx, "cursor write failed", err, "gid", gid)
	}
}
