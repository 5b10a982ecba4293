package membership

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/openimsdk/tools/log"
	"github.com/openimsdk/tools/mcontext"

	"github.com/secimsdk/secure-im-server/internal/dispatch"
	"github.com/secimsdk/secure-im-server/internal/onlineredis"
	"github.com/secimsdk/secure-im-server/pkg/apistruct"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/cache/cachekey"
)

// SessionKicker 会话强制下线口，由分发管理器实现
type SessionKicker interface {
	Kick(ctx context.Context, addr dispatch.Address)
}

// EventListener 成员关系与用户级事件监听
//
// 模式订阅 groupEvent_* 与 user_*。群成员变更事件转入索引的对应
// 变更操作，索引内部再按gid串行化；用户级踢出事件对该uid的全部
// 在线会话逐个执行强制下线。
type EventListener struct {
	index  *Index
	kicker SessionKicker
}

func NewEventListener(index *Index, kicker SessionKicker) *EventListener {
	return &EventListener{index: index, kicker: kicker}
}

// Start 登记两个事件模式的订阅
func (l *EventListener) Start(ctx context.Context, bus *onlineredis.Partitioner) error {
	if err := bus.PSubscribe(ctx, cachekey.GroupEventChannelPattern, l); err != nil {
		return err
	}
	return bus.PSubscribe(ctx, cachekey.UserEventChannelPattern, l)
}

// OnSubscribe 订阅确认，无需动作
func (l *EventListener) OnSubscribe(channel string, count int64) {}

// OnUnsubscribe 退订确认，无需动作
func (l *EventListener) OnUnsubscribe(channel string, count int64) {}

// OnMessage 事件到达，按频道前缀分流
func (l *EventListener) OnMessage(channel string, payload []byte) {
	ctx := mcontext.SetOperationID(context.Background(), uuid.New().String())
	switch {
	case strings.HasPrefix(channel, cachekey.GroupEventChannelPrefix):
		l.onGroupUserEvent(ctx, channel, payload)
	case strings.HasPrefix(channel, cachekey.UserEventChannelPrefix):
		l.onUserEvent(ctx, channel, payload)
	}
}

func (l *EventListener) onGroupUserEvent(ctx context.Context, channel string, payload []byte) {
	var event apistruct.GroupUserEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		log.ZWarn(ctx, "malformed group user event", err, "channel", channel)
		return
	}
	if event.GID == 0 {
		gid, err := strconv.ParseInt(strings.TrimPrefix(channel, cachekey.GroupEventChannelPrefix), 10, 64)
		if err != nil {
			log.ZWarn(ctx, "group user event on malformed channel", err, "channel", channel)
			return
		}
		event.GID = gid
	}
	if event.UID == "" {
		return
	}
	switch event.Type {
	case apistruct.GroupUserEventEnter:
		l.index.OnUserEnterGroup(ctx, event.UID, event.GID)
	case apistruct.GroupUserEventLeave:
		l.index.OnUserLeaveGroup(ctx, event.UID, event.GID)
	case apistruct.GroupUserEventMute:
		l.index.OnUserMuteGroup(ctx, event.UID, event.GID)
	case apistruct.GroupUserEventUnmute:
		l.index.OnUserUnmuteGroup(ctx, event.UID, event.GID)
	default:
		log.ZDebug(ctx, "unknown group user event type dropped", "channel", channel, "type", event.Type)
	}
}

func (l *EventListener) onUserEvent(ctx context.Context, channel string, payload []byte) {
	var event apistruct.UserEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		log.ZWarn(ctx, "malformed user event", err, "channel", channel)
		return
	}
	if event.UID == "" {
		event.UID = strings.TrimPrefix(channel, cachekey.UserEventChannelPrefix)
	}
	switch event.Type {
	case apistruct.UserEventKick:
		for _, addr := range l.index.GetUserAddresses(event.UID) {
			l.kicker.Kick(ctx, addr)
		}
	default:
		log.ZDebug(ctx, "unknown user event type dropped", "channel", channel, "type", event.Type)
	}
}
