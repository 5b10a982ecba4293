package dispatch

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/openimsdk/tools/log"

	"github.com/secimsdk/secure-im-server/pkg/apistruct"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/model"
)

// 通道状态
const (
	stateSubscribing int32 = iota // 已登记，等待总线订阅确认
	stateActive                   // 可投递
	stateUnavailable              // 终态，等待销毁
)

// Channel 单会话分发通道
//
// 所有事件处理方法只在管理器工作池上按地址串行执行，内部状态
// 无需加锁；state用原子量只为跨协程可见。
type Channel struct {
	mgr      *Manager
	addr     Address
	identity uint64
	session  Session
	state    atomic.Int32
}

func newChannel(mgr *Manager, addr Address, identity uint64, session Session) *Channel {
	ch := &Channel{
		mgr:      mgr,
		addr:     addr,
		identity: identity,
		session:  session,
	}
	ch.state.Store(stateSubscribing)
	return ch
}

// Available 是否可投递
func (c *Channel) Available() bool {
	return c.state.Load() == stateActive
}

// Identity 会话仲裁身份
func (c *Channel) Identity() uint64 {
	return c.identity
}

// markUnavailable 进入终态，后续总线消息全部丢弃
func (c *Channel) markUnavailable() {
	c.state.Store(stateUnavailable)
}

// onKicked 地址被新会话占用，让位并断开旧连接
func (c *Channel) onKicked() {
	c.markUnavailable()
	c.session.Disconnect()
}

// onBusSubscribed 总线订阅确认：进入ACTIVE并排空暂存队列
//
// 多副本会重复确认，仅首次生效。
func (c *Channel) onBusSubscribed(ctx context.Context) {
	if !c.state.CompareAndSwap(stateSubscribing, stateActive) {
		return
	}
	log.ZDebug(ctx, "channel active", "addr", c.addr.String(), "identity", c.identity)
	c.drain(ctx)
	if c.addr.IsMaster() {
		c.replayFriendEvents(ctx)
	}
}

// onBusMessage 总线消息分发入口
func (c *Channel) onBusMessage(ctx context.Context, msg *apistruct.PubSubMessage) {
	// CONNECTED仲裁在任何状态下都要处理，否则新旧会话可能共存
	if msg.Type == apistruct.PubSubConnected {
		c.handleConnected(ctx, msg.Content)
		return
	}
	if !c.Available() {
		log.ZDebug(ctx, "bus message dropped, channel not active", "addr", c.addr.String(), "type", msg.Type)
		return
	}
	switch msg.Type {
	case apistruct.PubSubQueryDB:
		c.drain(ctx)
	case apistruct.PubSubDeliver:
		var env apistruct.Envelope
		if err := json.Unmarshal(msg.Content, &env); err != nil {
			log.ZWarn(ctx, "malformed deliver envelope", err, "addr", c.addr.String())
			return
		}
		c.deliver(ctx, &env, 0, false)
	case apistruct.PubSubMultiDevice:
		c.handleMultiDevice(ctx, msg.Content)
	case apistruct.PubSubClose:
		c.markUnavailable()
		c.session.Disconnect()
	case apistruct.PubSubFriend:
		c.handleFriend(ctx, msg.Content)
	case apistruct.PubSubNotify:
		c.handleGroupMessage(ctx, msg.Content)
	case apistruct.PubSubKeepAlive, apistruct.PubSubCheck, apistruct.PubSubQueryOnline:
		// 在线探测类消息由发布方自行统计接收数，无需动作
	default:
		log.ZDebug(ctx, "unknown bus message type", "addr", c.addr.String(), "type", msg.Type)
	}
}

// handleConnected 连接通告仲裁：identity不同说明地址被别处的新会话
// 占用，当前会话让位并断开
func (c *Channel) handleConnected(ctx context.Context, content []byte) {
	var connected apistruct.ConnectedContent
	if err := json.Unmarshal(content, &connected); err != nil {
		log.ZWarn(ctx, "malformed connected notify", err, "addr", c.addr.String())
		return
	}
	if connected.Identity == c.identity {
		return
	}
	log.ZInfo(ctx, "channel lost arbitration", "addr", c.addr.String(),
		"identity", c.identity, "winner", connected.Identity)
	c.markUnavailable()
	c.session.Disconnect()
}

// handleMultiDevice 多端设备变更：转发给客户端，特定事件随后断开
func (c *Channel) handleMultiDevice(ctx context.Context, content []byte) {
	resp, err := c.session.SendRequest(ctx, &Request{Verb: "PUT", Path: PathDevices, Body: content})
	if err != nil || !resp.Ok() {
		log.ZWarn(ctx, "multi device notify failed", err, "addr", c.addr.String())
	}
	var event apistruct.MultiDeviceContent
	if err := json.Unmarshal(content, &event); err != nil {
		return
	}
	switch event.Event {
	case apistruct.MultiDeviceAuth, apistruct.MultiDeviceKickedByOther,
		apistruct.MultiDeviceKickedByMaster, apistruct.MultiDeviceMasterLogout:
		c.markUnavailable()
		c.session.Disconnect()
	}
}

// handleFriend 联系人事件：下发失败时按失败类型补偿
//
// 连接关闭未应答 → 重发到总线，可能被同地址的新会话接住；
// 其他失败 → 逐条落库，下次登录排空时回放。
func (c *Channel) handleFriend(ctx context.Context, content []byte) {
	resp, err := c.session.SendRequest(ctx, &Request{Verb: "PUT", Path: PathFriends, Body: content})
	if err == nil && resp.Ok() {
		return
	}
	if err == nil && resp.Status == StatusConnClosed {
		if perr := c.mgr.PublishPubSub(ctx, c.addr, apistruct.PubSubFriend, json.RawMessage(content)); perr != nil {
			log.ZWarn(ctx, "friend notify republish failed", perr, "addr", c.addr.String())
		}
		return
	}
	var notify apistruct.FriendContent
	if uerr := json.Unmarshal(content, &notify); uerr != nil {
		log.ZWarn(ctx, "malformed friend notify", uerr, "addr", c.addr.String())
		return
	}
	for _, entry := range notify.Entries {
		event := &model.FriendEvent{UID: c.addr.UID, Type: entry.Type, Payload: entry.Payload}
		if serr := c.mgr.msgStore.AddFriendEvent(ctx, event); serr != nil {
			log.ZError(ctx, "friend event store failed", serr, "addr", c.addr.String(), "type", entry.Type)
		}
	}
}

// handleGroupMessage 群通知：透传给客户端
func (c *Channel) handleGroupMessage(ctx context.Context, payload []byte) {
	if !c.Available() {
		return
	}
	resp, err := c.session.SendRequest(ctx, &Request{Verb: "PUT", Path: PathGroupMessage, Body: payload})
	if err != nil || !resp.Ok() {
		log.ZDebug(ctx, "group notify delivery failed", "addr", c.addr.String(), "err", err)
	}
}

// replayFriendEvents 主设备上线时回放离线期间的联系人事件
func (c *Channel) replayFriendEvents(ctx context.Context) {
	const pageSize = 50
	for {
		events, err := c.mgr.msgStore.PageFriendEvents(ctx, c.addr.UID, pageSize)
		if err != nil {
			log.ZError(ctx, "friend events load failed", err, "uid", c.addr.UID)
			return
		}
		if len(events) == 0 {
			return
		}
		entries := make([]apistruct.FriendEntry, 0, len(events))
		for _, event := range events {
			entries = append(entries, apistruct.FriendEntry{Type: event.Type, Payload: event.Payload})
		}
		body, err := json.Marshal(&apistruct.FriendContent{Entries: entries})
		if err != nil {
			return
		}
		resp, err := c.session.SendRequest(ctx, &Request{Verb: "PUT", Path: PathFriends, Body: body})
		if err != nil || !resp.Ok() {
			return
		}
		if err := c.mgr.msgStore.AckFriendEvents(ctx, c.addr.UID, events); err != nil {
			log.ZError(ctx, "friend events ack failed", err, "uid", c.addr.UID)
			return
		}
		if len(events) < pageSize {
			return
		}
	}
}
