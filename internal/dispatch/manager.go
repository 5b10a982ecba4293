package dispatch

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"
	"github.com/openimsdk/tools/mcontext"

	"github.com/secimsdk/secure-im-server/internal/onlineredis"
	"github.com/secimsdk/secure-im-server/pkg/apistruct"
	"github.com/secimsdk/secure-im-server/pkg/common/config"
	"github.com/secimsdk/secure-im-server/pkg/common/prommetrics"
	redisCache "github.com/secimsdk/secure-im-server/pkg/common/storage/cache/redis"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/controller"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/model"
)

const defaultConcurrency = 8

// OfflinePusher 点对点离线推送提交口
//
// 由离线推送模块实现，按设备字段选择厂商并提交通知。
type OfflinePusher interface {
	PushP2P(ctx context.Context, account *model.Account, device *model.Device, env *apistruct.Envelope) error
}

// UserStatusListener 会话上下线监听，成员索引据此维护在线集合
type UserStatusListener interface {
	OnUserOnline(ctx context.Context, addr Address, account *model.Account, device *model.Device)
	OnUserOffline(ctx context.Context, addr Address)
}

// PresenceBus 地址频道所在的发布订阅总线
//
// 由在线Redis分区器实现；订阅回调走onlineredis.Handler。
type PresenceBus interface {
	Subscribe(ctx context.Context, hashKey, channel string, h onlineredis.Handler) error
	Unsubscribe(ctx context.Context, hashKey, channel string)
	Publish(ctx context.Context, hashKey, channel string, payload []byte) (int64, error)
}

// GroupDelivery 群路由产出的单个投递项
type GroupDelivery struct {
	Addr    Address
	Payload []byte // 下行通知体，已按目标构造
}

// Manager 分发管理器
//
// 维护地址到通道的注册表，并将总线回调转成按地址串行的事件。
// 事件处理跑在固定大小的工作池上，同一uid恒定落在同一工作协程，
// 保证单地址事件顺序；不同地址并行。
type Manager struct {
	cfg      *config.Config
	part     PresenceBus
	badge    *redisCache.BadgeCache
	msgStore *controller.MessageStore
	accounts *controller.AccountStore
	pusher   OfflinePusher

	mu       sync.Mutex
	channels map[Address]*Channel

	lmu       sync.RWMutex
	listeners []UserStatusListener

	workers []chan func()
}

func NewManager(cfg *config.Config, part PresenceBus, badge *redisCache.BadgeCache,
	msgStore *controller.MessageStore, accounts *controller.AccountStore, pusher OfflinePusher) *Manager {
	concurrency := cfg.Dispatcher.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	m := &Manager{
		cfg:      cfg,
		part:     part,
		badge:    badge,
		msgStore: msgStore,
		accounts: accounts,
		pusher:   pusher,
		channels: make(map[Address]*Channel),
		workers:  make([]chan func(), concurrency),
	}
	for i := range m.workers {
		m.workers[i] = make(chan func(), 1024)
	}
	return m
}

// Start 启动事件工作池
func (m *Manager) Start(ctx context.Context) {
	for i := range m.workers {
		go func(queue chan func()) {
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-queue:
					task()
				}
			}
		}(m.workers[i])
	}
}

// AddUserStatusListener 注册上下线监听
func (m *Manager) AddUserStatusListener(l UserStatusListener) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.listeners = append(m.listeners, l)
}

// post 按uid选工作协程入队，同一地址的事件严格串行
func (m *Manager) post(uid string, task func()) {
	h := fnv.New32a()
	h.Write([]byte(uid))
	m.workers[int(h.Sum32())%len(m.workers)] <- task
}

// newIdentity 生成集群范围可比较的会话仲裁身份
func newIdentity() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}

// Subscribe 注册会话并订阅其地址频道
//
// 流程：登记通道 → 发布CONNECTED挤掉集群内旧会话 → 清零角标 →
// 兼容发布上线通告 → 订阅地址频道 → 踢掉本进程旧通道 →
// 通知监听方上线。
// 返回会话identity，退订时凭其CAS移除。
func (m *Manager) Subscribe(ctx context.Context, addr Address, session Session) (uint64, error) {
	identity := newIdentity()
	ch := newChannel(m, addr, identity, session)

	m.mu.Lock()
	prior := m.channels[addr]
	m.channels[addr] = ch
	m.mu.Unlock()
	if prior == nil {
		prommetrics.OnlineUserGauge.Inc()
	}

	if err := m.PublishPubSub(ctx, addr, apistruct.PubSubConnected, apistruct.ConnectedContent{Identity: identity}); err != nil {
		log.ZWarn(ctx, "connected notify publish failed", err, "addr", addr.String())
	}
	if err := m.badge.Del(ctx, addr.UID); err != nil {
		log.ZWarn(ctx, "badge reset failed", err, "uid", addr.UID)
	}
	// 旧组件只监听 on: 前缀的上线通告频道，兼容再发一份
	if err := m.publishMessage(ctx, addr.UID, addr.NotifyChannel(), apistruct.PubSubConnected, apistruct.ConnectedContent{Identity: identity}); err != nil {
		log.ZWarn(ctx, "online notify publish failed", err, "addr", addr.String())
	}

	if err := m.part.Subscribe(ctx, addr.UID, addr.Channel(), m); err != nil {
		m.mu.Lock()
		if m.channels[addr] == ch {
			delete(m.channels, addr)
			prommetrics.OnlineUserGauge.Dec()
		}
		m.mu.Unlock()
		return 0, err
	}

	if prior != nil {
		// 本进程的旧会话收不到自己发布的CONNECTED，这里直接踢掉
		prior.onKicked()
	}

	account, device, err := session.AuthenticatedAccount(ctx, false)
	if err != nil {
		log.ZWarn(ctx, "subscribe account load failed", err, "addr", addr.String())
	} else {
		m.notifyOnline(ctx, addr, account, device)
	}
	log.ZInfo(ctx, "session subscribed", "addr", addr.String(), "identity", identity)
	return identity, nil
}

// Unsubscribe 按identity移除会话
//
// identity不匹配说明地址已被更新的会话占用，此时仅静默返回，
// 不得影响新会话的订阅。
func (m *Manager) Unsubscribe(ctx context.Context, addr Address, identity uint64) {
	m.mu.Lock()
	ch := m.channels[addr]
	removed := ch != nil && ch.identity == identity
	if removed {
		delete(m.channels, addr)
	}
	m.mu.Unlock()
	if !removed {
		return
	}

	prommetrics.OnlineUserGauge.Dec()
	m.part.Unsubscribe(ctx, addr.UID, addr.Channel())
	ch.markUnavailable()
	m.notifyOffline(ctx, addr)
	log.ZInfo(ctx, "session unsubscribed", "addr", addr.String(), "identity", identity)
}

// Kick 无条件移除地址上的会话并断开连接
func (m *Manager) Kick(ctx context.Context, addr Address) {
	m.mu.Lock()
	ch := m.channels[addr]
	if ch != nil {
		delete(m.channels, addr)
	}
	m.mu.Unlock()
	if ch == nil {
		return
	}
	prommetrics.OnlineUserGauge.Dec()
	m.part.Unsubscribe(ctx, addr.UID, addr.Channel())
	ch.onKicked()
	m.notifyOffline(ctx, addr)
}

// Channel 取地址当前的通道
func (m *Manager) Channel(addr Address) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[addr]
}

// PublishPubSub 在地址频道上发布总线消息，返回错误不代表无人接收
func (m *Manager) PublishPubSub(ctx context.Context, addr Address, msgType int32, content any) error {
	return m.publishMessage(ctx, addr.UID, addr.Channel(), msgType, content)
}

func (m *Manager) publishMessage(ctx context.Context, hashKey, channel string, msgType int32, content any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return errs.Wrap(err)
	}
	payload, err := json.Marshal(&apistruct.PubSubMessage{Type: msgType, Content: raw})
	if err != nil {
		return errs.Wrap(err)
	}
	_, err = m.part.Publish(ctx, hashKey, channel, payload)
	return err
}

// PublishDeliver 发布DELIVER信封，返回是否有订阅方接收
func (m *Manager) PublishDeliver(ctx context.Context, addr Address, env *apistruct.Envelope) (bool, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return false, errs.Wrap(err)
	}
	payload, err := json.Marshal(&apistruct.PubSubMessage{Type: apistruct.PubSubDeliver, Content: raw})
	if err != nil {
		return false, errs.Wrap(err)
	}
	count, err := m.part.Publish(ctx, addr.UID, addr.Channel(), payload)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// SendGroupMessage 群路由批量投递，逐项转入目标地址的事件队列
func (m *Manager) SendGroupMessage(ctx context.Context, batch []*GroupDelivery) {
	for _, item := range batch {
		delivery := item
		m.post(delivery.Addr.UID, func() {
			ch := m.Channel(delivery.Addr)
			if ch == nil {
				log.ZDebug(ctx, "group delivery dropped, no channel", "addr", delivery.Addr.String())
				return
			}
			ch.handleGroupMessage(ctx, delivery.Payload)
		})
	}
}

// busCtx 为总线回调构造带操作ID的上下文
func busCtx() context.Context {
	return mcontext.SetOperationID(context.Background(), uuid.New().String())
}

// OnSubscribe 总线订阅确认回调
func (m *Manager) OnSubscribe(channel string, count int64) {
	addr, err := ParseAddress(channel)
	if err != nil {
		return
	}
	m.post(addr.UID, func() {
		if ch := m.Channel(addr); ch != nil {
			ch.onBusSubscribed(busCtx())
		}
	})
}

// OnUnsubscribe 总线退订确认回调
func (m *Manager) OnUnsubscribe(channel string, count int64) {
	// 退订由Unsubscribe/Kick主动发起，无需额外处理
}

// OnMessage 总线频道消息回调
func (m *Manager) OnMessage(channel string, payload []byte) {
	addr, err := ParseAddress(channel)
	if err != nil {
		log.ZWarn(context.Background(), "bus message on malformed channel", err, "channel", channel)
		return
	}
	var msg apistruct.PubSubMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.ZWarn(context.Background(), "malformed bus message", err, "channel", channel)
		return
	}
	m.post(addr.UID, func() {
		if ch := m.Channel(addr); ch != nil {
			ch.onBusMessage(busCtx(), &msg)
		}
	})
}

func (m *Manager) notifyOnline(ctx context.Context, addr Address, account *model.Account, device *model.Device) {
	m.lmu.RLock()
	listeners := m.listeners
	m.lmu.RUnlock()
	for _, l := range listeners {
		l.OnUserOnline(ctx, addr, account, device)
	}
}

func (m *Manager) notifyOffline(ctx context.Context, addr Address) {
	m.lmu.RLock()
	listeners := m.listeners
	m.lmu.RUnlock()
	for _, l := range listeners {
		l.OnUserOffline(ctx, addr)
	}
}
