package onlineredis

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"
	"github.com/redis/go-redis/v9"

	"github.com/secimsdk/secure-im-server/pkg/common/config"
	"github.com/secimsdk/secure-im-server/pkg/common/prommetrics"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/cache/cachekey"
)

const keepAliveChannel = cachekey.KeepAliveChannel

// Handler 总线事件回调
//
// 回调在节点消息泵协程上触发，实现方必须快速返回，耗时处理自行
// 转入工作池。
type Handler interface {
	// OnSubscribe 订阅确认，count为该节点当前订阅数
	OnSubscribe(channel string, count int64)
	// OnUnsubscribe 退订确认
	OnUnsubscribe(channel string, count int64)
	// OnMessage 频道消息
	OnMessage(channel string, payload []byte)
}

// partition 命名分区，节点按优先级排列，0为主
type partition struct {
	name  string
	nodes []*node
}

// Partitioner 分区总线客户端
//
// 订阅登记到分区全部节点，副本仅用于故障切换；发布只投最高优先级
// 的可用节点，因此正常情况下每条消息只到达一次。键到分区的映射由
// 一致性跳跃哈希决定，分区按名称排序参与哈希，各进程视图一致。
type Partitioner struct {
	partitions []*partition

	mu              sync.RWMutex
	handlers        map[string]Handler // 频道 → 回调
	patternHandlers map[string]Handler // 模式 → 回调

	cancel context.CancelFunc
}

func NewPartitioner(cfg config.Partition) (*Partitioner, error) {
	if len(cfg.Partitions) == 0 {
		return nil, errs.New("online bus requires at least one partition").Wrap()
	}
	names := make([]string, 0, len(cfg.Partitions))
	for name := range cfg.Partitions {
		names = append(names, name)
	}
	sort.Strings(names)

	p := &Partitioner{
		handlers:        make(map[string]Handler),
		patternHandlers: make(map[string]Handler),
	}
	for _, name := range names {
		nodes := cfg.Partitions[name]
		if len(nodes.Address) == 0 {
			return nil, errs.New("online bus partition has no address", "partition", name).Wrap()
		}
		part := &partition{name: name}
		for i, addr := range nodes.Address {
			part.nodes = append(part.nodes, newNode(name, addr, i, cfg.Username, cfg.Password))
		}
		p.partitions = append(p.partitions, part)
	}
	return p, nil
}

// Start 启动节点消息泵与可用性监控
func (p *Partitioner) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for _, part := range p.partitions {
		for _, n := range part.nodes {
			// 初始探测，失败的节点由监控协程拉回
			if err := n.rdb.Ping(ctx).Err(); err == nil {
				n.available.Store(true)
			} else {
				log.ZWarn(ctx, "online bus node unavailable at start", err, "partition", part.name, "addr", n.addr)
			}
			go n.monitor(ctx)
			go p.pump(ctx, n)
		}
	}
}

// Close 关闭全部节点连接
func (p *Partitioner) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	for _, part := range p.partitions {
		for _, n := range part.nodes {
			n.close()
		}
	}
}

// pump 单节点消息泵：订阅确认与频道消息统一分发
func (p *Partitioner) pump(ctx context.Context, n *node) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := n.pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// 断连期间避免空转，等重连恢复
			time.Sleep(reconnectDelay)
			continue
		}
		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Channel == keepAliveChannel {
				continue
			}
			// 多副本会产生重复确认，回调方按幂等处理
			if h := p.handlerOf(m.Channel); h != nil {
				switch m.Kind {
				case "subscribe", "psubscribe":
					h.OnSubscribe(m.Channel, int64(m.Count))
				case "unsubscribe", "punsubscribe":
					h.OnUnsubscribe(m.Channel, int64(m.Count))
				}
			}
		case *redis.Message:
			if h := p.messageHandler(m.Channel, m.Pattern); h != nil {
				h.OnMessage(m.Channel, []byte(m.Payload))
			} else {
				log.ZDebug(ctx, "online bus message without handler", "channel", m.Channel)
			}
		}
	}
}

func (p *Partitioner) handlerOf(channel string) Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if h, ok := p.handlers[channel]; ok {
		return h
	}
	return p.patternHandlers[channel]
}

func (p *Partitioner) messageHandler(channel, pattern string) Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if pattern != "" {
		return p.patternHandlers[pattern]
	}
	return p.handlers[channel]
}

func (p *Partitioner) partitionOf(hashKey string) *partition {
	return p.partitions[consistentIndex(hashKey, len(p.partitions))]
}

// Subscribe 在hashKey所属分区的全部节点上订阅频道
//
// go-redis登记频道后，节点重连时自动回放订阅。
func (p *Partitioner) Subscribe(ctx context.Context, hashKey, channel string, h Handler) error {
	p.mu.Lock()
	p.handlers[channel] = h
	p.mu.Unlock()

	part := p.partitionOf(hashKey)
	var lastErr error
	subscribed := false
	for _, n := range part.nodes {
		if n.terminal.Load() {
			continue
		}
		if err := n.pubsub.Subscribe(ctx, channel); err != nil {
			lastErr = err
			continue
		}
		subscribed = true
	}
	if !subscribed {
		p.mu.Lock()
		delete(p.handlers, channel)
		p.mu.Unlock()
		prommetrics.ReportOnlineBusFailure(prommetrics.OnlineBusUnavailableCode)
		return errs.WrapMsg(lastErr, "online bus subscribe failed on all nodes", "partition", part.name, "channel", channel)
	}
	return nil
}

// Unsubscribe 退订频道并移除回调
func (p *Partitioner) Unsubscribe(ctx context.Context, hashKey, channel string) {
	p.mu.Lock()
	delete(p.handlers, channel)
	p.mu.Unlock()

	part := p.partitionOf(hashKey)
	for _, n := range part.nodes {
		if err := n.pubsub.Unsubscribe(ctx, channel); err != nil {
			log.ZWarn(ctx, "online bus unsubscribe failed", err, "partition", part.name, "addr", n.addr, "channel", channel)
		}
	}
}

// PSubscribe 在全部分区的全部节点上订阅模式
func (p *Partitioner) PSubscribe(ctx context.Context, pattern string, h Handler) error {
	p.mu.Lock()
	p.patternHandlers[pattern] = h
	p.mu.Unlock()

	var lastErr error
	subscribed := false
	for _, part := range p.partitions {
		for _, n := range part.nodes {
			if n.terminal.Load() {
				continue
			}
			if err := n.pubsub.PSubscribe(ctx, pattern); err != nil {
				lastErr = err
				continue
			}
			subscribed = true
		}
	}
	if !subscribed {
		p.mu.Lock()
		delete(p.patternHandlers, pattern)
		p.mu.Unlock()
		return errs.WrapMsg(lastErr, "online bus psubscribe failed on all nodes", "pattern", pattern)
	}
	return nil
}

// IsSubscribed 频道是否已登记
func (p *Partitioner) IsSubscribed(channel string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.handlers[channel]
	return ok
}

// Publish 发布到hashKey所属分区的最高优先级可用节点
//
// 返回接收方数量。全部节点不可用时上报故障码并返回错误。
func (p *Partitioner) Publish(ctx context.Context, hashKey, channel string, payload []byte) (int64, error) {
	part := p.partitionOf(hashKey)
	var lastErr error
	for _, n := range part.nodes {
		if !n.available.Load() {
			continue
		}
		count, err := n.rdb.Publish(ctx, channel, payload).Result()
		if err != nil {
			lastErr = err
			n.available.Store(false)
			continue
		}
		return count, nil
	}
	prommetrics.ReportOnlineBusFailure(prommetrics.OnlineBusUnavailableCode)
	if lastErr != nil {
		return 0, errs.WrapMsg(lastErr, "online bus publish failed", "partition", part.name, "channel", channel)
	}
	return 0, errs.New("online bus partition unavailable", "partition", part.name, "channel", channel).Wrap()
}

// Primary 返回hashKey所属分区的主节点客户端，用于队列与游标存取
func (p *Partitioner) Primary(hashKey string) redis.UniversalClient {
	return p.partitionOf(hashKey).nodes[0].rdb
}

// Primaries 返回全部分区的主节点客户端，用于全量扫描
func (p *Partitioner) Primaries() []redis.UniversalClient {
	clients := make([]redis.UniversalClient, 0, len(p.partitions))
	for _, part := range p.partitions {
		clients = append(clients, part.nodes[0].rdb)
	}
	return clients
}
