package onlineredis

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/openimsdk/tools/log"
	"github.com/redis/go-redis/v9"
)

const (
	// keepAliveInterval 保活探测周期
	keepAliveInterval = 30 * time.Second
	// reconnectDelay 节点恢复后到重新视为可用的延迟，给订阅回放留时间
	reconnectDelay = 500 * time.Millisecond
)

// node 总线分区内的单个Redis节点
//
// rdb用于发布与探测，pubsub承载该节点上的全部订阅。go-redis的
// PubSub连接断开后自动重连并回放已登记的频道与模式，节点侧只需
// 维护可用性状态。认证失败视为终态，不再探测。
type node struct {
	partition string
	addr      string
	priority  int // 分区内序号，0为主节点
	rdb       *redis.Client
	pubsub    *redis.PubSub
	available atomic.Bool
	terminal  atomic.Bool
}

func newNode(partition, addr string, priority int, username, password string) *node {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: username,
		Password: password,
	})
	n := &node{
		partition: partition,
		addr:      addr,
		priority:  priority,
		rdb:       rdb,
	}
	n.pubsub = rdb.Subscribe(context.Background())
	return n
}

// monitor 周期探测节点可用性并发送保活流量
func (n *node) monitor(ctx context.Context) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n.terminal.Load() {
			return
		}
		n.probe(ctx)
		// 订阅连接上的保活：退订一个从未订阅的频道，产生往返流量
		if err := n.pubsub.Unsubscribe(ctx, keepAliveChannel); err != nil {
			log.ZWarn(ctx, "online bus keepalive failed", err, "partition", n.partition, "addr", n.addr)
		}
	}
}

// probe 单次探测，维护可用状态迁移
func (n *node) probe(ctx context.Context) {
	if err := n.rdb.Ping(ctx).Err(); err != nil {
		if isAuthError(err) {
			// 凭据错误重试无意义
			n.terminal.Store(true)
			n.available.Store(false)
			log.ZError(ctx, "online bus node auth failed, giving up", err, "partition", n.partition, "addr", n.addr)
			return
		}
		if n.available.Swap(false) {
			log.ZWarn(ctx, "online bus node lost", err, "partition", n.partition, "addr", n.addr)
		}
		return
	}
	if !n.available.Load() {
		// 恢复后延迟置可用，等待订阅回放完成
		time.Sleep(reconnectDelay)
		n.available.Store(true)
		log.ZInfo(ctx, "online bus node recovered", "partition", n.partition, "addr", n.addr)
	}
}

func (n *node) close() {
	_ = n.pubsub.Close()
	_ = n.rdb.Close()
}

func isAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "NOAUTH") || strings.Contains(msg, "WRONGPASS") || strings.Contains(msg, "invalid username-password")
}
