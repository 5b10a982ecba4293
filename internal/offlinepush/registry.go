package offlinepush

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/openimsdk/tools/log"
	"github.com/openimsdk/tools/utils/datautil"
	"github.com/openimsdk/tools/utils/timeutil"

	"github.com/secimsdk/secure-im-server/internal/onlineredis"
	"github.com/secimsdk/secure-im-server/pkg/apistruct"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/cache/cachekey"
)

const (
	advertInterval = 10 * time.Second
	peerExpiry     = 30 * time.Second
)

// Registry 对等离线推送进程注册表
//
// 每个进程周期性在 imserver_<addr> 频道通告自身地址与可用厂商，
// 同时psubscribe imserver_* 收集对端通告。轮次遇到本地没有的厂商
// 时据此选择代理对端。
type Registry struct {
	bus     *onlineredis.Partitioner
	selfAdv apistruct.PeerAdvert

	mu    sync.RWMutex
	peers map[string]*apistruct.PeerAdvert // addr → 最近通告
}

func NewRegistry(bus *onlineredis.Partitioner, selfAddr string, vendors []string) *Registry {
	return &Registry{
		bus: bus,
		selfAdv: apistruct.PeerAdvert{
			Addr:    selfAddr,
			Vendors: vendors,
		},
		peers: make(map[string]*apistruct.PeerAdvert),
	}
}

// Start 订阅对端通告并启动自身通告循环
func (r *Registry) Start(ctx context.Context) error {
	if err := r.bus.PSubscribe(ctx, cachekey.PeerChannelPattern, r); err != nil {
		return err
	}
	go r.advertiseLoop(ctx)
	return nil
}

func (r *Registry) advertiseLoop(ctx context.Context) {
	ticker := time.NewTicker(advertInterval)
	defer ticker.Stop()
	for {
		r.advertise(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Registry) advertise(ctx context.Context) {
	adv := r.selfAdv
	adv.Timestamp = timeutil.GetCurrentTimestampByMill()
	payload, err := json.Marshal(&adv)
	if err != nil {
		return
	}
	channel := cachekey.PeerChannelPrefix + adv.Addr
	if _, err := r.bus.Publish(ctx, adv.Addr, channel, payload); err != nil {
		log.ZWarn(ctx, "peer advert publish failed", err, "addr", adv.Addr)
	}
}

// OnSubscribe 订阅确认，无需动作
func (r *Registry) OnSubscribe(channel string, count int64) {}

// OnUnsubscribe 退订确认，无需动作
func (r *Registry) OnUnsubscribe(channel string, count int64) {}

// OnMessage 收到对端通告
func (r *Registry) OnMessage(channel string, payload []byte) {
	var adv apistruct.PeerAdvert
	if err := json.Unmarshal(payload, &adv); err != nil || adv.Addr == "" {
		return
	}
	if adv.Addr == r.selfAdv.Addr {
		return
	}
	r.mu.Lock()
	r.peers[adv.Addr] = &adv
	r.mu.Unlock()
}

// LookupVendor 找一个通告了指定厂商且未过期的对端地址，无则空串
func (r *Registry) LookupVendor(vendor string) string {
	deadline := timeutil.GetCurrentTimestampByMill() - peerExpiry.Milliseconds()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for addr, adv := range r.peers {
		if adv.Timestamp < deadline {
			continue
		}
		if datautil.Contain(vendor, adv.Vendors...) {
			return addr
		}
	}
	return ""
}
