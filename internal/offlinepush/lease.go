package offlinepush

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/openimsdk/tools/log"

	redisCache "github.com/secimsdk/secure-im-server/pkg/common/storage/cache/redis"
)

// LeaseRunner 轮次主节点租约
//
// 持有一个UUID值的Redis租约：获取成功后按TTL/2续期；续期失败即
// 失去主身份，进行中的轮次应通过Leading检查协作式中止。
type LeaseRunner struct {
	lease   *redisCache.RoundLease
	value   string
	leading atomic.Bool
}

func NewLeaseRunner(lease *redisCache.RoundLease) *LeaseRunner {
	return &LeaseRunner{
		lease: lease,
		value: uuid.New().String(),
	}
}

// Leading 当前是否持有租约
func (r *LeaseRunner) Leading() bool {
	return r.leading.Load()
}

// Run 租约循环，阻塞直到ctx取消
//
// 备机按TTL周期尝试抢占；主机按TTL/2续期，失败立即降级为备机。
func (r *LeaseRunner) Run(ctx context.Context) {
	acquireTicker := time.NewTicker(r.lease.TTL())
	renewTicker := time.NewTicker(r.lease.TTL() / 2)
	defer acquireTicker.Stop()
	defer renewTicker.Stop()

	r.tryAcquire(ctx)
	for {
		select {
		case <-ctx.Done():
			if r.leading.Swap(false) {
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				_ = r.lease.Release(releaseCtx, r.value)
				cancel()
			}
			return
		case <-acquireTicker.C:
			if !r.leading.Load() {
				r.tryAcquire(ctx)
			}
		case <-renewTicker.C:
			if !r.leading.Load() {
				continue
			}
			held, err := r.lease.Renew(ctx, r.value)
			if err != nil || !held {
				if r.leading.Swap(false) {
					log.ZWarn(ctx, "push round lease lost", err)
				}
			}
		}
	}
}

func (r *LeaseRunner) tryAcquire(ctx context.Context) {
	ok, err := r.lease.TryAcquire(ctx, r.value)
	if err != nil {
		log.ZWarn(ctx, "push round lease acquire failed", err)
		return
	}
	if ok {
		r.leading.Store(true)
		log.ZInfo(ctx, "push round lease acquired", "value", r.value)
	}
}
