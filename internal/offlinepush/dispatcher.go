package offlinepush

import (
	"context"

	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"

	"github.com/secimsdk/secure-im-server/internal/offlinepush/options"
	"github.com/secimsdk/secure-im-server/pkg/apistruct"
	"github.com/secimsdk/secure-im-server/pkg/common/config"
	"github.com/secimsdk/secure-im-server/pkg/common/prommetrics"
	redisCache "github.com/secimsdk/secure-im-server/pkg/common/storage/cache/redis"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/model"
)

// Dispatcher 本进程的厂商推送提交口
//
// 持有本进程启用的厂商适配器；点对点离线推送与离线轮次中厂商
// 在本地的群推送都经由这里提交。
type Dispatcher struct {
	pushers map[string]Pusher
	badge   *redisCache.BadgeCache
}

func NewDispatcher(cfg *config.OfflinePush, badge *redisCache.BadgeCache) (*Dispatcher, error) {
	pushers, err := NewEnabledPushers(cfg)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{pushers: pushers, badge: badge}, nil
}

// Vendors 本进程启用的厂商列表
func (d *Dispatcher) Vendors() []string {
	vendors := make([]string, 0, len(d.pushers))
	for vendor := range d.pushers {
		vendors = append(vendors, vendor)
	}
	return vendors
}

// HasVendor 厂商是否在本进程启用
func (d *Dispatcher) HasVendor(vendor string) bool {
	_, ok := d.pushers[vendor]
	return ok
}

// TokenBlobFromDevice 从设备记录提取推送令牌与设备信息
func TokenBlobFromDevice(device *model.Device) apistruct.TokenBlob {
	return apistruct.TokenBlob{
		APNSID:     device.APNSID,
		FCMID:      device.FCMID,
		UmengID:    device.UmengID,
		OSType:     device.ClientVersion.OSType,
		OSVersion:  device.ClientVersion.OSVersion,
		PhoneModel: device.ClientVersion.PhoneModel,
		BuildCode:  device.ClientVersion.BuildCode,
	}
}

// PushP2P 点对点离线推送，角标随推送递增
func (d *Dispatcher) PushP2P(ctx context.Context, account *model.Account, device *model.Device, env *apistruct.Envelope) error {
	badge, err := d.badge.Incr(ctx, account.UID)
	if err != nil {
		log.ZWarn(ctx, "badge incr failed", err, "uid", account.UID)
		badge = 1
	}
	notification := &options.Notification{
		Kind:   options.KindP2P,
		Badge:  badge,
		Tokens: TokenBlobFromDevice(device),
	}
	return d.submit(ctx, notification)
}

// PushGroup 群消息离线推送，角标固定增量1
func (d *Dispatcher) PushGroup(ctx context.Context, gid, mid int64, tokens apistruct.TokenBlob) error {
	notification := &options.Notification{
		Kind:   options.KindGroup,
		GID:    gid,
		MID:    mid,
		Badge:  1,
		Tokens: tokens,
	}
	return d.submit(ctx, notification)
}

func (d *Dispatcher) submit(ctx context.Context, notification *options.Notification) error {
	vendor := notification.Vendor()
	if vendor == "" {
		return errs.New("no push token for notification").Wrap()
	}
	pusher, ok := d.pushers[vendor]
	if !ok {
		return errs.New("push vendor not enabled locally", "vendor", vendor).Wrap()
	}
	if err := pusher.Push(ctx, notification.Token(vendor), notification); err != nil {
		prommetrics.MsgOfflinePushFailedCounter.WithLabelValues(vendor).Inc()
		return err
	}
	return nil
}
