// Package offlinepush 实现离线推送：厂商适配、对等进程路由与
// 租约驱动的群消息推送轮次。
package offlinepush

import (
	"context"

	"github.com/openimsdk/tools/errs"

	"github.com/secimsdk/secure-im-server/internal/offlinepush/apns"
	"github.com/secimsdk/secure-im-server/internal/offlinepush/dummy"
	"github.com/secimsdk/secure-im-server/internal/offlinepush/fcm"
	"github.com/secimsdk/secure-im-server/internal/offlinepush/options"
	"github.com/secimsdk/secure-im-server/internal/offlinepush/umeng"
	"github.com/secimsdk/secure-im-server/pkg/common/config"
)

// Pusher 单厂商推送适配器
//
// token为厂商设备令牌，通知内容由适配器翻译成厂商线上格式。
type Pusher interface {
	Push(ctx context.Context, token string, notification *options.Notification) error
}

// NewPusher 按厂商标识构造适配器
func NewPusher(vendor string, cfg *config.OfflinePush) (Pusher, error) {
	switch vendor {
	case options.VendorAPNS:
		return apns.NewClient(&cfg.APNS)
	case options.VendorFCM:
		return fcm.NewClient(&cfg.FCM)
	case options.VendorUmeng:
		return umeng.NewClient(&cfg.Umeng)
	case options.VendorDummy:
		return dummy.NewClient(), nil
	default:
		return nil, errs.New("unknown push vendor", "vendor", vendor).Wrap()
	}
}

// NewEnabledPushers 构造配置启用的全部厂商适配器
func NewEnabledPushers(cfg *config.OfflinePush) (map[string]Pusher, error) {
	pushers := make(map[string]Pusher, len(cfg.EnableVendors))
	for _, vendor := range cfg.EnableVendors {
		pusher, err := NewPusher(vendor, cfg)
		if err != nil {
			return nil, err
		}
		pushers[vendor] = pusher
	}
	return pushers, nil
}
