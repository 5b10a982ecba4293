// Package dummy 空推送实现，用于未接入厂商的环境与测试
package dummy

import (
	"context"

	"github.com/openimsdk/tools/log"

	"github.com/secimsdk/secure-im-server/internal/offlinepush/options"
)

type Dummy struct{}

func NewClient() *Dummy {
	return &Dummy{}
}

func (d *Dummy) Push(ctx context.Context, token string, notification *options.Notification) error {
	log.ZDebug(ctx, "dummy push", "kind", notification.Kind, "gid", notification.GID, "mid", notification.MID)
	return nil
}
