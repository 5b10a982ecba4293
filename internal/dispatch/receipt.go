package dispatch

import (
	"context"

	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"

	"github.com/secimsdk/secure-im-server/pkg/apistruct"
)

// sendReceipt 反向路由回执
//
// 先发总线，目标在线则由其通道投递；无人接收时落入目标设备的
// 暂存队列，等对端下次登录排空。
func (c *Channel) sendReceipt(ctx context.Context, target Address, receipt *apistruct.Envelope) error {
	if target.UID == "" {
		return errs.New("receipt target missing").Wrap()
	}
	received, err := c.mgr.PublishDeliver(ctx, target, receipt)
	if err != nil {
		return err
	}
	if received {
		return nil
	}

	account, err := c.mgr.accounts.Take(ctx, target.UID)
	if err != nil {
		return err
	}
	if account.Deleted() {
		return nil
	}
	device := account.Device(target.DeviceID)
	if device == nil {
		log.ZDebug(ctx, "receipt target device gone", "target", target.String())
		return nil
	}
	_, err = c.mgr.msgStore.StoreEnvelope(ctx, target.UID, device, receipt)
	return err
}
