package dispatch

import (
	"context"
	"encoding/json"

	"github.com/openimsdk/tools/log"

	"github.com/secimsdk/secure-im-server/pkg/apistruct"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/model"
)

// drainBatchSize 单轮排空的最大消息数
const drainBatchSize = 50

// drain 暂存消息排空
//
// 进入ACTIVE、收到QUERY_DB以及批量下发成功且仍有剩余时触发。
// 每轮最多50条：先过滤注册轮次过期的陈旧消息（逐条回STALE回执并
// 删除），剩余按客户端能力批量或逐条下发。下发失败静默中止，
// 消息留库等下次触发。
func (c *Channel) drain(ctx context.Context) {
	if !c.Available() {
		return
	}
	account, device, err := c.session.AuthenticatedAccount(ctx, true)
	if err != nil {
		log.ZError(ctx, "drain account load failed", err, "addr", c.addr.String())
		return
	}
	if account.Deleted() {
		c.mgr.Kick(ctx, c.addr)
		return
	}

	msgs, more, err := c.mgr.msgStore.Page(ctx, c.addr.UID, c.addr.DeviceID, drainBatchSize)
	if err != nil {
		log.ZError(ctx, "drain page failed", err, "addr", c.addr.String())
		return
	}
	if len(msgs) == 0 {
		c.sendQueueEmpty(ctx)
		return
	}

	fresh := make([]*model.StoredMessage, 0, len(msgs))
	for _, msg := range msgs {
		if c.isStale(msg, device) {
			c.retireStale(ctx, msg)
			continue
		}
		fresh = append(fresh, msg)
	}
	if len(fresh) == 0 {
		if more {
			c.drain(ctx)
		} else {
			c.sendQueueEmpty(ctx)
		}
		return
	}

	if c.supportsMailbox(device) {
		c.drainBatch(ctx, device, fresh, more)
		return
	}
	// 老客户端逐条下发：投递成功后由deliver的remain路径重新排空，
	// 失败即中止，消息留库
	first := fresh[0]
	remain := more || len(fresh) > 1
	c.deliver(ctx, c.mgr.msgStore.Envelope(first), first.ID, remain)
}

// drainBatch 批量下发：整批加密为Mailbox，成功后删除并视剩余递归
func (c *Channel) drainBatch(ctx context.Context, device *model.Device, msgs []*model.StoredMessage, more bool) {
	envelopes := make([]*apistruct.Envelope, 0, len(msgs))
	for _, msg := range msgs {
		envelopes = append(envelopes, c.mgr.msgStore.Envelope(msg))
	}
	plain, err := json.Marshal(&apistruct.Mailbox{Envelopes: envelopes, More: more})
	if err != nil {
		log.ZError(ctx, "mailbox marshal failed", err, "addr", c.addr.String())
		return
	}
	body, err := EncryptPayload(device.SignalingKey, plain)
	if err != nil {
		// 无密钥或密钥非法时不得明文下发，消息留库
		log.ZError(ctx, "mailbox encrypt failed", err, "addr", c.addr.String())
		return
	}

	resp, err := c.session.SendRequest(ctx, &Request{Verb: "PUT", Path: PathMessages, Body: body})
	if err != nil || !resp.Ok() {
		log.ZDebug(ctx, "mailbox delivery failed", "addr", c.addr.String(), "count", len(msgs))
		return
	}
	if err := c.mgr.msgStore.Ack(ctx, c.addr.UID, c.addr.DeviceID, msgs); err != nil {
		log.ZError(ctx, "mailbox ack failed", err, "addr", c.addr.String())
		return
	}
	if more {
		c.drain(ctx)
	} else {
		c.sendQueueEmpty(ctx)
	}
}

// isStale 消息入库时的注册轮次与当前设备不一致，且当前客户端不支持
// 加密发送者特性时，消息已无法解密，按陈旧淘汰
func (c *Channel) isStale(msg *model.StoredMessage, device *model.Device) bool {
	if msg.DestinationRegistrationID == 0 || msg.DestinationRegistrationID == device.RegistrationID {
		return false
	}
	if msg.Source == "" {
		return false
	}
	return !c.supportsEncryptSender(device)
}

// retireStale 对陈旧消息回STALE回执，成功后删除
func (c *Channel) retireStale(ctx context.Context, msg *model.StoredMessage) {
	receipt := &apistruct.Envelope{
		Type:         apistruct.EnvelopeReceipt,
		Source:       c.addr.UID,
		SourceDevice: c.addr.DeviceID,
		Timestamp:    msg.Timestamp,
		Content:      []byte("STALE"),
	}
	if err := c.sendReceipt(ctx, Address{UID: msg.Source, DeviceID: msg.SourceDevice}, receipt); err != nil {
		log.ZWarn(ctx, "stale receipt send failed", err, "addr", c.addr.String(), "id", msg.ID)
		return
	}
	if err := c.mgr.msgStore.Delete(ctx, c.addr.UID, c.addr.DeviceID, msg.ID); err != nil {
		log.ZError(ctx, "stale message delete failed", err, "addr", c.addr.String(), "id", msg.ID)
	}
}

// sendQueueEmpty 通知客户端暂存队列已排空
func (c *Channel) sendQueueEmpty(ctx context.Context) {
	resp, err := c.session.SendRequest(ctx, &Request{Verb: "PUT", Path: PathQueueEmpty})
	if err != nil || !resp.Ok() {
		log.ZDebug(ctx, "queue empty notify failed", "addr", c.addr.String())
	}
}

// supportsMailbox 客户端是否支持信箱批量下发
func (c *Channel) supportsMailbox(device *model.Device) bool {
	return c.supportsEncryptSender(device)
}

// supportsEncryptSender 客户端版本是否达到加密发送者特性门限
func (c *Channel) supportsEncryptSender(device *model.Device) bool {
	cfg := c.mgr.cfg.EncryptSender
	switch device.ClientVersion.OSType {
	case model.OSTypeIOS:
		return device.ClientVersion.BuildCode >= cfg.IOSVersion
	case model.OSTypeAndroid:
		return device.ClientVersion.BuildCode >= cfg.AndroidVersion
	default:
		return false
	}
}
