package dispatch

import (
	"context"
	"encoding/json"

	"github.com/openimsdk/tools/log"

	"github.com/secimsdk/secure-im-server/pkg/apistruct"
)

// deliver 点对点投递回退链
//
// storageID非0表示这是暂存消息的回放；remain表示队列里还有剩余，
// 投递成功后继续排空。回退顺序：直接下行 → 连接关闭时重发总线 →
// 落库 → 主设备厂商推送。NOISE消息任何失败都静默丢弃。
func (c *Channel) deliver(ctx context.Context, env *apistruct.Envelope, storageID int64, remain bool) {
	account, device, err := c.session.AuthenticatedAccount(ctx, false)
	if err != nil {
		log.ZError(ctx, "deliver account load failed", err, "addr", c.addr.String())
		return
	}
	if account.Deleted() {
		// 已注销账号不再接收任何投递，直接踢下线
		log.ZDebug(ctx, "deliver dropped, account deleted", "addr", c.addr.String())
		c.mgr.Kick(ctx, c.addr)
		return
	}

	body, err := c.encryptEnvelope(device.SignalingKey, env)
	if err != nil {
		// 加密失败对该设备是永久性错误，不落库不重试
		log.ZError(ctx, "envelope encrypt failed", err, "addr", c.addr.String(), "type", env.Type)
		return
	}

	resp, err := c.session.SendRequest(ctx, &Request{Verb: "PUT", Path: PathMessage, Body: body})
	if err == nil && resp.Ok() {
		if storageID != 0 {
			if derr := c.mgr.msgStore.Delete(ctx, c.addr.UID, c.addr.DeviceID, storageID); derr != nil {
				log.ZError(ctx, "stored message delete failed", derr, "addr", c.addr.String(), "id", storageID)
			}
		}
		if remain {
			c.drain(ctx)
		}
		return
	}

	if err == nil && resp.Status == StatusConnClosed {
		// 连接已关闭：重发到总线，同地址的新会话可能接住
		received, perr := c.mgr.PublishDeliver(ctx, c.addr, env)
		if perr == nil && received {
			return
		}
	}

	if env.Type == apistruct.EnvelopeNoise {
		return
	}
	if storageID != 0 {
		// 回放失败，消息仍在库中，等下次触发
		return
	}

	if _, serr := c.mgr.msgStore.StoreEnvelope(ctx, c.addr.UID, device, env); serr != nil {
		log.ZError(ctx, "envelope store failed", serr, "addr", c.addr.String(), "type", env.Type)
		return
	}

	if c.addr.IsMaster() && env.Type != apistruct.EnvelopeReceipt &&
		env.Push != apistruct.PushSilent && device.Pushable {
		if perr := c.mgr.pusher.PushP2P(ctx, account, device, env); perr != nil {
			log.ZWarn(ctx, "offline push submit failed", perr, "addr", c.addr.String())
		}
	}
}

// encryptEnvelope 序列化并按设备signalingKey加密信封
//
// 设备未配置signalingKey按密钥过短处理，与其他加密失败同样作为
// 该设备的永久性错误，绝不明文下行。
func (c *Channel) encryptEnvelope(signalingKey string, env *apistruct.Envelope) ([]byte, error) {
	plain, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return EncryptPayload(signalingKey, plain)
}
