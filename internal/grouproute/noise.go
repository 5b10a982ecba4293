package grouproute

import (
	"context"
	"encoding/json"
	"math"

	"github.com/google/uuid"
	"github.com/openimsdk/tools/log"
	"github.com/openimsdk/tools/utils/timeutil"

	"github.com/secimsdk/secure-im-server/internal/dispatch"
	"github.com/secimsdk/secure-im-server/pkg/apistruct"
)

// buildNoise 构造噪声投递批次
//
// 目标数为 ceil(percentage × 在线接收方数)，从成员索引的游标扫描
// 中选取非本群成员且客户端支持噪声的在线地址。载荷与真实通知同
// 形，类型为NOISE，内容为随机串，客户端收到后静默丢弃。
func (h *Handler) buildNoise(ctx context.Context, gid int64, onlineCount int) []*dispatch.GroupDelivery {
	cfg := h.cfg.Noise
	if !cfg.Enable || cfg.Percentage <= 0 || onlineCount == 0 {
		return nil
	}
	want := int(math.Ceil(cfg.Percentage * float64(onlineCount)))
	if want == 0 {
		return nil
	}

	h.noiseMu.Lock()
	cursor := h.noiseCursors[gid]
	h.noiseMu.Unlock()

	targets, next := h.index.GetOnlineUsers(gid, cursor, want, cfg.IOSSupportedVersion, cfg.AndroidSupportedVersion)

	h.noiseMu.Lock()
	h.noiseCursors[gid] = next
	h.noiseMu.Unlock()

	if len(targets) == 0 {
		return nil
	}
	notify := &apistruct.GroupMessageNotify{
		Type:      "NOISE",
		Content:   uuid.New().String(),
		Timestamp: timeutil.GetCurrentTimestampByMill(),
	}
	body, err := json.Marshal(notify)
	if err != nil {
		log.ZError(ctx, "noise notify marshal failed", err, "gid", gid)
		return nil
	}
	batch := make([]*dispatch.GroupDelivery, 0, len(targets))
	for _, addr := range targets {
		batch = append(batch, &dispatch.GroupDelivery{Addr: addr, Payload: body})
	}
	return batch
}
