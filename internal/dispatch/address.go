// Package dispatch 实现在线消息分发核心：地址到会话通道的注册表、
// 通道状态机、点对点投递回退链与暂存消息排空。
package dispatch

import (
	"strconv"
	"strings"

	"github.com/openimsdk/tools/errs"

	"github.com/secimsdk/secure-im-server/pkg/common/storage/model"
)

// Address 投递地址，唯一标识一个账号的一个登录设备
type Address struct {
	UID      string
	DeviceID uint32
}

// Channel 地址对应的总线频道名，格式 <uid>:<deviceId>
func (a Address) Channel() string {
	return a.UID + ":" + strconv.FormatUint(uint64(a.DeviceID), 10)
}

// NotifyChannel 上线通告频道名，格式 on:<uid>:<deviceId>
func (a Address) NotifyChannel() string {
	return "on:" + a.Channel()
}

// IsMaster 是否主设备
func (a Address) IsMaster() bool {
	return a.DeviceID == model.MasterDeviceID
}

func (a Address) String() string {
	return a.Channel()
}

// ParseAddress 从频道名还原地址
func ParseAddress(channel string) (Address, error) {
	idx := strings.LastIndexByte(channel, ':')
	if idx <= 0 || idx == len(channel)-1 {
		return Address{}, errs.New("malformed address channel", "channel", channel).Wrap()
	}
	deviceID, err := strconv.ParseUint(channel[idx+1:], 10, 32)
	if err != nil {
		return Address{}, errs.WrapMsg(err, "malformed address deviceId", "channel", channel)
	}
	return Address{UID: channel[:idx], DeviceID: uint32(deviceID)}, nil
}
