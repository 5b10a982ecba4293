package apistruct

import "encoding/json"

// 在线总线消息类型
const (
	PubSubQueryDB     int32 = 0 // 触发暂存消息排空
	PubSubDeliver     int32 = 1 // 点对点投递信封
	PubSubConnected   int32 = 2 // 连接通告，承载会话identity
	PubSubMultiDevice int32 = 3 // 多端设备变更通知
	PubSubClose       int32 = 4 // 强制断开
	PubSubKeepAlive   int32 = 5 // 保活，无动作
	PubSubCheck       int32 = 6 // 在线探测，无动作
	PubSubQueryOnline int32 = 7 // 在线查询，无动作
	PubSubFriend      int32 = 8 // 联系人事件通知
	PubSubNotify      int32 = 9 // 群系统通知
)

// PubSubMessage 在线总线统一载荷
//
// 发布在地址频道 <uid>:<deviceId> 上，content按type解释。
type PubSubMessage struct {
	Type    int32           `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
}

// ConnectedContent CONNECTED通告内容
type ConnectedContent struct {
	Identity uint64 `json:"identity"` // 发布方会话的仲裁身份
}

// 多端设备事件，部分事件要求当前连接立即断开
const (
	MultiDeviceAuth           = "DeviceAuth"
	MultiDeviceKickedByOther  = "DeviceKickedByOther"
	MultiDeviceKickedByMaster = "DeviceKickedByMaster"
	MultiDeviceMasterLogout   = "MasterLogout"
)

// MultiDeviceContent 多端设备变更内容
type MultiDeviceContent struct {
	Event string          `json:"event"`
	Info  json.RawMessage `json:"info,omitempty"`
}

// FriendEntry 联系人事件条目
type FriendEntry struct {
	Type    int32           `json:"type"` // 见model好友事件类型
	Payload json.RawMessage `json:"payload,omitempty"`
}

// FriendContent FRIEND通知内容
type FriendContent struct {
	Entries []FriendEntry `json:"entries"`
}

// PeerAdvert 对等进程通告，发布在 imserver_<addr> 频道
type PeerAdvert struct {
	Addr      string   `json:"addr"`    // 内部HTTP服务地址 ip:port
	Vendors   []string `json:"vendors"` // 本进程可用的推送厂商
	Timestamp int64    `json:"timestamp"`
}
