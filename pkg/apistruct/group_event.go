package apistruct

// 群事件类型，group_<gid> 频道上的JSON事件
const (
	GroupEventChat                   = "CHAT"                      // 普通群聊消息
	GroupEventChannel                = "CHANNEL"                   // 频道广播，订阅者也接收
	GroupEventInfoUpdate             = "INFO_UPDATE"               // 群资料变更
	GroupEventMemberUpdate           = "MEMBER_UPDATE"             // 成员变更
	GroupEventRecall                 = "RECALL"                    // 消息撤回
	GroupEventSwitchGroupKeys        = "SWITCH_GROUP_KEYS"         // 切换群密钥版本
	GroupEventUpdateGroupKeysRequest = "UPDATE_GROUP_KEYS_REQUEST" // 请求群主更新密钥
)

// GroupEvent 群消息在线分发事件
type GroupEvent struct {
	Type        string   `json:"type"`
	GID         int64    `json:"gid"`
	MID         int64    `json:"mid"`
	FromUID     string   `json:"fromUid,omitempty"`
	PushType    int      `json:"pushType"`          // 0全员 1定向
	Members     []string `json:"members,omitempty"` // 定向目标或变更成员
	Content     string   `json:"content,omitempty"` // 业务密文，服务端不解析
	KeysVersion int64    `json:"keysVersion,omitempty"`
	Timestamp   int64    `json:"timestamp"`
}

// 成员关系变更事件类型，groupEvent_<gid> 频道上的JSON事件
const (
	GroupUserEventEnter  = "enter"
	GroupUserEventLeave  = "leave"
	GroupUserEventMute   = "mute"
	GroupUserEventUnmute = "unmute"
)

// GroupUserEvent 单用户的群关系变更
type GroupUserEvent struct {
	Type string `json:"type"`
	UID  string `json:"uid"`
	GID  int64  `json:"gid"`
}

// 用户级事件类型，user_<uid> 频道上的JSON事件
const (
	// UserEventKick 强制下线该用户的全部会话
	UserEventKick = "kick"
)

// UserEvent 用户级事件
type UserEvent struct {
	Type string `json:"type"`
	UID  string `json:"uid"`
}

// TokenBlob 单个接收方的推送令牌与设备信息
type TokenBlob struct {
	APNSID     string `json:"apnsId,omitempty"`
	FCMID      string `json:"fcmId,omitempty"`
	UmengID    string `json:"umengId,omitempty"`
	OSType     int32  `json:"osType,omitempty"`
	OSVersion  string `json:"osVersion,omitempty"`
	PhoneModel string `json:"phoneModel,omitempty"`
	BuildCode  int64  `json:"buildCode,omitempty"`
}

// PushGroupMsgReq 对等进程群推送请求，POST /internal/pushGroupMsg
type PushGroupMsgReq struct {
	GID          int64                `json:"gid" binding:"required"`
	MID          int64                `json:"mid" binding:"required"`
	Destinations map[string]TokenBlob `json:"destinations" binding:"required,min=1"`
}

// GroupMessageNotify 下行群消息通知，PUT /api/v1/group_message 的请求体
type GroupMessageNotify struct {
	Type        string `json:"type"`
	GID         int64  `json:"gid"`
	MID         int64  `json:"mid"`
	FromUID     string `json:"fromUid,omitempty"`
	Content     string `json:"content,omitempty"`
	KeysVersion int64  `json:"keysVersion,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}
