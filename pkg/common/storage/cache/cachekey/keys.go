// Package cachekey 集中定义Redis键名，避免各处散落的字符串拼接
package cachekey

import "strconv"

const (
	badgeKey         = "apns_uid_badge:"
	groupUserInfoKey = "group_user_info:"

	// GroupMsgListKey 离线群消息待推送队列（sorted set，score为消息落地时间秒）
	GroupMsgListKey = "group_msg_list"
	// GroupMultiMsgListKey MULTICAST消息补偿哈希（field为队列行，value为 {fromUid, members[]}）
	GroupMultiMsgListKey = "group_multi_msg_list"
	// GroupActiveKey 分片存在待推送数据的标记键
	GroupActiveKey = "group_active"

	// GroupEventChannelPrefix 群成员变更事件频道前缀，后接gid
	GroupEventChannelPrefix = "groupEvent_"
	// GroupEventChannelPattern 群成员变更事件订阅模式
	GroupEventChannelPattern = "groupEvent_*"
	// UserEventChannelPrefix 用户级事件频道前缀，后接uid
	UserEventChannelPrefix = "user_"
	// UserEventChannelPattern 用户级事件订阅模式
	UserEventChannelPattern = "user_*"

	// PeerChannelPrefix 对等进程通告频道前缀，后接 <ip>:<port>
	PeerChannelPrefix = "imserver_"
	// PeerChannelPattern 对等进程通告订阅模式
	PeerChannelPattern = "imserver_*"

	// KeepAliveChannel 在线总线保活探测频道
	KeepAliveChannel = "onlineRedis:keepAlive"
)

// GetBadgeKey APNs角标计数键
func GetBadgeKey(uid string) string {
	return badgeKey + uid
}

// GetGroupUserInfoKey 群成员推送游标哈希键
func GetGroupUserInfoKey(gid int64) string {
	return groupUserInfoKey + strconv.FormatInt(gid, 10)
}

// GetGroupChannel 群消息在线分发频道
func GetGroupChannel(gid int64) string {
	return "group_" + strconv.FormatInt(gid, 10)
}

// GetGroupEventChannel 群成员变更事件频道
func GetGroupEventChannel(gid int64) string {
	return GroupEventChannelPrefix + strconv.FormatInt(gid, 10)
}
