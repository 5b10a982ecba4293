package model

// 群成员角色
const (
	GroupRoleOwner      = 0 // 群主
	GroupRoleAdmin      = 1 // 管理员
	GroupRoleMember     = 2 // 普通成员
	GroupRoleSubscriber = 3 // 订阅者，仅接收CHANNEL消息
)

// GroupUser 群成员关系
type GroupUser struct {
	GID        int64  `bson:"gid"`
	UID        string `bson:"uid"`
	Role       int32  `bson:"role"`
	Mute       bool   `bson:"mute"`        // 免打扰，跳过厂商推送
	CreateTime int64  `bson:"create_time"` // 入群时间（毫秒）
}

// GroupKeys 群密钥版本记录
//
// 同一群的版本单调递增，插入低于或等于当前最新版本的记录被拒绝。
type GroupKeys struct {
	GID        int64  `bson:"gid"`
	Version    int64  `bson:"version"`
	Mode       int32  `bson:"mode"` // 密钥分发模式
	Creator    string `bson:"creator"`
	Keys       []byte `bson:"keys"` // 密文密钥包，内容对本服务不透明
	CreateTime int64  `bson:"create_time"`
}
