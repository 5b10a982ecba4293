package model

// StoredMessage 离线暂存消息
//
// 按 (destination, destinationDevice) 维度构成FIFO队列，id由计数器
// 集合分配，单调递增，排空时按id升序取出。
type StoredMessage struct {
	ID                        int64  `bson:"id"`
	Destination               string `bson:"destination"`
	DestinationDevice         uint32 `bson:"destination_device"`
	DestinationRegistrationID uint32 `bson:"destination_registration_id"` // 入库时目标设备的注册轮次
	Type                      int32  `bson:"type"`
	Source                    string `bson:"source"`
	SourceDevice              uint32 `bson:"source_device"`
	SourceExtra               string `bson:"source_extra"` // 加密发送者附加信息
	Relay                     string `bson:"relay"`
	Timestamp                 int64  `bson:"timestamp"`
	Content                   []byte `bson:"content"`
	Push                      int32  `bson:"push"` // 推送级别，见信封定义
}

// 好友事件类型
const (
	FriendEventRequest = 1 // 好友申请
	FriendEventReply   = 2 // 申请答复
	FriendEventDelete  = 3 // 删除好友
)

// FriendEvent 联系人事件回放记录
//
// 设备离线期间的联系人变更入库，上线排空时以FRIEND通知推给会话。
type FriendEvent struct {
	ID         int64  `bson:"id"`
	UID        string `bson:"uid"` // 事件归属账号
	Type       int32  `bson:"type"`
	Payload    []byte `bson:"payload"`
	CreateTime int64  `bson:"create_time"`
}
