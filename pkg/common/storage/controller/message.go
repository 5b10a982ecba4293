// Package controller 在DAO之上提供面向业务的存储网关
package controller

import (
	"context"

	"github.com/openimsdk/tools/log"
	"github.com/openimsdk/tools/utils/datautil"

	"github.com/secimsdk/secure-im-server/pkg/apistruct"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/database"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/model"
)

// MessageStore 暂存消息网关
//
// 面向分发通道封装暂存队列：入库时记录目标设备当前的注册轮次，
// 排空时调用方据此过滤重装前的陈旧消息。
type MessageStore struct {
	msgDB     database.StoredMessage
	contactDB database.Contact
}

func NewMessageStore(msgDB database.StoredMessage, contactDB database.Contact) *MessageStore {
	return &MessageStore{msgDB: msgDB, contactDB: contactDB}
}

// StoreEnvelope 将投递失败的信封落入目标设备的暂存队列
func (m *MessageStore) StoreEnvelope(ctx context.Context, destination string, device *model.Device, env *apistruct.Envelope) (int64, error) {
	msg := &model.StoredMessage{
		Destination:               destination,
		DestinationDevice:         device.ID,
		DestinationRegistrationID: device.RegistrationID,
		Type:                      env.Type,
		Source:                    env.Source,
		SourceDevice:              env.SourceDevice,
		SourceExtra:               env.SourceExtra,
		Relay:                     env.Relay,
		Timestamp:                 env.Timestamp,
		Content:                   env.Content,
		Push:                      env.Push,
	}
	id, err := m.msgDB.Insert(ctx, msg)
	if err != nil {
		return 0, err
	}
	log.ZDebug(ctx, "stored offline envelope", "destination", destination, "device", device.ID, "id", id, "type", env.Type)
	return id, nil
}

// Page 取目标设备暂存队列的一页，按入库顺序
func (m *MessageStore) Page(ctx context.Context, destination string, destinationDevice uint32, limit int) ([]*model.StoredMessage, bool, error) {
	return m.msgDB.Page(ctx, destination, destinationDevice, limit)
}

// Delete 删除单条暂存消息
func (m *MessageStore) Delete(ctx context.Context, destination string, destinationDevice uint32, id int64) error {
	return m.msgDB.Delete(ctx, destination, destinationDevice, []int64{id})
}

// Ack 删除已成功下发的暂存消息
func (m *MessageStore) Ack(ctx context.Context, destination string, destinationDevice uint32, msgs []*model.StoredMessage) error {
	ids := datautil.Slice(msgs, func(msg *model.StoredMessage) int64 { return msg.ID })
	return m.msgDB.Delete(ctx, destination, destinationDevice, ids)
}

// Clear 清空目标设备的暂存队列（设备重装后丢弃历史）
func (m *MessageStore) Clear(ctx context.Context, destination string, destinationDevice uint32) error {
	return m.msgDB.Clear(ctx, destination, destinationDevice)
}

// Envelope 将暂存消息还原为下行信封
func (m *MessageStore) Envelope(msg *model.StoredMessage) *apistruct.Envelope {
	return &apistruct.Envelope{
		Type:         msg.Type,
		Source:       msg.Source,
		SourceDevice: msg.SourceDevice,
		SourceExtra:  msg.SourceExtra,
		Relay:        msg.Relay,
		Timestamp:    msg.Timestamp,
		Content:      msg.Content,
		Push:         msg.Push,
	}
}

// AddFriendEvent 追加联系人事件，设备上线排空时回放
func (m *MessageStore) AddFriendEvent(ctx context.Context, event *model.FriendEvent) error {
	return m.contactDB.InsertEvent(ctx, event)
}

// PageFriendEvents 取账号待回放的联系人事件
func (m *MessageStore) PageFriendEvents(ctx context.Context, uid string, limit int) ([]*model.FriendEvent, error) {
	return m.contactDB.PageEvents(ctx, uid, limit)
}

// AckFriendEvents 删除已回放的联系人事件
func (m *MessageStore) AckFriendEvents(ctx context.Context, uid string, events []*model.FriendEvent) error {
	ids := datautil.Slice(events, func(event *model.FriendEvent) int64 { return event.ID })
	return m.contactDB.DeleteEvents(ctx, uid, ids)
}
