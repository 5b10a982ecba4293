package database

import (
	"context"

	"github.com/secimsdk/secure-im-server/pkg/common/storage/model"
)

// StoredMessage 离线暂存消息DAO
type StoredMessage interface {
	// Insert 入库并分配单调递增id
	Insert(ctx context.Context, msg *model.StoredMessage) (int64, error)
	// Page 按id升序取目标设备的一页暂存消息，返回是否还有剩余
	Page(ctx context.Context, destination string, destinationDevice uint32, limit int) ([]*model.StoredMessage, bool, error)
	// Delete 删除指定id的暂存消息
	Delete(ctx context.Context, destination string, destinationDevice uint32, ids []int64) error
	// Clear 清空目标设备的全部暂存消息
	Clear(ctx context.Context, destination string, destinationDevice uint32) error
}

// Contact 联系人事件DAO
type Contact interface {
	// InsertEvent 追加联系人事件
	InsertEvent(ctx context.Context, event *model.FriendEvent) error
	// PageEvents 按id升序取账号的联系人事件
	PageEvents(ctx context.Context, uid string, limit int) ([]*model.FriendEvent, error)
	// DeleteEvents 删除已回放的事件
	DeleteEvents(ctx context.Context, uid string, ids []int64) error
}
