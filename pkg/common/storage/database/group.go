package database

import (
	"context"

	"github.com/secimsdk/secure-im-server/pkg/common/storage/model"
)

// GroupUser 群成员DAO
type GroupUser interface {
	// Take 取单条成员关系，不存在返回错误
	Take(ctx context.Context, gid int64, uid string) (*model.GroupUser, error)
	// FindMemberUIDs 取群全量成员uid
	FindMemberUIDs(ctx context.Context, gid int64) ([]string, error)
	// FindMembers 取群全量成员关系
	FindMembers(ctx context.Context, gid int64) ([]*model.GroupUser, error)
	// FindJoinedGroupIDs 取用户加入的全部群
	FindJoinedGroupIDs(ctx context.Context, uid string) ([]int64, error)
	// FindJoined 取用户全部成员关系记录
	FindJoined(ctx context.Context, uid string) ([]*model.GroupUser, error)
}

// GroupKeys 群密钥DAO
type GroupKeys interface {
	// Insert 插入新版本，版本不高于当前最新时返回ErrKeysVersionStale
	Insert(ctx context.Context, keys *model.GroupKeys) error
	// Take 取指定版本
	Take(ctx context.Context, gid int64, version int64) (*model.GroupKeys, error)
	// TakeLatest 取最新版本
	TakeLatest(ctx context.Context, gid int64) (*model.GroupKeys, error)
}
