package database

import (
	"context"

	"github.com/secimsdk/secure-im-server/pkg/common/storage/model"
)

// Account 账号DAO
type Account interface {
	// Take 按uid取账号，不存在返回错误
	Take(ctx context.Context, uid string) (*model.Account, error)
	// Find 批量取账号，缺失的uid静默跳过
	Find(ctx context.Context, uids []string) ([]*model.Account, error)
	// UpdateDeviceLastSeen 更新设备活跃时间
	UpdateDeviceLastSeen(ctx context.Context, uid string, deviceID uint32, ts int64) error
}
