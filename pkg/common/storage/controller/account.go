package controller

import (
	"context"

	"github.com/secimsdk/secure-im-server/pkg/common/storage/database"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/model"
)

// AccountStore 账号读取网关
type AccountStore struct {
	accountDB database.Account
	batchSize int
}

func NewAccountStore(accountDB database.Account) *AccountStore {
	return &AccountStore{accountDB: accountDB, batchSize: 20}
}

// Take 取单个账号
func (a *AccountStore) Take(ctx context.Context, uid string) (*model.Account, error) {
	return a.accountDB.Take(ctx, uid)
}

// FindMap 分批取账号并按uid索引，缺失的uid不在结果中
func (a *AccountStore) FindMap(ctx context.Context, uids []string) (map[string]*model.Account, error) {
	result := make(map[string]*model.Account, len(uids))
	for start := 0; start < len(uids); start += a.batchSize {
		end := start + a.batchSize
		if end > len(uids) {
			end = len(uids)
		}
		accounts, err := a.accountDB.Find(ctx, uids[start:end])
		if err != nil {
			return nil, err
		}
		for _, account := range accounts {
			result[account.UID] = account
		}
	}
	return result, nil
}

// UpdateDeviceLastSeen 更新设备活跃时间
func (a *AccountStore) UpdateDeviceLastSeen(ctx context.Context, uid string, deviceID uint32, ts int64) error {
	return a.accountDB.UpdateDeviceLastSeen(ctx, uid, deviceID, ts)
}
