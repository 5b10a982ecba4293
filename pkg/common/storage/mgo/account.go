package mgo

import (
	"context"

	"github.com/openimsdk/tools/db/mongoutil"
	"github.com/openimsdk/tools/errs"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/secimsdk/secure-im-server/pkg/common/storage/database"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/model"
)

// AccountMgo 账号集合的MongoDB实现
//
// 账号文档内嵌全部设备，按uid唯一索引。读多写少，查询全部走uid
// 精确匹配或$in批量匹配。
type AccountMgo struct {
	coll *mongo.Collection
}

func NewAccountMgo(db *mongo.Database) (database.Account, error) {
	coll := db.Collection(database.AccountName)
	_, err := coll.Indexes().CreateOne(context.Background(), mongo.IndexModel{
		Keys:    bson.D{{Key: "uid", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return &AccountMgo{coll: coll}, nil
}

func (a *AccountMgo) Take(ctx context.Context, uid string) (*model.Account, error) {
	return mongoutil.FindOne[*model.Account](ctx, a.coll, bson.M{"uid": uid})
}

func (a *AccountMgo) Find(ctx context.Context, uids []string) ([]*model.Account, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	return mongoutil.Find[*model.Account](ctx, a.coll, bson.M{"uid": bson.M{"$in": uids}})
}

func (a *AccountMgo) UpdateDeviceLastSeen(ctx context.Context, uid string, deviceID uint32, ts int64) error {
	filter := bson.M{"uid": uid, "devices.id": deviceID}
	update := bson.M{"$set": bson.M{"devices.$.last_seen_time": ts}}
	return mongoutil.UpdateOne(ctx, a.coll, filter, update, false)
}
