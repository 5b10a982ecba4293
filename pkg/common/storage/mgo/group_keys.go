package mgo

import (
	"context"

	"github.com/openimsdk/tools/db/mongoutil"
	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/utils/timeutil"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/secimsdk/secure-im-server/pkg/common/storage/database"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/model"
)

// GroupKeysMgo 群密钥版本记录的MongoDB实现
//
// 版本单调性通过 (gid, version) 唯一索引加插入前比较保证：
// 插入前读取最新版本，仅当新版本更大时写入；并发写入相同版本时
// 由唯一索引兜底，重复键错误同样映射为版本过期。
type GroupKeysMgo struct {
	coll *mongo.Collection
}

func NewGroupKeysMgo(db *mongo.Database) (database.GroupKeys, error) {
	coll := db.Collection(database.GroupKeysName)
	_, err := coll.Indexes().CreateOne(context.Background(), mongo.IndexModel{
		Keys: bson.D{
			{Key: "gid", Value: 1},
			{Key: "version", Value: -1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return &GroupKeysMgo{coll: coll}, nil
}

func (g *GroupKeysMgo) Insert(ctx context.Context, keys *model.GroupKeys) error {
	latest, err := g.TakeLatest(ctx, keys.GID)
	if err != nil && !IsNotFound(err) {
		return err
	}
	if latest != nil && keys.Version <= latest.Version {
		return database.ErrKeysVersionStale
	}
	if keys.CreateTime == 0 {
		keys.CreateTime = timeutil.GetCurrentTimestampByMill()
	}
	if err := mongoutil.InsertMany(ctx, g.coll, []*model.GroupKeys{keys}); err != nil {
		if mongo.IsDuplicateKeyError(errs.Unwrap(err)) {
			return database.ErrKeysVersionStale
		}
		return err
	}
	return nil
}

func (g *GroupKeysMgo) Take(ctx context.Context, gid int64, version int64) (*model.GroupKeys, error) {
	return mongoutil.FindOne[*model.GroupKeys](ctx, g.coll, bson.M{"gid": gid, "version": version})
}

func (g *GroupKeysMgo) TakeLatest(ctx context.Context, gid int64) (*model.GroupKeys, error) {
	opt := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})
	return mongoutil.FindOne[*model.GroupKeys](ctx, g.coll, bson.M{"gid": gid}, opt)
}
