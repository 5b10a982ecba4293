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

// GroupUserMgo 群成员关系的MongoDB实现
type GroupUserMgo struct {
	coll *mongo.Collection
}

func NewGroupUserMgo(db *mongo.Database) (database.GroupUser, error) {
	coll := db.Collection(database.GroupUserName)
	// 复合唯一索引：同一用户在同一群中只有一条记录
	_, err := coll.Indexes().CreateOne(context.Background(), mongo.IndexModel{
		Keys: bson.D{
			{Key: "gid", Value: 1},
			{Key: "uid", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, errs.Wrap(err)
	}
	// 用户维度索引：按uid反查加入的群
	_, err = coll.Indexes().CreateOne(context.Background(), mongo.IndexModel{
		Keys: bson.D{{Key: "uid", Value: 1}},
	})
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return &GroupUserMgo{coll: coll}, nil
}

func (g *GroupUserMgo) Take(ctx context.Context, gid int64, uid string) (*model.GroupUser, error) {
	return mongoutil.FindOne[*model.GroupUser](ctx, g.coll, bson.M{"gid": gid, "uid": uid})
}

func (g *GroupUserMgo) FindMemberUIDs(ctx context.Context, gid int64) ([]string, error) {
	opt := options.Find().SetProjection(bson.M{"_id": 0, "uid": 1})
	return mongoutil.Find[string](ctx, g.coll, bson.M{"gid": gid}, opt)
}

func (g *GroupUserMgo) FindMembers(ctx context.Context, gid int64) ([]*model.GroupUser, error) {
	return mongoutil.Find[*model.GroupUser](ctx, g.coll, bson.M{"gid": gid})
}

func (g *GroupUserMgo) FindJoinedGroupIDs(ctx context.Context, uid string) ([]int64, error) {
	opt := options.Find().SetProjection(bson.M{"_id": 0, "gid": 1})
	return mongoutil.Find[int64](ctx, g.coll, bson.M{"uid": uid}, opt)
}

func (g *GroupUserMgo) FindJoined(ctx context.Context, uid string) ([]*model.GroupUser, error) {
	return mongoutil.Find[*model.GroupUser](ctx, g.coll, bson.M{"uid": uid})
}
