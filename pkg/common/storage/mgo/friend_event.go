package mgo

import (
	"context"
	"fmt"

	"github.com/openimsdk/tools/db/mongoutil"
	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/utils/timeutil"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/secimsdk/secure-im-server/pkg/common/storage/database"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/model"
)

// FriendEventMgo 联系人事件回放存储的MongoDB实现
type FriendEventMgo struct {
	coll    *mongo.Collection
	counter *counter
}

func NewFriendEventMgo(db *mongo.Database) (database.Contact, error) {
	coll := db.Collection(database.FriendEventName)
	_, err := coll.Indexes().CreateOne(context.Background(), mongo.IndexModel{
		Keys: bson.D{
			{Key: "uid", Value: 1},
			{Key: "id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return &FriendEventMgo{
		coll:    coll,
		counter: newCounter(db.Collection(database.CounterName)),
	}, nil
}

func (f *FriendEventMgo) InsertEvent(ctx context.Context, event *model.FriendEvent) error {
	id, err := f.counter.next(ctx, fmt.Sprintf("%s:%s", database.FriendEventName, event.UID))
	if err != nil {
		return err
	}
	event.ID = id
	if event.CreateTime == 0 {
		event.CreateTime = timeutil.GetCurrentTimestampByMill()
	}
	return mongoutil.InsertMany(ctx, f.coll, []*model.FriendEvent{event})
}

func (f *FriendEventMgo) PageEvents(ctx context.Context, uid string, limit int) ([]*model.FriendEvent, error) {
	opt := options.Find().SetSort(bson.D{{Key: "id", Value: 1}}).SetLimit(int64(limit))
	return mongoutil.Find[*model.FriendEvent](ctx, f.coll, bson.M{"uid": uid}, opt)
}

func (f *FriendEventMgo) DeleteEvents(ctx context.Context, uid string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return mongoutil.DeleteMany(ctx, f.coll, bson.M{"uid": uid, "id": bson.M{"$in": ids}})
}
