package mgo

import (
	"context"
	"fmt"

	"github.com/openimsdk/tools/db/mongoutil"
	"github.com/openimsdk/tools/errs"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/secimsdk/secure-im-server/pkg/common/storage/database"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/model"
)

// StoredMessageMgo 离线暂存消息的MongoDB实现
//
// 每个 (destination, destinationDevice) 维护一条计数器序列，入库时
// 分配单调递增id，排空按id升序分页读取，读后显式删除。
type StoredMessageMgo struct {
	coll    *mongo.Collection
	counter *counter
}

func NewStoredMessageMgo(db *mongo.Database) (database.StoredMessage, error) {
	coll := db.Collection(database.StoredMessageName)
	_, err := coll.Indexes().CreateOne(context.Background(), mongo.IndexModel{
		Keys: bson.D{
			{Key: "destination", Value: 1},
			{Key: "destination_device", Value: 1},
			{Key: "id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return &StoredMessageMgo{
		coll:    coll,
		counter: newCounter(db.Collection(database.CounterName)),
	}, nil
}

func (s *StoredMessageMgo) queueKey(destination string, destinationDevice uint32) string {
	return fmt.Sprintf("%s:%s:%d", database.StoredMessageName, destination, destinationDevice)
}

func (s *StoredMessageMgo) Insert(ctx context.Context, msg *model.StoredMessage) (int64, error) {
	id, err := s.counter.next(ctx, s.queueKey(msg.Destination, msg.DestinationDevice))
	if err != nil {
		return 0, err
	}
	msg.ID = id
	if err := mongoutil.InsertMany(ctx, s.coll, []*model.StoredMessage{msg}); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *StoredMessageMgo) Page(ctx context.Context, destination string, destinationDevice uint32, limit int) ([]*model.StoredMessage, bool, error) {
	filter := bson.M{"destination": destination, "destination_device": destinationDevice}
	// 多取一条用于判断队列是否还有剩余
	opt := options.Find().SetSort(bson.D{{Key: "id", Value: 1}}).SetLimit(int64(limit + 1))
	msgs, err := mongoutil.Find[*model.StoredMessage](ctx, s.coll, filter, opt)
	if err != nil {
		return nil, false, err
	}
	if len(msgs) > limit {
		return msgs[:limit], true, nil
	}
	return msgs, false, nil
}

func (s *StoredMessageMgo) Delete(ctx context.Context, destination string, destinationDevice uint32, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	filter := bson.M{
		"destination":        destination,
		"destination_device": destinationDevice,
		"id":                 bson.M{"$in": ids},
	}
	return mongoutil.DeleteMany(ctx, s.coll, filter)
}

func (s *StoredMessageMgo) Clear(ctx context.Context, destination string, destinationDevice uint32) error {
	filter := bson.M{"destination": destination, "destination_device": destinationDevice}
	return mongoutil.DeleteMany(ctx, s.coll, filter)
}
