// Package mgo 提供基于MongoDB的数据存储实现
package mgo

import (
	"context"

	"github.com/openimsdk/tools/errs"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// counter 自增序号分配器
//
// 每个序号键对应counter集合中的一条文档，通过findOneAndUpdate的
// $inc原子递增。用于暂存消息与联系人事件的FIFO id分配。
type counter struct {
	coll *mongo.Collection
}

func newCounter(coll *mongo.Collection) *counter {
	return &counter{coll: coll}
}

// next 分配下一个序号，首次使用时从1开始
func (c *counter) next(ctx context.Context, key string) (int64, error) {
	opt := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	res := c.coll.FindOneAndUpdate(ctx, bson.M{"key": key}, bson.M{"$inc": bson.M{"seq": int64(1)}}, opt)
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	if err := res.Decode(&doc); err != nil {
		return 0, errs.WrapMsg(err, "failed to allocate sequence", "key", key)
	}
	return doc.Seq, nil
}
