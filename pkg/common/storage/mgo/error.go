package mgo

import (
	"errors"

	"github.com/openimsdk/tools/errs"
	"go.mongodb.org/mongo-driver/mongo"
)

// IsNotFound 判断查询错误是否为记录不存在
func IsNotFound(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments) || errs.ErrRecordNotFound.Is(err)
}
