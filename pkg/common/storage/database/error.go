package database

import "github.com/openimsdk/tools/errs"

// ErrKeysVersionStale 群密钥插入版本不高于当前最新版本
var ErrKeysVersionStale = errs.New("group keys version is not newer than the latest")
