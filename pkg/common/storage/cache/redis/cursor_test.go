package redis

import (
	"context"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secimsdk/secure-im-server/pkg/common/storage/cache/cachekey"
)

func TestCursorCacheGetBatch(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	cache := NewCursorCache(rdb)
	ctx := context.Background()
	key := cachekey.GetGroupUserInfoKey(10)

	mock.ExpectHMGet(key, "u1", "u2", "u3").SetVal([]interface{}{
		`{"lastMid":5,"apnsId":"tok"}`,
		nil,
		"not-json",
	})
	cursors, err := cache.GetBatch(ctx, 10, []string{"u1", "u2", "u3"})
	require.NoError(t, err)
	require.Len(t, cursors, 3)
	require.NotNil(t, cursors["u1"])
	assert.Equal(t, int64(5), cursors["u1"].LastMID)
	assert.Equal(t, "tok", cursors["u1"].APNSID)
	// 缺失与脏值都映射为nil
	assert.Nil(t, cursors["u2"])
	assert.Nil(t, cursors["u3"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCursorCacheSetBatch(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	cache := NewCursorCache(rdb)
	key := cachekey.GetGroupUserInfoKey(10)

	mock.ExpectHSet(key, map[string]any{
		"u1": `{"lastMid":7}`,
	}).SetVal(1)
	err := cache.SetBatch(context.Background(), 10, map[string]*PushCursor{
		"u1": {LastMID: 7},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCursorCacheSetBatchEmpty(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	cache := NewCursorCache(rdb)
	require.NoError(t, cache.SetBatch(context.Background(), 10, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCursorCacheScan(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	cache := NewCursorCache(rdb)
	key := cachekey.GetGroupUserInfoKey(10)

	mock.ExpectHScan(key, 0, "*", 200).SetVal([]string{
		"u1", `{"lastMid":3}`,
		"u2", "broken",
	}, 42)
	cursors, next, err := cache.Scan(context.Background(), 10, 0, 200)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), next)
	require.Len(t, cursors, 2)
	require.NotNil(t, cursors["u1"])
	assert.Equal(t, int64(3), cursors["u1"].LastMID)
	assert.Nil(t, cursors["u2"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCursorCacheDelete(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	cache := NewCursorCache(rdb)
	key := cachekey.GetGroupUserInfoKey(10)

	mock.ExpectHDel(key, "u1", "u2").SetVal(2)
	require.NoError(t, cache.Delete(context.Background(), 10, []string{"u1", "u2"}))
	require.NoError(t, mock.ExpectationsWereMet())
}
