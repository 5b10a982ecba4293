package localcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secimsdk/secure-im-server/pkg/common/storage/database"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/model"
)

type fakeKeysDB struct {
	store     map[int64]map[int64]*model.GroupKeys
	takeCalls int
}

func newFakeKeysDB() *fakeKeysDB {
	return &fakeKeysDB{store: make(map[int64]map[int64]*model.GroupKeys)}
}

func (f *fakeKeysDB) Insert(ctx context.Context, keys *model.GroupKeys) error {
	if latest, err := f.TakeLatest(ctx, keys.GID); err == nil && keys.Version <= latest.Version {
		return database.ErrKeysVersionStale
	}
	if f.store[keys.GID] == nil {
		f.store[keys.GID] = make(map[int64]*model.GroupKeys)
	}
	f.store[keys.GID][keys.Version] = keys
	return nil
}

func (f *fakeKeysDB) Take(ctx context.Context, gid, version int64) (*model.GroupKeys, error) {
	f.takeCalls++
	if keys, ok := f.store[gid][version]; ok {
		return keys, nil
	}
	return nil, context.Canceled
}

func (f *fakeKeysDB) TakeLatest(ctx context.Context, gid int64) (*model.GroupKeys, error) {
	var latest *model.GroupKeys
	for _, keys := range f.store[gid] {
		if latest == nil || keys.Version > latest.Version {
			latest = keys
		}
	}
	if latest == nil {
		return nil, context.Canceled
	}
	return latest, nil
}

func TestGroupKeysCacheTake(t *testing.T) {
	db := newFakeKeysDB()
	cache, err := NewGroupKeysCache(db, 4)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, cache.Insert(ctx, &model.GroupKeys{GID: 10, Version: 1, Keys: []byte("k1")}))

	// 预热命中，不回源
	got, err := cache.Take(ctx, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("k1"), got.Keys)
	assert.Zero(t, db.takeCalls)

	// 未缓存版本回源后缓存
	db.store[10][2] = &model.GroupKeys{GID: 10, Version: 2, Keys: []byte("k2")}
	_, err = cache.Take(ctx, 10, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, db.takeCalls)
	_, err = cache.Take(ctx, 10, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, db.takeCalls)

	_, err = cache.Take(ctx, 10, 99)
	assert.Error(t, err)
}

func TestGroupKeysCacheInsertStaleVersion(t *testing.T) {
	db := newFakeKeysDB()
	cache, err := NewGroupKeysCache(db, 4)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, cache.Insert(ctx, &model.GroupKeys{GID: 10, Version: 2}))
	err = cache.Insert(ctx, &model.GroupKeys{GID: 10, Version: 2})
	assert.ErrorIs(t, err, database.ErrKeysVersionStale)
	err = cache.Insert(ctx, &model.GroupKeys{GID: 10, Version: 1})
	assert.ErrorIs(t, err, database.ErrKeysVersionStale)
	require.NoError(t, cache.Insert(ctx, &model.GroupKeys{GID: 10, Version: 3}))

	latest, err := cache.TakeLatest(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest.Version)
}

func TestGroupKeysCacheFIFOEviction(t *testing.T) {
	db := newFakeKeysDB()
	cache, err := NewGroupKeysCache(db, 2)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, cache.Insert(ctx, &model.GroupKeys{GID: 10, Version: 1}))
	require.NoError(t, cache.Insert(ctx, &model.GroupKeys{GID: 10, Version: 2}))

	// Peek读取不提升新近度
	_, err = cache.Take(ctx, 10, 1)
	require.NoError(t, err)
	assert.Zero(t, db.takeCalls)

	// 容量满后按插入顺序淘汰最早的版本1
	require.NoError(t, cache.Insert(ctx, &model.GroupKeys{GID: 10, Version: 3}))
	assert.Equal(t, 2, cache.Len())
	_, err = cache.Take(ctx, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, db.takeCalls, "被淘汰的版本需要回源")
}
