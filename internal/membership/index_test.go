package membership

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secimsdk/secure-im-server/internal/dispatch"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/model"
)

type fakeGroupDB struct {
	mu     sync.Mutex
	joined map[string][]*model.GroupUser
}

func newFakeGroupDB() *fakeGroupDB {
	return &fakeGroupDB{joined: make(map[string][]*model.GroupUser)}
}

func (f *fakeGroupDB) put(uid string, gus ...*model.GroupUser) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined[uid] = gus
}

func (f *fakeGroupDB) Take(ctx context.Context, gid int64, uid string) (*model.GroupUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, gu := range f.joined[uid] {
		if gu.GID == gid {
			return gu, nil
		}
	}
	return nil, context.Canceled
}

func (f *fakeGroupDB) FindMemberUIDs(ctx context.Context, gid int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var uids []string
	for uid, gus := range f.joined {
		for _, gu := range gus {
			if gu.GID == gid {
				uids = append(uids, uid)
			}
		}
	}
	return uids, nil
}

func (f *fakeGroupDB) FindMembers(ctx context.Context, gid int64) ([]*model.GroupUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var members []*model.GroupUser
	for _, gus := range f.joined {
		for _, gu := range gus {
			if gu.GID == gid {
				members = append(members, gu)
			}
		}
	}
	return members, nil
}

func (f *fakeGroupDB) FindJoinedGroupIDs(ctx context.Context, uid string) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var gids []int64
	for _, gu := range f.joined[uid] {
		gids = append(gids, gu.GID)
	}
	return gids, nil
}

func (f *fakeGroupDB) FindJoined(ctx context.Context, uid string) ([]*model.GroupUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joined[uid], nil
}

type fakeSubs struct {
	mu         sync.Mutex
	subscribed map[int64]int
}

func newFakeSubs() *fakeSubs {
	return &fakeSubs{subscribed: make(map[int64]int)}
}

func (f *fakeSubs) SubscribeGroup(ctx context.Context, gid int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[gid]++
	return nil
}

func (f *fakeSubs) UnsubscribeGroup(ctx context.Context, gid int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[gid]--
}

func (f *fakeSubs) count(gid int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[gid]
}

func iosDevice(buildCode int64) *model.Device {
	return &model.Device{ID: 1, ClientVersion: model.ClientVersion{OSType: model.OSTypeIOS, BuildCode: buildCode}}
}

func startIndex(t *testing.T, db *fakeGroupDB, subs *fakeSubs) *Index {
	t.Helper()
	index := NewIndex(2, db, subs)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	index.Start(ctx)
	return index
}

func TestIndexOnlineOfflineEmptyCrossing(t *testing.T) {
	db := newFakeGroupDB()
	subs := newFakeSubs()
	db.put("u1", &model.GroupUser{GID: 10, UID: "u1", Role: model.GroupRoleMember})
	db.put("u2", &model.GroupUser{GID: 10, UID: "u2", Role: model.GroupRoleMember})
	index := startIndex(t, db, subs)

	ctx := context.Background()
	a1 := dispatch.Address{UID: "u1", DeviceID: 1}
	a2 := dispatch.Address{UID: "u2", DeviceID: 1}

	index.OnUserOnline(ctx, a1, nil, iosDevice(2000))
	require.Eventually(t, func() bool {
		return len(index.GetGroupMembers(10)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, subs.count(10))

	// 第二个成员上线不重复订阅
	index.OnUserOnline(ctx, a2, nil, iosDevice(2000))
	require.Eventually(t, func() bool {
		return len(index.GetGroupMembers(10)) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, subs.count(10))

	// 非空穿越的下线不退订
	index.OnUserOffline(ctx, a1)
	require.Eventually(t, func() bool {
		return len(index.GetGroupMembers(10)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, subs.count(10))

	// 最后一个成员下线触发退订
	index.OnUserOffline(ctx, a2)
	require.Eventually(t, func() bool {
		return subs.count(10) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, index.GetGroupMembers(10))
}

func TestIndexSubscriberAndMutedExcluded(t *testing.T) {
	db := newFakeGroupDB()
	subs := newFakeSubs()
	db.put("u1",
		&model.GroupUser{GID: 10, UID: "u1", Role: model.GroupRoleMember},
		&model.GroupUser{GID: 11, UID: "u1", Role: model.GroupRoleSubscriber},
		&model.GroupUser{GID: 12, UID: "u1", Role: model.GroupRoleMember, Mute: true},
	)
	index := startIndex(t, db, subs)

	index.OnUserOnline(context.Background(), dispatch.Address{UID: "u1", DeviceID: 1}, nil, iosDevice(2000))
	require.Eventually(t, func() bool {
		return len(index.GetGroupMembers(10)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, index.GetGroupMembers(11))
	assert.Empty(t, index.GetGroupMembers(12))
	assert.Equal(t, 0, subs.count(11))
	assert.Equal(t, 0, subs.count(12))
}

func TestIndexMuteUnmute(t *testing.T) {
	db := newFakeGroupDB()
	subs := newFakeSubs()
	db.put("u1", &model.GroupUser{GID: 10, UID: "u1", Role: model.GroupRoleMember})
	index := startIndex(t, db, subs)
	ctx := context.Background()
	addr := dispatch.Address{UID: "u1", DeviceID: 1}

	index.OnUserOnline(ctx, addr, nil, iosDevice(2000))
	require.Eventually(t, func() bool {
		return len(index.GetGroupMembers(10)) == 1
	}, time.Second, 5*time.Millisecond)

	index.OnUserMuteGroup(ctx, "u1", 10)
	require.Eventually(t, func() bool {
		return len(index.GetGroupMembers(10)) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, subs.count(10))

	index.OnUserUnmuteGroup(ctx, "u1", 10)
	require.Eventually(t, func() bool {
		return len(index.GetGroupMembers(10)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, subs.count(10))
}

func TestGetOnlineUsers(t *testing.T) {
	db := newFakeGroupDB()
	subs := newFakeSubs()
	db.put("m1", &model.GroupUser{GID: 10, UID: "m1", Role: model.GroupRoleMember})
	index := startIndex(t, db, subs)
	ctx := context.Background()

	index.OnUserOnline(ctx, dispatch.Address{UID: "m1", DeviceID: 1}, nil, iosDevice(2000))
	index.OnUserOnline(ctx, dispatch.Address{UID: "n1", DeviceID: 1}, nil, iosDevice(2000))
	index.OnUserOnline(ctx, dispatch.Address{UID: "n2", DeviceID: 1}, nil, iosDevice(100)) // 版本过低
	index.OnUserOnline(ctx, dispatch.Address{UID: "n3", DeviceID: 1}, nil, iosDevice(2000))
	require.Eventually(t, func() bool {
		return len(index.GetUserAddresses("n3")) == 1 && len(index.GetGroupMembers(10)) == 1
	}, time.Second, 5*time.Millisecond)

	// 群成员与低版本客户端被过滤
	addrs, next := index.GetOnlineUsers(10, "", 10, 1000, 1000)
	uids := make(map[string]bool)
	for _, addr := range addrs {
		uids[addr.UID] = true
	}
	assert.Equal(t, map[string]bool{"n1": true, "n3": true}, uids)
	assert.Empty(t, next, "扫描到尾部游标应归零")

	// 分页推进游标
	addrs, next = index.GetOnlineUsers(10, "", 1, 1000, 1000)
	require.Len(t, addrs, 1)
	assert.Equal(t, "n1", addrs[0].UID)
	assert.Equal(t, "n1", next)

	addrs, next = index.GetOnlineUsers(10, next, 1, 1000, 1000)
	require.Len(t, addrs, 1)
	assert.Equal(t, "n3", addrs[0].UID)
}
