package offlinepush

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/openimsdk/tools/utils/httputil"
	"github.com/openimsdk/tools/utils/timeutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secimsdk/secure-im-server/internal/offlinepush/options"
	"github.com/secimsdk/secure-im-server/pkg/apistruct"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/cache/cachekey"
	redisCache "github.com/secimsdk/secure-im-server/pkg/common/storage/cache/redis"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/model"
)

func testMemberSet() map[string]*model.GroupUser {
	return map[string]*model.GroupUser{
		"u1":    {GID: 10, UID: "u1"},
		"u2":    {GID: 10, UID: "u2"},
		"sub":   {GID: 10, UID: "sub", Role: model.GroupRoleSubscriber},
		"muted": {GID: 10, UID: "muted", Mute: true},
	}
}

func TestRecipientsOfBroadcast(t *testing.T) {
	r := &Round{}
	item := &pushItem{row: &redisCache.QueueRow{GID: 10, MID: 1, PushType: redisCache.PushTypeNormal}}
	got := r.recipientsOf(item, testMemberSet())
	// 订阅者与禁言成员不收推送
	assert.ElementsMatch(t, []string{"u1", "u2"}, got)
}

func TestRecipientsOfMulticast(t *testing.T) {
	r := &Round{}
	item := &pushItem{
		row:     &redisCache.QueueRow{GID: 10, MID: 1, PushType: redisCache.PushTypeMulticast},
		fromUID: "u1",
		targets: []string{"u1", "u2", "muted", "gone"},
	}
	got := r.recipientsOf(item, testMemberSet())
	// 发送者、禁言成员与已退群目标都被排除
	assert.Equal(t, []string{"u2"}, got)
}

func TestWatermarkAdvance(t *testing.T) {
	r := &Round{watermarks: make(map[int64]*watermark)}
	assert.Zero(t, r.lastWatermark(10))

	r.advanceWatermark(10, 5)
	assert.Equal(t, int64(5), r.lastWatermark(10))

	// 水位只前进不回退
	r.advanceWatermark(10, 3)
	assert.Equal(t, int64(5), r.lastWatermark(10))
	r.advanceWatermark(10, 8)
	assert.Equal(t, int64(8), r.lastWatermark(10))
}

func TestWatermarkExpire(t *testing.T) {
	r := &Round{watermarks: make(map[int64]*watermark)}
	r.watermarks[10] = &watermark{ts: time.Now().Add(-maxQueueAge - time.Minute), lastMID: 5}
	r.watermarks[20] = &watermark{ts: time.Now(), lastMID: 7}

	r.expireWatermarks()
	assert.Zero(t, r.lastWatermark(10))
	assert.Equal(t, int64(7), r.lastWatermark(20))
}

func TestHasToken(t *testing.T) {
	assert.False(t, hasToken(&redisCache.PushCursor{}))
	assert.True(t, hasToken(&redisCache.PushCursor{APNSID: "a"}))
	assert.True(t, hasToken(&redisCache.PushCursor{FCMID: "f"}))
	assert.True(t, hasToken(&redisCache.PushCursor{UmengID: "u"}))
}

// fakeGroupBus 单分片群总线
type fakeGroupBus struct {
	rdb redis.UniversalClient
}

func (b *fakeGroupBus) Primary(hashKey string) redis.UniversalClient { return b.rdb }
func (b *fakeGroupBus) Primaries() []redis.UniversalClient           { return []redis.UniversalClient{b.rdb} }

// roundGroupDB 静态群成员DAO
type roundGroupDB struct {
	members map[int64][]*model.GroupUser
}

func (db *roundGroupDB) Take(ctx context.Context, gid int64, uid string) (*model.GroupUser, error) {
	return nil, context.Canceled
}

func (db *roundGroupDB) FindMemberUIDs(ctx context.Context, gid int64) ([]string, error) {
	return nil, nil
}

func (db *roundGroupDB) FindMembers(ctx context.Context, gid int64) ([]*model.GroupUser, error) {
	return db.members[gid], nil
}

func (db *roundGroupDB) FindJoinedGroupIDs(ctx context.Context, uid string) ([]int64, error) {
	return nil, nil
}

func (db *roundGroupDB) FindJoined(ctx context.Context, uid string) ([]*model.GroupUser, error) {
	return nil, nil
}

// recordingPusher 记录提交的通知，可挂回调
type recordingPusher struct {
	mu     sync.Mutex
	pushed []*options.Notification
	onPush func()
}

func (p *recordingPusher) Push(ctx context.Context, token string, notification *options.Notification) error {
	p.mu.Lock()
	p.pushed = append(p.pushed, notification)
	onPush := p.onPush
	p.mu.Unlock()
	if onPush != nil {
		onPush()
	}
	return nil
}

func (p *recordingPusher) all() []*options.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*options.Notification(nil), p.pushed...)
}

func TestPushMessageRoutesToPeer(t *testing.T) {
	var gotMu sync.Mutex
	var got *apistruct.PushGroupMsgReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/internal/pushGroupMsg", r.URL.Path)
		var req apistruct.PushGroupMsgReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotMu.Lock()
		got = &req
		gotMu.Unlock()
		_, _ = w.Write([]byte(`{"errCode":0}`))
	}))
	defer srv.Close()

	peerAddr := strings.TrimPrefix(srv.URL, "http://")
	registry := &Registry{peers: map[string]*apistruct.PeerAdvert{
		peerAddr: {
			Addr:      peerAddr,
			Vendors:   []string{options.VendorAPNS},
			Timestamp: timeutil.GetCurrentTimestampByMill(),
		},
	}}
	r := &Round{
		dispatcher: &Dispatcher{pushers: map[string]Pusher{}},
		registry:   registry,
		client:     httputil.NewHTTPClient(httputil.NewClientConfig()),
	}

	cursors := map[string]*redisCache.PushCursor{
		"u1": {APNSID: "tok", OSType: model.OSTypeIOS},
	}
	dirty := make(map[string]*redisCache.PushCursor)

	// 本地无apns适配器，经注册表把该消息委托给对端进程
	require.NoError(t, r.pushMessage(context.Background(), 10, 5, []string{"u1"}, cursors, dirty, nil))

	gotMu.Lock()
	defer gotMu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, int64(10), got.GID)
	assert.Equal(t, int64(5), got.MID)
	require.Contains(t, got.Destinations, "u1")
	assert.Equal(t, "tok", got.Destinations["u1"].APNSID)
	// 委托成功后游标同样推进
	require.Contains(t, dirty, "u1")
	assert.Equal(t, int64(5), dirty["u1"].LastMID)
}

func TestPushMessageSkipsCoveredCursor(t *testing.T) {
	pusher := &recordingPusher{}
	r := &Round{
		dispatcher: &Dispatcher{pushers: map[string]Pusher{options.VendorAPNS: pusher}},
	}
	cursors := map[string]*redisCache.PushCursor{
		"u1": {LastMID: 9, APNSID: "tok", OSType: model.OSTypeIOS},
	}
	dirty := make(map[string]*redisCache.PushCursor)
	ctx := context.Background()

	// lastMid已覆盖的消息不重复推送
	require.NoError(t, r.pushMessage(ctx, 10, 5, []string{"u1"}, cursors, dirty, nil))
	assert.Empty(t, pusher.all())
	assert.Empty(t, dirty)

	// 更大的mid正常推送并推进游标
	require.NoError(t, r.pushMessage(ctx, 10, 12, []string{"u1"}, cursors, dirty, nil))
	pushed := pusher.all()
	require.Len(t, pushed, 1)
	assert.Equal(t, int64(10), pushed[0].GID)
	assert.Equal(t, int64(12), pushed[0].MID)
	assert.Equal(t, int64(12), dirty["u1"].LastMID)
	assert.Equal(t, int64(12), cursors["u1"].LastMID)
}

func TestProcessGroupStopsOnLeaseLoss(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	lease := &LeaseRunner{}
	lease.leading.Store(true)
	pusher := &recordingPusher{}
	// 第一条推完即失去主身份
	pusher.onPush = func() { lease.leading.Store(false) }

	r := &Round{
		lease:      lease,
		groupBus:   &fakeGroupBus{rdb: rdb},
		groupDB:    &roundGroupDB{members: map[int64][]*model.GroupUser{10: {{GID: 10, UID: "u1"}}}},
		dispatcher: &Dispatcher{pushers: map[string]Pusher{options.VendorAPNS: pusher}},
		watermarks: make(map[int64]*watermark),
		members:    make(map[int64]*memberEntry),
	}

	key := cachekey.GetGroupUserInfoKey(10)
	mock.ExpectHScan(key, 0, "*", int64(cursorScanPage)).
		SetVal([]string{"u1", `{"lastMid":0,"apnsId":"tok","osType":1}`}, 0)
	mock.ExpectHSet(key, "u1", `{"lastMid":1,"apnsId":"tok","osType":1}`).SetVal(1)

	task := &groupTask{gid: 10, items: []*pushItem{
		{row: &redisCache.QueueRow{Raw: "10_1_0", GID: 10, MID: 1, PushType: redisCache.PushTypeNormal}},
		{row: &redisCache.QueueRow{Raw: "10_2_0", GID: 10, MID: 2, PushType: redisCache.PushTypeNormal}},
	}}
	require.NoError(t, r.processGroup(context.Background(), task))

	// 失去租约后协作式中止：只推了第一条，水位停在1
	pushed := pusher.all()
	require.Len(t, pushed, 1)
	assert.Equal(t, int64(1), pushed[0].MID)
	assert.Equal(t, int64(1), r.lastWatermark(10))
	require.NoError(t, mock.ExpectationsWereMet())
}
