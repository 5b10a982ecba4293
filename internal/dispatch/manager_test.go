package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secimsdk/secure-im-server/internal/onlineredis"
	"github.com/secimsdk/secure-im-server/pkg/apistruct"
	"github.com/secimsdk/secure-im-server/pkg/common/config"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/cache/cachekey"
	redisCache "github.com/secimsdk/secure-im-server/pkg/common/storage/cache/redis"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/controller"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/model"
)

// fakeBus 进程内总线，loopback时把发布回送给本地订阅回调
type fakeBus struct {
	loopback bool

	mu        sync.Mutex
	handlers  map[string]onlineredis.Handler
	published map[string][][]byte
}

func newFakeBus(loopback bool) *fakeBus {
	return &fakeBus{
		loopback:  loopback,
		handlers:  make(map[string]onlineredis.Handler),
		published: make(map[string][][]byte),
	}
}

func (b *fakeBus) Subscribe(ctx context.Context, hashKey, channel string, h onlineredis.Handler) error {
	b.mu.Lock()
	b.handlers[channel] = h
	b.mu.Unlock()
	h.OnSubscribe(channel, 1)
	return nil
}

func (b *fakeBus) Unsubscribe(ctx context.Context, hashKey, channel string) {
	b.mu.Lock()
	delete(b.handlers, channel)
	b.mu.Unlock()
}

func (b *fakeBus) Publish(ctx context.Context, hashKey, channel string, payload []byte) (int64, error) {
	b.mu.Lock()
	b.published[channel] = append(b.published[channel], payload)
	h := b.handlers[channel]
	b.mu.Unlock()
	if !b.loopback || h == nil {
		return 0, nil
	}
	h.OnMessage(channel, payload)
	return 1, nil
}

func (b *fakeBus) subscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[channel]
	return ok
}

func (b *fakeBus) publishedOn(channel string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.published[channel]...)
}

// stubSession 记录下行请求的会话桩
type stubSession struct {
	account *model.Account
	device  *model.Device

	mu       sync.Mutex
	requests []*Request
	respond  func(req *Request) *Response

	disconnected atomic.Bool
}

func newStubSession(device *model.Device) *stubSession {
	return &stubSession{
		account: &model.Account{UID: "u1", Devices: []*model.Device{device}},
		device:  device,
	}
}

func (s *stubSession) SendRequest(ctx context.Context, req *Request) (*Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	respond := s.respond
	s.mu.Unlock()
	if respond != nil {
		return respond(req), nil
	}
	return &Response{Status: 200}, nil
}

func (s *stubSession) AuthenticatedAccount(ctx context.Context, refresh bool) (*model.Account, *model.Device, error) {
	return s.account, s.device, nil
}

func (s *stubSession) Disconnect() {
	s.disconnected.Store(true)
}

func (s *stubSession) requestFor(path string) *Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range s.requests {
		if req.Path == path {
			return req
		}
	}
	return nil
}

// memMsgDB 内存暂存消息DAO
type memMsgDB struct {
	mu     sync.Mutex
	nextID int64
	rows   []*model.StoredMessage
}

func (db *memMsgDB) Insert(ctx context.Context, msg *model.StoredMessage) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.nextID++
	msg.ID = db.nextID
	db.rows = append(db.rows, msg)
	return msg.ID, nil
}

func (db *memMsgDB) Page(ctx context.Context, destination string, destinationDevice uint32, limit int) ([]*model.StoredMessage, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var page []*model.StoredMessage
	remain := 0
	for _, row := range db.rows {
		if row.Destination != destination || row.DestinationDevice != destinationDevice {
			continue
		}
		if len(page) < limit {
			page = append(page, row)
		} else {
			remain++
		}
	}
	return page, remain > 0, nil
}

func (db *memMsgDB) Delete(ctx context.Context, destination string, destinationDevice uint32, ids []int64) error {
	idSet := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	kept := db.rows[:0]
	for _, row := range db.rows {
		_, drop := idSet[row.ID]
		if drop && row.Destination == destination && row.DestinationDevice == destinationDevice {
			continue
		}
		kept = append(kept, row)
	}
	db.rows = kept
	return nil
}

func (db *memMsgDB) Clear(ctx context.Context, destination string, destinationDevice uint32) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	kept := db.rows[:0]
	for _, row := range db.rows {
		if row.Destination == destination && row.DestinationDevice == destinationDevice {
			continue
		}
		kept = append(kept, row)
	}
	db.rows = kept
	return nil
}

func (db *memMsgDB) count() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.rows)
}

// memContactDB 内存联系人事件DAO
type memContactDB struct {
	mu     sync.Mutex
	nextID int64
	events map[string][]*model.FriendEvent
}

func (db *memContactDB) InsertEvent(ctx context.Context, event *model.FriendEvent) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.events == nil {
		db.events = make(map[string][]*model.FriendEvent)
	}
	db.nextID++
	event.ID = db.nextID
	db.events[event.UID] = append(db.events[event.UID], event)
	return nil
}

func (db *memContactDB) PageEvents(ctx context.Context, uid string, limit int) ([]*model.FriendEvent, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	events := db.events[uid]
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (db *memContactDB) DeleteEvents(ctx context.Context, uid string, ids []int64) error {
	idSet := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	kept := db.events[uid][:0]
	for _, event := range db.events[uid] {
		if _, drop := idSet[event.ID]; !drop {
			kept = append(kept, event)
		}
	}
	db.events[uid] = kept
	return nil
}

type fakePusher struct {
	mu     sync.Mutex
	pushed []*apistruct.Envelope
}

func (p *fakePusher) PushP2P(ctx context.Context, account *model.Account, device *model.Device, env *apistruct.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, env)
	return nil
}

func (p *fakePusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pushed)
}

func newTestManager(t *testing.T, bus *fakeBus) (*Manager, *memMsgDB, *fakePusher, redismock.ClientMock) {
	t.Helper()
	rdb, mock := redismock.NewClientMock()
	msgDB := &memMsgDB{}
	pusher := &fakePusher{}
	cfg := &config.Config{
		Dispatcher:    config.Dispatcher{Concurrency: 2},
		EncryptSender: config.EncryptSender{IOSVersion: 1235, AndroidVersion: 1105},
	}
	mgr := NewManager(cfg, bus, redisCache.NewBadgeCache(rdb),
		controller.NewMessageStore(msgDB, &memContactDB{}), nil, pusher)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	mgr.Start(ctx)
	return mgr, msgDB, pusher, mock
}

func masterDevice() *model.Device {
	return &model.Device{
		ID:             1,
		RegistrationID: 7,
		Pushable:       true,
		SignalingKey:   base64.StdEncoding.EncodeToString(make([]byte, signalingKeyLen)),
		ClientVersion:  model.ClientVersion{OSType: model.OSTypeIOS, BuildCode: 2000},
	}
}

func TestSubscribeActivatesAndDrainsEmptyQueue(t *testing.T) {
	bus := newFakeBus(true)
	mgr, _, _, mock := newTestManager(t, bus)
	sess := newStubSession(masterDevice())
	addr := Address{UID: "u1", DeviceID: 1}

	mock.ExpectDel(cachekey.GetBadgeKey("u1")).SetVal(1)
	identity, err := mgr.Subscribe(context.Background(), addr, sess)
	require.NoError(t, err)
	require.NotZero(t, identity)

	ch := mgr.Channel(addr)
	require.NotNil(t, ch)
	assert.Equal(t, identity, ch.Identity())
	require.Eventually(t, ch.Available, time.Second, 10*time.Millisecond)
	// 空队列排空后通知客户端
	require.Eventually(t, func() bool {
		return sess.requestFor(PathQueueEmpty) != nil
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscribePublishesConnectedNotices(t *testing.T) {
	bus := newFakeBus(false)
	mgr, _, _, mock := newTestManager(t, bus)
	addr := Address{UID: "u1", DeviceID: 1}

	mock.ExpectDel(cachekey.GetBadgeKey("u1")).SetVal(1)
	identity, err := mgr.Subscribe(context.Background(), addr, newStubSession(masterDevice()))
	require.NoError(t, err)

	// 地址频道与 on: 兼容频道各收到一条携带identity的CONNECTED
	for _, channel := range []string{addr.Channel(), addr.NotifyChannel()} {
		payloads := bus.publishedOn(channel)
		require.Len(t, payloads, 1, channel)
		var msg apistruct.PubSubMessage
		require.NoError(t, json.Unmarshal(payloads[0], &msg))
		assert.Equal(t, apistruct.PubSubConnected, msg.Type)
		var content apistruct.ConnectedContent
		require.NoError(t, json.Unmarshal(msg.Content, &content))
		assert.Equal(t, identity, content.Identity)
	}
}

func TestSubscribeReplacesPriorSession(t *testing.T) {
	bus := newFakeBus(true)
	mgr, _, _, mock := newTestManager(t, bus)
	addr := Address{UID: "u1", DeviceID: 1}

	sessA := newStubSession(masterDevice())
	mock.ExpectDel(cachekey.GetBadgeKey("u1")).SetVal(1)
	idA, err := mgr.Subscribe(context.Background(), addr, sessA)
	require.NoError(t, err)
	chA := mgr.Channel(addr)
	require.Eventually(t, chA.Available, time.Second, 10*time.Millisecond)

	mock.ExpectDel(cachekey.GetBadgeKey("u1")).SetVal(1)
	idB, err := mgr.Subscribe(context.Background(), addr, newStubSession(masterDevice()))
	require.NoError(t, err)
	require.NotEqual(t, idA, idB)

	// 旧通道让位且旧连接被断开，新通道占据地址
	chB := mgr.Channel(addr)
	assert.Equal(t, idB, chB.Identity())
	assert.False(t, chA.Available())
	assert.True(t, sessA.disconnected.Load())
	require.Eventually(t, chB.Available, time.Second, 10*time.Millisecond)
}

func TestUnsubscribeIdentityGuard(t *testing.T) {
	bus := newFakeBus(false)
	mgr, _, _, mock := newTestManager(t, bus)
	addr := Address{UID: "u1", DeviceID: 1}
	ctx := context.Background()

	mock.ExpectDel(cachekey.GetBadgeKey("u1")).SetVal(1)
	identity, err := mgr.Subscribe(ctx, addr, newStubSession(masterDevice()))
	require.NoError(t, err)

	// identity不匹配说明地址已被新会话占用，退订必须静默
	mgr.Unsubscribe(ctx, addr, identity+1)
	assert.NotNil(t, mgr.Channel(addr))
	assert.True(t, bus.subscribed(addr.Channel()))

	mgr.Unsubscribe(ctx, addr, identity)
	assert.Nil(t, mgr.Channel(addr))
	assert.False(t, bus.subscribed(addr.Channel()))
}

func TestDeliverFallsBackToStoreAndPush(t *testing.T) {
	bus := newFakeBus(false)
	mgr, msgDB, pusher, mock := newTestManager(t, bus)
	sess := newStubSession(masterDevice())
	sess.respond = func(req *Request) *Response {
		if req.Path == PathMessage {
			return &Response{Status: StatusConnClosed}
		}
		return &Response{Status: 200}
	}
	addr := Address{UID: "u1", DeviceID: 1}
	ctx := context.Background()

	mock.ExpectDel(cachekey.GetBadgeKey("u1")).SetVal(1)
	_, err := mgr.Subscribe(ctx, addr, sess)
	require.NoError(t, err)
	ch := mgr.Channel(addr)
	require.Eventually(t, ch.Available, time.Second, 10*time.Millisecond)

	// 直接下行失败、总线无人接收：落库并提交厂商推送
	env := &apistruct.Envelope{
		Type:      apistruct.EnvelopeCiphertext,
		Source:    "u2",
		Timestamp: 5,
		Content:   []byte("c"),
	}
	ch.deliver(ctx, env, 0, false)
	require.Equal(t, 1, msgDB.count())
	assert.Equal(t, uint32(7), msgDB.rows[0].DestinationRegistrationID)
	assert.Equal(t, 1, pusher.count())

	// 噪声消息任何失败都静默丢弃
	ch.deliver(ctx, &apistruct.Envelope{Type: apistruct.EnvelopeNoise}, 0, false)
	assert.Equal(t, 1, msgDB.count())
	assert.Equal(t, 1, pusher.count())
}

func TestDrainDeliversMailboxAndAcks(t *testing.T) {
	bus := newFakeBus(false)
	mgr, msgDB, _, mock := newTestManager(t, bus)
	device := masterDevice()
	sess := newStubSession(device)
	addr := Address{UID: "u1", DeviceID: 1}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := msgDB.Insert(ctx, &model.StoredMessage{
			Destination:               "u1",
			DestinationDevice:         1,
			DestinationRegistrationID: 7,
			Type:                      apistruct.EnvelopeCiphertext,
			Source:                    "u2",
			Content:                   []byte("c"),
		})
		require.NoError(t, err)
	}

	mock.ExpectDel(cachekey.GetBadgeKey("u1")).SetVal(1)
	_, err := mgr.Subscribe(ctx, addr, sess)
	require.NoError(t, err)

	// 上线排空：整批信箱下发成功后删除并通知队列已空
	require.Eventually(t, func() bool { return msgDB.count() == 0 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return sess.requestFor(PathQueueEmpty) != nil
	}, time.Second, 10*time.Millisecond)

	// 信箱体按设备signalingKey加密下发
	req := sess.requestFor(PathMessages)
	require.NotNil(t, req)
	plain, err := DecryptPayload(device.SignalingKey, req.Body)
	require.NoError(t, err)
	var box apistruct.Mailbox
	require.NoError(t, json.Unmarshal(plain, &box))
	assert.Len(t, box.Envelopes, 2)
	assert.False(t, box.More)
	assert.Equal(t, "u2", box.Envelopes[0].Source)
}

func TestDeliverToDeletedAccountKicks(t *testing.T) {
	bus := newFakeBus(false)
	mgr, msgDB, pusher, mock := newTestManager(t, bus)
	sess := newStubSession(masterDevice())
	addr := Address{UID: "u1", DeviceID: 1}
	ctx := context.Background()

	mock.ExpectDel(cachekey.GetBadgeKey("u1")).SetVal(1)
	_, err := mgr.Subscribe(ctx, addr, sess)
	require.NoError(t, err)
	ch := mgr.Channel(addr)
	require.Eventually(t, ch.Available, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return sess.requestFor(PathQueueEmpty) != nil
	}, time.Second, 10*time.Millisecond)

	// 账号注销后的投递：丢弃消息并踢掉会话，不落库不推送
	sess.account.State = model.AccountStateDeleted
	ch.deliver(ctx, &apistruct.Envelope{
		Type:    apistruct.EnvelopeCiphertext,
		Source:  "u2",
		Content: []byte("c"),
	}, 0, false)

	assert.Nil(t, mgr.Channel(addr))
	assert.False(t, bus.subscribed(addr.Channel()))
	assert.True(t, sess.disconnected.Load())
	assert.Zero(t, msgDB.count())
	assert.Zero(t, pusher.count())
}

func TestMissingSignalingKeyNeverSendsPlaintext(t *testing.T) {
	bus := newFakeBus(false)
	mgr, msgDB, pusher, mock := newTestManager(t, bus)
	device := masterDevice()
	device.SignalingKey = ""
	sess := newStubSession(device)
	addr := Address{UID: "u1", DeviceID: 1}
	ctx := context.Background()

	_, err := msgDB.Insert(ctx, &model.StoredMessage{
		Destination:               "u1",
		DestinationDevice:         1,
		DestinationRegistrationID: 7,
		Type:                      apistruct.EnvelopeCiphertext,
		Source:                    "u2",
		Content:                   []byte("c"),
	})
	require.NoError(t, err)

	mock.ExpectDel(cachekey.GetBadgeKey("u1")).SetVal(1)
	_, err = mgr.Subscribe(ctx, addr, sess)
	require.NoError(t, err)
	ch := mgr.Channel(addr)
	require.Eventually(t, ch.Available, time.Second, 10*time.Millisecond)

	// 无signalingKey时信箱加密失败，消息留库，绝不明文下行
	ch.drain(ctx)
	assert.Nil(t, sess.requestFor(PathMessages))
	assert.Equal(t, 1, msgDB.count())

	// 实时投递同样在加密处失败，不下行不重复落库不推送
	ch.deliver(ctx, &apistruct.Envelope{
		Type:    apistruct.EnvelopeCiphertext,
		Source:  "u3",
		Content: []byte("c2"),
	}, 0, false)
	assert.Nil(t, sess.requestFor(PathMessage))
	assert.Equal(t, 1, msgDB.count())
	assert.Zero(t, pusher.count())
}
