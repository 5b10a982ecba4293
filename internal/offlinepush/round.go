package offlinepush

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"
	"github.com/openimsdk/tools/mcontext"
	"github.com/openimsdk/tools/utils/httputil"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/secimsdk/secure-im-server/internal/offlinepush/options"
	"github.com/secimsdk/secure-im-server/pkg/apistruct"
	"github.com/secimsdk/secure-im-server/pkg/common/config"
	"github.com/secimsdk/secure-im-server/pkg/common/prommetrics"
	redisCache "github.com/secimsdk/secure-im-server/pkg/common/storage/cache/redis"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/controller"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/database"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/model"
)

const (
	// cursorScanPage 游标HSCAN单页条数
	cursorScanPage = 200
	// memberCacheAge 群成员快照的复用时长，同群多任务间免重复回源
	memberCacheAge = 10 * time.Second
	// peerRequestTimeout 对端代理推送请求超时（秒）
	peerRequestTimeout = 10
)

// watermark 群推送进度水位
//
// 记录上一轮处理到的最大消息id，重复入队或扫描重叠的行据此丢弃。
type watermark struct {
	ts      time.Time
	lastMID int64
}

type memberEntry struct {
	members []*model.GroupUser
	loaded  time.Time
}

// GroupBus 群分区上离线队列与游标所在的Redis主节点访问口
type GroupBus interface {
	Primary(hashKey string) redis.UniversalClient
	Primaries() []redis.UniversalClient
}

// Round 离线推送轮次
//
// 功能概述：
// 持有租约的进程周期性扫描各分片的离线队列，把到期的群消息行
// 聚合成按群的推送任务并发执行：过滤游标已覆盖的成员、回源缺失
// 的推送token、本地或经对端代理提交厂商推送、写回游标与水位。
//
// 设计思路：
// 1. 背压：上一轮未结束则跳过本轮，避免任务堆积放大
// 2. 协作式中止：任务间检查租约，失去主身份立即停止
// 3. 成员快照短暂复用，降低热群的数据库压力
type Round struct {
	cfg        *config.OfflinePush
	lease      *LeaseRunner
	scanner    *Scanner
	groupBus   GroupBus
	groupDB    database.GroupUser
	accounts   *controller.AccountStore
	dispatcher *Dispatcher
	registry   *Registry
	client     *httputil.HTTPClient
	cron       *cron.Cron

	running atomic.Bool

	wmMu       sync.Mutex
	watermarks map[int64]*watermark

	memberMu sync.Mutex
	members  map[int64]*memberEntry
}

func NewRound(cfg *config.OfflinePush, lease *LeaseRunner, groupBus GroupBus,
	groupDB database.GroupUser, accounts *controller.AccountStore,
	dispatcher *Dispatcher, registry *Registry) *Round {
	return &Round{
		cfg:        cfg,
		lease:      lease,
		scanner:    NewScanner(groupBus.Primaries()),
		groupBus:   groupBus,
		groupDB:    groupDB,
		accounts:   accounts,
		dispatcher: dispatcher,
		registry:   registry,
		client:     httputil.NewHTTPClient(httputil.NewClientConfig()),
		cron:       cron.New(),
		watermarks: make(map[int64]*watermark),
		members:    make(map[int64]*memberEntry),
	}
}

// Start 注册定时任务并启动
func (r *Round) Start(ctx context.Context) error {
	interval := r.cfg.IntervalSeconds
	if interval <= 0 {
		interval = 10
	}
	spec := fmt.Sprintf("@every %ds", interval)
	if _, err := r.cron.AddFunc(spec, func() { r.runRound(ctx) }); err != nil {
		return errs.WrapMsg(err, "register push round failed", "spec", spec)
	}
	r.cron.Start()
	return nil
}

func (r *Round) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Round) runRound(parent context.Context) {
	if !r.lease.Leading() {
		return
	}
	// 严格背压：上一轮没跑完就整轮跳过
	if !r.running.CompareAndSwap(false, true) {
		log.ZWarn(parent, "previous push round still running, skip", nil)
		return
	}
	defer r.running.Store(false)

	ctx := mcontext.SetOperationID(parent, uuid.New().String())
	start := time.Now()
	tasks, err := r.scanner.Scan(ctx)
	if err != nil {
		log.ZError(ctx, "offline queue scan failed", err)
		return
	}
	if len(tasks) == 0 {
		return
	}
	log.ZInfo(ctx, "push round start", "groups", len(tasks))

	concurrency := r.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			if !r.lease.Leading() {
				return nil
			}
			if err := r.processGroup(gCtx, task); err != nil {
				log.ZError(gCtx, "group push task failed", err, "gid", task.gid)
			}
			return nil
		})
	}
	_ = g.Wait()
	r.expireWatermarks()
	prommetrics.OfflineRoundDuration.Observe(time.Since(start).Seconds())
	log.ZInfo(ctx, "push round done", "groups", len(tasks), "cost", time.Since(start))
}

// loadMembers 取群成员快照，短时间内复用
func (r *Round) loadMembers(ctx context.Context, gid int64) ([]*model.GroupUser, error) {
	r.memberMu.Lock()
	entry, ok := r.members[gid]
	r.memberMu.Unlock()
	if ok && time.Since(entry.loaded) < memberCacheAge {
		return entry.members, nil
	}
	members, err := r.groupDB.FindMembers(ctx, gid)
	if err != nil {
		return nil, err
	}
	r.memberMu.Lock()
	r.members[gid] = &memberEntry{members: members, loaded: time.Now()}
	r.memberMu.Unlock()
	return members, nil
}

func (r *Round) lastWatermark(gid int64) int64 {
	r.wmMu.Lock()
	defer r.wmMu.Unlock()
	if wm, ok := r.watermarks[gid]; ok {
		return wm.lastMID
	}
	return 0
}

func (r *Round) advanceWatermark(gid, mid int64) {
	r.wmMu.Lock()
	defer r.wmMu.Unlock()
	wm, ok := r.watermarks[gid]
	if !ok {
		r.watermarks[gid] = &watermark{ts: time.Now(), lastMID: mid}
		return
	}
	if mid > wm.lastMID {
		wm.lastMID = mid
	}
	wm.ts = time.Now()
}

func (r *Round) expireWatermarks() {
	deadline := time.Now().Add(-maxQueueAge)
	r.wmMu.Lock()
	defer r.wmMu.Unlock()
	for gid, wm := range r.watermarks {
		if wm.ts.Before(deadline) {
			delete(r.watermarks, gid)
		}
	}
}

// processGroup 处理一个群在本轮次中的全部消息
func (r *Round) processGroup(ctx context.Context, task *groupTask) error {
	sort.Slice(task.items, func(i, j int) bool {
		return task.items[i].row.MID < task.items[j].row.MID
	})
	lastDone := r.lastWatermark(task.gid)
	items := task.items[:0]
	for _, item := range task.items {
		if item.row.MID > lastDone {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return nil
	}

	members, err := r.loadMembers(ctx, task.gid)
	if err != nil {
		return err
	}
	memberSet := make(map[string]*model.GroupUser, len(members))
	for _, m := range members {
		memberSet[m.UID] = m
	}

	cursorCache := redisCache.NewCursorCache(r.groupBus.Primary(strconv.FormatInt(task.gid, 10)))
	cursors, fullScan, err := r.loadCursors(ctx, cursorCache, task.gid, items)
	if err != nil {
		return err
	}

	dirty := make(map[string]*redisCache.PushCursor)
	for _, item := range items {
		if !r.lease.Leading() {
			break
		}
		mid := item.row.MID
		recipients := r.recipientsOf(item, memberSet)
		if err := r.pushMessage(ctx, task.gid, mid, recipients, cursors, dirty, cursorCache); err != nil {
			log.ZError(ctx, "group message push failed", err, "gid", task.gid, "mid", mid)
		}
		r.advanceWatermark(task.gid, mid)
	}

	if err := cursorCache.SetBatch(ctx, task.gid, dirty); err != nil {
		log.ZError(ctx, "push cursor write back failed", err, "gid", task.gid)
	}
	if fullScan {
		r.reconcileMembers(ctx, task.gid, memberSet, cursors, cursorCache)
	}
	return nil
}

// reconcileMembers 游标哈希与成员表的对账
//
// 游标里有而成员快照里没有的uid，绕过快照回源确认；确认已退群的
// 清掉游标，仍在群里的说明快照过期，作废快照让下次重载。
func (r *Round) reconcileMembers(ctx context.Context, gid int64, memberSet map[string]*model.GroupUser,
	cursors map[string]*redisCache.PushCursor, cursorCache *redisCache.CursorCache) {
	var unknown []string
	for uid := range cursors {
		if _, ok := memberSet[uid]; !ok {
			unknown = append(unknown, uid)
		}
	}
	if len(unknown) == 0 {
		return
	}
	members, err := r.groupDB.FindMembers(ctx, gid)
	if err != nil {
		log.ZWarn(ctx, "member reconcile load failed", err, "gid", gid)
		return
	}
	fresh := make(map[string]struct{}, len(members))
	for _, m := range members {
		fresh[m.UID] = struct{}{}
	}
	var gone []string
	stale := false
	for _, uid := range unknown {
		if _, ok := fresh[uid]; ok {
			stale = true
		} else {
			gone = append(gone, uid)
		}
	}
	if len(gone) > 0 {
		if err := cursorCache.Delete(ctx, gid, gone); err != nil {
			log.ZWarn(ctx, "departed member cursor delete failed", err, "gid", gid)
		}
	}
	if stale {
		r.memberMu.Lock()
		delete(r.members, gid)
		r.memberMu.Unlock()
	}
}

// loadCursors 加载本任务涉及成员的游标
//
// 全部为定向消息时只HMGET目标成员；否则HSCAN分页加载整群游标。
// 第二个返回值表示是否做了全量扫描，只有全量扫描的结果可用于
// 成员对账。
func (r *Round) loadCursors(ctx context.Context, cache *redisCache.CursorCache, gid int64, items []*pushItem) (map[string]*redisCache.PushCursor, bool, error) {
	allMulticast := true
	targetSet := make(map[string]struct{})
	for _, item := range items {
		if item.row.PushType != redisCache.PushTypeMulticast {
			allMulticast = false
			break
		}
		for _, uid := range item.targets {
			targetSet[uid] = struct{}{}
		}
	}
	if allMulticast {
		uids := make([]string, 0, len(targetSet))
		for uid := range targetSet {
			uids = append(uids, uid)
		}
		cursors, err := cache.GetBatch(ctx, gid, uids)
		return cursors, false, err
	}

	cursors := make(map[string]*redisCache.PushCursor)
	var scanCursor uint64
	for {
		page, next, err := cache.Scan(ctx, gid, scanCursor, cursorScanPage)
		if err != nil {
			return nil, false, err
		}
		for uid, pc := range page {
			cursors[uid] = pc
		}
		if next == 0 {
			break
		}
		scanCursor = next
	}
	return cursors, true, nil
}

// recipientsOf 计算单条消息的接收成员
//
// 广播取全量成员，定向取补偿目标与当前成员的交集；
// 订阅者角色与被禁言成员不收推送。
func (r *Round) recipientsOf(item *pushItem, memberSet map[string]*model.GroupUser) []string {
	pushable := func(m *model.GroupUser) bool {
		return m != nil && m.Role != model.GroupRoleSubscriber && !m.Mute
	}
	var recipients []string
	if item.row.PushType == redisCache.PushTypeMulticast {
		for _, uid := range item.targets {
			if uid != item.fromUID && pushable(memberSet[uid]) {
				recipients = append(recipients, uid)
			}
		}
		return recipients
	}
	// 广播行不携带发送者，发送者的游标在消息落地时已推进，由
	// lastMid比对跳过
	for uid, m := range memberSet {
		if pushable(m) {
			recipients = append(recipients, uid)
		}
	}
	return recipients
}

// pushMessage 对一条消息推送所有未覆盖的成员
func (r *Round) pushMessage(ctx context.Context, gid, mid int64, recipients []string,
	cursors map[string]*redisCache.PushCursor, dirty map[string]*redisCache.PushCursor,
	cursorCache *redisCache.CursorCache) error {
	var pending []string // 游标无token，需回源账号库
	tokens := make(map[string]apistruct.TokenBlob)
	for _, uid := range recipients {
		cursor := cursors[uid]
		if cursor != nil && cursor.LastMID >= mid {
			continue
		}
		if cursor != nil && hasToken(cursor) {
			tokens[uid] = apistruct.TokenBlob{
				APNSID:     cursor.APNSID,
				FCMID:      cursor.FCMID,
				UmengID:    cursor.UmengID,
				OSType:     cursor.OSType,
				OSVersion:  cursor.OSVersion,
				PhoneModel: cursor.PhoneModel,
				BuildCode:  cursor.BuildCode,
			}
			continue
		}
		pending = append(pending, uid)
	}

	if len(pending) > 0 {
		accounts, err := r.accounts.FindMap(ctx, pending)
		if err != nil {
			return err
		}
		var stale []string
		for _, uid := range pending {
			account, ok := accounts[uid]
			if !ok || account.Deleted() {
				stale = append(stale, uid)
				continue
			}
			device := account.MasterDevice()
			if device == nil || !device.Pushable {
				continue
			}
			tokens[uid] = TokenBlobFromDevice(device)
		}
		if len(stale) > 0 {
			// 账号已注销的游标属于脏数据，顺手清掉
			if err := cursorCache.Delete(ctx, gid, stale); err != nil {
				log.ZWarn(ctx, "stale cursor delete failed", err, "gid", gid)
			}
			for _, uid := range stale {
				delete(cursors, uid)
				delete(dirty, uid)
			}
		}
	}

	peerBatches := make(map[string]map[string]apistruct.TokenBlob)
	for uid, blob := range tokens {
		notification := &options.Notification{Kind: options.KindGroup, GID: gid, MID: mid, Badge: 1, Tokens: blob}
		vendor := notification.Vendor()
		if vendor == "" {
			continue
		}
		if r.dispatcher.HasVendor(vendor) {
			if err := r.dispatcher.PushGroup(ctx, gid, mid, blob); err != nil {
				log.ZWarn(ctx, "local group push failed", err, "gid", gid, "mid", mid, "uid", uid, "vendor", vendor)
			}
		} else if peer := r.registry.LookupVendor(vendor); peer != "" {
			batch := peerBatches[peer]
			if batch == nil {
				batch = make(map[string]apistruct.TokenBlob)
				peerBatches[peer] = batch
			}
			batch[uid] = blob
		} else {
			log.ZWarn(ctx, "no process serves push vendor", nil, "vendor", vendor, "gid", gid, "mid", mid)
		}
		r.markPushed(uid, mid, blob, cursors, dirty)
	}
	for peer, destinations := range peerBatches {
		if err := r.pushViaPeer(ctx, peer, gid, mid, destinations); err != nil {
			log.ZWarn(ctx, "peer group push failed", err, "peer", peer, "gid", gid, "mid", mid)
		}
	}
	return nil
}

func (r *Round) markPushed(uid string, mid int64, blob apistruct.TokenBlob,
	cursors, dirty map[string]*redisCache.PushCursor) {
	cursor := &redisCache.PushCursor{
		LastMID:    mid,
		APNSID:     blob.APNSID,
		FCMID:      blob.FCMID,
		UmengID:    blob.UmengID,
		OSType:     blob.OSType,
		OSVersion:  blob.OSVersion,
		PhoneModel: blob.PhoneModel,
		BuildCode:  blob.BuildCode,
	}
	cursors[uid] = cursor
	dirty[uid] = cursor
}

type peerPushResp struct {
	ErrCode int    `json:"errCode"`
	ErrMsg  string `json:"errMsg"`
}

// pushViaPeer 厂商不在本地时，把该消息的目标批量委托给对端进程
func (r *Round) pushViaPeer(ctx context.Context, peer string, gid, mid int64, destinations map[string]apistruct.TokenBlob) error {
	req := &apistruct.PushGroupMsgReq{
		GID:          gid,
		MID:          mid,
		Destinations: destinations,
	}
	url := fmt.Sprintf("http://%s/internal/pushGroupMsg", peer)
	var resp peerPushResp
	if err := r.client.PostReturn(ctx, url, nil, req, &resp, peerRequestTimeout); err != nil {
		return err
	}
	if resp.ErrCode != 0 {
		return errs.New("peer rejected group push", "errCode", resp.ErrCode, "errMsg", resp.ErrMsg).Wrap()
	}
	return nil
}

func hasToken(cursor *redisCache.PushCursor) bool {
	return cursor.APNSID != "" || cursor.FCMID != "" || cursor.UmengID != ""
}
