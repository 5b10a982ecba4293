package membership

import (
	"context"
	"sort"
	"sync"

	"github.com/openimsdk/tools/log"

	"github.com/secimsdk/secure-im-server/internal/dispatch"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/database"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/model"
)

// GroupSubscription 群频道订阅口，由群消息路由实现
type GroupSubscription interface {
	SubscribeGroup(ctx context.Context, gid int64) error
	UnsubscribeGroup(ctx context.Context, gid int64)
}

// entry 在线地址及其客户端信息，噪声筛选按版本过滤
type entry struct {
	addr      dispatch.Address
	osType    int32
	buildCode int64
}

// Index 在线群成员索引
//
// 维护 gid → 在线地址集合 与 uid → 在线地址集合。全部变更经过
// 按键分片的执行器池串行化：用户事件按uid选执行器，群事件按gid
// 选执行器。某群的在线集合从空变非空时订阅 group_<gid> 频道，
// 反向穿越时退订，进程只接收本进程有人在线的群的消息。
type Index struct {
	pool    *executorPool
	groupDB database.GroupUser
	subs    GroupSubscription

	mu    sync.RWMutex
	byUID map[string]map[dispatch.Address]*entry
	byGID map[int64]map[dispatch.Address]*entry
}

func NewIndex(executorNum int, groupDB database.GroupUser, subs GroupSubscription) *Index {
	return &Index{
		pool:    newExecutorPool(executorNum),
		groupDB: groupDB,
		subs:    subs,
		byUID:   make(map[string]map[dispatch.Address]*entry),
		byGID:   make(map[int64]map[dispatch.Address]*entry),
	}
}

// SetSubscription 注入群频道订阅口
//
// 群消息路由持有本索引，构造存在环，订阅口在两者建好后、Start
// 之前补注入。
func (i *Index) SetSubscription(subs GroupSubscription) {
	i.subs = subs
}

// Start 启动执行器池
func (i *Index) Start(ctx context.Context) {
	i.pool.start(ctx)
}

// PostGroupTask 将任务投到gid对应的串行执行器，群消息路由与成员
// 变更共用同一执行器，天然避免两者交错
func (i *Index) PostGroupTask(gid int64, task func()) {
	i.pool.postGID(gid, task)
}

// OnUserOnline 会话上线：登记地址并加入其所在各群的在线集合
//
// 订阅者角色不参与群消息扇出，不进入群集合。
func (i *Index) OnUserOnline(ctx context.Context, addr dispatch.Address, account *model.Account, device *model.Device) {
	e := &entry{addr: addr}
	if device != nil {
		e.osType = device.ClientVersion.OSType
		e.buildCode = device.ClientVersion.BuildCode
	}
	i.pool.postUID(addr.UID, func() {
		joined, err := i.groupDB.FindJoined(ctx, addr.UID)
		if err != nil {
			log.ZError(ctx, "joined groups load failed", err, "uid", addr.UID)
			joined = nil
		}

		var crossed []int64
		i.mu.Lock()
		if i.byUID[addr.UID] == nil {
			i.byUID[addr.UID] = make(map[dispatch.Address]*entry)
		}
		i.byUID[addr.UID][addr] = e
		for _, gu := range joined {
			if gu.Role == model.GroupRoleSubscriber || gu.Mute {
				continue
			}
			if i.byGID[gu.GID] == nil {
				i.byGID[gu.GID] = make(map[dispatch.Address]*entry)
				crossed = append(crossed, gu.GID)
			}
			i.byGID[gu.GID][addr] = e
		}
		i.mu.Unlock()

		for _, gid := range crossed {
			if err := i.subs.SubscribeGroup(ctx, gid); err != nil {
				log.ZError(ctx, "group subscribe failed", err, "gid", gid)
			}
		}
	})
}

// OnUserOffline 会话下线：移出uid集合与各群集合，空穿越时退订
func (i *Index) OnUserOffline(ctx context.Context, addr dispatch.Address) {
	i.pool.postUID(addr.UID, func() {
		gids, err := i.groupDB.FindJoinedGroupIDs(ctx, addr.UID)
		if err != nil {
			log.ZError(ctx, "joined group ids load failed", err, "uid", addr.UID)
		}

		var crossed []int64
		i.mu.Lock()
		if addrs := i.byUID[addr.UID]; addrs != nil {
			delete(addrs, addr)
			if len(addrs) == 0 {
				delete(i.byUID, addr.UID)
			}
		}
		for _, gid := range gids {
			if members := i.byGID[gid]; members != nil {
				delete(members, addr)
				if len(members) == 0 {
					delete(i.byGID, gid)
					crossed = append(crossed, gid)
				}
			}
		}
		i.mu.Unlock()

		for _, gid := range crossed {
			i.subs.UnsubscribeGroup(ctx, gid)
		}
	})
}

// OnUserEnterGroup 用户入群（或解除免打扰后重新生效）
func (i *Index) OnUserEnterGroup(ctx context.Context, uid string, gid int64) {
	i.pool.postGID(gid, func() {
		gu, err := i.groupDB.Take(ctx, gid, uid)
		if err != nil {
			log.ZError(ctx, "group user load failed", err, "gid", gid, "uid", uid)
			return
		}
		if gu.Role == model.GroupRoleSubscriber || gu.Mute {
			return
		}
		i.addToGroup(ctx, uid, gid)
	})
}

// OnUserLeaveGroup 用户退群
func (i *Index) OnUserLeaveGroup(ctx context.Context, uid string, gid int64) {
	i.pool.postGID(gid, func() {
		i.removeFromGroup(ctx, uid, gid)
	})
}

// OnUserMuteGroup 用户设置免打扰，移出在线扇出集合
func (i *Index) OnUserMuteGroup(ctx context.Context, uid string, gid int64) {
	i.pool.postGID(gid, func() {
		i.removeFromGroup(ctx, uid, gid)
	})
}

// OnUserUnmuteGroup 用户解除免打扰
func (i *Index) OnUserUnmuteGroup(ctx context.Context, uid string, gid int64) {
	i.OnUserEnterGroup(ctx, uid, gid)
}

func (i *Index) addToGroup(ctx context.Context, uid string, gid int64) {
	var crossed bool
	i.mu.Lock()
	addrs := i.byUID[uid]
	if len(addrs) > 0 {
		if i.byGID[gid] == nil {
			i.byGID[gid] = make(map[dispatch.Address]*entry)
			crossed = true
		}
		for addr, e := range addrs {
			i.byGID[gid][addr] = e
		}
	}
	i.mu.Unlock()
	if crossed {
		if err := i.subs.SubscribeGroup(ctx, gid); err != nil {
			log.ZError(ctx, "group subscribe failed", err, "gid", gid)
		}
	}
}

func (i *Index) removeFromGroup(ctx context.Context, uid string, gid int64) {
	var crossed bool
	i.mu.Lock()
	if members := i.byGID[gid]; members != nil {
		for addr := range members {
			if addr.UID == uid {
				delete(members, addr)
			}
		}
		if len(members) == 0 {
			delete(i.byGID, gid)
			crossed = true
		}
	}
	i.mu.Unlock()
	if crossed {
		i.subs.UnsubscribeGroup(ctx, gid)
	}
}

// GetGroupMembers 取群当前在线地址集合
func (i *Index) GetGroupMembers(gid int64) []dispatch.Address {
	i.mu.RLock()
	defer i.mu.RUnlock()
	members := i.byGID[gid]
	addrs := make([]dispatch.Address, 0, len(members))
	for addr := range members {
		addrs = append(addrs, addr)
	}
	return addrs
}

// GetUserAddresses 取uid当前的在线地址
func (i *Index) GetUserAddresses(uid string) []dispatch.Address {
	i.mu.RLock()
	defer i.mu.RUnlock()
	addrs := make([]dispatch.Address, 0, len(i.byUID[uid]))
	for addr := range i.byUID[uid] {
		addrs = append(addrs, addr)
	}
	return addrs
}

// GetOnlineUsers 噪声目标游标扫描
//
// 从cursor之后开始按uid有序扫描在线用户，过滤客户端版本低于门限
// 或已在excludeGID在线集合中的地址，最多返回limit个。返回推进后的
// 游标；扫描到尾部时游标为空，下次从头开始。
func (i *Index) GetOnlineUsers(excludeGID int64, cursor string, limit int, minIOS, minAndroid int64) ([]dispatch.Address, string) {
	if limit <= 0 {
		return nil, cursor
	}
	i.mu.RLock()
	defer i.mu.RUnlock()

	uids := make([]string, 0, len(i.byUID))
	for uid := range i.byUID {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	members := i.byGID[excludeGID]
	result := make([]dispatch.Address, 0, limit)
	next := ""
	for _, uid := range uids {
		if uid <= cursor {
			continue
		}
		next = uid
		for addr, e := range i.byUID[uid] {
			if members != nil {
				if _, ok := members[addr]; ok {
					continue
				}
			}
			switch e.osType {
			case model.OSTypeIOS:
				if e.buildCode < minIOS {
					continue
				}
			case model.OSTypeAndroid:
				if e.buildCode < minAndroid {
					continue
				}
			default:
				continue
			}
			result = append(result, addr)
			if len(result) >= limit {
				return result, next
			}
		}
	}
	// 扫到尾部，游标归零
	return result, ""
}
