// Package gateway WebSocket长连接网关
//
// 客户端以 /ws?uid=<uid>&deviceId=<id> 建立长连接；网关校验账号与
// 设备后向分发管理器注册会话，连接断开时按当时的会话身份注销，
// 不会误注销后来者。
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"
	"github.com/openimsdk/tools/utils/timeutil"

	"github.com/secimsdk/secure-im-server/internal/dispatch"
	"github.com/secimsdk/secure-im-server/pkg/common/config"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/controller"
)

// Server 长连接网关
type Server struct {
	cfg      *config.Gateway
	mgr      *dispatch.Manager
	accounts *controller.AccountStore

	onlineConnNum atomic.Int64
	srv           *http.Server
}

func NewServer(cfg *config.Gateway, mgr *dispatch.Manager, accounts *controller.AccountStore) *Server {
	return &Server{cfg: cfg, mgr: mgr, accounts: accounts}
}

// Start 启动监听，阻塞直到服务退出
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.wsHandler(ctx, w, r)
	})
	s.srv = &http.Server{
		Addr:    ":" + strconv.Itoa(s.cfg.ListenPort),
		Handler: mux,
	}
	log.ZInfo(ctx, "gateway listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errs.WrapMsg(err, "gateway exited", "addr", s.srv.Addr)
	}
	return nil
}

func (s *Server) Stop() {
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}

func parseAddress(r *http.Request) (dispatch.Address, error) {
	uid := r.URL.Query().Get("uid")
	if uid == "" {
		return dispatch.Address{}, errs.New("missing uid").Wrap()
	}
	deviceID, err := strconv.ParseUint(r.URL.Query().Get("deviceId"), 10, 32)
	if err != nil || deviceID == 0 {
		return dispatch.Address{}, errs.New("bad deviceId").Wrap()
	}
	return dispatch.Address{UID: uid, DeviceID: uint32(deviceID)}, nil
}

func (s *Server) wsHandler(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxConnNum > 0 && s.onlineConnNum.Load() >= s.cfg.MaxConnNum {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	addr, err := parseAddress(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn := newGWebSocket(time.Duration(s.cfg.HandshakeTimeout) * time.Second)
	if err := conn.Upgrade(w, r); err != nil {
		log.ZWarn(ctx, "connection upgrade failed", err, "uid", addr.UID)
		return
	}
	if s.cfg.MessageMaxLength > 0 {
		conn.SetReadLimit(int64(s.cfg.MessageMaxLength))
	}

	session := newSession(addr, conn, s.accounts)
	// 账号或设备不存在的连接直接拒绝
	if _, _, err := session.AuthenticatedAccount(r.Context(), true); err != nil {
		log.ZWarn(ctx, "session auth failed", err, "uid", addr.UID, "deviceId", addr.DeviceID)
		session.Disconnect()
		return
	}

	identity, err := s.mgr.Subscribe(ctx, addr, session)
	if err != nil {
		log.ZError(ctx, "session subscribe failed", err, "uid", addr.UID, "deviceId", addr.DeviceID)
		session.Disconnect()
		return
	}
	s.onlineConnNum.Add(1)
	log.ZDebug(ctx, "session online", "uid", addr.UID, "deviceId", addr.DeviceID,
		"identity", fmt.Sprintf("%016x", identity), "online", s.onlineConnNum.Load())

	go func() {
		defer func() {
			s.onlineConnNum.Add(-1)
			s.mgr.Unsubscribe(ctx, addr, identity)
			if err := s.accounts.UpdateDeviceLastSeen(ctx, addr.UID, addr.DeviceID,
				timeutil.GetCurrentTimestampByMill()); err != nil {
				log.ZWarn(ctx, "device last seen update failed", err, "uid", addr.UID)
			}
			log.ZDebug(ctx, "session offline", "uid", addr.UID, "deviceId", addr.DeviceID)
		}()
		session.readLoop(ctx)
	}()
}
