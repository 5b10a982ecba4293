package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"

	"github.com/secimsdk/secure-im-server/internal/dispatch"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/controller"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// 帧类型
const (
	frameRequest  = "request"  // 服务端下行请求
	frameResponse = "response" // 客户端应答
)

// wireFrame 长连接上的JSON帧
//
// 下行请求携带verb/path/body，客户端以相同id应答status/body。
type wireFrame struct {
	ID      uint64 `json:"id"`
	Kind    string `json:"kind"`
	Verb    string `json:"verb,omitempty"`
	Path    string `json:"path,omitempty"`
	Status  uint32 `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	Body    []byte `json:"body,omitempty"`
}

// wsSession 单个长连接的下行会话
//
// 以自增id关联下行请求与客户端应答；连接关闭时所有挂起的请求
// 立即以连接关闭状态码应答，调用方不会悬挂。
type wsSession struct {
	addr     dispatch.Address
	conn     LongConn
	accounts *controller.AccountStore

	msgIncr atomic.Uint64
	closed  atomic.Bool

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan *dispatch.Response

	accountMu sync.Mutex
	account   *model.Account
	device    *model.Device
}

func newSession(addr dispatch.Address, conn LongConn, accounts *controller.AccountStore) *wsSession {
	return &wsSession{
		addr:     addr,
		conn:     conn,
		accounts: accounts,
		pending:  make(map[uint64]chan *dispatch.Response),
	}
}

// SendRequest 下行一条请求并等待应答
func (s *wsSession) SendRequest(ctx context.Context, req *dispatch.Request) (*dispatch.Response, error) {
	if s.closed.Load() {
		return &dispatch.Response{Status: dispatch.StatusConnClosed, Message: "connection closed"}, nil
	}
	id := s.msgIncr.Add(1)
	frame := &wireFrame{
		ID:   id,
		Kind: frameRequest,
		Verb: req.Verb,
		Path: req.Path,
		Body: req.Body,
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return nil, errs.Wrap(err)
	}

	ch := make(chan *dispatch.Response, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()

	if err := s.write(raw); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
		s.Disconnect()
		return &dispatch.Response{Status: dispatch.StatusConnClosed, Message: "write failed"}, nil
	}

	select {
	case <-ctx.Done():
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
		return nil, errs.Wrap(ctx.Err())
	case resp := <-ch:
		return resp, nil
	}
}

func (s *wsSession) write(raw []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(writeWait); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

// AuthenticatedAccount 取会话绑定的账号与设备
func (s *wsSession) AuthenticatedAccount(ctx context.Context, refresh bool) (*model.Account, *model.Device, error) {
	s.accountMu.Lock()
	defer s.accountMu.Unlock()
	if !refresh && s.account != nil {
		return s.account, s.device, nil
	}
	account, err := s.accounts.Take(ctx, s.addr.UID)
	if err != nil {
		return nil, nil, err
	}
	device := account.Device(s.addr.DeviceID)
	if device == nil {
		return nil, nil, errs.New("device not registered", "uid", s.addr.UID, "deviceId", s.addr.DeviceID).Wrap()
	}
	s.account = account
	s.device = device
	return account, device, nil
}

// Disconnect 关闭底层连接，幂等
func (s *wsSession) Disconnect() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	_ = s.conn.Close()
	s.failPending()
}

// failPending 连接关闭后结清所有挂起的下行请求
func (s *wsSession) failPending() {
	s.pendingMu.Lock()
	pending := s.pending
	s.pending = make(map[uint64]chan *dispatch.Response)
	s.pendingMu.Unlock()
	for _, ch := range pending {
		ch <- &dispatch.Response{Status: dispatch.StatusConnClosed, Message: "connection closed"}
	}
}

// readLoop 读客户端帧直到连接断开，返回时连接已关闭
func (s *wsSession) readLoop(ctx context.Context) {
	_ = s.conn.SetReadDeadline(pongWait)
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(pongWait)
	})
	go s.pingLoop(ctx)

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.Disconnect()
			return
		}
		var frame wireFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.ZWarn(ctx, "bad frame from client", err, "uid", s.addr.UID, "deviceId", s.addr.DeviceID)
			continue
		}
		if frame.Kind != frameResponse {
			continue
		}
		s.pendingMu.Lock()
		ch, ok := s.pending[frame.ID]
		delete(s.pending, frame.ID)
		s.pendingMu.Unlock()
		if !ok {
			continue
		}
		ch <- &dispatch.Response{Status: frame.Status, Message: frame.Message, Body: frame.Body}
	}
}

func (s *wsSession) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.closed.Load() {
				return
			}
			s.writeMu.Lock()
			if err := s.conn.SetWriteDeadline(writeWait); err == nil {
				err = s.conn.WriteMessage(websocket.PingMessage, nil)
			}
			s.writeMu.Unlock()
		}
	}
}
