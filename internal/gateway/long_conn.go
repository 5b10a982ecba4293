package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/openimsdk/tools/errs"
)

// PingPongHandler 心跳帧处理函数
type PingPongHandler func(appData string) error

// LongConn 长连接抽象
//
// 封装底层连接的读写与超时操作，便于测试时替换实现。
type LongConn interface {
	// Close 关闭连接
	Close() error
	// WriteMessage 写一帧，messageType为文本(1)或二进制(2)
	WriteMessage(messageType int, message []byte) error
	// ReadMessage 读一帧
	ReadMessage() (int, []byte, error)
	// SetReadDeadline 设置读超时
	SetReadDeadline(timeout time.Duration) error
	// SetWriteDeadline 设置写超时
	SetWriteDeadline(timeout time.Duration) error
	// SetReadLimit 设置单帧最大字节数
	SetReadLimit(limit int64)
	// SetPongHandler 设置pong处理器
	SetPongHandler(handler PingPongHandler)
	// Upgrade 把HTTP请求升级为长连接
	Upgrade(w http.ResponseWriter, r *http.Request) error
}

// GWebSocket 基于gorilla/websocket的长连接实现
type GWebSocket struct {
	conn             *websocket.Conn
	handshakeTimeout time.Duration
}

func newGWebSocket(handshakeTimeout time.Duration) *GWebSocket {
	return &GWebSocket{handshakeTimeout: handshakeTimeout}
}

func (g *GWebSocket) Upgrade(w http.ResponseWriter, r *http.Request) error {
	upgrader := &websocket.Upgrader{
		HandshakeTimeout: g.handshakeTimeout,
		CheckOrigin:      func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return errs.WrapMsg(err, "websocket upgrade failed")
	}
	g.conn = conn
	return nil
}

func (g *GWebSocket) Close() error {
	return g.conn.Close()
}

func (g *GWebSocket) WriteMessage(messageType int, message []byte) error {
	return g.conn.WriteMessage(messageType, message)
}

func (g *GWebSocket) ReadMessage() (int, []byte, error) {
	return g.conn.ReadMessage()
}

func (g *GWebSocket) SetReadDeadline(timeout time.Duration) error {
	return g.conn.SetReadDeadline(time.Now().Add(timeout))
}

func (g *GWebSocket) SetWriteDeadline(timeout time.Duration) error {
	if timeout <= 0 {
		return errs.New("timeout must be greater than 0").Wrap()
	}
	return g.conn.SetWriteDeadline(time.Now().Add(timeout))
}

func (g *GWebSocket) SetReadLimit(limit int64) {
	g.conn.SetReadLimit(limit)
}

func (g *GWebSocket) SetPongHandler(handler PingPongHandler) {
	g.conn.SetPongHandler(handler)
}
