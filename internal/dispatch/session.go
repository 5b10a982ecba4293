package dispatch

import (
	"context"

	"github.com/secimsdk/secure-im-server/pkg/common/storage/model"
)

// 会话请求路径
const (
	PathMessage      = "/api/v1/message"       // 单条信封下行
	PathMessages     = "/api/v1/messages"      // 暂存信箱批量下行
	PathQueueEmpty   = "/api/v1/queue/empty"   // 暂存队列排空通知
	PathDevices      = "/api/v1/devices"       // 多端设备变更通知
	PathFriends      = "/api/v1/friends"       // 联系人事件通知
	PathGroupMessage = "/api/v1/group_message" // 群消息通知
)

// StatusConnClosed 连接在应答前关闭
const StatusConnClosed uint32 = 599

// Request 服务端主动下行的请求帧
type Request struct {
	Verb string
	Path string
	Body []byte
}

// Response 客户端应答帧
type Response struct {
	Status  uint32
	Message string
	Body    []byte
}

// Ok 应答是否成功
func (r *Response) Ok() bool {
	return r.Status >= 200 && r.Status < 300
}

// Session 下行会话
//
// 由长连接网关实现。SendRequest在连接关闭时以StatusConnClosed应答
// 而不是悬挂。实现方保证并发安全。
type Session interface {
	// SendRequest 下行请求并等待客户端应答
	SendRequest(ctx context.Context, req *Request) (*Response, error)
	// AuthenticatedAccount 取会话绑定的账号与设备，refresh时回源存储
	AuthenticatedAccount(ctx context.Context, refresh bool) (*model.Account, *model.Device, error)
	// Disconnect 关闭底层连接
	Disconnect()
}
