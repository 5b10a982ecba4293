// Package apistruct 定义进程间与端云之间的JSON线上结构
package apistruct

// 信封类型
const (
	EnvelopeUnknown      int32 = 0
	EnvelopeCiphertext   int32 = 1 // 会话密文
	EnvelopeKeyExchange  int32 = 2 // 密钥交换
	EnvelopePrekeyBundle int32 = 3 // 预置密钥消息
	EnvelopeReceipt      int32 = 5 // 送达回执
	EnvelopeNoise        int32 = 6 // 噪声消息，不落库不推送
)

// 推送级别
const (
	PushNormal int32 = 0 // 正常推送
	PushSilent int32 = 1 // 静默，不触发厂商推送
)

// Envelope 点对点投递信封
//
// content为业务密文，服务端不解析。落库与下行时整体经signalingKey
// 二次加密（AES-256-CBC + HMAC-SHA256截断10字节）。
type Envelope struct {
	Type               int32  `json:"type"`
	Source             string `json:"source,omitempty"`
	SourceDevice       uint32 `json:"sourceDevice,omitempty"`
	SourceRegistration uint32 `json:"sourceRegistration,omitempty"`
	SourceExtra        string `json:"sourceExtra,omitempty"` // 加密发送者附加信息
	Relay              string `json:"relay,omitempty"`
	Timestamp          int64  `json:"timestamp,omitempty"`
	Content            []byte `json:"content,omitempty"`
	Push               int32  `json:"push,omitempty"`
}

// Mailbox 暂存消息批量下行载荷，PUT /api/v1/messages 的请求体
type Mailbox struct {
	Envelopes []*Envelope `json:"envelopes"`
	More      bool        `json:"more"` // 队列是否还有剩余
}
