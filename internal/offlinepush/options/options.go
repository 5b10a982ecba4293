// Package options 定义离线推送的通知载荷与厂商路由
package options

import (
	"github.com/secimsdk/secure-im-server/pkg/apistruct"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/model"
)

// 推送厂商标识
const (
	VendorAPNS  = "apns"
	VendorFCM   = "fcm"
	VendorUmeng = "umeng"
	VendorDummy = "dummy"
)

// 通知种类
const (
	KindP2P   = "p2p"
	KindGroup = "group"
)

// Notification 厂商无关的推送通知
//
// 群通知只携带 (gid, mid) 提示，内容留给客户端拉取；badge固定为1
// 的增量语义由各厂商适配器翻译。
type Notification struct {
	Kind   string
	GID    int64
	MID    int64
	Badge  int64
	Tokens apistruct.TokenBlob
}

// Vendor 按令牌与系统类型推导厂商，无可用令牌返回空串
func (n *Notification) Vendor() string {
	switch n.Tokens.OSType {
	case model.OSTypeIOS:
		if n.Tokens.APNSID != "" {
			return VendorAPNS
		}
	case model.OSTypeAndroid:
		if n.Tokens.FCMID != "" {
			return VendorFCM
		}
		if n.Tokens.UmengID != "" {
			return VendorUmeng
		}
	}
	// 系统类型未知时按令牌存在性兜底
	switch {
	case n.Tokens.APNSID != "":
		return VendorAPNS
	case n.Tokens.FCMID != "":
		return VendorFCM
	case n.Tokens.UmengID != "":
		return VendorUmeng
	}
	return ""
}

// Token 返回所选厂商对应的设备令牌
func (n *Notification) Token(vendor string) string {
	switch vendor {
	case VendorAPNS:
		return n.Tokens.APNSID
	case VendorFCM:
		return n.Tokens.FCMID
	case VendorUmeng:
		return n.Tokens.UmengID
	}
	return ""
}
