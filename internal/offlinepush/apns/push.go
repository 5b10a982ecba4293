// Package apns 苹果推送适配器
//
// 推送经由内部APNs网关转发，网关负责证书与HTTP/2会话管理，
// 本适配器只负责构造通知内容。
package apns

import (
	"context"

	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/utils/httputil"

	"github.com/secimsdk/secure-im-server/internal/offlinepush/options"
	"github.com/secimsdk/secure-im-server/pkg/common/config"
)

const requestTimeout = 5

type Apns struct {
	cfg    *config.APNS
	client *httputil.HTTPClient
}

func NewClient(cfg *config.APNS) (*Apns, error) {
	if cfg.GatewayURL == "" {
		return nil, errs.New("no APNs gateway configured").Wrap()
	}
	return &Apns{
		cfg:    cfg,
		client: httputil.NewHTTPClient(httputil.NewClientConfig()),
	}, nil
}

type pushReq struct {
	Token string `json:"token"`
	Topic string `json:"topic"`
	Badge int64  `json:"badge"`
	Kind  string `json:"kind"`
	GID   int64  `json:"gid,omitempty"`
	MID   int64  `json:"mid,omitempty"`
}

type pushResp struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (a *Apns) Push(ctx context.Context, token string, notification *options.Notification) error {
	req := &pushReq{
		Token: token,
		Topic: a.cfg.Topic,
		Badge: notification.Badge,
		Kind:  notification.Kind,
		GID:   notification.GID,
		MID:   notification.MID,
	}
	headers := map[string]string{"Authorization": a.cfg.AuthToken}
	var resp pushResp
	if err := a.client.PostReturn(ctx, a.cfg.GatewayURL, headers, req, &resp, requestTimeout); err != nil {
		return errs.WrapMsg(err, "apns gateway request failed")
	}
	if resp.Code != 0 {
		return errs.New("apns gateway rejected push", "code", resp.Code, "msg", resp.Msg).Wrap()
	}
	return nil
}
