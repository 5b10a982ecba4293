// Package umeng 友盟推送适配器
package umeng

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/utils/httputil"

	"github.com/secimsdk/secure-im-server/internal/offlinepush/options"
	"github.com/secimsdk/secure-im-server/pkg/common/config"
)

const requestTimeout = 5

type Umeng struct {
	cfg    *config.Umeng
	client *httputil.HTTPClient
}

func NewClient(cfg *config.Umeng) (*Umeng, error) {
	if cfg.AppKey == "" || cfg.MasterSecret == "" || cfg.URL == "" {
		return nil, errs.New("incomplete umeng config").Wrap()
	}
	return &Umeng{
		cfg:    cfg,
		client: httputil.NewHTTPClient(httputil.NewClientConfig()),
	}, nil
}

type pushReq struct {
	AppKey       string         `json:"appkey"`
	Timestamp    string         `json:"timestamp"`
	Type         string         `json:"type"`
	DeviceTokens string         `json:"device_tokens"`
	Payload      map[string]any `json:"payload"`
}

type pushResp struct {
	Ret string `json:"ret"`
}

func (u *Umeng) Push(ctx context.Context, token string, notification *options.Notification) error {
	req := &pushReq{
		AppKey:       u.cfg.AppKey,
		Timestamp:    strconv.FormatInt(time.Now().Unix(), 10),
		Type:         "unicast",
		DeviceTokens: token,
		Payload: map[string]any{
			"display_type": "message",
			"body": map[string]any{
				"custom": map[string]any{
					"kind": notification.Kind,
					"gid":  notification.GID,
					"mid":  notification.MID,
				},
			},
		},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return errs.Wrap(err)
	}
	// 友盟签名：md5(POST + url + body + master_secret)
	sum := md5.Sum([]byte("POST" + u.cfg.URL + string(body) + u.cfg.MasterSecret))
	url := fmt.Sprintf("%s?sign=%s", u.cfg.URL, hex.EncodeToString(sum[:]))

	var resp pushResp
	if err := u.client.PostReturn(ctx, url, nil, req, &resp, requestTimeout); err != nil {
		return errs.WrapMsg(err, "umeng request failed")
	}
	if resp.Ret != "SUCCESS" {
		return errs.New("umeng rejected push", "ret", resp.Ret).Wrap()
	}
	return nil
}
