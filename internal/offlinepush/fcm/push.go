// Package fcm Firebase Cloud Messaging推送适配器
package fcm

import (
	"context"
	"strconv"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/utils/httputil"
	"google.golang.org/api/option"

	"github.com/secimsdk/secure-im-server/internal/offlinepush/options"
	"github.com/secimsdk/secure-im-server/pkg/common/config"
)

type Fcm struct {
	client *messaging.Client
}

// NewClient 初始化Firebase应用并获取消息客户端
//
// 凭据优先取本地服务账号文件，未配置时从authUrl拉取JSON。
func NewClient(cfg *config.FCM) (*Fcm, error) {
	var opt option.ClientOption
	switch {
	case cfg.ServiceAccount != "":
		opt = option.WithCredentialsFile(cfg.ServiceAccount)
	case cfg.AuthURL != "":
		client := httputil.NewHTTPClient(httputil.NewClientConfig())
		resp, err := client.Get(cfg.AuthURL)
		if err != nil {
			return nil, errs.Wrap(err)
		}
		opt = option.WithCredentialsJSON(resp)
	default:
		return nil, errs.New("no FCM credentials configured").Wrap()
	}

	app, err := firebase.NewApp(context.Background(), nil, opt)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	client, err := app.Messaging(context.Background())
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return &Fcm{client: client}, nil
}

func (f *Fcm) Push(ctx context.Context, token string, notification *options.Notification) error {
	msg := &messaging.Message{
		Token: token,
		Data: map[string]string{
			"kind": notification.Kind,
			"gid":  strconv.FormatInt(notification.GID, 10),
			"mid":  strconv.FormatInt(notification.MID, 10),
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	}
	if _, err := f.client.Send(ctx, msg); err != nil {
		return errs.WrapMsg(err, "fcm send failed")
	}
	return nil
}
