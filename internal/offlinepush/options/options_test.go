package options

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/secimsdk/secure-im-server/pkg/apistruct"
	"github.com/secimsdk/secure-im-server/pkg/common/storage/model"
)

func TestNotificationVendor(t *testing.T) {
	cases := []struct {
		name   string
		tokens apistruct.TokenBlob
		want   string
	}{
		{"ios apns", apistruct.TokenBlob{OSType: model.OSTypeIOS, APNSID: "a"}, VendorAPNS},
		{"ios without token", apistruct.TokenBlob{OSType: model.OSTypeIOS}, ""},
		{"android fcm", apistruct.TokenBlob{OSType: model.OSTypeAndroid, FCMID: "f"}, VendorFCM},
		{"android umeng fallback", apistruct.TokenBlob{OSType: model.OSTypeAndroid, UmengID: "u"}, VendorUmeng},
		{"android prefers fcm", apistruct.TokenBlob{OSType: model.OSTypeAndroid, FCMID: "f", UmengID: "u"}, VendorFCM},
		{"unknown os apns", apistruct.TokenBlob{APNSID: "a"}, VendorAPNS},
		{"unknown os fcm", apistruct.TokenBlob{FCMID: "f"}, VendorFCM},
		{"no token", apistruct.TokenBlob{}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := &Notification{Tokens: tc.tokens}
			assert.Equal(t, tc.want, n.Vendor())
		})
	}
}

func TestNotificationToken(t *testing.T) {
	n := &Notification{Tokens: apistruct.TokenBlob{APNSID: "a", FCMID: "f", UmengID: "u"}}
	assert.Equal(t, "a", n.Token(VendorAPNS))
	assert.Equal(t, "f", n.Token(VendorFCM))
	assert.Equal(t, "u", n.Token(VendorUmeng))
	assert.Empty(t, n.Token("unknown"))
}
