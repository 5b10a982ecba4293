/*
 * 账号与设备数据模型
 *
 * 账号以uid为主键，内嵌全部设备。设备1为主设备，承载离线厂商推送；
 * 其余为从端设备。signalingKey用于下行信封加密（AES-256-CBC + HMAC）。
 */
package model

// 操作系统类型
const (
	OSTypeUnknown = 0
	OSTypeIOS     = 1
	OSTypeAndroid = 2
)

// 账号状态
const (
	AccountStateNormal  = 0 // 正常
	AccountStateDeleted = 1 // 已注销，禁止投递
)

// MasterDeviceID 主设备编号
const MasterDeviceID uint32 = 1

// ClientVersion 设备客户端版本信息
type ClientVersion struct {
	OSType     int32  `bson:"os_type"`
	OSVersion  string `bson:"os_version"`
	PhoneModel string `bson:"phone_model"`
	BuildCode  int64  `bson:"build_code"`
}

// Device 登录设备
type Device struct {
	ID             uint32        `bson:"id"`
	RegistrationID uint32        `bson:"registration_id"` // 注册轮次，重装递增
	SignalingKey   string        `bson:"signaling_key"`   // base64(32字节AES密钥 || 20字节MAC密钥)
	APNSID         string        `bson:"apns_id"`
	VoipAPNSID     string        `bson:"voip_apns_id"`
	FCMID          string        `bson:"fcm_id"`
	UmengID        string        `bson:"umeng_id"`
	Pushable       bool          `bson:"pushable"` // 是否接受厂商推送
	ClientVersion  ClientVersion `bson:"client_version"`
	LastSeenTime   int64         `bson:"last_seen_time"`
}

// Account 账号
type Account struct {
	UID     string    `bson:"uid"`
	State   int32     `bson:"state"`
	Devices []*Device `bson:"devices"`
}

// Device 按设备编号查找设备，不存在返回nil
func (a *Account) Device(deviceID uint32) *Device {
	for _, d := range a.Devices {
		if d.ID == deviceID {
			return d
		}
	}
	return nil
}

// MasterDevice 返回主设备，不存在返回nil
func (a *Account) MasterDevice() *Device {
	return a.Device(MasterDeviceID)
}

// Deleted 账号是否已注销
func (a *Account) Deleted() bool {
	return a.State == AccountStateDeleted
}
