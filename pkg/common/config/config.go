/*
 * 配置结构定义模块
 *
 * 定义消息分发核心的全部配置结构体，通过mapstructure标签与YAML
 * 配置文件进行映射，支持环境变量覆盖。
 *
 * 配置分类：
 * 1. 基础设施配置：日志 (Log)、MongoDB (Mongo)、Redis缓存 (Redis)
 * 2. 在线总线配置：分区Redis (Partition)，按名称排序、主节点优先
 * 3. 分发配置：事件工作池 (Dispatcher)、多端互踢 (MultiDevice)
 * 4. 投递配置：加密发送者版本门限 (EncryptSender)、噪声注入 (Noise)
 * 5. 离线推送配置：租约 (Lease)、推送轮次与厂商 (OfflinePush)
 * 6. 对等服务配置：内部HTTP (Peer)、长连接网关 (Gateway)
 */
package config

import (
	"github.com/openimsdk/tools/db/mongoutil"
	"github.com/openimsdk/tools/db/redisutil"
)

// Config 进程完整配置
type Config struct {
	Log           Log           `mapstructure:"log"`
	Mongo         Mongo         `mapstructure:"mongo"`
	Redis         Redis         `mapstructure:"redis"`
	GroupRedis    Partition     `mapstructure:"groupRedis"`
	OnlineRedis   Partition     `mapstructure:"onlineRedis"`
	Dispatcher    Dispatcher    `mapstructure:"dispatcher"`
	MultiDevice   MultiDevice   `mapstructure:"multiDevice"`
	EncryptSender EncryptSender `mapstructure:"encryptSender"`
	Noise         Noise         `mapstructure:"noise"`
	Cache         Cache         `mapstructure:"cache"`
	Lease         Lease         `mapstructure:"lease"`
	OfflinePush   OfflinePush   `mapstructure:"offlinePush"`
	Peer          Peer          `mapstructure:"peer"`
	Gateway       Gateway       `mapstructure:"gateway"`
	Prometheus    Prometheus    `mapstructure:"prometheus"`
}

// Log 日志配置
type Log struct {
	StorageLocation     string `mapstructure:"storageLocation"`     // 日志存储位置
	RotationTime        uint   `mapstructure:"rotationTime"`        // 日志轮转时间（小时）
	RemainRotationCount uint   `mapstructure:"remainRotationCount"` // 保留轮转文件数量
	RemainLogLevel      int    `mapstructure:"remainLogLevel"`      // 日志级别
	IsStdout            bool   `mapstructure:"isStdout"`            // 是否输出到标准输出
	IsJson              bool   `mapstructure:"isJson"`              // 是否使用JSON格式
	IsSimplify          bool   `mapstructure:"isSimplify"`          // 是否使用简化格式
}

// Mongo MongoDB配置
type Mongo struct {
	URI         string   `mapstructure:"uri"`         // 连接URI
	Address     []string `mapstructure:"address"`     // 服务器地址列表
	Database    string   `mapstructure:"database"`    // 数据库名称
	Username    string   `mapstructure:"username"`    // 用户名
	Password    string   `mapstructure:"password"`    // 密码
	AuthSource  string   `mapstructure:"authSource"`  // 认证数据库
	MaxPoolSize int      `mapstructure:"maxPoolSize"` // 最大连接池大小
	MaxRetry    int      `mapstructure:"maxRetry"`    // 最大重试次数
}

// Redis 通用缓存Redis配置（徽章、游标、离线队列、租约）
type Redis struct {
	Address     []string `mapstructure:"address"`     // Redis服务器地址列表
	Username    string   `mapstructure:"username"`    // 用户名（Redis 6.0+）
	Password    string   `mapstructure:"password"`    // 密码
	ClusterMode bool     `mapstructure:"clusterMode"` // 是否集群模式
	DB          int      `mapstructure:"db"`          // 数据库编号（单机模式）
	MaxRetry    int      `mapstructure:"maxRetry"`    // 最大重试次数
	PoolSize    int      `mapstructure:"poolSize"`    // 连接池大小
}

// Partition 分区Redis总线配置
//
// 每个命名分区包含一组节点地址，第一个为主节点，其余为副本，
// 优先级按列表顺序递减。分区名称排序后参与一致性哈希环构建。
type Partition struct {
	Partitions map[string]PartitionNodes `mapstructure:"partitions"` // 分区名 → 节点组
	Password   string                    `mapstructure:"password"`   // 节点统一密码
	Username   string                    `mapstructure:"username"`   // 节点统一用户名
}

// PartitionNodes 单个分区的节点组
type PartitionNodes struct {
	Address []string `mapstructure:"address"` // 节点地址，主节点优先
}

// Dispatcher 分发管理器配置
type Dispatcher struct {
	Concurrency int `mapstructure:"concurrency"` // 事件工作池大小，默认8
	ExecutorNum int `mapstructure:"executorNum"` // 成员索引执行器数量，默认5
}

// MultiDevice 多端登录配置
type MultiDevice struct {
	Enable bool `mapstructure:"enable"` // 是否允许从端设备在线
}

// EncryptSender 加密发送者支持的最低客户端版本
type EncryptSender struct {
	IOSVersion      int64 `mapstructure:"iosVersion"`      // iOS最低构建号，默认1235
	AndroidVersion  int64 `mapstructure:"androidVersion"`  // Android最低构建号，默认1105
	PlainUIDSupport bool  `mapstructure:"plainUidSupport"` // 是否允许明文uid回落
}

// Noise 群消息噪声注入配置
type Noise struct {
	Enable                  bool    `mapstructure:"enable"`                  // 是否启用噪声注入
	Percentage              float64 `mapstructure:"percentage"`              // 噪声比例（基于在线人数）
	IOSSupportedVersion     int64   `mapstructure:"iosSupportedVersion"`     // 可作为噪声目标的iOS最低构建号
	AndroidSupportedVersion int64   `mapstructure:"androidSupportedVersion"` // 可作为噪声目标的Android最低构建号
}

// Cache 进程内缓存配置
type Cache struct {
	GroupKeysLimit int `mapstructure:"groupKeysLimit"` // 群密钥FIFO缓存容量
}

// Lease 离线推送轮次租约配置
type Lease struct {
	Key        string `mapstructure:"key"`        // 租约键名
	TTLSeconds int    `mapstructure:"ttlSeconds"` // 租约过期时间（秒），默认10
}

// OfflinePush 离线推送轮次配置
type OfflinePush struct {
	IntervalSeconds int      `mapstructure:"intervalSeconds"` // 轮次间隔（秒）
	Concurrency     int      `mapstructure:"concurrency"`     // 群任务并发上限
	EnableVendors   []string `mapstructure:"enableVendors"`   // 本进程启用的推送厂商
	APNS            APNS     `mapstructure:"apns"`
	FCM             FCM      `mapstructure:"fcm"`
	Umeng           Umeng    `mapstructure:"umeng"`
}

// APNS 苹果推送厂商配置
type APNS struct {
	GatewayURL string `mapstructure:"gatewayUrl"` // 推送网关地址
	Topic      string `mapstructure:"topic"`      // 应用bundle id
	VoipTopic  string `mapstructure:"voipTopic"`  // VoIP推送topic
	AuthToken  string `mapstructure:"authToken"`  // 网关鉴权token
}

// FCM 谷歌推送厂商配置
type FCM struct {
	ServiceAccount string `mapstructure:"serviceAccount"` // 服务账号凭据文件路径
	AuthURL        string `mapstructure:"authUrl"`        // 自定义凭据地址（可选）
}

// Umeng 友盟推送厂商配置
type Umeng struct {
	AppKey       string `mapstructure:"appKey"`
	MasterSecret string `mapstructure:"masterSecret"`
	URL          string `mapstructure:"url"` // 推送接口地址
}

// Peer 对等服务内部HTTP配置
type Peer struct {
	ListenIP      string `mapstructure:"listenIP"`      // 监听地址
	ListenPort    int    `mapstructure:"listenPort"`    // 监听端口
	AdvertiseAddr string `mapstructure:"advertiseAddr"` // 对外通告地址，空则按监听地址
}

// Gateway 长连接网关配置
type Gateway struct {
	ListenPort       int   `mapstructure:"listenPort"`       // WebSocket监听端口
	MaxConnNum       int64 `mapstructure:"maxConnNum"`       // 最大连接数
	HandshakeTimeout int   `mapstructure:"handshakeTimeout"` // 握手超时（秒）
	MessageMaxLength int   `mapstructure:"messageMaxLength"` // 最大消息长度
}

// Prometheus 监控配置
type Prometheus struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

func (m *Mongo) Build() *mongoutil.Config {
	return &mongoutil.Config{
		Uri:         m.URI,
		Address:     m.Address,
		Database:    m.Database,
		Username:    m.Username,
		Password:    m.Password,
		AuthSource:  m.AuthSource,
		MaxPoolSize: m.MaxPoolSize,
		MaxRetry:    m.MaxRetry,
	}
}

func (r *Redis) Build() *redisutil.Config {
	return &redisutil.Config{
		ClusterMode: r.ClusterMode,
		Address:     r.Address,
		Username:    r.Username,
		Password:    r.Password,
		DB:          r.DB,
		MaxRetry:    r.MaxRetry,
		PoolSize:    r.PoolSize,
	}
}
