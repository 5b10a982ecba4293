/*
 * 配置文件加载模块
 *
 * 基于Viper实现配置文件读取，支持YAML配置与环境变量覆盖。
 * 环境变量规则：前缀 + 配置路径（点号替换为下划线并转大写），
 * 例如 SECIM_REDIS_ADDRESS 覆盖 redis.address。
 */
package config

import (
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/openimsdk/tools/errs"
	"github.com/spf13/viper"
)

// LoadConfig 加载配置文件并映射到目标结构体
// 参数：
//   - path: 配置文件路径
//   - envPrefix: 环境变量前缀，用于区分不同服务
//   - config: 目标结构体指针，字段使用mapstructure标签
func LoadConfig(path string, envPrefix string, config any) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return errs.WrapMsg(err, "failed to read config file", "path", path, "envPrefix", envPrefix)
	}

	if err := v.Unmarshal(config, func(config *mapstructure.DecoderConfig) {
		config.TagName = "mapstructure"
	}); err != nil {
		return errs.WrapMsg(err, "failed to unmarshal config", "path", path, "envPrefix", envPrefix)
	}

	return nil
}
