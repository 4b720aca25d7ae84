package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// GlobalConfig 描述全局运行时行为，日志与存储参数全站共享。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	NotifyDelay     Duration `mapstructure:"NotifyDelay"`
	ClientTTL       Duration `mapstructure:"ClientTTL"`
}

// DeploymentConfig 决定网关前置的静态站点如何被代理与快照化。
type DeploymentConfig struct {
	// Upstream 是源站地址，所有回源请求都解析到它之下。
	Upstream string `mapstructure:"Upstream"`
	// Scope 是部署根路径，快照命名与入口文档推断都以它为基准。
	Scope string `mapstructure:"Scope"`
	// ManifestPath 是版本描述文件相对 Scope 的路径。
	ManifestPath string `mapstructure:"ManifestPath"`
	// CleanupPrefix/CleanupKeep 描述次级清理组：升级时顺带删除该前缀下的
	// 旧快照，仅保留最近 CleanupKeep 个。
	CleanupPrefix string `mapstructure:"CleanupPrefix"`
	CleanupKeep   int    `mapstructure:"CleanupKeep"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global     GlobalConfig     `mapstructure:",squash"`
	Deployment DeploymentConfig `mapstructure:"Deployment"`
}
