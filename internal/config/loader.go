package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyDeploymentDefaults(&cfg.Deployment)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("NotifyDelay", "500ms")
	v.SetDefault("ClientTTL", "45s")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.NotifyDelay.DurationValue() == 0 {
		g.NotifyDelay = Duration(500 * time.Millisecond)
	}
	if g.ClientTTL.DurationValue() == 0 {
		g.ClientTTL = Duration(45 * time.Second)
	}
}

func applyDeploymentDefaults(d *DeploymentConfig) {
	if strings.TrimSpace(d.Scope) == "" {
		d.Scope = "/"
	}
	if !strings.HasPrefix(d.Scope, "/") {
		d.Scope = "/" + d.Scope
	}
	if !strings.HasSuffix(d.Scope, "/") {
		d.Scope += "/"
	}
	if strings.TrimSpace(d.ManifestPath) == "" {
		// 默认使用 .json 后缀的文件名，避免服务器返回含糊的 MIME 类型。
		d.ManifestPath = "offline-manifest.json"
	}
	d.ManifestPath = strings.TrimPrefix(d.ManifestPath, "/")
	if d.CleanupKeep < 0 {
		d.CleanupKeep = 0
	}
}

// Validate 检查必填字段与取值范围，返回首个 FieldError。
func (c *Config) Validate() error {
	if c.Global.ListenPort <= 0 || c.Global.ListenPort > 65535 {
		return newFieldError("ListenPort", fmt.Sprintf("端口号非法: %d", c.Global.ListenPort))
	}
	if strings.TrimSpace(c.Global.StoragePath) == "" {
		return newFieldError("StoragePath", "存储目录不能为空")
	}

	upstream := strings.TrimSpace(c.Deployment.Upstream)
	if upstream == "" {
		return newFieldError(deploymentField("Upstream"), "源站地址不能为空")
	}
	parsed, err := url.Parse(upstream)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return newFieldError(deploymentField("Upstream"), fmt.Sprintf("源站地址非法: %s", upstream))
	}

	return nil
}

// UpstreamURL 返回解析后的源站地址，调用方应在 Validate 通过后使用。
func (c *Config) UpstreamURL() (*url.URL, error) {
	return url.Parse(strings.TrimSpace(c.Deployment.Upstream))
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
