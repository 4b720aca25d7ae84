package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供路径/快照/命中状态字段，供请求分发日志复用。
func RequestFields(path, snapshot string, navigation, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"path":       path,
		"snapshot":   snapshot,
		"navigation": navigation,
		"cache_hit":  cacheHit,
	}
}
