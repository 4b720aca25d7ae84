package snapshot

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
)

// Registry 是快照集合的唯一事实来源：按部署 baseName 过滤存储中的快照，
// 实现 oldest-wins 选取策略，并在安全时机执行升级清理。
type Registry struct {
	store         Store
	baseName      string
	cleanupPrefix string
	cleanupKeep   int
	logger        *logrus.Logger
}

// NewRegistry 构造注册表。scope 决定 baseName，保证同源的多个部署互不干扰；
// cleanupPrefix/cleanupKeep 描述升级时顺带清理的次级快照组。
func NewRegistry(store Store, scope, cleanupPrefix string, cleanupKeep int, logger *logrus.Logger) *Registry {
	return &Registry{
		store:         store,
		baseName:      BaseNameForScope(scope),
		cleanupPrefix: cleanupPrefix,
		cleanupKeep:   cleanupKeep,
		logger:        logger,
	}
}

// BaseNameForScope 从部署根路径派生快照名前缀，例如 "/app/" → "offgate-app--v"。
//
// scope 令牌经 sanitizeToken 归一后绝不含连续连字符，因此 "--v" 是令牌
// 与版本之间无歧义的边界：一个部署的前缀不可能是另一个部署快照名的前缀
// （根部署 "offgate--v" 与任何 "offgate-<token>--v" 在第 8 位即分叉）。
func BaseNameForScope(scope string) string {
	token := sanitizeToken(strings.Trim(scope, "/"))
	if token == "" {
		return "offgate--v"
	}
	return "offgate-" + token + "--v"
}

// BaseName 返回当前部署的快照名前缀。
func (r *Registry) BaseName() string {
	return r.baseName
}

// SnapshotName 把版本令牌映射为快照名；版本相等性是唯一的缓存判定标准。
func (r *Registry) SnapshotName(version string) string {
	return r.baseName + sanitizeToken(version)
}

// List 返回当前部署的全部快照，从旧到新。
func (r *Registry) List(ctx context.Context) ([]Info, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var owned []Info
	for _, info := range all {
		if strings.HasPrefix(info.Name, r.baseName) {
			owned = append(owned, info)
		}
	}
	return owned, nil
}

// Exists 判断指定版本的快照是否已完整缓存。
func (r *Registry) Exists(ctx context.Context, name string) (bool, error) {
	return r.store.Exists(ctx, name)
}

// IsUpdatePending 为真当且仅当存在两个以上快照：第二个快照只可能由
// 已完成、等待晋升的新版本构建产生。
func (r *Registry) IsUpdatePending(ctx context.Context) (bool, error) {
	owned, err := r.List(ctx)
	if err != nil {
		return false, err
	}
	return len(owned) >= 2, nil
}

// SelectForRequest 为一次请求选定权威快照。
//
// 非导航请求永远拿最旧的快照，避免单个会话混用两个版本的资源；
// 导航请求在只剩一个打开的浏览上下文时才晋升到最新快照并清理其余。
func (r *Registry) SelectForRequest(ctx context.Context, isNavigation bool, activeClients int) (string, error) {
	owned, err := r.List(ctx)
	if err != nil {
		return "", err
	}
	if len(owned) == 0 {
		return "", ErrSnapshotMissing
	}

	if len(owned) == 1 || !isNavigation {
		return owned[0].Name, nil
	}

	// 还有其他上下文在用旧版本时删除它们的快照并不安全，继续沿用最旧的。
	if activeClients > 1 {
		return owned[0].Name, nil
	}

	newest := owned[len(owned)-1]
	for _, info := range owned[:len(owned)-1] {
		if err := r.store.Delete(ctx, info.Name); err != nil {
			r.logCleanupFailure(info.Name, err)
		}
	}
	r.cleanupSecondary(ctx)

	return newest.Name, nil
}

// cleanupSecondary 删除次级前缀组中的旧快照，保留最近 cleanupKeep 个。
// 失败只记日志：清理是尽力而为，绝不影响请求服务。
func (r *Registry) cleanupSecondary(ctx context.Context) {
	if r.cleanupPrefix == "" {
		return
	}

	all, err := r.store.List(ctx)
	if err != nil {
		r.logCleanupFailure(r.cleanupPrefix+"*", err)
		return
	}

	var group []Info
	for _, info := range all {
		if strings.HasPrefix(info.Name, r.baseName) {
			continue
		}
		if strings.HasPrefix(info.Name, r.cleanupPrefix) {
			group = append(group, info)
		}
	}

	if len(group) <= r.cleanupKeep {
		return
	}
	for _, info := range group[:len(group)-r.cleanupKeep] {
		if err := r.store.Delete(ctx, info.Name); err != nil {
			r.logCleanupFailure(info.Name, err)
		}
	}
}

func (r *Registry) logCleanupFailure(name string, err error) {
	if r.logger == nil {
		return
	}
	r.logger.WithError(err).WithFields(logrus.Fields{
		"action":   "snapshot_cleanup",
		"snapshot": name,
	}).Warn("snapshot_cleanup_failed")
}

// sanitizeToken 把任意令牌收敛为文件系统安全的字符集：不安全字符与连字
// 符都视为分隔符，连续分隔符折叠为单个 '-'，首尾分隔符丢弃。结果因此
// 绝不含 "--"，也不以 '-' 开头或结尾。
func sanitizeToken(token string) string {
	var b strings.Builder
	pending := false
	for _, r := range token {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9', r == '.', r == '_':
			if pending && b.Len() > 0 {
				b.WriteByte('-')
			}
			pending = false
			b.WriteRune(r)
		default:
			pending = true
		}
	}
	return b.String()
}
