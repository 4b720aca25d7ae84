// Package update 实现更新检查协调器：对比清单版本与现有快照，决定是否
// 构建新快照，并驱动状态通知。
package update

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/offgate/offgate/internal/builder"
	"github.com/offgate/offgate/internal/clients"
	"github.com/offgate/offgate/internal/lazypattern"
	"github.com/offgate/offgate/internal/manifest"
	"github.com/offgate/offgate/internal/notify"
	"github.com/offgate/offgate/internal/snapshot"
)

// 协调器在一次检查周期内经历 idle → checking →（可选）building → idle。
const (
	stateIdle int32 = iota
	stateChecking
	stateBuilding
)

var stateNames = map[int32]string{
	stateIdle:     "idle",
	stateChecking: "checking",
	stateBuilding: "building",
}

// Coordinator 编排一次完整的更新检查。检查由安装时与每个导航请求完成后
// 触发；任何失败都记日志后静默吞掉，等待下一次触发重试。
type Coordinator struct {
	fetcher  *manifest.Fetcher
	builder  *builder.Builder
	registry *snapshot.Registry
	patterns *lazypattern.Store
	emitter  *notify.Emitter
	tracker  *clients.Tracker
	logger   *logrus.Logger
	scope    string

	// 同一版本的构建单飞：两次几乎同时触发的导航检查共享同一次构建。
	group singleflight.Group
	state atomic.Int32
}

// New 构造 Coordinator。scope 是部署根路径，用于入口文档推断与根条目。
func New(
	fetcher *manifest.Fetcher,
	b *builder.Builder,
	registry *snapshot.Registry,
	patterns *lazypattern.Store,
	emitter *notify.Emitter,
	tracker *clients.Tracker,
	scope string,
	logger *logrus.Logger,
) *Coordinator {
	return &Coordinator{
		fetcher:  fetcher,
		builder:  b,
		registry: registry,
		patterns: patterns,
		emitter:  emitter,
		tracker:  tracker,
		logger:   logger,
		scope:    scope,
	}
}

// State 返回当前周期所处的阶段，供诊断接口输出。
func (co *Coordinator) State() string {
	return stateNames[co.state.Load()]
}

// Check 执行一次更新检查。返回的错误仅供调用方测试断言；生产调用方
// （安装钩子与导航触发）一律忽略它，更新失败绝不影响请求服务。
func (co *Coordinator) Check(ctx context.Context) error {
	co.state.Store(stateChecking)
	defer co.state.Store(stateIdle)

	m, err := co.fetcher.Fetch(ctx)
	if err != nil {
		co.logger.WithError(err).WithField("action", "update_check").Warn("manifest_fetch_failed")
		return err
	}

	// 每次成功拉取清单都整体覆写模式列表，空列表表示关闭按需缓存。
	if err := co.patterns.Save(m.LazyLoad); err != nil {
		co.logger.WithError(err).WithField("action", "update_check").Warn("lazy_pattern_save_failed")
	}

	name := co.registry.SnapshotName(m.Version.String())
	_, err, _ = co.group.Do(name, func() (interface{}, error) {
		return nil, co.sync(ctx, name, m)
	})
	return err
}

func (co *Coordinator) sync(ctx context.Context, name string, m *manifest.Manifest) error {
	exists, err := co.registry.Exists(ctx, name)
	if err != nil {
		co.logger.WithError(err).WithField("action", "update_check").Warn("registry_unavailable")
		return err
	}

	// 同名快照已存在说明该版本已完整缓存，只需汇报状态。
	if exists {
		pending, err := co.registry.IsUpdatePending(ctx)
		if err != nil {
			co.logger.WithError(err).WithField("action", "update_check").Warn("registry_unavailable")
			return err
		}
		if pending {
			co.emitter.Emit(notify.Event{Type: notify.EventUpdatePending})
		} else {
			co.emitter.Emit(notify.Event{Type: notify.EventUpToDate})
		}
		return nil
	}

	existing, err := co.registry.List(ctx)
	if err != nil {
		co.logger.WithError(err).WithField("action", "update_check").Warn("registry_unavailable")
		return err
	}
	firstRun := len(existing) == 0

	if firstRun {
		co.emitter.Emit(notify.Event{Type: notify.EventDownloading})
	} else {
		co.emitter.Emit(notify.Event{Type: notify.EventDownloadingUpdate, Version: m.Version.String()})
	}

	co.state.Store(stateBuilding)
	fileList := co.assembleFileList(m.FileList)

	// 首次缓存允许复用页面加载在途的响应；后台更新必须强制回源，
	// 否则可能缓存到中间层的陈旧副本。
	if err := co.builder.Build(ctx, name, fileList, !firstRun); err != nil {
		co.logger.WithError(err).WithFields(logrus.Fields{
			"action":   "update_check",
			"snapshot": name,
		}).Error("snapshot_build_failed")
		return err
	}

	if firstRun {
		co.emitter.Emit(notify.Event{Type: notify.EventOfflineReady})
	} else {
		co.emitter.Emit(notify.Event{Type: notify.EventUpdateReady, Version: m.Version.String()})
	}

	co.logger.WithFields(logrus.Fields{
		"action":    "update_check",
		"snapshot":  name,
		"files":     len(fileList),
		"first_run": firstRun,
	}).Info("snapshot_build_complete")
	return nil
}

// assembleFileList 把部署根与推断出的入口文档放到文件列表最前面，调用方
// 因此无需在清单里显式列出入口文档。
func (co *Coordinator) assembleFileList(files []string) []string {
	out := make([]string, 0, len(files)+2)
	seen := make(map[string]struct{}, len(files)+2)
	add := func(file string) {
		if file == "" {
			return
		}
		if _, ok := seen[file]; ok {
			return
		}
		seen[file] = struct{}{}
		out = append(out, file)
	}

	add(co.scope)
	add(DetectEntryDocument(co.scope, co.tracker.List()))
	for _, file := range files {
		add(file)
	}
	return out
}
