package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/offgate/offgate/internal/builder"
	"github.com/offgate/offgate/internal/clients"
	"github.com/offgate/offgate/internal/config"
	"github.com/offgate/offgate/internal/dispatch"
	"github.com/offgate/offgate/internal/lazypattern"
	"github.com/offgate/offgate/internal/logging"
	"github.com/offgate/offgate/internal/manifest"
	"github.com/offgate/offgate/internal/notify"
	"github.com/offgate/offgate/internal/server"
	"github.com/offgate/offgate/internal/server/routes"
	"github.com/offgate/offgate/internal/snapshot"
	"github.com/offgate/offgate/internal/update"
	"github.com/offgate/offgate/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["upstream"] = cfg.Deployment.Upstream
		fields["scope"] = cfg.Deployment.Scope
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	upstream, err := cfg.UpstreamURL()
	if err != nil {
		fmt.Fprintf(stdErr, "解析源站地址失败: %v\n", err)
		return 1
	}
	deployRoot := *upstream
	deployRoot.Path = cfg.Deployment.Scope
	manifestURL := deployRoot.JoinPath(cfg.Deployment.ManifestPath)

	// 启动遵循“配置 → 快照存储 → 注册表 → 按需模式库 → Fiber server”
	// 顺序，保证所有请求共享同一套快照与事件实例。
	store, err := snapshot.NewStore(cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化快照目录失败: %v\n", err)
		return 1
	}
	registry := snapshot.NewRegistry(store, cfg.Deployment.Scope, cfg.Deployment.CleanupPrefix, cfg.Deployment.CleanupKeep, logger)

	patterns, err := lazypattern.Open(filepath.Join(cfg.Global.StoragePath, ".patterns"), registry.BaseName(), logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化按需模式库失败: %v\n", err)
		return 1
	}
	defer patterns.Close()

	tracker := clients.NewTracker(cfg.Global.ClientTTL.DurationValue())
	broadcaster := notify.NewBroadcaster()
	emitter := notify.NewEmitter(broadcaster, cfg.Global.NotifyDelay.DurationValue(), logger)
	defer emitter.Close()

	httpClient := server.NewUpstreamClient(cfg)
	coordinator := update.New(
		manifest.NewFetcher(httpClient, manifestURL),
		builder.New(httpClient, store, &deployRoot, logger),
		registry,
		patterns,
		emitter,
		tracker,
		cfg.Deployment.Scope,
		logger,
	)
	dispatcher := dispatch.New(dispatch.Options{
		Store:    store,
		Registry: registry,
		Patterns: patterns,
		Tracker:  tracker,
		Trigger:  coordinator,
		Client:   httpClient,
		Upstream: upstream,
		Scope:    cfg.Deployment.Scope,
		Logger:   logger,
	})

	fields := logging.BaseFields("startup", opts.configPath)
	fields["upstream"] = cfg.Deployment.Upstream
	fields["scope"] = cfg.Deployment.Scope
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	logActivation(logger, patterns)

	// 安装即触发首次更新检查；失败只记日志，等下一次导航重试。
	go func() {
		_ = coordinator.Check(context.Background())
	}()

	if err := startHTTPServer(cfg, dispatcher, registry, tracker, broadcaster, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// logActivation 汇报重启后立即生效的按需模式数量。
func logActivation(logger *logrus.Logger, patterns *lazypattern.Store) {
	loaded, err := patterns.Load()
	if err != nil {
		logger.WithError(err).WithField("action", "activation").Warn("lazy_pattern_load_failed")
		return
	}
	if len(loaded) > 0 {
		logger.WithFields(logrus.Fields{
			"action":   "activation",
			"patterns": len(loaded),
		}).Info("按需缓存模式已恢复")
	}
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offgate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFGATE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFGATE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(
	cfg *config.Config,
	dispatcher server.RequestHandler,
	registry *snapshot.Registry,
	tracker *clients.Tracker,
	broadcaster *notify.Broadcaster,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Dispatcher: dispatcher,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterControlRoutes(app, routes.ControlOptions{
		Logger:      logger,
		Registry:    registry,
		Tracker:     tracker,
		Broadcaster: broadcaster,
	})

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
