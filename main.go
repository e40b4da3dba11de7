package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-agent/offline-agent/internal/config"
	"github.com/offline-agent/offline-agent/internal/logging"
	"github.com/offline-agent/offline-agent/internal/proxy"
	"github.com/offline-agent/offline-agent/internal/server"
	"github.com/offline-agent/offline-agent/internal/server/routes"
	"github.com/offline-agent/offline-agent/internal/version"
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

const shutdownTimeout = 10 * time.Second

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
		fields := summaryFields("check_config", opts.configPath, cfg)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动遵循“配置 → 日志 → 存储 → 网络客户端 → Runtime → Agent 注册 → 配置监听 → Fiber”顺序，
	// 保证 install/activate 完成后才开始接收请求。
	svc, err := newService(cfg, opts.configPath, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer closeService(svc, logger)

	if err := svc.Start(context.Background()); err != nil {
		if !isActivateError(err) {
			fmt.Fprintf(stdErr, "安装缓存代际失败: %v\n", err)
			return 1
		}
		// 激活阶段的清理失败不影响新代际接管请求。
		logger.WithFields(logging.BaseFields("startup_activate_failed", opts.configPath)).
			WithError(err).Warn("旧缓存代际清理失败")
	}

	if _, err := config.Watch(opts.configPath, svc.Reload, svc.reloadFailed); err != nil {
		logger.WithFields(logging.BaseFields("config_watch", opts.configPath)).
			WithError(err).Warn("配置监听启动失败，热重载不可用")
	}

	fields := summaryFields("startup", opts.configPath, cfg)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := startHTTPServer(ctx, cfg, svc, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// closeService 排空后台缓存写入并关闭存储，最多等待 shutdownTimeout。
func closeService(svc *service, logger *logrus.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Close(ctx); err != nil {
		logger.WithField("action", "shutdown").WithError(err).Warn("关闭缓存存储失败")
		return
	}
	logger.WithField("action", "shutdown").Info("缓存写入已排空，存储已关闭")
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-agent", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_AGENT_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_AGENT_CONFIG")
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

func summaryFields(action, configPath string, cfg *config.Config) logrus.Fields {
	fields := logging.BaseFields(action, configPath)
	fields["cache_name"] = cfg.Agent.CacheName
	fields["assets"] = len(cfg.Agent.Assets)
	fields["driver"] = cfg.Global.StorageDriver
	fields["origin"] = cfg.Agent.Origin
	return fields
}

func startHTTPServer(ctx context.Context, cfg *config.Config, svc *service, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewHandler(svc.runtime, cfg.Agent.OriginURL(), logger),
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterLifecycleRoutes(app, svc.runtime, svc.storage)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return serve(ctx, app, fmt.Sprintf(":%d", port), logger)
}

// serve 在 ctx 结束前持续监听，收到信号后等待进行中的请求完成再返回。
func serve(ctx context.Context, app *fiber.App, addr string, logger *logrus.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithField("action", "shutdown").Info("收到退出信号，停止接收请求")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
