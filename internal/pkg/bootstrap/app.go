// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"stocknexus/internal/pkg/config"
	"stocknexus/internal/pkg/logger"
	"stocknexus/internal/pkg/nacos"
	"stocknexus/internal/pkg/tracing"
	"stocknexus/internal/pkg/utils"

	"golang.org/x/sync/errgroup"
)

var currentConfig *config.Config

// InitConfig 加载全局配置。路径来自 CONFIG_PATH 环境变量，缺省为 config.yaml。
func InitConfig() (*config.Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	currentConfig = cfg
	return cfg, nil
}

// GetCurrentConfig 返回已加载的全局配置。必须在 InitConfig 之后调用。
func GetCurrentConfig() *config.Config {
	if currentConfig == nil {
		currentConfig = config.Default()
	}
	return currentConfig
}

// AppCtx 在注册路由时传递共享资源。
type AppCtx struct {
	Mux    *http.ServeMux
	Config *config.Config
}

// AppInfo 描述一个服务启动所需的全部信息。
type AppInfo struct {
	ServiceName string
	Port        int
	// RegisterHandlers 允许服务注册自己的 HTTP 路由
	RegisterHandlers func(appCtx AppCtx)
	// Runners 是随服务生命周期运行的后台任务（如 Kafka 消费循环），
	// ctx 取消后必须自行退出
	Runners []func(ctx context.Context) error
	// OnShutdown 在优雅关停时执行资源清理（后进先出由调用方自行保证）
	OnShutdown func(ctx context.Context)
}

// StartService 封装了服务的通用启动和优雅关停逻辑。
func StartService(info AppInfo) {
	cfg := GetCurrentConfig()
	logger.Init(info.ServiceName)

	// 1. Tracer
	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}

	// 2. 服务注册（可选）
	var namingClient *nacos.Client
	var registeredIP string
	if cfg.Infra.Nacos.Enabled {
		namingClient, err = nacos.NewClient(cfg.Infra.Nacos.ServerAddrs, cfg.Infra.Nacos.Namespace, cfg.Infra.Nacos.Group)
		if err != nil {
			logger.Logger.Fatal().Err(err).Msg("failed to initialize nacos client")
		}
		registeredIP, err = utils.GetOutboundIP()
		if err != nil {
			logger.Logger.Fatal().Err(err).Msg("failed to get outbound IP address")
		}
		if err := namingClient.RegisterServiceInstance(info.ServiceName, registeredIP, info.Port); err != nil {
			logger.Logger.Fatal().Err(err).Msg("failed to register service with nacos")
		}
	}

	// 3. HTTP Server
	mux := http.NewServeMux()
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(AppCtx{Mux: mux, Config: cfg})
	}
	server := &http.Server{Addr: ":" + strconv.Itoa(info.Port), Handler: mux}

	// 4. 监听退出信号，统一驱动所有后台任务
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(rootCtx)
	group.Go(func() error {
		logger.Logger.Info().Msgf("%s listening on :%d", info.ServiceName, info.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	for _, runner := range info.Runners {
		run := runner
		group.Go(func() error { return run(groupCtx) })
	}

	// 阻塞直到收到退出信号或某个后台任务出错
	<-groupCtx.Done()
	logger.Logger.Info().Msgf("Shutting down service %s...", info.ServiceName)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 清理顺序: 先摘流量，再停服务器，最后刷掉缓冲的 trace
	if namingClient != nil {
		if err := namingClient.DeregisterServiceInstance(info.ServiceName, registeredIP, info.Port); err != nil {
			logger.Logger.Error().Err(err).Msg("Error deregistering from Nacos")
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Error().Err(err).Msg("Error shutting down http server")
	}
	if info.OnShutdown != nil {
		info.OnShutdown(shutdownCtx)
	}
	if err := group.Wait(); err != nil {
		logger.Logger.Error().Err(err).Msg("Background worker exited with error")
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Error().Err(err).Msg("Error shutting down tracer provider")
	}

	logger.Logger.Info().Msgf("Service %s gracefully shut down.", info.ServiceName)
}
