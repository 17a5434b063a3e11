// cmd/stock-service/main.go
package main

import (
	"context"
	"log"

	"stocknexus/internal/pkg/bootstrap"
	"stocknexus/internal/pkg/logger"
	"stocknexus/internal/pkg/mq"
	"stocknexus/internal/pkg/redis"
	"stocknexus/internal/service/stock/application"
	"stocknexus/internal/service/stock/domain"
	"stocknexus/internal/service/stock/domain/port"
	"stocknexus/internal/service/stock/infrastructure"
	"stocknexus/internal/service/stock/infrastructure/adapter"
	"stocknexus/internal/service/stock/interfaces"

	"go.opentelemetry.io/otel"
)

const serviceName = "stock-service"

func main() {
	cfg, err := bootstrap.InitConfig()
	if err != nil {
		log.Fatalf("FATAL: failed to load config: %v", err)
	}
	logger.Init(serviceName)

	// 1. 仓储与事务域
	var uow domain.UnitOfWork
	var repos domain.Repositories
	switch cfg.App.Storage {
	case "memory":
		store := infrastructure.NewMemoryStore()
		uow = store
		repos = store.Repositories()
		logger.Logger.Warn().Msg("Using in-memory storage; data will not survive a restart.")
	default:
		db, err := infrastructure.NewMysqlDB(cfg.Infra.Mysql.DSN)
		if err != nil {
			logger.Logger.Fatal().Err(err).Msg("failed to initialize mysql")
		}
		uow = infrastructure.NewGormUnitOfWork(db)
		repos = infrastructure.NewGormRepositories(db)
	}

	// 2. 可用库存缓存（可选）
	var cache port.StockCache
	var redisClient *redis.Client
	if cfg.Infra.Redis.Enabled {
		redisClient, err = redis.NewClient(context.Background(), cfg.Infra.Redis.Addr)
		if err != nil {
			logger.Logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		cacheAdapter, err := adapter.NewStockCacheRedisAdapter(redisClient)
		if err != nil {
			logger.Logger.Fatal().Err(err).Msg("failed to initialize stock cache adapter")
		}
		cache = cacheAdapter
	}

	tracer := otel.Tracer(serviceName)

	// 3. 应用服务与事件处理器
	appSvc := application.NewStockApplicationService(uow, repos, cache, tracer,
		cfg.Reserve.MaxAttempts, cfg.Reserve.RetryBackoff)
	confirmation := application.NewConfirmationProcessor(tracer)
	compensation := application.NewCompensationProcessor(tracer)

	// 4. Kafka 出入站适配器
	writer := mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.StockDebitedTopic)
	producer := infrastructure.NewStockDebitedProducerAdapter(writer)
	router := application.NewEventRouter(uow, confirmation, compensation, producer, tracer)

	reader := mq.NewKafkaGroupReader(cfg.Infra.Kafka.Brokers,
		[]string{cfg.Infra.Kafka.OrderConfirmedTopic, cfg.Infra.Kafka.OrderCancelledTopic},
		cfg.Infra.Kafka.GroupID)
	consumer := infrastructure.NewStockEventConsumerAdapter(reader, router,
		cfg.Infra.Kafka.OrderConfirmedTopic, cfg.Infra.Kafka.OrderCancelledTopic)

	handler := interfaces.NewStockHandler(appSvc, cfg.Reserve.Timeout)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.Port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			handler.RegisterRoutes(appCtx.Mux)
		},
		Runners: []func(ctx context.Context) error{
			consumer.Run,
		},
		OnShutdown: func(ctx context.Context) {
			if err := producer.Close(); err != nil {
				logger.Logger.Error().Err(err).Msg("Error closing kafka writer")
			}
			if redisClient != nil {
				if err := redisClient.Close(); err != nil {
					logger.Logger.Error().Err(err).Msg("Error closing redis client")
				}
			}
		},
	})
}
