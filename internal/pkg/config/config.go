// internal/pkg/config/config.go
package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述 stock-service 的全部可配置项。
// 配置来源优先级: 环境变量 > yaml 配置文件 > 内置默认值。
type Config struct {
	App     AppConfig     `yaml:"app"`
	Reserve ReserveConfig `yaml:"reserve"`
	Infra   InfraConfig   `yaml:"infra"`
}

type AppConfig struct {
	ServiceName string `yaml:"serviceName"`
	Port        int    `yaml:"port"`
	// Storage 选择仓储实现: "mysql" 或 "memory"（本地开发/测试用）
	Storage string `yaml:"storage"`
}

// ReserveConfig 控制同步预留路径的并发重试行为。
type ReserveConfig struct {
	// MaxAttempts 是乐观锁冲突时 read-decide-write 的最大尝试次数
	MaxAttempts int `yaml:"maxAttempts"`
	// RetryBackoff 是第一次重试前的等待时间，之后按指数退避
	RetryBackoff time.Duration `yaml:"retryBackoff"`
	// Timeout 是单次 Reserve 调用的兜底超时
	Timeout time.Duration `yaml:"timeout"`
}

type InfraConfig struct {
	Mysql  MysqlConfig  `yaml:"mysql"`
	Redis  RedisConfig  `yaml:"redis"`
	Kafka  KafkaConfig  `yaml:"kafka"`
	Jaeger JaegerConfig `yaml:"jaeger"`
	Nacos  NacosConfig  `yaml:"nacos"`
}

type MysqlConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type KafkaConfig struct {
	Brokers             []string `yaml:"brokers"`
	GroupID             string   `yaml:"groupId"`
	OrderConfirmedTopic string   `yaml:"orderConfirmedTopic"`
	OrderCancelledTopic string   `yaml:"orderCancelledTopic"`
	StockDebitedTopic   string   `yaml:"stockDebitedTopic"`
}

type JaegerConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type NacosConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServerAddrs string `yaml:"serverAddrs"`
	Namespace   string `yaml:"namespace"`
	Group       string `yaml:"group"`
}

// Default 返回一套可以在本地直接跑起来的默认配置。
func Default() *Config {
	cfg := &Config{}
	cfg.App.ServiceName = "stock-service"
	cfg.App.Port = 8084
	cfg.App.Storage = "mysql"
	cfg.Reserve.MaxAttempts = 3
	cfg.Reserve.RetryBackoff = 20 * time.Millisecond
	cfg.Reserve.Timeout = 5 * time.Second
	cfg.Infra.Mysql.DSN = "root:root@tcp(localhost:3306)/stocknexus?charset=utf8mb4&parseTime=True&loc=Local"
	cfg.Infra.Redis.Addr = "localhost:6379"
	cfg.Infra.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Infra.Kafka.GroupID = "stock-service-group-1"
	cfg.Infra.Kafka.OrderConfirmedTopic = "order-confirmed-topic"
	cfg.Infra.Kafka.OrderCancelledTopic = "order-cancelled-topic"
	cfg.Infra.Kafka.StockDebitedTopic = "stock-debited-topic"
	cfg.Infra.Jaeger.Endpoint = "http://localhost:14268/api/traces"
	cfg.Infra.Nacos.ServerAddrs = "localhost:8848"
	cfg.Infra.Nacos.Group = "DEFAULT_GROUP"
	return cfg
}

// Load 加载配置。path 为空或文件不存在时只使用默认值和环境变量。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			// 配置文件缺失不是错误，容器环境里通常完全依赖环境变量
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides 用环境变量覆盖部署相关的配置项。
func (c *Config) applyEnvOverrides() {
	c.Infra.Mysql.DSN = getEnv("MYSQL_DSN", c.Infra.Mysql.DSN)
	c.Infra.Redis.Addr = getEnv("REDIS_ADDR", c.Infra.Redis.Addr)
	if v, ok := os.LookupEnv("KAFKA_BROKERS"); ok {
		c.Infra.Kafka.Brokers = strings.Split(v, ",")
	}
	c.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", c.Infra.Jaeger.Endpoint)
	c.Infra.Nacos.ServerAddrs = getEnv("NACOS_SERVER_ADDRS", c.Infra.Nacos.ServerAddrs)
	c.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", c.Infra.Nacos.Namespace)
	c.Infra.Nacos.Group = getEnv("NACOS_GROUP", c.Infra.Nacos.Group)
	c.App.Storage = getEnv("STOCK_STORAGE", c.App.Storage)
}

// getEnv 从环境变量读取配置，不存在时返回 fallback。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
