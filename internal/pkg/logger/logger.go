// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Logger 是全局的结构化日志实例，服务启动时由 Init 初始化。
var Logger zerolog.Logger

func init() {
	// 保证在 Init 被调用前（例如单元测试中）也有一个可用的 Logger
	Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// Init 初始化全局 Logger，并附带服务名字段。
// 日志统一输出 JSON 到 stdout，由采集端负责落盘和检索。
func Init(serviceName string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	Logger = zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// Ctx 返回一个绑定了当前链路信息的 Logger。
// 如果上下文中存在有效的 Span，则自动注入 trace_id / span_id 字段，
// 便于在日志系统中与 Jaeger 链路互相跳转。
func Ctx(ctx context.Context) *zerolog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return &Logger
	}
	l := Logger.With().
		Str("trace_id", spanCtx.TraceID().String()).
		Str("span_id", spanCtx.SpanID().String()).
		Logger()
	return &l
}
