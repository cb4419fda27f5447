package health

import (
	"context"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// Pinger 可探测连通性的依赖（存储、Redis）
type Pinger interface {
	Health(ctx context.Context) error
}

// PingFunc 适配普通函数为 Pinger
type PingFunc func(ctx context.Context) error

// Health 实现 Pinger
func (f PingFunc) Health(ctx context.Context) error { return f(ctx) }

// HealthChecker 健康检查器
type HealthChecker struct {
	health  healthcheck.Handler
	logger  *zap.Logger
	timeout time.Duration
	started time.Time
}

// NewHealthChecker 创建健康检查器，存储作为就绪检查项
func NewHealthChecker(store Pinger, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		health:  healthcheck.NewHandler(),
		logger:  logger,
		timeout: 3 * time.Second,
		started: time.Now(),
	}

	hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	hc.AddReadinessCheck("store", store)

	return hc
}

// AddReadinessCheck 添加就绪检查项
func (hc *HealthChecker) AddReadinessCheck(name string, dep Pinger) {
	hc.health.AddReadinessCheck(name, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), hc.timeout)
		defer cancel()

		if err := dep.Health(ctx); err != nil {
			hc.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			return err
		}
		return nil
	})
}

// LiveHandler 存活检查处理器
func (hc *HealthChecker) LiveHandler() http.HandlerFunc {
	return hc.health.LiveEndpoint
}

// ReadyHandler 就绪检查处理器
func (hc *HealthChecker) ReadyHandler() http.HandlerFunc {
	return hc.health.ReadyEndpoint
}

// Uptime 返回运行时长
func (hc *HealthChecker) Uptime() time.Duration {
	return time.Since(hc.started)
}
