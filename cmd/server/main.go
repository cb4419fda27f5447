package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"timecapsule/backend/internal/auth"
	jwtpkg "timecapsule/backend/internal/auth/jwt"
	"timecapsule/backend/internal/cache"
	"timecapsule/backend/internal/config"
	"timecapsule/backend/internal/health"
	"timecapsule/backend/internal/logger"
	"timecapsule/backend/internal/monitoring"
	"timecapsule/backend/internal/ratelimit"
	"timecapsule/backend/internal/service"
	"timecapsule/backend/internal/storage/backend"
	redisstore "timecapsule/backend/internal/storage/redis"
	httptransport "timecapsule/backend/internal/transport/http"
)

const userCacheTTL = 5 * time.Minute

// main 启动时间胶囊 HTTP 服务与后台解锁扫描。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting timecapsule server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.String("database", storeName(cfg.Database.Type)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化存储层
	store, err := backend.Open(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	// 初始化监控与健康检查
	metrics := monitoring.NewMetrics()
	healthChecker := health.NewHealthChecker(store, log)

	jwtManager := jwtpkg.NewManager(
		cfg.JWT.Secret,
		cfg.JWT.Issuer,
		cfg.JWT.AccessExpiry,
		cfg.JWT.RefreshExpiry,
	)
	log.Info("JWT configuration",
		zap.String("issuer", cfg.JWT.Issuer),
		zap.Duration("access_expiry", cfg.JWT.AccessExpiry),
		zap.Duration("refresh_expiry", cfg.JWT.RefreshExpiry),
	)

	authService := auth.NewService(store, jwtManager, log)
	capsuleService := service.NewCapsuleService(store, store, log)
	capsuleService.SetMetrics(metrics)

	// 登录限流与用户缓存：启用 Redis 时多实例共享，否则使用进程内实现
	var memoryLimiters []*ratelimit.MemoryLimiter
	if cfg.Redis.Enabled {
		redisClient, err := redisstore.New(ctx, cfg.Redis, log)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer redisClient.Close()

		authService.SetLoginLimiter(ratelimit.NewRedisLimiter(
			redisClient, "login", cfg.Auth.LoginAttempts, cfg.Auth.LoginWindow, log,
		))
		capsuleService.SetUserCache(redisstore.NewUserCache(redisClient, userCacheTTL, log))
		healthChecker.AddReadinessCheck("redis", health.PingFunc(redisClient.Ping))
	} else {
		loginLimiter := ratelimit.NewMemoryLimiter(cfg.Auth.LoginAttempts, cfg.Auth.LoginWindow)
		memoryLimiters = append(memoryLimiters, loginLimiter)
		authService.SetLoginLimiter(loginLimiter)

		localCache := cache.NewLocalCache(10000, userCacheTTL)
		defer localCache.Close()
		capsuleService.SetUserCache(cache.NewLocalUserCache(localCache))
	}

	ipLimiter := ratelimit.NewMemoryLimiter(cfg.Auth.RequestsPerIP, time.Minute)
	memoryLimiters = append(memoryLimiters, ipLimiter)

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:         cfg,
		AuthService:    authService,
		CapsuleService: capsuleService,
		JWTManager:     jwtManager,
		Metrics:        metrics,
		Health:         healthChecker,
		AuthLimiter:    ipLimiter,
		Logger:         log,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	startedAt := time.Now()
	var lastSweep atomic.Int64 // 最近一次成功扫描的 UnixNano

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 定时解锁到期胶囊 goroutine
	if cfg.Sweep.Interval > 0 {
		group.Go(func() error {
			ticker := time.NewTicker(cfg.Sweep.Interval)
			defer ticker.Stop()

			log.Info("starting status sweep task", zap.Duration("interval", cfg.Sweep.Interval))

			for {
				select {
				case <-groupCtx.Done():
					log.Info("status sweep task stopped")
					return nil
				case <-ticker.C:
					if _, err := capsuleService.SweepStatusTransitions(groupCtx); err != nil {
						continue
					}
					lastSweep.Store(time.Now().UnixNano())
				}
			}
		})
	} else {
		log.Info("in-process status sweep disabled, use capsulectl sweep from an external scheduler")
	}

	// 限流器清理与运行时长 goroutine
	group.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				metrics.UpdateSystemUptime(healthChecker.Uptime())
				for _, l := range memoryLimiters {
					if n := l.Cleanup(); n > 0 {
						log.Debug("rate limiter keys cleaned up", zap.Int("count", n))
					}
				}
			}
		}
	})

	// 告警 goroutine
	if cfg.Alert.Interval > 0 {
		alertManager := monitoring.NewAlertManager(log)
		alertManager.AddReceiver(monitoring.NewLogAlertReceiver(log))
		if cfg.Alert.WebhookURL != "" {
			alertManager.AddReceiver(monitoring.NewWebhookAlertReceiver(cfg.Alert.WebhookURL))
		}
		alertManager.AddRule(monitoring.HighMemoryUsageRule(cfg.Alert.MemoryThresholdMB))
		alertManager.AddRule(monitoring.StoreHealthRule(store.Health))
		if cfg.Sweep.Interval > 0 {
			alertManager.AddRule(monitoring.StaleSweepRule(func() time.Time {
				if ns := lastSweep.Load(); ns > 0 {
					return time.Unix(0, ns)
				}
				return time.Time{}
			}, startedAt, 5*cfg.Sweep.Interval))
		}

		group.Go(func() error {
			log.Info("starting alert monitoring", zap.Duration("interval", cfg.Alert.Interval))
			return alertManager.Run(groupCtx, cfg.Alert.Interval)
		})
	}

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		log.Info("servers stopped")
		return nil
	})

	// 等待所有 goroutine 完成
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", zap.Error(err))
		return
	}

	log.Info("server exited cleanly")
}

func storeName(dbType string) string {
	if dbType == "" {
		return "memory"
	}
	return dbType
}
