package monitoring

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert 告警
type Alert struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Level      AlertLevel `json:"level"`
	Component  string     `json:"component"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// AlertRule 告警规则，条件持续成立时在冷却期内只触发一次
type AlertRule struct {
	ID        string
	Name      string
	Condition func(ctx context.Context) bool
	Level     AlertLevel
	Component string
	Message   string
	Cooldown  time.Duration
}

// AlertReceiver 告警接收器接口
type AlertReceiver interface {
	SendAlert(ctx context.Context, alert *Alert) error
}

// AlertManager 告警管理器
type AlertManager struct {
	mu            sync.Mutex
	active        map[string]*Alert // ruleID -> 未恢复的告警
	lastTriggered map[string]time.Time
	rules         []AlertRule
	receivers     []AlertReceiver
	logger        *zap.Logger
	now           func() time.Time
}

// NewAlertManager 创建告警管理器
func NewAlertManager(logger *zap.Logger) *AlertManager {
	return &AlertManager{
		active:        make(map[string]*Alert),
		lastTriggered: make(map[string]time.Time),
		logger:        logger,
		now:           time.Now,
	}
}

// AddReceiver 添加告警接收器
func (am *AlertManager) AddReceiver(receiver AlertReceiver) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.receivers = append(am.receivers, receiver)
}

// AddRule 添加告警规则
func (am *AlertManager) AddRule(rule AlertRule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules = append(am.rules, rule)
}

// ActiveAlerts 获取未恢复的告警
func (am *AlertManager) ActiveAlerts() []Alert {
	am.mu.Lock()
	defer am.mu.Unlock()

	alerts := make([]Alert, 0, len(am.active))
	for _, alert := range am.active {
		alerts = append(alerts, *alert)
	}
	return alerts
}

// CheckRules 检查全部规则：条件成立则触发，条件恢复则自动解除
func (am *AlertManager) CheckRules(ctx context.Context) {
	am.mu.Lock()
	rules := append([]AlertRule(nil), am.rules...)
	am.mu.Unlock()

	for _, rule := range rules {
		if rule.Condition(ctx) {
			am.trigger(ctx, rule)
		} else {
			am.resolve(rule.ID)
		}
	}
}

func (am *AlertManager) trigger(ctx context.Context, rule AlertRule) {
	now := am.now()

	am.mu.Lock()
	if _, firing := am.active[rule.ID]; firing {
		am.mu.Unlock()
		return
	}
	if last, ok := am.lastTriggered[rule.ID]; ok && now.Sub(last) < rule.Cooldown {
		am.mu.Unlock()
		return
	}
	alert := &Alert{
		ID:        fmt.Sprintf("%s_%d", rule.ID, now.Unix()),
		Title:     rule.Name,
		Message:   rule.Message,
		Level:     rule.Level,
		Component: rule.Component,
		Timestamp: now,
	}
	am.active[rule.ID] = alert
	am.lastTriggered[rule.ID] = now
	receivers := append([]AlertReceiver(nil), am.receivers...)
	am.mu.Unlock()

	for _, receiver := range receivers {
		if err := receiver.SendAlert(ctx, alert); err != nil {
			am.logger.Error("failed to send alert",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
		}
	}
}

func (am *AlertManager) resolve(ruleID string) {
	am.mu.Lock()
	defer am.mu.Unlock()

	alert, ok := am.active[ruleID]
	if !ok {
		return
	}
	now := am.now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	delete(am.active, ruleID)

	am.logger.Info("alert resolved", zap.String("alert_id", alert.ID))
}

// Run 按间隔检查规则直到 ctx 结束
func (am *AlertManager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			am.CheckRules(ctx)
		}
	}
}

// ========== 内置告警规则 ==========

// HighMemoryUsageRule 高内存使用告警规则
func HighMemoryUsageRule(thresholdMB float64) AlertRule {
	return AlertRule{
		ID:   "high_memory_usage",
		Name: "High Memory Usage",
		Condition: func(context.Context) bool {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return float64(m.Alloc)/1024/1024 > thresholdMB
		},
		Level:     AlertLevelWarning,
		Component: "memory",
		Message:   fmt.Sprintf("Memory usage exceeds %.0f MB", thresholdMB),
		Cooldown:  5 * time.Minute,
	}
}

// StoreHealthRule 存储连接告警规则
func StoreHealthRule(ping func(ctx context.Context) error) AlertRule {
	return AlertRule{
		ID:   "store_connection",
		Name: "Store Connection",
		Condition: func(ctx context.Context) bool {
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			return ping(ctx) != nil
		},
		Level:     AlertLevelCritical,
		Component: "store",
		Message:   "Store health check failed",
		Cooldown:  time.Minute,
	}
}

// StaleSweepRule 解锁扫描长时间未成功时告警。
// 从未成功过时以 startedAt 为起点计时，启动即故障也能告警。
func StaleSweepRule(lastSuccess func() time.Time, startedAt time.Time, maxAge time.Duration) AlertRule {
	return AlertRule{
		ID:   "stale_sweep",
		Name: "Stale Status Sweep",
		Condition: func(context.Context) bool {
			last := lastSuccess()
			if last.IsZero() {
				last = startedAt
			}
			return time.Since(last) > maxAge
		},
		Level:     AlertLevelWarning,
		Component: "sweep",
		Message:   fmt.Sprintf("No successful status sweep within %s", maxAge),
		Cooldown:  10 * time.Minute,
	}
}

// ========== 告警接收器实现 ==========

// LogAlertReceiver 日志告警接收器
type LogAlertReceiver struct {
	logger *zap.Logger
}

// NewLogAlertReceiver 创建日志告警接收器
func NewLogAlertReceiver(logger *zap.Logger) *LogAlertReceiver {
	return &LogAlertReceiver{logger: logger}
}

// SendAlert 发送告警到日志
func (lar *LogAlertReceiver) SendAlert(_ context.Context, alert *Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("title", alert.Title),
		zap.String("message", alert.Message),
		zap.String("component", alert.Component),
		zap.Time("timestamp", alert.Timestamp),
	}

	switch alert.Level {
	case AlertLevelCritical:
		lar.logger.Error("CRITICAL ALERT", fields...)
	case AlertLevelWarning:
		lar.logger.Warn("WARNING ALERT", fields...)
	default:
		lar.logger.Info("INFO ALERT", fields...)
	}
	return nil
}

// WebhookAlertReceiver 以 JSON POST 推送告警
type WebhookAlertReceiver struct {
	url    string
	client *resty.Client
}

// NewWebhookAlertReceiver 创建 Webhook 告警接收器
func NewWebhookAlertReceiver(url string) *WebhookAlertReceiver {
	client := resty.New().
		SetHeader("Content-Type", "application/json").
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &WebhookAlertReceiver{url: url, client: client}
}

// SendAlert 发送告警到 Webhook
func (war *WebhookAlertReceiver) SendAlert(ctx context.Context, alert *Alert) error {
	resp, err := war.client.R().
		SetContext(ctx).
		SetBody(alert).
		Post(war.url)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("post alert: unexpected status %d", resp.StatusCode())
	}
	return nil
}
