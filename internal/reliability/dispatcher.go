package reliability

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Pusher 推送出口（由 websocket hub 实现）
// 目标可以是房间 ID 或单个连接 ID；无在线连接返回错误
type Pusher interface {
	Push(target string, payload []byte) error
}

// Config 可靠投递配置
type Config struct {
	MaxRetries int
	AckTimeout time.Duration
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// FallbackBaseURL 传输层重试耗尽后的 HTTP 兜底服务地址
	FallbackBaseURL string
}

// DeliveryStats 单事件类型的投递统计
type DeliveryStats struct {
	Attempted int64 `json:"attempted"`
	Delivered int64 `json:"delivered"`
	Fallbacks int64 `json:"fallbacks"`
}

// envelope 在途投递信封：一次 EmitWithRetry 的全部重试共享一个事件 ID
type envelope struct {
	eventID   string
	eventType string
	target    string
	attempts  int
	ack       chan struct{}
	cancel    chan struct{}
	ackOnce   sync.Once
	cancelOnce sync.Once
}

func (env *envelope) confirm() { env.ackOnce.Do(func() { close(env.ack) }) }
func (env *envelope) abort()   { env.cancelOnce.Do(func() { close(env.cancel) }) }

// Dispatcher 关键事件可靠投递层
// 关键事件（丢失会破坏游戏正确性的事件）带确认等待、指数退避重试和
// HTTP 兜底；非关键事件一次推送即返回，不做任何重试记账
type Dispatcher struct {
	pusher   Pusher
	fallback *resty.Client
	logger   *zap.Logger
	cfg      Config

	mu       sync.Mutex
	critical map[string]bool
	pending  map[string]*envelope
	stats    map[string]*DeliveryStats
	closed   bool
}

// NewDispatcher 创建投递层
// criticalEvents 初始关键事件集合，运行期可增删
func NewDispatcher(pusher Pusher, cfg Config, criticalEvents []string, logger *zap.Logger) *Dispatcher {
	critical := make(map[string]bool, len(criticalEvents))
	for _, et := range criticalEvents {
		critical[et] = true
	}
	return &Dispatcher{
		pusher: pusher,
		fallback: resty.New().
			SetBaseURL(cfg.FallbackBaseURL).
			SetTimeout(10 * time.Second).
			SetHeader("Content-Type", "application/json"),
		logger:   logger,
		cfg:      cfg,
		critical: critical,
		pending:  make(map[string]*envelope),
		stats:    make(map[string]*DeliveryStats),
	}
}

// AddCriticalEvent 运行期把事件类型加入关键集合
func (d *Dispatcher) AddCriticalEvent(eventType string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.critical[eventType] = true
}

// RemoveCriticalEvent 运行期把事件类型移出关键集合
func (d *Dispatcher) RemoveCriticalEvent(eventType string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.critical, eventType)
}

// IsCritical 事件类型是否在关键集合内
func (d *Dispatcher) IsCritical(eventType string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.critical[eventType]
}

// EmitWithRetry 发送一个事件，返回投递完成信号
// 确认到达（或非关键事件首次推送成功）时结果为 true；
// 重试与 HTTP 兜底全部失败时为 false。等待确认从不阻塞调用方
func (d *Dispatcher) EmitWithRetry(ctx context.Context, target, eventType string, payload map[string]interface{}) <-chan bool {
	result := make(chan bool, 1)

	// 空目标直接按失败处理，不做任何尝试
	if target == "" {
		d.logger.Warn("emit with empty target", zap.String("event_type", eventType))
		result <- false
		return result
	}

	eventID := uuid.NewString()
	frame, err := encodeFrame(eventType, eventID, payload)
	if err != nil {
		d.logger.Error("failed to encode event frame",
			zap.String("event_type", eventType), zap.Error(err))
		result <- false
		return result
	}

	if !d.IsCritical(eventType) {
		// 非关键事件：一次推送，无确认等待
		d.recordAttempt(eventType)
		if err := d.pusher.Push(target, frame); err != nil {
			d.logger.Debug("fire-and-forget push failed",
				zap.String("event_type", eventType), zap.String("target", target), zap.Error(err))
			result <- false
			return result
		}
		d.recordDelivered(eventType)
		result <- true
		return result
	}

	env := &envelope{
		eventID:   eventID,
		eventType: eventType,
		target:    target,
		ack:       make(chan struct{}),
		cancel:    make(chan struct{}),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		result <- false
		return result
	}
	d.pending[eventID] = env
	d.mu.Unlock()

	go d.deliver(ctx, env, frame, payload, result)
	return result
}

// deliver 关键事件投递循环：推送 → 限时等确认 → 退避重试 → HTTP 兜底
func (d *Dispatcher) deliver(ctx context.Context, env *envelope, frame []byte, payload map[string]interface{}, result chan<- bool) {
	defer d.remove(env.eventID)

	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		env.attempts = attempt
		d.recordAttempt(env.eventType)

		if err := d.pusher.Push(env.target, frame); err != nil {
			d.logger.Debug("transport push failed",
				zap.String("event_id", env.eventID),
				zap.String("event_type", env.eventType),
				zap.Int("attempt", attempt),
				zap.Error(err))
		} else if d.awaitAck(ctx, env) {
			d.recordDelivered(env.eventType)
			result <- true
			return
		}

		if cancelled(env) || ctx.Err() != nil {
			result <- false
			return
		}
		if attempt == d.cfg.MaxRetries {
			break
		}
		if !d.backoff(ctx, env, attempt) {
			// 退避期间收到了确认
			if confirmed(env) {
				d.recordDelivered(env.eventType)
				result <- true
				return
			}
			result <- false
			return
		}
		if confirmed(env) {
			d.recordDelivered(env.eventType)
			result <- true
			return
		}
	}

	// 传输层重试耗尽，走 HTTP 兜底
	if d.httpFallback(ctx, env, payload) {
		d.recordDelivered(env.eventType)
		d.logger.Info("event delivered via http fallback",
			zap.String("event_id", env.eventID), zap.String("event_type", env.eventType))
		result <- true
		return
	}

	d.logger.Error("delivery exhausted",
		zap.String("event_id", env.eventID),
		zap.String("event_type", env.eventType),
		zap.String("target", env.target),
		zap.Int("attempts", env.attempts))
	result <- false
}

// awaitAck 单次尝试的限时确认等待；超时计入重试预算
func (d *Dispatcher) awaitAck(ctx context.Context, env *envelope) bool {
	timer := time.NewTimer(d.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case <-env.ack:
		return true
	case <-env.cancel:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

// backoff 指数退避 + 随机抖动；返回 false 表示等待被中断
func (d *Dispatcher) backoff(ctx context.Context, env *envelope, attempt int) bool {
	delay := d.cfg.BaseDelay << uint(attempt-1)
	if delay > d.cfg.MaxDelay {
		delay = d.cfg.MaxDelay
	}
	// 抖动最多 25%，避免多个房间的重试风暴同步
	delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-env.ack:
		return false
	case <-env.cancel:
		return false
	case <-ctx.Done():
		return false
	}
}

// httpFallback 绕开推送通道，对同一逻辑操作发 HTTP 请求
func (d *Dispatcher) httpFallback(ctx context.Context, env *envelope, payload map[string]interface{}) bool {
	if d.cfg.FallbackBaseURL == "" {
		return false
	}
	d.recordFallback(env.eventType)

	body := map[string]interface{}{"eventId": env.eventID}
	for k, v := range payload {
		body[k] = v
	}

	resp, err := d.fallback.R().
		SetContext(ctx).
		SetBody(body).
		Post("/sync/api/v1/fallback/" + env.eventType)
	if err != nil {
		d.logger.Warn("http fallback request failed",
			zap.String("event_id", env.eventID), zap.Error(err))
		return false
	}
	if resp.IsError() {
		d.logger.Warn("http fallback rejected",
			zap.String("event_id", env.eventID), zap.Int("status", resp.StatusCode()))
		return false
	}
	return true
}

// ConfirmDelivery 接收端的确认回执到达时调用
// 返回该事件 ID 是否仍在等待确认
func (d *Dispatcher) ConfirmDelivery(eventID string) bool {
	d.mu.Lock()
	env, ok := d.pending[eventID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	env.confirm()
	return true
}

// PendingCount 在途投递数
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// GetStatistics 按事件类型的投递统计快照
func (d *Dispatcher) GetStatistics() map[string]DeliveryStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]DeliveryStats, len(d.stats))
	for et, s := range d.stats {
		out[et] = *s
	}
	return out
}

// AbortTarget 放弃指定目标的所有在途投递（单个房间拆除时调用）
func (d *Dispatcher) AbortTarget(target string) {
	d.mu.Lock()
	envs := make([]*envelope, 0)
	for _, env := range d.pending {
		if env.target == target {
			envs = append(envs, env)
		}
	}
	d.mu.Unlock()

	for _, env := range envs {
		env.abort()
	}
}

// Shutdown 放弃所有在途投递（进程退出时的统一清理）
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	d.closed = true
	envs := make([]*envelope, 0, len(d.pending))
	for _, env := range d.pending {
		envs = append(envs, env)
	}
	d.mu.Unlock()

	for _, env := range envs {
		env.abort()
	}
}

func (d *Dispatcher) remove(eventID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, eventID)
}

func (d *Dispatcher) recordAttempt(eventType string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statsFor(eventType).Attempted++
}

func (d *Dispatcher) recordDelivered(eventType string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statsFor(eventType).Delivered++
}

func (d *Dispatcher) recordFallback(eventType string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statsFor(eventType).Fallbacks++
}

func (d *Dispatcher) statsFor(eventType string) *DeliveryStats {
	s, ok := d.stats[eventType]
	if !ok {
		s = &DeliveryStats{}
		d.stats[eventType] = s
	}
	return s
}

func confirmed(env *envelope) bool {
	select {
	case <-env.ack:
		return true
	default:
		return false
	}
}

func cancelled(env *envelope) bool {
	select {
	case <-env.cancel:
		return true
	default:
		return false
	}
}

// encodeFrame 出站帧编码：事件类型 + 注入的投递事件 ID + 载荷字段
// 载荷为 nil 时照常投递，只带 type 和 eventId
func encodeFrame(eventType, eventID string, payload map[string]interface{}) ([]byte, error) {
	frame := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		frame[k] = v
	}
	frame["type"] = eventType
	frame["eventId"] = eventID
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame: %w", err)
	}
	return data, nil
}
