package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "AgentCompany/internal/errors"
	"AgentCompany/pkg/logger"
)

// Sink 是事件的外部投递目标（Redis Stream、RabbitMQ、NATS 等）。
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
	Close() error
}

// ExhaustedFunc 在某个事件对某个 Sink 重试耗尽后被调用。
type ExhaustedFunc func(ctx context.Context, sink string, ev Event, err error)

// Forwarder 订阅总线并把事件转发给外部 Sink。
//
// 每个 Sink 独立订阅、独立重试，失败时重复投递同一事件，因此外部消费者会看到
// 至少一次语义，需按 Event.ID 去重。
type Forwarder struct {
	bus         *Bus
	sinks       []Sink
	patterns    []string
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	onExhausted ExhaustedFunc
	logger      *slog.Logger
}

// ForwarderOption 定义可选配置。
type ForwarderOption func(*Forwarder)

// WithDeliveryAttempts 设置单个事件的最大投递次数。
func WithDeliveryAttempts(n int) ForwarderOption {
	return func(f *Forwarder) {
		if n > 0 {
			f.maxAttempts = n
		}
	}
}

// WithDeliveryBackoff 设置重试退避的初始值与上限。
func WithDeliveryBackoff(base, max time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		if base > 0 {
			f.baseBackoff = base
		}
		if max > 0 {
			f.maxBackoff = max
		}
	}
}

// WithTopics 限制转发的主题。
func WithTopics(patterns ...string) ForwarderOption {
	return func(f *Forwarder) {
		f.patterns = append([]string(nil), patterns...)
	}
}

// WithExhaustedHandler 配置重试耗尽后的回调，通常用于告警。
func WithExhaustedHandler(fn ExhaustedFunc) ForwarderOption {
	return func(f *Forwarder) {
		f.onExhausted = fn
	}
}

// WithForwarderLogger 指定日志输出。
func WithForwarderLogger(l *slog.Logger) ForwarderOption {
	return func(f *Forwarder) {
		f.logger = l
	}
}

// NewForwarder 构造 Forwarder。
func NewForwarder(bus *Bus, sinks []Sink, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		bus:         bus,
		maxAttempts: 5,
		baseBackoff: 200 * time.Millisecond,
		maxBackoff:  5 * time.Second,
	}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	f.logger = logger.Or(f.logger, "events.forwarder")
	return f
}

// Run 阻塞直到 ctx 取消，期间持续转发事件。
func (f *Forwarder) Run(ctx context.Context) error {
	if f.bus == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "事件总线未初始化")
	}
	if len(f.sinks) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, sink := range f.sinks {
		sink := sink
		sub := f.bus.Subscribe(f.patterns...)
		g.Go(func() error {
			defer sub.Close()
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case ev, ok := <-sub.C():
					if !ok {
						return nil
					}
					f.deliver(gctx, sink, ev)
				}
			}
		})
	}
	return g.Wait()
}

// Close 关闭所有 Sink。
func (f *Forwarder) Close() error {
	var firstErr error
	for _, sink := range f.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("关闭 sink %s 失败: %w", sink.Name(), err)
		}
	}
	return firstErr
}

func (f *Forwarder) deliver(ctx context.Context, sink Sink, ev Event) {
	backoff := f.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		if err := sink.Deliver(ctx, ev); err == nil {
			return
		} else {
			lastErr = err
		}
		f.logger.Warn("事件投递失败",
			slog.String("sink", sink.Name()),
			slog.String("event_id", ev.ID),
			slog.String("topic", string(ev.Topic)),
			slog.Int("attempt", attempt),
			slog.Any("error", lastErr),
		)
		if attempt == f.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > f.maxBackoff {
			backoff = f.maxBackoff
		}
	}
	wrapped := xerrors.Wrap(xerrors.CodeEventDelivery, lastErr, fmt.Sprintf("事件 %s 投递到 %s 失败", ev.ID, sink.Name()))
	f.logger.Error("事件投递重试耗尽", slog.String("sink", sink.Name()), slog.Any("error", wrapped))
	if f.onExhausted != nil {
		f.onExhausted(ctx, sink.Name(), ev, wrapped)
	}
}

// encode 是各 Sink 共用的线上格式。
func encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("序列化事件失败: %w", err)
	}
	return data, nil
}

// subject 构造 "<公司>.<主题>" 形式的路由键。
func subject(prefix string, ev Event) string {
	key := string(ev.Topic)
	if ev.Company != "" {
		key = ev.Company + "." + key
	}
	if prefix != "" {
		key = prefix + "." + key
	}
	return key
}
