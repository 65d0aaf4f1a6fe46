package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"AgentCompany/pkg/logger"
)

const defaultHistorySize = 1024

// Bus 是单个公司范围内的事件总线。
//
// Publish 不会阻塞：每个订阅者拥有独立的无界队列，由专属 goroutine 推送到
// 订阅者的 channel，慢消费者只会让自己的队列变长，不会拖慢引擎。
type Bus struct {
	company string
	logger  *slog.Logger

	mu      sync.Mutex
	seq     uint64
	nextSub int
	subs    map[int]*Subscription
	history []Event
	maxHist int
	closed  bool
	now     func() time.Time
}

// BusOption 定义可选配置。
type BusOption func(*Bus)

// WithHistorySize 设置保留的历史事件数量，用于新订阅者回放。
func WithHistorySize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.maxHist = n
		}
	}
}

// WithBusLogger 指定日志输出。
func WithBusLogger(l *slog.Logger) BusOption {
	return func(b *Bus) {
		b.logger = l
	}
}

// WithClock 替换时间来源，测试使用。
func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBus 创建公司级事件总线。
func NewBus(company string, opts ...BusOption) *Bus {
	b := &Bus{
		company: company,
		subs:    make(map[int]*Subscription),
		maxHist: defaultHistorySize,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.logger = logger.Or(b.logger, "events")
	return b
}

// Publish 补全事件元数据后分发给所有匹配的订阅者，并返回最终事件。
func (b *Bus) Publish(ev Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev.Seq = b.seq
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Company == "" {
		ev.Company = b.company
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = b.now().UTC()
	}
	ev.Payload = clonePayload(ev.Payload)

	if b.closed {
		b.logger.Debug("事件总线已关闭，丢弃事件", slog.String("topic", string(ev.Topic)))
		return ev
	}

	b.history = append(b.history, ev)
	if over := len(b.history) - b.maxHist; over > 0 {
		b.history = append([]Event(nil), b.history[over:]...)
	}
	for _, sub := range b.subs {
		if sub.accepts(ev.Topic) {
			sub.enqueue(ev)
		}
	}
	return ev
}

// Subscribe 注册订阅者。patterns 为空时接收所有主题。
func (b *Bus) Subscribe(patterns ...string) *Subscription {
	return b.subscribe(0, false, patterns)
}

// SubscribeFrom 注册订阅者，并先回放序号大于 afterSeq 的历史事件。
// 断线重连的消费者借此补齐错过的事件。
func (b *Bus) SubscribeFrom(afterSeq uint64, patterns ...string) *Subscription {
	return b.subscribe(afterSeq, true, patterns)
}

func (b *Bus) subscribe(afterSeq uint64, replay bool, patterns []string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSub++
	sub := newSubscription(b, b.nextSub, patterns)
	if b.closed {
		sub.shutdown()
		return sub
	}
	if replay {
		for _, ev := range b.history {
			if ev.Seq > afterSeq && sub.accepts(ev.Topic) {
				sub.enqueue(ev)
			}
		}
	}
	b.subs[sub.id] = sub
	return sub
}

// History 返回序号大于 afterSeq 的历史事件副本。
func (b *Bus) History(afterSeq uint64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, 0, len(b.history))
	for _, ev := range b.history {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out
}

// LastSeq 返回最近一次发布的事件序号。
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Restore 在恢复运行时推进序号，避免重启后序号回退。
func (b *Bus) Restore(seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq > b.seq {
		b.seq = seq
	}
}

// Company 返回总线所属公司。
func (b *Bus) Company() string { return b.company }

// Close 关闭所有订阅。
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = map[int]*Subscription{}
	b.closed = true
	b.mu.Unlock()
	for _, sub := range subs {
		sub.shutdown()
	}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

var _ Publisher = (*Bus)(nil)
