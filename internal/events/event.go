// Package events 提供公司引擎内部的发布/订阅通道。
//
// 引擎自身的状态迁移是同步完成的，事件只是对外的观察窗口：仪表盘、CLI、
// 日志以及外部消息系统都通过订阅获得变更。投递语义为至少一次，订阅方需要
// 依据 Event.ID 做幂等处理。
package events

import (
	"strings"
	"time"
)

// Topic 是事件主题，采用 "<域>.<动作>" 的命名方式。
type Topic string

const (
	TopicTaskCreated      Topic = "task.created"
	TopicTaskTransitioned Topic = "task.transitioned"

	TopicCycleStarted   Topic = "cycle.started"
	TopicCyclePhase     Topic = "cycle.phase"
	TopicCycleWave      Topic = "cycle.wave"
	TopicCycleCompleted Topic = "cycle.completed"

	TopicGoalStarted   Topic = "goal.started"
	TopicGoalCompleted Topic = "goal.completed"

	TopicCostUpdated Topic = "cost.updated"

	TopicPaymentRequested Topic = "payment.requested"
	TopicPaymentApproved  Topic = "payment.approved"
	TopicPaymentRejected  Topic = "payment.rejected"
	TopicPaymentSent      Topic = "payment.sent"
	TopicPaymentFailed    Topic = "payment.failed"
)

// Event 是一次可观察的状态变化。
type Event struct {
	ID         string         `json:"id"`
	Seq        uint64         `json:"seq"`
	Topic      Topic          `json:"topic"`
	Company    string         `json:"company"`
	GoalRunID  string         `json:"goal_run_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Domain 返回主题的前缀部分，例如 task.created 的 "task"。
func (t Topic) Domain() string {
	if idx := strings.IndexByte(string(t), '.'); idx > 0 {
		return string(t)[:idx]
	}
	return string(t)
}

// Match 判断主题是否匹配订阅模式。支持精确匹配、"task.*" 前缀匹配以及 "*"。
func (t Topic) Match(pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	switch {
	case pattern == "" || pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(string(t), strings.TrimSuffix(pattern, "*"))
	default:
		return string(t) == pattern
	}
}

// Publisher 是引擎组件发布事件所依赖的最小接口。
type Publisher interface {
	Publish(ev Event) Event
}

// PublisherFunc 允许用函数实现 Publisher。
type PublisherFunc func(ev Event) Event

// Publish 实现 Publisher。
func (f PublisherFunc) Publish(ev Event) Event { return f(ev) }

// Nop 丢弃所有事件。
var Nop Publisher = PublisherFunc(func(ev Event) Event { return ev })

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}
