package events

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 RabbitMQ topic exchange 投递目标。
type RabbitMQConfig struct {
	URL      string `yaml:"url" toml:"url"`
	Exchange string `yaml:"exchange" toml:"exchange"`
	Durable  bool   `yaml:"durable" toml:"durable"`
}

type amqpPublisher interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Close() error
}

// RabbitMQSink 把事件发布到 topic exchange，路由键为 "<公司>.<主题>"。
// channel 处于 confirm 模式，Deliver 会等待 broker 确认。
type RabbitMQSink struct {
	conn     *amqp.Connection
	ch       amqpPublisher
	exchange string
}

// NewRabbitMQSink 建立连接、声明 exchange 并开启发布确认。
func NewRabbitMQSink(cfg RabbitMQConfig) (*RabbitMQSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "agentcompany.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ exchange 失败: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("开启 RabbitMQ 发布确认失败: %w", err)
	}
	return &RabbitMQSink{conn: conn, ch: ch, exchange: exchange}, nil
}

// Name 实现 Sink。
func (s *RabbitMQSink) Name() string { return "rabbitmq:" + s.exchange }

// Deliver 实现 Sink。
func (s *RabbitMQSink) Deliver(ctx context.Context, ev Event) error {
	if s == nil || s.ch == nil {
		return errors.New("RabbitMQ sink 未初始化")
	}
	body, err := encode(ev)
	if err != nil {
		return err
	}
	confirm, err := s.ch.PublishWithDeferredConfirmWithContext(ctx, s.exchange, subject("", ev), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.OccurredAt,
		Type:         string(ev.Topic),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("RabbitMQ 发布事件失败: %w", err)
	}
	if confirm == nil {
		return nil
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("等待 RabbitMQ 确认失败: %w", err)
	}
	if !acked {
		return errors.New("RabbitMQ 拒绝了事件")
	}
	return nil
}

// Close 关闭 RabbitMQ 连接。
func (s *RabbitMQSink) Close() error {
	if s == nil {
		return nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
