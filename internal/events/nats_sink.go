package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSConfig 描述 NATS 投递目标。
type NATSConfig struct {
	URL           string `yaml:"url" toml:"url"`
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`
	ClientName    string `yaml:"client_name" toml:"client_name"`
}

type natsPublisher interface {
	PublishMsg(m *nats.Msg) error
	Close()
}

// NATSSink 以 "<前缀>.<公司>.<主题>" 为 subject 发布事件，并带上
// Nats-Msg-Id 头，JetStream 可以据此去重。
type NATSSink struct {
	conn   natsPublisher
	prefix string
}

// NewNATSSink 连接 NATS 服务器。
func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("NATS URL 不能为空")
	}
	name := cfg.ClientName
	if name == "" {
		name = "agentcompany"
	}
	conn, err := nats.Connect(cfg.URL, nats.Name(name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("连接 NATS 失败: %w", err)
	}
	return newNATSSink(conn, cfg.SubjectPrefix), nil
}

func newNATSSink(conn natsPublisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "agentcompany"
	}
	return &NATSSink{conn: conn, prefix: prefix}
}

// Name 实现 Sink。
func (s *NATSSink) Name() string { return "nats:" + s.prefix }

// Deliver 实现 Sink。
func (s *NATSSink) Deliver(_ context.Context, ev Event) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	msg := &nats.Msg{
		Subject: subject(s.prefix, ev),
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set(nats.MsgIdHdr, ev.ID)
	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("NATS 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭连接。
func (s *NATSSink) Close() error {
	if s != nil && s.conn != nil {
		s.conn.Close()
	}
	return nil
}
