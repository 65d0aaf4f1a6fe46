package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisStreamConfig 描述 Redis Stream 投递目标。
type RedisStreamConfig struct {
	Address  string `yaml:"address" toml:"address"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Stream   string `yaml:"stream" toml:"stream"`
	MaxLen   int64  `yaml:"max_len" toml:"max_len"`
}

type streamWriter interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// RedisStreamSink 使用 XADD 把事件写入一个有长度上限的 Stream。
type RedisStreamSink struct {
	client streamWriter
	stream string
	maxLen int64
}

// NewRedisStreamSink 连接 Redis 并返回 Sink。
func NewRedisStreamSink(ctx context.Context, cfg RedisStreamConfig) (*RedisStreamSink, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisStreamSink(client, cfg), nil
}

func newRedisStreamSink(client streamWriter, cfg RedisStreamConfig) *RedisStreamSink {
	stream := cfg.Stream
	if stream == "" {
		stream = "agentcompany:events"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

// Name 实现 Sink。
func (s *RedisStreamSink) Name() string { return "redis:" + s.stream }

// Deliver 实现 Sink。
func (s *RedisStreamSink) Deliver(ctx context.Context, ev Event) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":      ev.ID,
			"seq":     strconv.FormatUint(ev.Seq, 10),
			"topic":   string(ev.Topic),
			"company": ev.Company,
			"data":    string(data),
		},
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("Redis XADD 失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisStreamSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
