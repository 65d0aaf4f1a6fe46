package company

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"AgentCompany/internal/config"
	"AgentCompany/internal/cycle"
	"AgentCompany/internal/events"
	"AgentCompany/internal/llm"
	"AgentCompany/internal/llm/command"
	"AgentCompany/internal/llm/openai"
	"AgentCompany/internal/observability/alerting"
	"AgentCompany/internal/payment"
	"AgentCompany/internal/storage/file"
	"AgentCompany/internal/storage/sqlstore"
)

type stores struct {
	snapshots cycle.SnapshotStore
	payments  payment.Store
	close     func() error
}

// openStores 按存储驱动创建快照与付款存储。
func openStores(ctx context.Context, company string, cfg config.StorageConfig) (stores, error) {
	switch cfg.Driver {
	case "", "memory":
		return stores{
			snapshots: cycle.NewMemorySnapshotStore(),
			payments:  payment.NewMemoryStore(),
			close:     func() error { return nil },
		}, nil
	case "file":
		dir := filepath.Join(cfg.DataDir, company)
		snaps, err := file.NewSnapshotStore(dir)
		if err != nil {
			return stores{}, err
		}
		pays, err := file.NewPaymentStore(dir)
		if err != nil {
			return stores{}, err
		}
		return stores{snapshots: snaps, payments: pays, close: func() error { return nil }}, nil
	case "sqlite", "mysql":
		st, err := sqlstore.Open(ctx, sqlstore.Config{
			Dialect: sqlstore.Dialect(cfg.Driver),
			DSN:     cfg.DSN,
			Company: company,
		})
		if err != nil {
			return stores{}, err
		}
		return stores{snapshots: st.Snapshots(), payments: st.Payments(), close: st.Close}, nil
	default:
		return stores{}, fmt.Errorf("不支持的存储驱动: %s", cfg.Driver)
	}
}

func newLLMClient(cfg config.LLMConfig) (llm.Client, error) {
	switch cfg.Provider {
	case "command":
		return command.NewClient(command.Config{
			Executable: cfg.Command.Executable,
			Args:       cfg.Command.Args,
			WorkingDir: cfg.Command.WorkingDir,
			Model:      cfg.Model,
			Timeout:    time.Duration(cfg.Command.TimeoutSeconds) * time.Second,
		})
	case "", "openai":
		return openai.NewClient(openai.Config{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.Model,
			Timeout: time.Duration(cfg.OpenAI.TimeoutSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.Provider)
	}
}

// newAlerter 返回 nil 表示没有配置任何告警渠道。
func newAlerter(cfg config.AlertingConfig, audit *slog.Logger) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Log {
		notifiers = append(notifiers, &alerting.LogNotifier{Logger: audit})
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:     cfg.WebhookURL,
			Headers: cfg.WebhookHeaders,
			Client:  &http.Client{Timeout: 10 * time.Second},
		})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}

type companyDispatcher struct {
	company string
	next    alerting.Dispatcher
}

// stampCompany 为未标注公司的告警补上公司名称。
func stampCompany(company string, d alerting.Dispatcher) alerting.Dispatcher {
	return &companyDispatcher{company: company, next: d}
}

func (d *companyDispatcher) Notify(ctx context.Context, ev alerting.Event) error {
	if ev.Company == "" {
		ev.Company = d.company
	}
	return d.next.Notify(ctx, ev)
}

// openSinks 连接配置中的外部事件系统，任何一个连接失败都视为装配失败。
func openSinks(ctx context.Context, cfg config.EventsConfig) ([]events.Sink, error) {
	var sinks []events.Sink
	fail := func(err error) ([]events.Sink, error) {
		for _, s := range sinks {
			_ = s.Close()
		}
		return nil, err
	}
	if cfg.Redis != nil {
		s, err := events.NewRedisStreamSink(ctx, *cfg.Redis)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if cfg.RabbitMQ != nil {
		s, err := events.NewRabbitMQSink(*cfg.RabbitMQ)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if cfg.NATS != nil {
		s, err := events.NewNATSSink(*cfg.NATS)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}
