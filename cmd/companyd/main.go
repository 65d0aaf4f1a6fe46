package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"AgentCompany/internal/api"
	"AgentCompany/internal/auth"
	"AgentCompany/internal/company"
	"AgentCompany/internal/config"
	"AgentCompany/internal/observability/metrics"
	"AgentCompany/pkg/logger"
)

var version = "dev"

// daemonCLI 是 companyd 的命令行参数。
type daemonCLI struct {
	Config  []string         `short:"c" env:"COMPANY_CONFIG" sep:"," default:"configs/company.yaml" help:"公司配置文件，每个文件一家公司，可重复指定"`
	Address string           `help:"覆盖第一份配置中的 API 监听地址"`
	NoWatch bool             `help:"不监听配置文件变化"`
	Version kong.VersionFlag `help:"显示版本"`
}

// main 是 AI 公司守护进程的入口。
func main() {
	var cli daemonCLI
	kong.Parse(&cli,
		kong.Name("companyd"),
		kong.Description("运行一家或多家 AI 公司并提供 HTTP 接口"),
		kong.Vars{"version": version},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cli); err != nil {
		log.Fatalf("companyd 运行失败: %v", err)
	}
}

func run(ctx context.Context, cli daemonCLI) error {
	cfgs, err := config.LoadAll(cli.Config)
	if err != nil {
		return err
	}
	primary := cfgs[0]

	if err := logger.Init(primary.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("companyd")

	if primary.Tracing.Enabled {
		// 不内置导出器，嵌入方可在此之前通过 otel.SetTracerProvider 安装自己的实现。
		log.Info("链路追踪已开启", slog.String("service", primary.Tracing.ServiceName))
	} else {
		otel.SetTracerProvider(noop.NewTracerProvider())
	}

	reg, err := company.Open(ctx, cfgs)
	if err != nil {
		return err
	}
	defer func() {
		if err := reg.Close(); err != nil {
			log.Error("关闭公司失败", slog.Any("error", err))
		}
	}()
	reg.Start()

	authSvc, err := auth.NewService(authConfig(primary.Server), nil)
	if err != nil {
		return err
	}
	if authSvc.Disabled() {
		log.Warn("API 鉴权已关闭，所有请求拥有全部权限")
	}

	addr := primary.Server.Address
	if cli.Address != "" {
		addr = cli.Address
	}
	server := api.NewServer(addr, reg, authSvc)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	if primary.Server.MetricsAddress != "" {
		g.Go(func() error {
			return metrics.StartServer(gctx, primary.Server.MetricsAddress)
		})
	}
	if !cli.NoWatch {
		for _, cfg := range cfgs {
			path := cfg.Path()
			g.Go(func() error {
				return config.Watch(gctx, path, func(next *config.Config) {
					if err := reg.Reload(next); err != nil {
						log.Error("应用新配置失败", slog.String("path", path), slog.Any("error", err))
					}
				})
			})
		}
	}

	log.Info("companyd 已启动",
		slog.String("version", version),
		slog.String("address", addr),
		slog.Any("companies", reg.Names()),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("companyd 正在退出")
	return nil
}

func authConfig(cfg config.ServerConfig) auth.Config {
	out := auth.Config{Disabled: cfg.AuthDisabled}
	for _, tok := range cfg.Tokens {
		out.Tokens = append(out.Tokens, auth.Token{
			Subject:     tok.Subject,
			Token:       tok.Token,
			Permissions: tok.Permissions,
		})
	}
	return out
}
