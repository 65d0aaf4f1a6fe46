package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	sdk "AgentCompany/sdk/go/company"
)

// Build-time variables (set via ldflags)
var version = "dev"

func init() {
	// COMPANY_URL and COMPANY_TOKEN may live in a local .env
	_ = godotenv.Load()
}

// app carries what every command needs.
type app struct {
	ctx     context.Context
	client  *sdk.Client
	out     io.Writer
	json    bool
	timeout time.Duration
}

// call returns a context bounded by the per-request timeout.
func (a *app) call() (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(a.ctx)
	}
	return context.WithTimeout(a.ctx, a.timeout)
}

// print writes v as indented JSON when --json is set, otherwise uses render.
func (a *app) print(v any, render func(io.Writer)) error {
	if a.json {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	render(a.out)
	return nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("companyctl"),
		kong.Description("Operate an AI company served by companyd"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []sdk.Option{sdk.WithToken(cli.Token)}
	if cli.Company != "" {
		opts = append(opts, sdk.WithCompany(cli.Company))
	}
	client, err := sdk.NewClient(cli.URL, &http.Client{}, opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: "+err.Error()))
		os.Exit(2)
	}

	err = kctx.Run(&app{
		ctx:     ctx,
		client:  client,
		out:     os.Stdout,
		json:    cli.JSON,
		timeout: cli.Timeout,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: "+err.Error()))
		os.Exit(1)
	}
}
