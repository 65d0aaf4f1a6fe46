package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"AgentCompany/sdk/go/company"
)

// 连接本地 companyd，提交一个目标并打印事件直到运行结束。
func main() {
	baseURL := envOr("COMPANY_URL", "http://localhost:8420")
	goal := strings.Join(os.Args[1:], " ")
	if goal == "" {
		goal = "Launch a landing page for the new product"
	}

	client, err := company.NewClient(baseURL, nil,
		company.WithToken(os.Getenv("COMPANY_TOKEN")),
		company.WithCompany(os.Getenv("COMPANY_NAME")),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()

	status, err := client.Status(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	stream, err := client.Events(ctx, company.EventFilter{After: status.LastEventSeq, Topics: []string{"goal.*", "cycle.*", "task.*", "payment.*"}})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	run, err := client.SubmitGoal(ctx, goal)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("submitted goal %s to %s\n", run.ID, status.Company)

	for ev := range stream {
		if ev.GoalRunID != run.ID {
			continue
		}
		fmt.Printf("#%d %-20s %v\n", ev.Seq, ev.Topic, ev.Payload)
		if ev.Topic == "goal.completed" {
			break
		}
	}

	detail, err := client.Goal(ctx, run.ID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("outcome=%s reason=%q\n%s\n", detail.Run.Outcome, detail.Run.Reason, detail.Summary)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
