package company

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestRequestsCarryTokenAndCompany(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected authorization %q", got)
		}
		if got := r.URL.Query().Get("company"); got != "globex" {
			t.Errorf("unexpected company %q", got)
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/tasks":
			if r.URL.Query().Get("status") != "pending,failed" || r.URL.Query().Get("limit") != "5" {
				t.Errorf("unexpected task query %q", r.URL.RawQuery)
			}
			_ = json.NewEncoder(w).Encode([]Task{{ID: "t1", Status: "pending"}})
		case r.Method == http.MethodPost && r.URL.Path == "/api/goals":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(GoalRun{ID: "g1", Goal: body["goal"]})
		case r.Method == http.MethodPost && r.URL.Path == "/api/payments/p1/approve":
			_ = json.NewEncoder(w).Encode(Payment{ID: "p1", Status: "approved", TxHash: "0xabc"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client(), WithToken("secret"), WithCompany("globex"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	tasks, err := client.Tasks(ctx, TaskFilter{Statuses: []string{"pending", "failed"}, Limit: 5})
	if err != nil || len(tasks) != 1 || tasks[0].ID != "t1" {
		t.Fatalf("tasks: %v %+v", err, tasks)
	}
	run, err := client.SubmitGoal(ctx, "grow revenue")
	if err != nil || run.ID != "g1" || run.Goal != "grow revenue" {
		t.Fatalf("submit: %v %+v", err, run)
	}
	pay, err := client.ApprovePayment(ctx, "p1")
	if err != nil || pay.TxHash != "0xabc" {
		t.Fatalf("approve: %v %+v", err, pay)
	}
}

func TestAPIErrorsAreDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/status" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"NOT_PENDING","message":"付款请求已处理"}}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	_, err := client.RejectPayment(context.Background(), "p1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "NOT_PENDING" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}

	_, err = client.Status(context.Background())
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized || apiErr.Message != "Unauthorized" {
		t.Fatalf("unexpected plain-text error: %v", err)
	}

	if _, err := NewClient("ftp://example.com", nil); err == nil {
		t.Fatalf("expected scheme validation error")
	}
}

func TestEventsStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("after") != "7" || r.URL.Query().Get("topics") != "payment.*" {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := uint64(8); i <= 9; i++ {
			_ = conn.WriteJSON(Event{Seq: i, Topic: "payment.requested"})
		}
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.Events(ctx, EventFilter{After: 7, Topics: []string{"payment.*"}})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var seqs []uint64
	for ev := range stream {
		if !strings.HasPrefix(ev.Topic, "payment.") {
			t.Fatalf("unexpected topic %s", ev.Topic)
		}
		seqs = append(seqs, ev.Seq)
	}
	if len(seqs) != 2 || seqs[0] != 8 || seqs[1] != 9 {
		t.Fatalf("unexpected sequence %v", seqs)
	}
}
