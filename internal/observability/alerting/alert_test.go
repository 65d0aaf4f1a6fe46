package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "AgentCompany/internal/errors"
	"AgentCompany/pkg/logger"
)

type captureNotifier struct {
	channel Channel
	got     []Event
	err     error
}

func (c *captureNotifier) Channel() Channel { return c.channel }
func (c *captureNotifier) Notify(_ context.Context, ev Event) error {
	c.got = append(c.got, ev)
	return c.err
}

func TestFanoutStampsChannelAndJoinsErrors(t *testing.T) {
	ok := &captureNotifier{channel: ChannelLog}
	bad := &captureNotifier{channel: ChannelWebhook, err: errors.New("down")}
	d := NewFanout(ok, nil, bad)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeBudgetExceeded})
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if len(ok.got) != 1 || ok.got[0].Channel != ChannelLog {
		t.Fatalf("log notifier not called correctly: %+v", ok.got)
	}
	if len(bad.got) != 1 || bad.got[0].Channel != ChannelWebhook {
		t.Fatalf("webhook notifier not called correctly: %+v", bad.got)
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Headers: map[string]string{"X-Token": "secret"}, Client: srv.Client()}
	ev := FromError(xerrors.New(xerrors.CodePaymentSubmission, "rpc down", xerrors.WithMetadata("chain", "base")), "submit")
	ev.PaymentID = "p1"
	if err := n.Notify(context.Background(), ev); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if received.Code != xerrors.CodePaymentSubmission || received.PaymentID != "p1" {
		t.Fatalf("unexpected payload: %+v", received)
	}
	if received.Metadata["chain"] != "base" || received.Metadata["stage"] != "submit" {
		t.Fatalf("metadata not forwarded: %+v", received.Metadata)
	}

	n.Headers = nil
	if err := n.Notify(context.Background(), ev); err == nil {
		t.Fatalf("expected non-2xx to fail")
	}
}

func TestLogNotifierAndEmitAreNilSafe(t *testing.T) {
	n := &LogNotifier{Logger: logger.Discard()}
	if err := n.Notify(context.Background(), Event{Severity: xerrors.SeverityCritical, Metadata: map[string]string{"b": "2", "a": "1"}}); err != nil {
		t.Fatalf("log notify: %v", err)
	}
	Emit(context.Background(), nil, Event{})
	var empty *WebhookNotifier
	if err := empty.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("unconfigured webhook should be skipped: %v", err)
	}
}
