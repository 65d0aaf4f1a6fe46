package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type httpMetrics struct {
	mu       sync.Mutex
	requests *series
	errors   *series
	latency  *histogram
}

var httpCollector = &httpMetrics{
	requests: newSeries("counter", "agentcompany_http_requests_total",
		"Total number of HTTP requests processed.", "handler", "method", "code"),
	errors: newSeries("counter", "agentcompany_http_request_errors_total",
		"Total number of HTTP requests that resulted in a server error.", "handler", "method"),
	latency: newHistogram("agentcompany_http_request_duration_seconds",
		"HTTP request duration in seconds.", defaultBuckets, "handler", "method"),
}

// ObserveHTTPRequest records one served API request. handler is the route
// pattern, not the raw path, so IDs do not explode the label space.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c := httpCollector
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests.add(1, handler, method, strconv.Itoa(status))
	if status >= http.StatusInternalServerError {
		c.errors.add(1, handler, method)
	}
	c.latency.observe(duration.Seconds(), handler, method)
}

func (c *httpMetrics) render(b *strings.Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests.write(b)
	c.errors.write(b)
	c.latency.write(b)
}

// Handler serves every collector in the Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		var b strings.Builder
		b.Grow(4096)
		httpCollector.render(&b)
		engineCollector.render(&b)
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(b.String()))
	})
}

// StartServer serves /metrics on its own listener until ctx is cancelled.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
