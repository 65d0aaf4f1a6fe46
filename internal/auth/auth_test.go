package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{Tokens: []Token{
		{Subject: "ada", Token: "reader-token", Permissions: []string{"READ"}},
		{Subject: "grace", Token: "owner-token", Permissions: AllPermissions()},
	}}, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	subject, err := svc.AuthenticateRequest(ctx, "Bearer owner-token")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Name != "grace" || !subject.HasPermission(PermPaymentsDecide) {
		t.Fatalf("unexpected subject: %+v", subject)
	}
	if _, err := svc.AuthenticateRequest(ctx, ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, "Basic abc"); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token for non-bearer scheme, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, "Bearer nope"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}

	reader, _ := svc.AuthenticateRequest(ctx, "bearer reader-token")
	if err := reader.Authorize(PermRead); err != nil {
		t.Fatalf("reader should have read: %v", err)
	}
	if err := reader.Authorize(PermRead, PermGoalsSubmit); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestRevokedTokenIsRejected(t *testing.T) {
	store, err := NewMemoryStore([]Token{{Subject: "ada", Token: "t1", Permissions: []string{PermRead}}})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	svc, _ := NewService(Config{}, store)
	if n := store.Revoke("ada"); n != 1 {
		t.Fatalf("expected one revoked token, got %d", n)
	}
	if _, err := svc.AuthenticateToken(context.Background(), "t1"); !errors.Is(err, ErrSubjectRevoked) {
		t.Fatalf("expected revoked, got %v", err)
	}
	if _, err := NewMemoryStore([]Token{{Subject: "", Token: "x"}}); err == nil {
		t.Fatalf("token without subject must be rejected")
	}
}

func TestMiddleware(t *testing.T) {
	svc := newService(t)
	var seen string
	handler := svc.Middleware(MiddlewareConfig{Permissions: []string{PermGoalsSubmit}})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = SubjectName(r.Context())
			w.WriteHeader(http.StatusAccepted)
		}))

	cases := []struct {
		header string
		want   int
	}{
		{"", http.StatusUnauthorized},
		{"Bearer wrong", http.StatusUnauthorized},
		{"Bearer reader-token", http.StatusForbidden},
		{"Bearer owner-token", http.StatusAccepted},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/goals", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("header %q: expected %d, got %d", tc.header, tc.want, rec.Code)
		}
	}
	if seen != "grace" {
		t.Fatalf("expected subject in context, got %q", seen)
	}
}

func TestMiddlewareQueryTokenAndDisabled(t *testing.T) {
	svc := newService(t)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	ws := svc.Middleware(MiddlewareConfig{Permissions: []string{PermRead}, QueryToken: true})(ok)
	rec := httptest.NewRecorder()
	ws.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events?token=reader-token", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("query token should authenticate, got %d", rec.Code)
	}

	open, _ := NewService(Config{Disabled: true}, nil)
	var name string
	h := open.Middleware(MiddlewareConfig{Permissions: []string{PermPaymentsDecide}})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { name = SubjectName(r.Context()) }))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/payments/x/approve", nil))
	if rec.Code != http.StatusOK || name != AnonymousSubject {
		t.Fatalf("disabled auth should pass as anonymous, got %d %q", rec.Code, name)
	}
}
