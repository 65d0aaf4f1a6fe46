package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"AgentCompany/internal/auth"
	"AgentCompany/internal/company"
	"AgentCompany/internal/observability/metrics"
	"AgentCompany/internal/payment"
	"AgentCompany/internal/task"
	"AgentCompany/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Server 负责暴露操作员 REST 接口与事件流。
type Server struct {
	addr      string
	companies *company.Registry
	auth      *auth.Service
	upgrader  websocket.Upgrader
	log       *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithAllowedOrigins 限制 websocket 的 Origin，为空时接受任意来源。
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		if len(origins) == 0 {
			return
		}
		allowed := make(map[string]struct{}, len(origins))
		for _, o := range origins {
			allowed[strings.TrimSpace(o)] = struct{}{}
		}
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		}
	}
}

// NewServer 构造 API 服务实例。authSvc 为空时不做认证。
func NewServer(addr string, companies *company.Registry, authSvc *auth.Service, opts ...Option) *Server {
	s := &Server{
		addr:      addr,
		companies: companies,
		auth:      authSvc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.auth == nil {
		s.auth, _ = auth.NewService(auth.Config{Disabled: true}, nil)
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /api/companies", auth.PermRead, s.handleCompanies)
	s.route(mux, "GET /api/status", auth.PermRead, s.handleStatus)
	s.route(mux, "GET /api/agents", auth.PermRead, s.handleAgents)
	s.route(mux, "GET /api/org-chart", auth.PermRead, s.handleOrgChart)
	s.route(mux, "GET /api/tasks", auth.PermRead, s.handleListTasks)
	s.route(mux, "POST /api/tasks", auth.PermTasksCreate, s.handleCreateTask)
	s.route(mux, "GET /api/tasks/{id}", auth.PermRead, s.handleTaskDetail)
	s.route(mux, "GET /api/goals", auth.PermRead, s.handleListGoals)
	s.route(mux, "POST /api/goals", auth.PermGoalsSubmit, s.handleSubmitGoal)
	s.route(mux, "GET /api/goals/{id}", auth.PermRead, s.handleGoalDetail)
	s.route(mux, "POST /api/goals/{id}/stop", auth.PermGoalsSubmit, s.handleStopGoal)
	s.route(mux, "POST /api/goals/{id}/resume", auth.PermGoalsSubmit, s.handleResumeGoal)
	s.route(mux, "GET /api/cost", auth.PermRead, s.handleCost)
	s.route(mux, "GET /api/payments", auth.PermRead, s.handleListPayments)
	s.route(mux, "GET /api/payments/{id}", auth.PermRead, s.handlePaymentDetail)
	s.route(mux, "POST /api/payments/{id}/approve", auth.PermPaymentsDecide, s.handleApprovePayment)
	s.route(mux, "POST /api/payments/{id}/reject", auth.PermPaymentsDecide, s.handleRejectPayment)
	s.route(mux, "GET /api/wallet", auth.PermRead, s.handleWallet)

	events := s.auth.Middleware(auth.MiddlewareConfig{Permissions: []string{auth.PermRead}, QueryToken: true})(
		http.HandlerFunc(s.handleEvents))
	mux.Handle("GET /api/events", events)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// route 注册一个需要 perm 权限的路由，并记录请求指标。
func (s *Server) route(mux *http.ServeMux, pattern, perm string, fn http.HandlerFunc) {
	_, path, _ := strings.Cut(pattern, " ")
	protected := s.auth.Middleware(auth.MiddlewareConfig{Permissions: []string{perm}, AuditEvent: pattern})(fn)
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		protected.ServeHTTP(sw, r)
		metrics.ObserveHTTPRequest(path, r.Method, sw.status, time.Since(start))
	}))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) company(w http.ResponseWriter, r *http.Request) (*company.Company, bool) {
	c, err := s.companies.Get(strings.TrimSpace(r.URL.Query().Get("company")))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return c, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		badRequest(w, "请求体解析失败: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleCompanies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"companies": s.companies.Names()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	c, ok := s.company(w, r)
	if !ok {
		return
	}
	status, err := c.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	c, ok := s.company(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c.Agents())
}

func (s *Server) handleOrgChart(w http.ResponseWriter, r *http.Request) {
	c, ok := s.company(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c.OrgChart())
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	c, ok := s.company(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	opts := []task.ListOption{
		task.WithGoalRun(q.Get("goal_run_id")),
		task.WithAssignee(q.Get("assignee")),
		task.WithParent(q.Get("parent_id")),
		task.WithQuery(q.Get("q")),
	}
	if q.Get("sort") == "updated" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedDesc))
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, task.Status(strings.TrimSpace(part)))
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 {
		opts = append(opts, task.WithLimit(limit))
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil && offset > 0 {
		opts = append(opts, task.WithOffset(offset))
	}
	tasks, err := c.Tasks(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	c, ok := s.company(w, r)
	if !ok {
		return
	}
	var req company.CreateTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	created, err := c.CreateTask(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	c, ok := s.company(w, r)
	if !ok {
		return
	}
	t, err := c.Task(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListGoals(w http.ResponseWriter, r *http.Request) {
	c, ok := s.company(w, r)
	if !ok {
		return
	}
	runs, err := c.Goals(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

type submitGoalRequest struct {
	Goal string `json:"goal"`
}

func (s *Server) handleSubmitGoal(w http.ResponseWriter, r *http.Request) {
	c, ok := s.company(w, r)
	if !ok {
		return
	}
	var req submitGoalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	run, err := c.SubmitGoal(r.Context(), req.Goal)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("目标已提交",
		slog.String(logger.KeyCompany, c.Name()),
		slog.String(logger.KeyGoalRun, run.ID),
		slog.String("subject", auth.SubjectName(r.Context())),
	)
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleGoalDetail(w http.ResponseWriter, r *http.Request) {
	c, ok := s.company(w, r)
	if !ok {
		return
	}
	detail, err := c.Goal(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleStopGoal(w http.ResponseWriter, r *http.Request) {
	c, ok := s.company(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := c.StopGoal(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "stopping"})
}

func (s *Server) handleResumeGoal(w http.ResponseWriter, r *http.Request) {
	c, ok := s.company(w, r)
	if !ok {
		return
	}
	run, err := c.ResumeGoal(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleCost(w http.ResponseWriter, r *http.Request) {
	c, ok := s.company(w, r)
	if !ok {
		return
	}
	recent := 20
	if raw := r.URL.Query().Get("recent"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			recent = parsed
		}
	}
	writeJSON(w, http.StatusOK, c.Cost(recent))
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	c, ok := s.company(w, r)
	if !ok {
		return
	}
	list, err := c.Payments(r.Context(), payment.Status(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handlePaymentDetail(w http.ResponseWriter, r *http.Request) {
	c, ok := s.company(w, r)
	if !ok {
		return
	}
	req, err := c.Payment(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleApprovePayment(w http.ResponseWriter, r *http.Request) {
	s.decidePayment(w, r, true)
}

func (s *Server) handleRejectPayment(w http.ResponseWriter, r *http.Request) {
	s.decidePayment(w, r, false)
}

func (s *Server) decidePayment(w http.ResponseWriter, r *http.Request, approve bool) {
	c, ok := s.company(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	var (
		req *payment.Request
		err error
	)
	action := "reject"
	if approve {
		action = "approve"
		req, err = c.ApprovePayment(r.Context(), id)
	} else {
		req, err = c.RejectPayment(r.Context(), id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	logger.Audit().Info("payment_decided",
		slog.String(logger.KeyCompany, c.Name()),
		slog.String(logger.KeyPayment, id),
		slog.String("action", action),
		slog.String("subject", auth.SubjectName(r.Context())),
		slog.String("submission", string(req.Submission)),
	)
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	c, ok := s.company(w, r)
	if !ok {
		return
	}
	snap, err := c.Wallet(r.Context(), r.URL.Query().Get("chain"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
