package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"mcp-agent-worker/internal/auth"
	xerrors "mcp-agent-worker/internal/errors"
	"mcp-agent-worker/internal/observability/metrics"
	"mcp-agent-worker/internal/plan"
	"mcp-agent-worker/internal/registry"
	"mcp-agent-worker/internal/worker"
	"mcp-agent-worker/pkg/logger"
)

const serviceName = "mcp-agent-worker"

// Worker 是 HTTP 层依赖的请求处理能力。
type Worker interface {
	HandleMessage(ctx context.Context, req worker.MessageRequest) (string, error)
	ExecutePlan(ctx context.Context, userID, plan string) (string, error)
}

// Tools 提供工具注册表的重载与就绪状态。
type Tools interface {
	ForceRefresh(ctx context.Context) (*registry.Snapshot, error)
	Ready() bool
}

// Plans 是异步计划任务服务。
type Plans interface {
	Submit(ctx context.Context, req plan.SubmitRequest) (*plan.Job, error)
	Get(ctx context.Context, id string) (*plan.Job, error)
	List(ctx context.Context, limit int) ([]*plan.Job, error)
}

// Config 描述 HTTP 服务参数。
type Config struct {
	Addr            string
	Version         string
	RatePerSecond   float64
	RateBurst       int
	ShutdownTimeout time.Duration
}

// Server 负责暴露 REST 与 MCP 接口。
type Server struct {
	cfg     Config
	worker  Worker
	tools   Tools
	plans   Plans
	auth    *auth.Service
	limiter *userLimiter
	logger  *slog.Logger
}

// NewServer 构造 API 服务实例。plans 为空时不注册计划接口。
func NewServer(cfg Config, w Worker, tools Tools, plans Plans, authSvc *auth.Service) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	return &Server{
		cfg:     cfg,
		worker:  w,
		tools:   tools,
		plans:   plans,
		auth:    authSvc,
		limiter: newUserLimiter(cfg.RatePerSecond, cfg.RateBurst),
		logger:  logger.Named("api"),
	}
}

// Handler 返回完整路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /health", metrics.Instrument("health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /reread_tools", s.protect("reread_tools", s.handleRereadTools))
	mux.Handle("POST /message", s.protect("message", s.handleMessage))
	if s.plans != nil {
		mux.Handle("POST /plans", s.protect("plans_submit", s.handleSubmitPlan))
		mux.Handle("GET /plans", s.protect("plans_list", s.handleListPlans))
		mux.Handle("GET /plans/{id}", s.protect("plans_get", s.handleGetPlan))
	}
	mcp := s.auth.Middleware("mcp")(metrics.Instrument("mcp", s.mcpHandler()))
	mux.Handle("/mcp", mcp)
	mux.Handle("/mcp/", mcp)
	return withRequestID(mux)
}

func (s *Server) protect(name string, h http.HandlerFunc) http.Handler {
	return s.auth.Middleware(name)(metrics.Instrument(name, h))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP 服务启动", slog.String("addr", s.cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "service": serviceName})
}

func (s *Server) handleRereadTools(w http.ResponseWriter, r *http.Request) {
	s.logger.InfoContext(r.Context(), "重新读取工具定义")
	snap, err := s.tools.ForceRefresh(r.Context())
	if err != nil {
		writeError(w, err, "failed to reread tools")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "tools reread",
		"generation": snap.Generation(),
		"tools":      snap.Names(),
	})
}

type messageRequest struct {
	Message  string `json:"message"`
	UserID   string `json:"user_id"`
	ThreadID string `json:"thread_id,omitempty"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"), "invalid request body")
		return
	}
	userID, ok := s.actingUser(w, r, req.UserID)
	if !ok {
		return
	}
	if !s.limiter.Allow(userID) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"status": "error", "message": "too many requests"})
		return
	}

	reply, err := s.worker.HandleMessage(r.Context(), worker.MessageRequest{
		Message:  req.Message,
		UserID:   userID,
		ThreadID: req.ThreadID,
	})
	if err != nil {
		writeJSON(w, xerrors.HTTPStatusOf(err), map[string]any{
			"status":  "error",
			"code":    xerrors.CodeOf(err),
			"message": reply,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "message received", "message": reply})
}

type submitPlanRequest struct {
	ID       string          `json:"id,omitempty"`
	UserID   string          `json:"user_id"`
	PlanJSON json.RawMessage `json:"plan_json"`
}

func (s *Server) handleSubmitPlan(w http.ResponseWriter, r *http.Request) {
	var req submitPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"), "invalid request body")
		return
	}
	userID, ok := s.actingUser(w, r, req.UserID)
	if !ok {
		return
	}
	job, err := s.plans.Submit(r.Context(), plan.SubmitRequest{ID: req.ID, UserID: userID, Plan: planText(req.PlanJSON)})
	if err != nil {
		writeError(w, err, "failed to submit plan")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// planText 兼容两种写法：plan_json 直接是 JSON 对象，或是包含 JSON 的字符串。
func planText(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return string(raw)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID"), "missing plan id")
		return
	}
	job, err := s.plans.Get(r.Context(), id)
	if err != nil {
		writeError(w, err, "failed to load plan")
		return
	}
	if subject := auth.SubjectFromContext(r.Context()); subject != nil && !subject.CanActAs(job.UserID) {
		writeJSON(w, http.StatusNotFound, map[string]any{"status": "error", "message": "plan not found"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	jobs, err := s.plans.List(r.Context(), limit)
	if err != nil {
		writeError(w, err, "failed to list plans")
		return
	}
	if subject := auth.SubjectFromContext(r.Context()); subject != nil {
		visible := jobs[:0]
		for _, job := range jobs {
			if subject.CanActAs(job.UserID) {
				visible = append(visible, job)
			}
		}
		jobs = visible
	}
	writeJSON(w, http.StatusOK, jobs)
}

// actingUser 确定请求代表的用户。认证开启时 user_id 缺省取令牌主体，且只能代表自己。
func (s *Server) actingUser(w http.ResponseWriter, r *http.Request, requested string) (string, bool) {
	requested = strings.TrimSpace(requested)
	subject := auth.SubjectFromContext(r.Context())
	if subject == nil {
		return requested, true
	}
	if !subject.CanActAs(requested) {
		logger.Audit().WarnContext(r.Context(), "user_mismatch",
			slog.String("subject", subject.UserID),
			slog.String("requested", requested))
		writeJSON(w, http.StatusForbidden, map[string]any{"status": "error", "message": auth.ErrUserMismatch.Error()})
		return "", false
	}
	if requested == "" {
		requested = subject.UserID
	}
	return requested, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError 只暴露面向用户的文本与错误码，详细错误写入日志。
func writeError(w http.ResponseWriter, err error, userMessage string) {
	status := xerrors.HTTPStatusOf(err)
	if status >= http.StatusInternalServerError {
		logger.Named("api").Error(userMessage, slog.Any("error", err))
	}
	writeJSON(w, status, map[string]any{"status": "error", "code": xerrors.CodeOf(err), "message": userMessage})
}

// withRequestID 为每个请求生成请求 ID 并挂到日志上下文。
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := logger.WithAttrs(r.Context(), slog.String("request_id", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "service shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
