package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"mcp-agent-worker/internal/agent"
	xerrors "mcp-agent-worker/internal/errors"
	"mcp-agent-worker/internal/llm"
	"mcp-agent-worker/internal/observability/alerting"
	"mcp-agent-worker/internal/policy"
	"mcp-agent-worker/pkg/logger"
)

// Readiness 在运行前确保工具注册表已就绪。
type Readiness interface {
	EnsureReady(ctx context.Context) error
}

// Runner 执行一次对话运行。
type Runner interface {
	Run(ctx context.Context, req agent.RunRequest) (*llm.Message, error)
}

// MessageRequest 是一条来自终端用户的消息。
type MessageRequest struct {
	Message  string `json:"message"`
	UserID   string `json:"user_id"`
	ThreadID string `json:"thread_id,omitempty"`
}

// Worker 处理消息与计划两类请求。
type Worker struct {
	readiness Readiness
	runner    Runner
	policy    policy.Service
	alerter   alerting.Dispatcher
	logger    *slog.Logger
}

// Option 定义可选配置。
type Option func(*Worker)

// WithAlertDispatcher 配置失败上报使用的告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(w *Worker) {
		w.alerter = d
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// New 创建 Worker。
func New(readiness Readiness, runner Runner, service policy.Service, opts ...Option) *Worker {
	w := &Worker{
		readiness: readiness,
		runner:    runner,
		policy:    service,
		logger:    logger.Named("worker"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// HandleMessage 处理一条用户消息。失败时返回致歉文本以及原始错误，
// 原始错误已经上报过，调用方不应再次上报。
func (w *Worker) HandleMessage(ctx context.Context, req MessageRequest) (string, error) {
	userID := strings.TrimSpace(req.UserID)
	threadID := strings.TrimSpace(req.ThreadID)
	if threadID == "" {
		threadID = userID
	}
	ctx = logger.WithAttrs(ctx, slog.String("thread_id", threadID), slog.String("user_id", userID))

	reply, err := w.handleMessage(ctx, userID, threadID, req.Message)
	if err != nil {
		w.report(ctx, err, "message", threadID, userID)
		return Apology, err
	}
	return reply, nil
}

func (w *Worker) handleMessage(ctx context.Context, userID, threadID, message string) (string, error) {
	if userID == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "user_id 不能为空")
	}
	if strings.TrimSpace(message) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "message 不能为空")
	}
	if err := w.ensureReady(ctx); err != nil {
		return "", err
	}
	role, rolePrompt, err := w.resolveRole(ctx, userID)
	if err != nil {
		return "", err
	}
	msg, err := w.runner.Run(ctx, agent.RunRequest{
		ThreadID: threadID,
		Message:  message,
		Role:     role,
		UserID:   userID,
		Preamble: buildMessagePreamble(userID, rolePrompt),
	})
	if err != nil {
		return "", err
	}
	return msg.Content, nil
}

// RunPlan 在强制工具调用模式下执行计划，返回原始错误，供异步任务处理器决定是否重试。
func (w *Worker) RunPlan(ctx context.Context, userID, plan string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "user_id 不能为空")
	}
	if !json.Valid([]byte(plan)) {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "计划必须是合法的 JSON")
	}
	ctx = logger.WithAttrs(ctx, slog.String("thread_id", userID), slog.String("user_id", userID))
	if err := w.ensureReady(ctx); err != nil {
		return "", err
	}
	role, rolePrompt, err := w.resolveRole(ctx, userID)
	if err != nil {
		return "", err
	}
	w.logger.InfoContext(ctx, "开始执行计划", slog.Int("plan_bytes", len(plan)), slog.String("role", role))
	msg, err := w.runner.Run(ctx, agent.RunRequest{
		ThreadID:   userID,
		Message:    plan,
		Role:       role,
		UserID:     userID,
		Preamble:   buildPlanPreamble(userID, rolePrompt),
		ToolChoice: llm.ToolChoiceRequired,
	})
	if err != nil {
		return "", err
	}
	return msg.Content, nil
}

// ExecutePlan 同步执行计划，失败时上报并返回致歉文本。
func (w *Worker) ExecutePlan(ctx context.Context, userID, plan string) (string, error) {
	reply, err := w.RunPlan(ctx, userID, plan)
	if err != nil {
		w.report(ctx, err, "plan", userID, userID)
		return Apology, err
	}
	return reply, nil
}

func (w *Worker) ensureReady(ctx context.Context) error {
	if w.readiness == nil {
		return nil
	}
	return w.readiness.EnsureReady(ctx)
}

func (w *Worker) resolveRole(ctx context.Context, userID string) (string, string, error) {
	if w.policy == nil {
		return "", "", nil
	}
	role, err := w.policy.RoleForUser(ctx, userID)
	if err != nil {
		return "", "", authorizationError(err, "解析用户角色失败")
	}
	if role == "" {
		w.logger.InfoContext(ctx, "用户没有角色，不绑定任何工具")
		return "", "", nil
	}
	prompt, err := w.policy.SystemPromptForRole(ctx, role)
	if err != nil {
		return "", "", authorizationError(err, "获取角色系统提示失败")
	}
	return role, strings.TrimSpace(prompt), nil
}

func authorizationError(err error, message string) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeAuthorizationUnavailable, err, message)
}

// report 记录一次失败的详细信息，并在错误码要求时发送告警。
func (w *Worker) report(ctx context.Context, err error, stage, threadID, userID string) {
	code := xerrors.CodeOf(err)
	level := slog.LevelWarn
	if xerrors.SeverityOf(err) == xerrors.SeverityCritical {
		level = slog.LevelError
	}
	w.logger.Log(ctx, level, "请求处理失败",
		slog.String("stage", stage),
		slog.String("code", string(code)),
		slog.Bool("retryable", xerrors.RetryableError(err)),
		slog.Any("error", err))

	if w.alerter == nil || !xerrors.ShouldAlert(err) {
		return
	}
	event := alerting.FromError(err, stage)
	event.ThreadID = threadID
	event.UserID = userID
	if notifyErr := w.alerter.Notify(context.WithoutCancel(ctx), event); notifyErr != nil {
		w.logger.WarnContext(ctx, "发送告警失败", slog.Any("error", notifyErr))
	}
}
