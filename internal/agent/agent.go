package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "mcp-agent-worker/internal/errors"
	"mcp-agent-worker/internal/llm"
	"mcp-agent-worker/internal/observability/metrics"
	"mcp-agent-worker/internal/policy"
	"mcp-agent-worker/internal/registry"
	"mcp-agent-worker/internal/session"
	"mcp-agent-worker/pkg/logger"
)

// State 是一次运行在对话循环中的位置。
type State string

const (
	StateAwaitingModel       State = "awaiting_model"
	StateModelAnswered       State = "model_answered"
	StateModelRequestedTools State = "model_requested_tools"
	StateExecutingTools      State = "executing_tools"
	StateTerminal            State = "terminal"
)

const (
	defaultMaxIterations    = 10
	defaultInferenceTimeout = 120 * time.Second
	defaultToolTimeout      = 60 * time.Second
	defaultRunBudget        = 5 * time.Minute
	persistTimeout          = 5 * time.Second
)

// ToolSource 提供当前工具快照。
type ToolSource interface {
	Current() *registry.Snapshot
}

// Authorizer 计算角色在快照中允许使用的工具。
type Authorizer interface {
	AllowedTools(ctx context.Context, role string, snapshot *registry.Snapshot) (policy.ToolSet, error)
}

// RunRequest 是一次对话运行的输入。
type RunRequest struct {
	ThreadID string
	Message  string
	Role     string
	UserID   string
	// Preamble 在推理时作为 system 消息放在历史之前，不写入会话。
	Preamble []string
	// ToolChoice 只作用于本次运行的第一次推理。
	ToolChoice llm.ToolChoice
}

// Engine 驱动工具调用对话循环。不同线程可以并发运行。
type Engine struct {
	llm        llm.Client
	tools      ToolSource
	authorizer Authorizer
	store      session.Store
	locker     session.Locker

	maxIterations    int
	inferenceTimeout time.Duration
	toolTimeout      time.Duration
	runBudget        time.Duration
	logger           *slog.Logger
	observe          func(threadID string, state State)
}

// Option 定义可选的 Engine 配置。
type Option func(*Engine)

// WithMaxIterations 设置单次运行的推理轮数上限。
func WithMaxIterations(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxIterations = n
		}
	}
}

// WithInferenceTimeout 设置单次推理调用的超时。
func WithInferenceTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.inferenceTimeout = d
		}
	}
}

// WithToolTimeout 设置单次工具调用的超时。
func WithToolTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.toolTimeout = d
		}
	}
}

// WithRunBudget 设置整次运行的墙钟时间预算。
func WithRunBudget(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.runBudget = d
		}
	}
}

// WithLocker 设置线程锁，同一线程的运行按锁串行。
func WithLocker(l session.Locker) Option {
	return func(e *Engine) {
		e.locker = l
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithStateObserver 注册状态变化回调，主要用于测试与调试。
func WithStateObserver(fn func(threadID string, state State)) Option {
	return func(e *Engine) {
		e.observe = fn
	}
}

// New 创建对话引擎。
func New(client llm.Client, tools ToolSource, authorizer Authorizer, store session.Store, opts ...Option) *Engine {
	e := &Engine{
		llm:              client,
		tools:            tools,
		authorizer:       authorizer,
		store:            store,
		maxIterations:    defaultMaxIterations,
		inferenceTimeout: defaultInferenceTimeout,
		toolTimeout:      defaultToolTimeout,
		runBudget:        defaultRunBudget,
		logger:           logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Run 执行一次对话运行并返回模型的最终答复。
func (e *Engine) Run(ctx context.Context, req RunRequest) (reply *llm.Message, err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveRun(runOutcome(err), time.Since(start))
	}()

	threadID := strings.TrimSpace(req.ThreadID)
	if threadID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "thread id 不能为空")
	}
	if e.llm == nil || e.tools == nil || e.authorizer == nil || e.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "对话引擎未初始化")
	}
	ctx = logger.WithAttrs(ctx, slog.String("thread_id", threadID), slog.String("user_id", req.UserID))

	if e.locker != nil {
		unlock, lockErr := e.locker.Lock(ctx, threadID)
		if lockErr != nil {
			return nil, lockErr
		}
		defer unlock()
	}

	if e.runBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.runBudget)
		defer cancel()
	}

	snapshot := e.tools.Current()
	allowed, err := e.authorizer.AllowedTools(ctx, req.Role, snapshot)
	if err != nil {
		return nil, err
	}
	schemas := snapshot.Schemas(allowed)

	userMsg := llm.Message{
		Role:         llm.RoleUser,
		Content:      req.Message,
		AuthorRole:   req.Role,
		AuthorUserID: req.UserID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := e.store.Append(ctx, threadID, userMsg); err != nil {
		return nil, err
	}

	choice := req.ToolChoice
	for turn := 0; turn < e.maxIterations; turn++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctxErr, "运行超出时间预算",
				xerrors.WithMetadata("thread_id", threadID))
		}
		e.enter(threadID, StateAwaitingModel)

		history, err := e.store.Snapshot(ctx, threadID)
		if err != nil {
			return nil, err
		}
		if err := ValidateHistory(history); err != nil {
			e.logger.ErrorContext(ctx, "会话历史损坏", slog.Any("error", err))
			return nil, err
		}

		msg, err := e.infer(ctx, req.Preamble, history, schemas, choice)
		if err != nil {
			return nil, err
		}
		choice = ""

		if !msg.HasToolCalls() {
			if err := e.persist(ctx, threadID, *msg); err != nil {
				return nil, err
			}
			e.enter(threadID, StateModelAnswered)
			e.enter(threadID, StateTerminal)
			e.logger.InfoContext(ctx, "运行完成", slog.Int("turns", turn+1), slog.Duration("elapsed", time.Since(start)))
			return msg, nil
		}

		e.enter(threadID, StateModelRequestedTools)
		e.enter(threadID, StateExecutingTools)
		results := e.executeTools(ctx, snapshot, allowed, msg.ToolCalls)
		// 工具调用与其结果必须一起落盘，否则线程历史无法再通过校验。
		if err := e.persist(ctx, threadID, append([]llm.Message{*msg}, results...)...); err != nil {
			return nil, err
		}
	}

	e.enter(threadID, StateTerminal)
	return nil, xerrors.New(xerrors.CodeLoopLimitExceeded, "",
		xerrors.WithMetadata("thread_id", threadID),
		xerrors.WithMetadata("max_iterations", fmt.Sprint(e.maxIterations)))
}

// persist 在运行被取消后仍然完成写入，写入本身受 persistTimeout 约束。
func (e *Engine) persist(ctx context.Context, threadID string, msgs ...llm.Message) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	return e.store.Append(writeCtx, threadID, msgs...)
}

func (e *Engine) enter(threadID string, state State) {
	if e.observe != nil {
		e.observe(threadID, state)
	}
}

func (e *Engine) infer(ctx context.Context, preamble []string, history []llm.Message, schemas []llm.ToolSchema, choice llm.ToolChoice) (*llm.Message, error) {
	messages := make([]llm.Message, 0, len(preamble)+len(history))
	for _, text := range preamble {
		if strings.TrimSpace(text) == "" {
			continue
		}
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: text})
	}
	messages = append(messages, history...)

	callCtx, cancel := context.WithTimeout(ctx, e.inferenceTimeout)
	defer cancel()

	start := time.Now()
	msg, err := e.llm.Chat(callCtx, llm.Request{Messages: messages, Tools: schemas, ToolChoice: choice})
	if err != nil {
		outcome := "error"
		if stdErrors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		metrics.ObserveInference(outcome, time.Since(start))
		return nil, xerrors.Wrap(xerrors.CodeInferenceFailure, err, "调用模型失败",
			xerrors.WithMetadata("outcome", outcome))
	}
	if msg == nil {
		metrics.ObserveInference("error", time.Since(start))
		return nil, xerrors.New(xerrors.CodeInferenceFailure, "模型未返回消息")
	}
	metrics.ObserveInference("ok", time.Since(start))

	out := *msg
	out.Role = llm.RoleAssistant
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}
	return &out, nil
}

// executeTools 按请求顺序执行工具调用，任何失败都转换成失败的工具结果。
func (e *Engine) executeTools(ctx context.Context, snapshot *registry.Snapshot, allowed policy.ToolSet, calls []llm.ToolCall) []llm.Message {
	results := make([]llm.Message, 0, len(calls))
	for _, call := range calls {
		results = append(results, e.executeTool(ctx, snapshot, allowed, call).Message())
	}
	return results
}

func (e *Engine) executeTool(ctx context.Context, snapshot *registry.Snapshot, allowed policy.ToolSet, call llm.ToolCall) llm.ToolResult {
	attrs := []any{slog.String("tool", call.Name), slog.String("call_id", call.ID)}

	if !allowed.Has(call.Name) {
		denied := xerrors.New(xerrors.CodeUnauthorizedTool, "", xerrors.WithMetadata("tool", call.Name))
		e.logger.WarnContext(ctx, "拒绝未授权的工具调用", append(attrs, slog.Any("error", denied))...)
		metrics.ObserveToolCall(call.Name, "unauthorized", 0)
		return llm.ToolResult{
			CallID:  call.ID,
			Content: fmt.Sprintf("Tool %q is not available for your role. Answer without it.", call.Name),
		}
	}
	if call.ArgumentsError != "" {
		metrics.ObserveToolCall(call.Name, "invalid_arguments", 0)
		return llm.ToolResult{
			CallID:  call.ID,
			Content: fmt.Sprintf("Invalid arguments for tool %q: %s", call.Name, call.ArgumentsError),
		}
	}
	tool, ok := snapshot.Lookup(call.Name)
	if !ok {
		metrics.ObserveToolCall(call.Name, "unknown", 0)
		return llm.ToolResult{CallID: call.ID, Content: fmt.Sprintf("Tool %q does not exist.", call.Name)}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.toolTimeout)
	defer cancel()

	start := time.Now()
	content, isError, err := invokeSafely(callCtx, tool, call.Arguments)
	elapsed := time.Since(start)
	if err != nil {
		outcome := "error"
		if stdErrors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil {
			outcome = "timeout"
		}
		wrapped := xerrors.Wrap(xerrors.CodeToolInvocationFailure, err, "", xerrors.WithMetadata("tool", call.Name))
		e.logger.WarnContext(ctx, "工具调用失败", append(attrs, slog.String("outcome", outcome), slog.Any("error", wrapped))...)
		metrics.ObserveToolCall(call.Name, outcome, elapsed)
		return llm.ToolResult{CallID: call.ID, Content: fmt.Sprintf("Tool %q failed: %v", call.Name, err)}
	}
	if isError {
		metrics.ObserveToolCall(call.Name, "tool_error", elapsed)
		return llm.ToolResult{CallID: call.ID, Content: content}
	}
	metrics.ObserveToolCall(call.Name, "ok", elapsed)
	return llm.ToolResult{CallID: call.ID, Content: content, Success: true}
}

func invokeSafely(ctx context.Context, tool registry.Tool, args map[string]any) (content string, isError bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return tool.Invoke(ctx, args)
}

func runOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(string(xerrors.CodeOf(err)))
}
