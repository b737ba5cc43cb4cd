package plan

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"

	xerrors "mcp-agent-worker/internal/errors"
	"mcp-agent-worker/internal/observability/alerting"
	"mcp-agent-worker/internal/observability/metrics"
	"mcp-agent-worker/pkg/logger"
)

// Executor 执行一份计划并返回最终答复。
type Executor interface {
	RunPlan(ctx context.Context, userID, plan string) (string, error)
}

// Processor 负责从队列消费任务并交给 Executor 执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, queue Queue, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    queue,
		producer:    queue,
		workerCount: 1,
		logger:      logger.Named("plan"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置计划队列")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobFinished) || stdErrors.Is(err, ErrJobConflict) {
			p.logger.Debug("跳过任务", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, err, "claim")
		return err
	}

	reply, execErr := p.executor.RunPlan(ctx, job.UserID, job.Plan)
	if execErr != nil {
		return p.handleFailure(ctx, job, execErr)
	}

	if err := p.store.MarkSucceeded(ctx, job.ID, reply); err != nil {
		p.logger.Error("标记任务成功状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
		return err
	}
	metrics.ObservePlanJob("succeeded")
	logger.Audit().Info("计划执行成功",
		slog.String("job_id", job.ID),
		slog.String("user_id", job.UserID),
		slog.Int("attempts", job.Attempts),
	)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, job *Job, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := !retryable || job.Attempts >= job.MaxRetries

	if err := p.store.MarkFailed(ctx, job.ID, code, execErr.Error(), terminal); err != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", err), slog.String("job_id", job.ID))
		return err
	}
	logger.Audit().Warn("计划执行失败",
		slog.String("job_id", job.ID),
		slog.String("user_id", job.UserID),
		slog.Bool("terminal", terminal),
		slog.String("error_code", string(code)),
		slog.String("error", execErr.Error()),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
		metrics.ObservePlanJob("failed")
	} else {
		metrics.ObservePlanJob("retried")
	}
	if xerrors.ShouldAlert(execErr) {
		p.emitAlert(ctx, job, execErr, stage)
	}

	if !terminal {
		if err := p.producer.Publish(ctx, job.ID); err != nil {
			return xerrors.Wrap(CodeJobPublish, err, fmt.Sprintf("任务 %s 重投失败", job.ID))
		}
		p.logger.Debug("任务已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	}
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, cause error, stage string) {
	if p.alerter == nil {
		return
	}
	event := alerting.FromError(cause, stage)
	event.JobID = job.ID
	event.UserID = job.UserID
	event.Attempts = job.Attempts
	event.MaxRetries = job.MaxRetries
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("job_id", job.ID), slog.String("stage", stage))
	}
}
