package plan

import (
	"net/http"

	xerrors "mcp-agent-worker/internal/errors"
)

// Status 表示计划任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job 是一次排队执行的计划。
type Job struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	Plan       string `json:"plan"`
	Status     Status `json:"status"`
	Attempts   int    `json:"attempts"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	Reply      string `json:"reply,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

// Finished 判断任务是否已经结束。
func (j *Job) Finished() bool {
	return j != nil && (j.Status == StatusSucceeded || j.Status == StatusFailed)
}

const (
	CodeJobNotFound   xerrors.Code = "PLAN_NOT_FOUND"
	CodeJobConflict   xerrors.Code = "PLAN_CONFLICT"
	CodeJobFinished   xerrors.Code = "PLAN_FINISHED"
	CodeJobValidation xerrors.Code = "PLAN_VALIDATION_FAILED"
	CodeJobPublish    xerrors.Code = "PLAN_PUBLISH_FAILED"
	CodeJobProcessing xerrors.Code = "PLAN_PROCESSING_FAILED"
)

var (
	// ErrJobNotFound 表示指定的任务不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "")
	// ErrJobConflict 表示任务正在被其他协程执行或 ID 已存在。
	ErrJobConflict = xerrors.New(CodeJobConflict, "")
	// ErrJobFinished 表示任务已成功或已终止。
	ErrJobFinished = xerrors.New(CodeJobFinished, "")
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:    "plan job not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:    "plan job conflict",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeJobFinished, xerrors.Attributes{
		Message:    "plan job already finished",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeJobValidation, xerrors.Attributes{
		Message:    "plan validation failed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:    "failed to publish plan job",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
	xerrors.Register(CodeJobProcessing, xerrors.Attributes{
		Message:    "plan execution failed",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
}
