package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"

	xerrors "mcp-agent-worker/internal/errors"
	"mcp-agent-worker/internal/plan"
)

const (
	// ER_DUP_ENTRY
	mysqlDuplicateEntry = 1062

	planColumns = `id, user_id, plan, status, attempts, max_retries, COALESCE(last_error, ''), error_code, COALESCE(reply, ''), created_at, updated_at`
)

// PlanStore 使用 MySQL 记录计划任务状态，实现 plan.Store。
type PlanStore struct {
	db *sql.DB
}

func NewPlanStore(db *sql.DB) *PlanStore {
	return &PlanStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*plan.Job, error) {
	var job plan.Job
	var status string
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.Plan,
		&status,
		&job.Attempts,
		&job.MaxRetries,
		&job.LastError,
		&job.ErrorCode,
		&job.Reply,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Status = plan.Status(status)
	return &job, nil
}

// Create 插入新的任务记录。
func (s *PlanStore) Create(ctx context.Context, job *plan.Job) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	now := time.Now().Unix()
	job.CreatedAt = now
	job.UpdatedAt = now

	const stmt = `INSERT INTO plan_jobs
        (id, user_id, plan, status, attempts, max_retries, last_error, error_code, reply, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, '', '', '', ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		job.ID,
		job.UserID,
		job.Plan,
		string(job.Status),
		job.Attempts,
		job.MaxRetries,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysqldrv.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return plan.ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入计划任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *PlanStore) Get(ctx context.Context, id string) (*plan.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plan_jobs WHERE id = ?`, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, plan.ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询计划任务失败")
	}
	return job, nil
}

// Claim 以条件更新抢占任务，未抢到时根据当前状态返回对应错误。
func (s *PlanStore) Claim(ctx context.Context, id string) (*plan.Job, error) {
	const stmt = `UPDATE plan_jobs SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status = ? AND attempts < max_retries`
	res, err := s.db.ExecContext(ctx, stmt, string(plan.StatusRunning), time.Now().Unix(), id, string(plan.StatusPending))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新计划任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}

	job, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected > 0 {
		return job, nil
	}
	switch {
	case job.Finished(), job.Attempts >= job.MaxRetries:
		return job, plan.ErrJobFinished
	default:
		return job, plan.ErrJobConflict
	}
}

// MarkSucceeded 将任务标记为成功并记录答复。
func (s *PlanStore) MarkSucceeded(ctx context.Context, id string, reply string) error {
	const stmt = `UPDATE plan_jobs SET status = ?, reply = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(plan.StatusSucceeded), reply, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记计划任务成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return plan.ErrJobNotFound
	}
	return nil
}

// MarkFailed 记录失败；非终止失败让任务回到 pending。
func (s *PlanStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	const stmt = `UPDATE plan_jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
	status := plan.StatusPending
	if terminal {
		status = plan.StatusFailed
	}
	res, err := s.db.ExecContext(ctx, stmt, string(status), lastError, string(code), time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记计划任务失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return plan.ErrJobNotFound
	}
	return nil
}

// List 返回最近更新的任务。
func (s *PlanStore) List(ctx context.Context, limit int) ([]*plan.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+planColumns+` FROM plan_jobs ORDER BY updated_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询计划任务列表失败")
	}
	defer rows.Close()

	jobs := make([]*plan.Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析计划任务失败")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历计划任务失败")
	}
	return jobs, nil
}

func (s *PlanStore) Close() error { return nil }

var _ plan.Store = (*PlanStore)(nil)
