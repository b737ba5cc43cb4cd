package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	xerrors "mcp-agent-worker/internal/errors"
	"mcp-agent-worker/internal/llm"
	"mcp-agent-worker/internal/session"
)

const (
	upsertThreadSQL = `INSERT INTO agent_threads (thread_id, created_at, last_activity) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE last_activity = VALUES(last_activity)`
	insertMessageSQL  = `INSERT INTO agent_messages (thread_id, role, payload, created_at) VALUES (?, ?, ?, ?)`
	selectMessagesSQL = `SELECT payload FROM agent_messages WHERE thread_id = ? ORDER BY id ASC`
	selectActivitySQL = `SELECT last_activity FROM agent_threads WHERE thread_id = ?`
)

// SessionStore 把会话历史保存在 agent_messages 表中，按自增 id 保证顺序。
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore 基于已迁移的连接池创建存储。连接池由调用方关闭。
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// Append 在一个事务内追加整批消息。
func (s *SessionStore) Append(ctx context.Context, threadID string, msgs ...llm.Message) (err error) {
	if len(msgs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	payloads := make([][]byte, 0, len(msgs))
	for _, msg := range msgs {
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		encoded, encErr := json.Marshal(msg)
		if encErr != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, encErr, "序列化消息失败")
		}
		payloads = append(payloads, encoded)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启会话事务失败")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	nowMillis := now.UnixMilli()
	if _, err = tx.ExecContext(ctx, upsertThreadSQL, threadID, nowMillis, nowMillis); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新会话线程失败")
	}
	for i, payload := range payloads {
		if _, err = tx.ExecContext(ctx, insertMessageSQL, threadID, string(msgs[i].Role), string(payload), nowMillis); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话消息失败")
		}
	}
	if err = tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交会话事务失败")
	}
	return nil
}

func (s *SessionStore) Snapshot(ctx context.Context, threadID string) ([]llm.Message, error) {
	rows, err := s.db.QueryContext(ctx, selectMessagesSQL, threadID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话历史失败")
	}
	defer rows.Close()

	history := make([]llm.Message, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话消息失败")
		}
		var msg llm.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeHistoryCorrupted, err, "解析会话消息失败",
				xerrors.WithMetadata("thread_id", threadID))
		}
		history = append(history, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话历史失败")
	}
	return history, nil
}

func (s *SessionStore) LastActivity(ctx context.Context, threadID string) (time.Time, error) {
	var millis int64
	err := s.db.QueryRowContext(ctx, selectActivitySQL, threadID).Scan(&millis)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话活跃时间失败")
	}
	return time.UnixMilli(millis).UTC(), nil
}

func (s *SessionStore) Close() error { return nil }

var _ session.Store = (*SessionStore)(nil)
