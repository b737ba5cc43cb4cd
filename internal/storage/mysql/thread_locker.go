package mysql

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"mcp-agent-worker/internal/session"
	"mcp-agent-worker/pkg/logger"
)

// ThreadLocker 使用 MySQL 命名锁串行化同一线程的运行，适合多实例共享同一个库。
// 命名锁绑定在连接上，所以持锁期间独占一个连接。
type ThreadLocker struct {
	db   *sql.DB
	wait time.Duration
}

func NewThreadLocker(db *sql.DB, wait time.Duration) *ThreadLocker {
	if wait < 0 {
		wait = 0
	}
	return &ThreadLocker{db: db, wait: wait}
}

// lockName 把线程 ID 映射为不超过 64 字符的锁名。
func lockName(threadID string) string {
	sum := sha1.Sum([]byte(threadID))
	return "mcp-agent:" + hex.EncodeToString(sum[:])
}

func (l *ThreadLocker) Lock(ctx context.Context, threadID string) (func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, session.BusyError(threadID, fmt.Errorf("获取数据库连接失败: %w", err))
	}

	name := lockName(threadID)
	timeout := int(math.Ceil(l.wait.Seconds()))
	var acquired sql.NullInt64
	if err := conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, ?)`, name, timeout).Scan(&acquired); err != nil {
		conn.Close()
		return nil, session.BusyError(threadID, fmt.Errorf("获取线程锁失败: %w", err))
	}
	if !acquired.Valid || acquired.Int64 != 1 {
		conn.Close()
		return nil, session.BusyError(threadID, nil)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			defer conn.Close()
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			var released sql.NullInt64
			if err := conn.QueryRowContext(releaseCtx, `SELECT RELEASE_LOCK(?)`, name).Scan(&released); err != nil {
				logger.Named("mysql").Warn("释放线程锁失败", slog.String("thread_id", threadID), slog.Any("error", err))
			}
		})
	}, nil
}

var _ session.Locker = (*ThreadLocker)(nil)
