package lifecycle

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	xerrors "mcp-agent-worker/internal/errors"
	"mcp-agent-worker/internal/registry"
	"mcp-agent-worker/pkg/logger"
)

const defaultInitTimeout = 30 * time.Second

// Refresher 是注册表的刷新能力。
type Refresher interface {
	Refresh(ctx context.Context) (*registry.Snapshot, error)
}

// Manager 保证注册表在第一次使用前完成加载。
type Manager struct {
	refresher   Refresher
	initTimeout time.Duration
	ready       atomic.Bool
	group       singleflight.Group
	logger      *slog.Logger
}

// Option 定义可选配置。
type Option func(*Manager)

// WithInitTimeout 设置单次初始化的超时。
func WithInitTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.initTimeout = d
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// New 创建生命周期管理器。
func New(refresher Refresher, opts ...Option) *Manager {
	m := &Manager{
		refresher:   refresher,
		initTimeout: defaultInitTimeout,
		logger:      logger.Named("lifecycle"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Ready 报告注册表是否已成功加载过。
func (m *Manager) Ready() bool {
	return m.ready.Load()
}

// EnsureReady 在未就绪时触发一次刷新；并发调用者共享同一次刷新的结果。
// 调用者的 ctx 只控制等待，初始化本身不会因单个调用者取消而中断。
func (m *Manager) EnsureReady(ctx context.Context) error {
	if m.ready.Load() {
		return nil
	}
	ch := m.group.DoChan("init", func() (any, error) {
		if m.ready.Load() {
			return nil, nil
		}
		return nil, m.refresh(context.WithoutCancel(ctx), "init")
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.CodeInitializationFailure, ctx.Err(), "等待工具注册表就绪超时")
	}
}

// ForceRefresh 无条件重新加载注册表。失败时保留之前的快照与就绪状态。
// 每次调用都会重新读取目录，并发调用由注册表依次执行，最后一次成功的结果生效。
func (m *Manager) ForceRefresh(ctx context.Context) (*registry.Snapshot, error) {
	snap, err := m.refreshSnapshot(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "强制刷新工具注册表失败", slog.Any("error", err))
		return nil, err
	}
	m.ready.Store(true)
	m.logger.InfoContext(ctx, "工具注册表已刷新", slog.Uint64("generation", snap.Generation()), slog.Int("tools", snap.Len()))
	return snap, nil
}

func (m *Manager) refresh(ctx context.Context, reason string) error {
	snap, err := m.refreshSnapshot(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "初始化工具注册表失败", slog.String("reason", reason), slog.Any("error", err))
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "")
	}
	m.ready.Store(true)
	m.logger.InfoContext(ctx, "工具注册表就绪", slog.Uint64("generation", snap.Generation()), slog.Int("tools", snap.Len()))
	return nil
}

func (m *Manager) refreshSnapshot(ctx context.Context) (*registry.Snapshot, error) {
	if m.refresher == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置工具注册表")
	}
	ctx, cancel := context.WithTimeout(ctx, m.initTimeout)
	defer cancel()
	return m.refresher.Refresh(ctx)
}
