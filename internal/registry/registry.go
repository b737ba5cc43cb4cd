package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"mcp-agent-worker/internal/catalog"
	xerrors "mcp-agent-worker/internal/errors"
	"mcp-agent-worker/internal/observability/metrics"
	"mcp-agent-worker/pkg/logger"
)

// Connection 是与某个工具组建立的会话。
type Connection interface {
	Invoker
	ListTools(ctx context.Context) ([]ToolDefinition, error)
	Close() error
}

// Connector 根据连接描述建立工具组会话。
type Connector interface {
	Connect(ctx context.Context, group string, spec catalog.ServerSpec) (Connection, error)
}

// Registry 维护当前可用的工具快照。
type Registry struct {
	source    catalog.Source
	connector Connector

	current atomic.Pointer[Snapshot]

	refreshMu  sync.Mutex
	generation uint64
	conns      []Connection

	drain          time.Duration
	connectTimeout time.Duration
	logger         *slog.Logger
	closeLater     func(time.Duration, func())
}

// Option 定义可选配置。
type Option func(*Registry)

// WithDrain 设置旧连接在被替换后保留的时间。
func WithDrain(d time.Duration) Option {
	return func(r *Registry) {
		if d >= 0 {
			r.drain = d
		}
	}
}

// WithConnectTimeout 设置单个工具组建立连接并列出工具的超时。
func WithConnectTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.connectTimeout = d
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New 创建注册表。初始快照为空，generation 为 0。
func New(source catalog.Source, connector Connector, opts ...Option) *Registry {
	r := &Registry{
		source:         source,
		connector:      connector,
		drain:          30 * time.Second,
		connectTimeout: 30 * time.Second,
		logger:         logger.Named("registry"),
		closeLater: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.current.Store(newSnapshot(0, map[string]Tool{}))
	return r
}

// Current 返回最新快照，不会等待正在进行的刷新。
func (r *Registry) Current() *Snapshot {
	return r.current.Load()
}

type groupResult struct {
	name string
	conn Connection
	defs []ToolDefinition
}

// Refresh 重新加载工具目录并原子替换快照。失败时保留原快照。
func (r *Registry) Refresh(ctx context.Context) (*Snapshot, error) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	if r.source == nil || r.connector == nil {
		return nil, xerrors.New(xerrors.CodeCatalogUnavailable, "未配置工具目录来源")
	}

	cat, err := r.source.Load(ctx)
	if err != nil {
		metrics.ObserveRegistryRefresh(false, 0, r.generation)
		return nil, xerrors.Wrap(xerrors.CodeCatalogUnavailable, err, "加载工具目录失败",
			xerrors.WithMetadata("source", r.source.Name()))
	}

	names := cat.Names()
	results := make([]groupResult, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		spec := cat[name]
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, r.connectTimeout)
			defer cancel()
			conn, err := r.connector.Connect(cctx, name, spec)
			if err != nil {
				return fmt.Errorf("连接工具组 %s 失败: %w", name, err)
			}
			results[i] = groupResult{name: name, conn: conn}
			defs, err := conn.ListTools(cctx)
			if err != nil {
				return fmt.Errorf("列出工具组 %s 的工具失败: %w", name, err)
			}
			results[i].defs = defs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		closeAll(collectConns(results))
		metrics.ObserveRegistryRefresh(false, 0, r.generation)
		return nil, xerrors.Wrap(xerrors.CodeCatalogUnavailable, err, "刷新工具注册表失败",
			xerrors.WithMetadata("source", r.source.Name()))
	}

	tools := make(map[string]Tool)
	for _, res := range results {
		for _, def := range res.defs {
			if existing, ok := tools[def.Name]; ok {
				r.logger.Warn("工具名称重复，保留先加载的工具组",
					slog.String("tool", def.Name),
					slog.String("kept_group", existing.Group),
					slog.String("skipped_group", res.name))
				continue
			}
			tools[def.Name] = NewTool(def, res.name, res.conn)
		}
	}

	r.generation++
	snap := newSnapshot(r.generation, tools)
	previous := r.conns
	r.conns = collectConns(results)
	r.current.Store(snap)

	if len(previous) > 0 {
		r.closeLater(r.drain, func() { closeAll(previous) })
	}
	metrics.ObserveRegistryRefresh(true, snap.Len(), snap.Generation())
	r.logger.Info("工具注册表已刷新",
		slog.Uint64("generation", snap.Generation()),
		slog.Int("groups", len(names)),
		slog.Int("tools", snap.Len()),
		slog.String("fingerprint", snap.Fingerprint()))
	return snap, nil
}

// Close 关闭当前持有的全部连接。
func (r *Registry) Close() error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	err := closeAll(r.conns)
	r.conns = nil
	return err
}

func collectConns(results []groupResult) []Connection {
	conns := make([]Connection, 0, len(results))
	for _, res := range results {
		if res.conn != nil {
			conns = append(conns, res.conn)
		}
	}
	return conns
}

func closeAll(conns []Connection) error {
	var err error
	for _, conn := range conns {
		err = errors.Join(err, conn.Close())
	}
	return err
}
