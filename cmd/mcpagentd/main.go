package main

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"mcp-agent-worker/internal/agent"
	"mcp-agent-worker/internal/api"
	"mcp-agent-worker/internal/auth"
	"mcp-agent-worker/internal/catalog"
	"mcp-agent-worker/internal/config"
	"mcp-agent-worker/internal/lifecycle"
	"mcp-agent-worker/internal/llm/openai"
	"mcp-agent-worker/internal/mcp"
	"mcp-agent-worker/internal/observability/alerting"
	"mcp-agent-worker/internal/plan"
	"mcp-agent-worker/internal/policy"
	"mcp-agent-worker/internal/registry"
	"mcp-agent-worker/internal/session"
	"mcp-agent-worker/internal/storage/mysql"
	"mcp-agent-worker/internal/worker"
	"mcp-agent-worker/pkg/logger"
)

var version = "dev"

// main 是 agent worker 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("mcpagentd 运行失败: %v", err)
	}
}

// resources 按创建的逆序释放。
type resources struct {
	closers []func() error
}

func (r *resources) add(fn func() error) { r.closers = append(r.closers, fn) }

func (r *resources) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			logger.L().Warn("释放资源失败", slog.Any("error", err))
		}
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(os.Getenv("AGENT_CONFIG"))
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	res := &resources{}
	defer res.close()
	deps := &dependencies{cfg: cfg, res: res}

	llmClient, err := openai.NewClient(openai.Config{
		APIKey:      cfg.ResolveAPIKey(),
		BaseURL:     cfg.LLM.OpenAI.BaseURL,
		Model:       cfg.LLM.OpenAI.Model,
		Temperature: cfg.LLM.OpenAI.Temperature,
		Timeout:     cfg.LLM.OpenAI.Timeout(),
	})
	if err != nil {
		return err
	}

	source, err := deps.catalogSource()
	if err != nil {
		return err
	}
	reg := registry.New(source, mcp.NewConnector("mcp-agent-worker", version),
		registry.WithDrain(time.Duration(cfg.Catalog.DrainSeconds)*time.Second),
		registry.WithConnectTimeout(time.Duration(cfg.Catalog.ConnectTimeout)*time.Second),
	)
	res.add(reg.Close)

	policyService, err := deps.policyService(ctx)
	if err != nil {
		return err
	}
	store, locker, err := deps.sessionBackend(ctx)
	if err != nil {
		return err
	}

	alerts := alerting.NewFanout(alerting.LogNotifier{})
	if cfg.Alerting.WebhookURL != "" {
		alerts = alerting.NewFanout(alerting.LogNotifier{},
			alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, time.Duration(cfg.Alerting.TimeoutSeconds)*time.Second))
	}

	engine := agent.New(llmClient, reg, policy.NewAuthorizer(policyService), store,
		agent.WithLocker(locker),
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithInferenceTimeout(time.Duration(cfg.Agent.InferenceTimeoutSeconds)*time.Second),
		agent.WithToolTimeout(time.Duration(cfg.Agent.ToolTimeoutSeconds)*time.Second),
		agent.WithRunBudget(time.Duration(cfg.Agent.RunBudgetSeconds)*time.Second),
	)
	manager := lifecycle.New(reg, lifecycle.WithInitTimeout(time.Duration(cfg.Agent.InitTimeoutSeconds)*time.Second))
	w := worker.New(manager, engine, policyService, worker.WithAlertDispatcher(alerts))

	var plans api.Plans
	if cfg.Plans.Enabled {
		svc, err := deps.startPlans(ctx, w, alerts)
		if err != nil {
			return err
		}
		plans = svc
	}

	authSvc, err := auth.NewService(auth.Config{
		Mode:     auth.Mode(cfg.Auth.Mode),
		Secret:   cfg.Auth.Secret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
	})
	if err != nil {
		return err
	}

	logger.L().Info("mcp-agent-worker 启动",
		slog.String("version", version),
		slog.String("catalog", source.Name()),
		slog.String("policy", cfg.Policy.Driver),
		slog.String("sessions", cfg.Sessions.Driver),
		slog.Bool("plans", cfg.Plans.Enabled))

	server := api.NewServer(api.Config{
		Addr:          cfg.Server.Address(),
		Version:       version,
		RatePerSecond: cfg.RateLimit.PerSecond,
		RateBurst:     cfg.RateLimit.Burst,
	}, w, manager, plans, authSvc)
	if err := server.Start(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// dependencies 根据配置选择各个可替换的后端，并共享 Redis 与 MySQL 连接。
type dependencies struct {
	cfg   *config.Config
	res   *resources
	db    *sql.DB
	redis map[string]redis.UniversalClient
}

func (d *dependencies) mysql(ctx context.Context, dsn string) (*sql.DB, error) {
	if d.db != nil {
		return d.db, nil
	}
	db, err := mysql.Open(ctx, mysql.Config{DSN: dsn, MaxOpenConns: 20, MaxIdleConns: 10, ConnMaxLifetime: 30 * time.Minute})
	if err != nil {
		return nil, err
	}
	d.db = db
	d.res.add(db.Close)
	return db, nil
}

func (d *dependencies) redisClient(ctx context.Context, rc config.RedisConfig) (redis.UniversalClient, error) {
	key := fmt.Sprintf("%s/%d", rc.Address, rc.DB)
	if client, ok := d.redis[key]; ok {
		return client, nil
	}
	client := redis.NewClient(&redis.Options{Addr: rc.Address, Password: rc.Password, DB: rc.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis %s 失败: %w", rc.Address, err)
	}
	if d.redis == nil {
		d.redis = make(map[string]redis.UniversalClient)
	}
	d.redis[key] = client
	d.res.add(client.Close)
	return client, nil
}

func (d *dependencies) catalogSource() (catalog.Source, error) {
	c := d.cfg.Catalog
	timeout := time.Duration(c.ConnectTimeout) * time.Second
	switch c.Source {
	case "file":
		return catalog.NewFileSource(c.File), nil
	case "registry":
		return catalog.NewRegistrySource(c.RegistryEndpoint, timeout), nil
	case "consul":
		return catalog.NewConsulSource(catalog.ConsulConfig{
			Address:    c.Consul.Address,
			Scheme:     c.Consul.Scheme,
			Datacenter: c.Consul.Datacenter,
			Token:      c.Consul.Token,
			Tag:        c.Consul.Tag,
		})
	case "merged":
		var overlay catalog.Source
		if _, err := os.Stat(c.File); err == nil {
			overlay = catalog.NewFileSource(c.File)
		}
		return &catalog.MergedSource{Base: catalog.NewRegistrySource(c.RegistryEndpoint, timeout), Overlay: overlay}, nil
	default:
		return nil, fmt.Errorf("未知的工具目录来源: %s", c.Source)
	}
}

func (d *dependencies) policyService(ctx context.Context) (policy.Service, error) {
	p := d.cfg.Policy
	var svc policy.Service
	switch p.Driver {
	case "static":
		svc = policy.NewStaticService(p.DefaultRole, staticRoles(p.Roles))
	case "registry":
		svc = policy.NewHTTPService(p.RegistryEndpoint, time.Duration(p.TimeoutSeconds)*time.Second)
	case "mysql":
		db, err := d.mysql(ctx, p.DSN)
		if err != nil {
			return nil, err
		}
		store := mysql.NewPolicyStore(db, p.DefaultRole)
		if len(p.Roles) > 0 {
			if err := store.SeedRoles(ctx, staticRoles(p.Roles)); err != nil {
				return nil, err
			}
		}
		svc = store
	default:
		return nil, fmt.Errorf("未知的策略驱动: %s", p.Driver)
	}

	if p.CacheTTLSeconds > 0 && d.cfg.Sessions.Redis.Address != "" {
		client, err := d.redisClient(ctx, d.cfg.Sessions.Redis)
		if err != nil {
			return nil, err
		}
		svc = policy.NewCachedService(svc, client, d.cfg.Sessions.Redis.Prefix, time.Duration(p.CacheTTLSeconds)*time.Second)
	}
	return svc, nil
}

func staticRoles(in map[string]config.RolePolicy) map[string]policy.RolePolicy {
	out := make(map[string]policy.RolePolicy, len(in))
	for name, role := range in {
		out[name] = policy.RolePolicy{Tools: role.Tools, SystemPrompt: role.SystemPrompt}
	}
	return out
}

func (d *dependencies) sessionBackend(ctx context.Context) (session.Store, session.Locker, error) {
	s := d.cfg.Sessions
	wait := s.BusyWait()
	switch s.Driver {
	case "memory":
		return session.NewMemoryStore(), session.NewMemoryLocker(wait), nil
	case "redis":
		client, err := d.redisClient(ctx, s.Redis)
		if err != nil {
			return nil, nil, err
		}
		ttl := time.Duration(s.TTLSeconds) * time.Second
		lockTTL := time.Duration(s.LockTTLSeconds) * time.Second
		return session.NewRedisStore(client, s.Redis.Prefix, ttl), session.NewRedisLocker(client, s.Redis.Prefix, lockTTL, wait), nil
	case "mysql":
		db, err := d.mysql(ctx, s.DSN)
		if err != nil {
			return nil, nil, err
		}
		return mysql.NewSessionStore(db), mysql.NewThreadLocker(db, wait), nil
	default:
		return nil, nil, fmt.Errorf("未知的会话驱动: %s", s.Driver)
	}
}

func (d *dependencies) startPlans(ctx context.Context, executor plan.Executor, alerts alerting.Dispatcher) (*plan.Service, error) {
	p := d.cfg.Plans

	var store plan.Store
	switch p.Store {
	case "memory":
		store = plan.NewMemoryStore()
	case "mysql":
		db, err := d.mysql(ctx, p.DSN)
		if err != nil {
			return nil, err
		}
		store = mysql.NewPlanStore(db)
	default:
		return nil, fmt.Errorf("未知的计划存储: %s", p.Store)
	}

	var queue plan.Queue
	switch p.Queue {
	case "memory":
		queue = plan.NewMemoryQueue(1024)
	case "redis":
		client, err := d.redisClient(ctx, p.Redis)
		if err != nil {
			return nil, err
		}
		prefix := p.Redis.Prefix
		if prefix == "" {
			prefix = "mcp-agent"
		}
		queue = plan.NewRedisQueue(client, prefix+":plans", 5*time.Second)
	case "rabbitmq":
		q, err := plan.NewRabbitMQQueue(plan.RabbitMQConfig{
			URL:        p.RabbitMQ.URL,
			Queue:      p.RabbitMQ.Queue,
			Prefetch:   p.RabbitMQ.Prefetch,
			Durable:    p.RabbitMQ.Durable,
			AutoDelete: p.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return nil, err
		}
		queue = q
	default:
		return nil, fmt.Errorf("未知的计划队列: %s", p.Queue)
	}
	d.res.add(queue.Close)

	processor := plan.NewProcessor(executor, store, queue,
		plan.WithWorkerCount(p.Workers),
		plan.WithAlertDispatcher(alerts),
		plan.WithProcessorLogger(logger.Named("plans")),
	)
	go func() {
		if err := processor.Start(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
			logger.L().Error("计划处理器异常退出", slog.Any("error", err))
		}
	}()
	return plan.NewService(store, queue, p.MaxRetries), nil
}
