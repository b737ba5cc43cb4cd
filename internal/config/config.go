package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mcp-agent-worker/pkg/logger"
)

// Config 描述了 agent worker 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Agent     AgentConfig     `yaml:"agent"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Policy    PolicyConfig    `yaml:"policy"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Plans     PlansConfig     `yaml:"plans"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Logging   logger.Config   `yaml:"logging"`
}

// ServerConfig 控制 HTTP 服务的监听地址。
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Address 返回 host:port 形式的监听地址。
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LLMConfig 用于配置推理服务。
type LLMConfig struct {
	Provider string       `yaml:"provider"`
	OpenAI   OpenAIConfig `yaml:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的连接参数。
type OpenAIConfig struct {
	APIKey         string  `yaml:"api_key"`
	APIKeyEnv      string  `yaml:"api_key_env"`
	BaseURL        string  `yaml:"base_url"`
	Model          string  `yaml:"model"`
	Temperature    float64 `yaml:"temperature"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

// Timeout 返回 HTTP 客户端超时时间。
func (c OpenAIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AgentConfig 控制对话循环的安全边界。
type AgentConfig struct {
	MaxIterations           int `yaml:"max_iterations"`
	InferenceTimeoutSeconds int `yaml:"inference_timeout_seconds"`
	ToolTimeoutSeconds      int `yaml:"tool_timeout_seconds"`
	RunBudgetSeconds        int `yaml:"run_budget_seconds"`
	InitTimeoutSeconds      int `yaml:"init_timeout_seconds"`
}

// CatalogConfig 描述工具目录来源。
type CatalogConfig struct {
	// Source 取值 file | registry | consul | merged。
	Source           string       `yaml:"source"`
	File             string       `yaml:"file"`
	RegistryEndpoint string       `yaml:"registry_endpoint"`
	Consul           ConsulConfig `yaml:"consul"`
	DrainSeconds     int          `yaml:"drain_seconds"`
	ConnectTimeout   int          `yaml:"connect_timeout_seconds"`
}

// ConsulConfig 描述通过 Consul 发现 MCP 服务所需的参数。
type ConsulConfig struct {
	Address    string `yaml:"address"`
	Scheme     string `yaml:"scheme"`
	Datacenter string `yaml:"datacenter"`
	Token      string `yaml:"token"`
	Tag        string `yaml:"tag"`
}

// PolicyConfig 描述角色策略服务。
type PolicyConfig struct {
	// Driver 取值 static | registry | mysql。
	Driver           string                `yaml:"driver"`
	RegistryEndpoint string                `yaml:"registry_endpoint"`
	DefaultRole      string                `yaml:"default_role"`
	Roles            map[string]RolePolicy `yaml:"roles"`
	DSN              string                `yaml:"dsn"`
	CacheTTLSeconds  int                   `yaml:"cache_ttl_seconds"`
	TimeoutSeconds   int                   `yaml:"timeout_seconds"`
}

// RolePolicy 是静态策略中单个角色的定义。
type RolePolicy struct {
	Tools        []string `yaml:"tools"`
	SystemPrompt string   `yaml:"system_prompt"`
}

// SessionsConfig 描述会话存储后端。
type SessionsConfig struct {
	// Driver 取值 memory | redis | mysql。
	Driver          string      `yaml:"driver"`
	DSN             string      `yaml:"dsn"`
	Redis           RedisConfig `yaml:"redis"`
	TTLSeconds      int         `yaml:"ttl_seconds"`
	BusyWaitSeconds *int        `yaml:"busy_wait_seconds"`
	LockTTLSeconds  int         `yaml:"lock_ttl_seconds"`
}

// BusyWait 返回同一会话排队等待的最长时间。
func (s SessionsConfig) BusyWait() time.Duration {
	if s.BusyWaitSeconds == nil {
		return 30 * time.Second
	}
	return time.Duration(*s.BusyWaitSeconds) * time.Second
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// PlansConfig 描述异步计划任务的存储与队列。
type PlansConfig struct {
	Enabled    bool           `yaml:"enabled"`
	Store      string         `yaml:"store"`
	DSN        string         `yaml:"dsn"`
	Queue      string         `yaml:"queue"`
	Workers    int            `yaml:"workers"`
	MaxRetries int            `yaml:"max_retries"`
	Redis      RedisConfig    `yaml:"redis"`
	RabbitMQ   RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// AuthConfig 控制 HTTP 接口的身份认证。
type AuthConfig struct {
	// Mode 取值 disabled | jwt。
	Mode     string `yaml:"mode"`
	Secret   string `yaml:"secret"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

// RateLimitConfig 控制每个用户的消息速率。PerSecond 为 0 表示不限流。
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// AlertingConfig 描述告警出口。
type AlertingConfig struct {
	WebhookURL     string `yaml:"webhook_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Load 解析指定路径的 YAML 或 JSON 配置文件。路径为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	var cfg Config
	baseDir := "."
	if strings.TrimSpace(path) != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 使用环境变量覆盖配置文件中的值。
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(key string, target *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*target = strings.TrimSpace(v)
		}
	}
	str("MCP_HOST", &c.Server.Host)
	if v, ok := lookup("MCP_PORT"); ok {
		if port, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			c.Server.Port = port
		}
	}
	str("OPENAI_API_KEY", &c.LLM.OpenAI.APIKey)
	str("OPENAI_MODEL", &c.LLM.OpenAI.Model)
	str("OPENAI_BASE_URL", &c.LLM.OpenAI.BaseURL)
	str("MCP_SERVERS_FILE_PATH", &c.Catalog.File)
	if v, ok := lookup("MCP_REGISTRY_ENDPOINT"); ok && strings.TrimSpace(v) != "" {
		endpoint := strings.TrimSpace(v)
		c.Catalog.RegistryEndpoint = endpoint
		c.Policy.RegistryEndpoint = endpoint
		if c.Policy.Driver == "" {
			c.Policy.Driver = "registry"
		}
		if c.Catalog.Source == "" {
			c.Catalog.Source = "merged"
		}
	}
	str("DEFAULT_ROLE", &c.Policy.DefaultRole)
	str("SESSION_DRIVER", &c.Sessions.Driver)
	str("REDIS_ADDR", &c.Sessions.Redis.Address)
	str("MYSQL_DSN", &c.Sessions.DSN)
	str("JWT_SECRET", &c.Auth.Secret)
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.OpenAI.TimeoutSeconds == 0 {
		c.LLM.OpenAI.TimeoutSeconds = 120
	}

	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 10
	}
	if c.Agent.InferenceTimeoutSeconds <= 0 {
		c.Agent.InferenceTimeoutSeconds = 60
	}
	if c.Agent.ToolTimeoutSeconds <= 0 {
		c.Agent.ToolTimeoutSeconds = 30
	}
	if c.Agent.RunBudgetSeconds <= 0 {
		c.Agent.RunBudgetSeconds = 300
	}
	if c.Agent.InitTimeoutSeconds <= 0 {
		c.Agent.InitTimeoutSeconds = 60
	}

	if c.Catalog.Source == "" {
		c.Catalog.Source = "file"
	}
	if c.Catalog.File == "" {
		c.Catalog.File = filepath.Join("assets", "mcp-servers.json")
	}
	if !filepath.IsAbs(c.Catalog.File) {
		c.Catalog.File = filepath.Join(baseDir, c.Catalog.File)
	}
	if c.Catalog.Consul.Tag == "" {
		c.Catalog.Consul.Tag = "mcp"
	}
	if c.Catalog.DrainSeconds <= 0 {
		c.Catalog.DrainSeconds = 30
	}
	if c.Catalog.ConnectTimeout <= 0 {
		c.Catalog.ConnectTimeout = 30
	}

	if c.Policy.Driver == "" {
		c.Policy.Driver = "static"
	}
	if c.Policy.DefaultRole == "" {
		c.Policy.DefaultRole = "admin"
	}
	if c.Policy.TimeoutSeconds <= 0 {
		c.Policy.TimeoutSeconds = 10
	}
	if c.Policy.DSN == "" {
		c.Policy.DSN = c.Sessions.DSN
	}

	if c.Sessions.Driver == "" {
		c.Sessions.Driver = "memory"
	}
	if c.Sessions.Redis.Prefix == "" {
		c.Sessions.Redis.Prefix = "mcp-agent"
	}
	if c.Sessions.LockTTLSeconds <= 0 {
		c.Sessions.LockTTLSeconds = c.Agent.RunBudgetSeconds + 30
	}

	if c.Plans.Store == "" {
		c.Plans.Store = "memory"
	}
	if c.Plans.Queue == "" {
		c.Plans.Queue = "memory"
	}
	if c.Plans.Workers <= 0 {
		c.Plans.Workers = 4
	}
	if c.Plans.MaxRetries <= 0 {
		c.Plans.MaxRetries = 3
	}
	if c.Plans.DSN == "" {
		c.Plans.DSN = c.Sessions.DSN
	}
	if c.Plans.Redis.Address == "" {
		c.Plans.Redis = c.Sessions.Redis
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}
}

// Validate 检查驱动名称与必需的凭据。
func (c *Config) Validate() error {
	var errs []error
	oneOf := func(field, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s 不支持的取值 %q (可选: %s)", field, value, strings.Join(allowed, ", ")))
	}
	oneOf("llm.provider", c.LLM.Provider, "openai")
	oneOf("catalog.source", c.Catalog.Source, "file", "registry", "consul", "merged")
	oneOf("policy.driver", c.Policy.Driver, "static", "registry", "mysql")
	oneOf("sessions.driver", c.Sessions.Driver, "memory", "redis", "mysql")
	oneOf("plans.store", c.Plans.Store, "memory", "mysql")
	oneOf("plans.queue", c.Plans.Queue, "memory", "redis", "rabbitmq")
	oneOf("auth.mode", c.Auth.Mode, "disabled", "jwt")

	if (c.Catalog.Source == "registry" || c.Catalog.Source == "merged") && c.Catalog.RegistryEndpoint == "" {
		errs = append(errs, errors.New("catalog.registry_endpoint 不能为空"))
	}
	if c.Policy.Driver == "registry" && c.Policy.RegistryEndpoint == "" {
		errs = append(errs, errors.New("policy.registry_endpoint 不能为空"))
	}
	if c.Policy.Driver == "mysql" && c.Policy.DSN == "" {
		errs = append(errs, errors.New("policy.dsn 不能为空"))
	}
	if c.Sessions.Driver == "redis" && c.Sessions.Redis.Address == "" {
		errs = append(errs, errors.New("sessions.redis.address 不能为空"))
	}
	if c.Sessions.Driver == "mysql" && c.Sessions.DSN == "" {
		errs = append(errs, errors.New("sessions.dsn 不能为空"))
	}
	if c.Auth.Mode == "jwt" && c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret 不能为空"))
	}
	return errors.Join(errs...)
}

// ResolveAPIKey 返回 OpenAI API Key，优先使用显式配置。
func (c *Config) ResolveAPIKey() string {
	if key := strings.TrimSpace(c.LLM.OpenAI.APIKey); key != "" {
		return key
	}
	if c.LLM.OpenAI.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(c.LLM.OpenAI.APIKeyEnv))
	}
	return ""
}
