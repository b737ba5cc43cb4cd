package policy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"mcp-agent-worker/pkg/logger"
)

// CachedService 在任意策略服务前加一层 Redis 读穿缓存，只缓存成功的结果。
type CachedService struct {
	next   Service
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewCachedService 创建缓存服务。ttl<=0 时默认一分钟。
func NewCachedService(next Service, client redis.UniversalClient, prefix string, ttl time.Duration) *CachedService {
	if prefix == "" {
		prefix = "mcp-agent"
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedService{next: next, client: client, prefix: prefix + ":policy:", ttl: ttl}
}

func (c *CachedService) RoleForUser(ctx context.Context, userID string) (string, error) {
	var role string
	err := c.cached(ctx, "user:"+userID, &role, func() (any, error) {
		return c.next.RoleForUser(ctx, userID)
	})
	return role, err
}

func (c *CachedService) ToolsForRole(ctx context.Context, role string) ([]string, error) {
	var tools []string
	err := c.cached(ctx, "tools:"+role, &tools, func() (any, error) {
		return c.next.ToolsForRole(ctx, role)
	})
	return tools, err
}

func (c *CachedService) SystemPromptForRole(ctx context.Context, role string) (string, error) {
	var prompt string
	err := c.cached(ctx, "prompt:"+role, &prompt, func() (any, error) {
		return c.next.SystemPromptForRole(ctx, role)
	})
	return prompt, err
}

func (c *CachedService) cached(ctx context.Context, key string, out any, load func() (any, error)) error {
	key = c.prefix + key
	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if jsonErr := json.Unmarshal(raw, out); jsonErr == nil {
			return nil
		}
	case !errors.Is(err, redis.Nil):
		// 缓存不可用时直接回源。
		logger.L().WarnContext(ctx, "读取策略缓存失败", slog.String("key", key), slog.Any("error", err))
	}

	value, err := load()
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
		logger.L().WarnContext(ctx, "写入策略缓存失败", slog.String("key", key), slog.Any("error", err))
	}
	return json.Unmarshal(encoded, out)
}
